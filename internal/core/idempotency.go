package core

import (
	"IsoLedger/internal/observability"
	"container/list"
	"context"

	"github.com/rs/zerolog"
)

// Deduper implements two-tier deduplication of keeper callbacks.
type Deduper struct {
	// Tier 1: In-memory LRU
	lru *CallbackLRU

	// Tier 2: Postgres (injected via interface)
	store ProcessedStore

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// ProcessedStore is the durable record of handled callback ids.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, callbackID string) (bool, error)
	MarkProcessed(ctx context.Context, callbackID string) error
}

func NewDeduper(capacity int, store ProcessedStore, metrics *observability.Metrics, logger zerolog.Logger) *Deduper {
	d := &Deduper{
		lru:     NewCallbackLRU(capacity),
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
	if metrics != nil {
		d.lru.onEvict = metrics.DedupLRUEvictions.Inc
	}
	return d
}

// IsDuplicate checks if a callback has been handled (two-tier lookup).
func (d *Deduper) IsDuplicate(ctx context.Context, callbackID string) bool {
	if d.lru.Contains(callbackID) {
		d.recordDuplicate("lru")
		return true
	}

	if d.store != nil {
		dup, err := d.store.IsProcessed(ctx, callbackID)
		if err != nil {
			// A store outage must not block callbacks: the registry rejects
			// replays of settled requests on its own.
			d.logger.Warn().Err(err).Str("callback_id", callbackID).Msg("dedup store lookup failed")
			d.recordDuplicate("store_error")
			return false
		}
		if dup {
			d.recordDuplicate("postgres")
			d.lru.Add(callbackID)
			return true
		}
	}
	return false
}

// MarkProcessed records callbackID in both tiers.
func (d *Deduper) MarkProcessed(ctx context.Context, callbackID string) {
	d.lru.Add(callbackID)
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	}
	if d.store == nil {
		return
	}
	if err := d.store.MarkProcessed(ctx, callbackID); err != nil {
		d.logger.Warn().Err(err).Str("callback_id", callbackID).Msg("dedup store write failed")
	}
}

// Warm preloads recently handled ids after a restart.
func (d *Deduper) Warm(ids []string) {
	d.lru.WarmFromKeys(ids)
}

func (d *Deduper) LRU() *CallbackLRU { return d.lru }

func (d *Deduper) recordDuplicate(tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// CallbackLRU is an LRU set of callback ids.
// Not thread-safe: only accessed under the engine lock.
type CallbackLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
	onEvict   func()
}

func NewCallbackLRU(capacity int) *CallbackLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &CallbackLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *CallbackLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (lru *CallbackLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *CallbackLRU) evictOldest() {
	elem := lru.order.Back()
	if elem == nil {
		return
	}
	lru.order.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
	if lru.onEvict != nil {
		lru.onEvict()
	}
}

// WarmFromKeys loads ids oldest first so the newest stay resident.
func (lru *CallbackLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, ok := lru.cache[key]; ok {
			continue
		}
		lru.cache[key] = lru.order.PushFront(key)
		if lru.order.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *CallbackLRU) Size() int { return lru.order.Len() }

func (lru *CallbackLRU) Evictions() int64 { return lru.evictions }
