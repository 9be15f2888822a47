package vault

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Venue is the external keeper network that settles conversions out-of-band.
type Venue interface {
	SubmitDeposit(ctx context.Context, req *Request) error
	SubmitWithdrawal(ctx context.Context, req *Request) error
	Cancel(ctx context.Context, key common.Hash) error
}

// RequestStore persists live requests and the key chain tip.
type RequestStore interface {
	SaveRequest(ctx context.Context, req *Request) error
	DeleteRequest(ctx context.Context, key common.Hash) error
	SaveKeyChain(ctx context.Context, tip common.Hash, nonce uint64) error
}

// LiquidatorChecker answers per-market liquidator allow-list queries.
type LiquidatorChecker interface {
	IsAllowed(market ledger.MarketID, liquidator common.Address) bool
}

// PairValidator is implemented by conversion adapters.
type PairValidator interface {
	ValidatePair(input, output ledger.MarketID) error
}

type Config struct {
	// CancelTimeout is measured from request creation and never extended.
	CancelTimeout time.Duration
	// MaxExtraDataBytes bounds extra data at request creation.
	MaxExtraDataBytes int
	// Keepers may deliver callbacks. Empty accepts any sender.
	Keepers []common.Address
}

func DefaultConfig() Config {
	return Config{
		CancelTimeout:     time.Hour,
		MaxExtraDataBytes: 256,
	}
}

// AsyncRegistry owns every async conversion request of one isolation market
// and the frozen state derived from them. A vault is frozen while it has at
// least one live request.
//
// AsyncRegistry is NOT thread-safe: callers serialize access.
type AsyncRegistry struct {
	address common.Address
	ledger  *ledger.Ledger
	factory *Factory
	allow   LiquidatorChecker
	venue   Venue
	store   RequestStore
	events  event.Sink
	logger  zerolog.Logger
	cfg     Config
	keepers map[common.Address]struct{}

	wrapper   common.Address
	unwrapper common.Address

	chain    *KeyChain
	requests map[common.Hash]*Request
	byVault  map[common.Address]map[common.Hash]struct{}
}

type Option func(*AsyncRegistry)

func WithStore(store RequestStore) Option {
	return func(r *AsyncRegistry) { r.store = store }
}

func WithEvents(sink event.Sink) Option {
	return func(r *AsyncRegistry) { r.events = sink }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *AsyncRegistry) { r.logger = logger }
}

func NewAsyncRegistry(
	address common.Address,
	l *ledger.Ledger,
	factory *Factory,
	allow LiquidatorChecker,
	venue Venue,
	cfg Config,
	opts ...Option,
) *AsyncRegistry {
	r := &AsyncRegistry{
		address:  address,
		ledger:   l,
		factory:  factory,
		allow:    allow,
		venue:    venue,
		events:   event.NopSink{},
		logger:   zerolog.Nop(),
		cfg:      cfg,
		keepers:  make(map[common.Address]struct{}, len(cfg.Keepers)),
		chain:    NewKeyChain(),
		requests: make(map[common.Hash]*Request),
		byVault:  make(map[common.Address]map[common.Hash]struct{}),
	}
	for _, k := range cfg.Keepers {
		r.keepers[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTraders binds the async wrapper and unwrapper adapters by address.
func (r *AsyncRegistry) SetTraders(wrapper, unwrapper common.Address) {
	r.wrapper = wrapper
	r.unwrapper = unwrapper
}

func (r *AsyncRegistry) Address() common.Address { return r.address }
func (r *AsyncRegistry) Factory() *Factory       { return r.factory }
func (r *AsyncRegistry) Config() Config          { return r.cfg }
func (r *AsyncRegistry) KeyChain() *KeyChain     { return r.chain }

// IsVaultFrozen reports whether vault has any live request.
func (r *AsyncRegistry) IsVaultFrozen(vault common.Address) bool {
	return len(r.byVault[vault]) > 0
}

// PendingKeys lists the live request keys of vault in ascending order.
func (r *AsyncRegistry) PendingKeys(vault common.Address) []common.Hash {
	out := make([]common.Hash, 0, len(r.byVault[vault]))
	for k := range r.byVault[vault] {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Request returns a copy of a live request.
func (r *AsyncRegistry) Request(key common.Hash) (*Request, bool) {
	req, ok := r.requests[key]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// Requests returns copies of every live request ordered by creation.
func (r *AsyncRegistry) Requests() []*Request {
	out := make([]*Request, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key.Cmp(out[j].Key) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FrozenVaults counts vaults with at least one live request.
func (r *AsyncRegistry) FrozenVaults() int {
	return len(r.byVault)
}

// Restore loads persisted requests and key chain state after a restart.
func (r *AsyncRegistry) Restore(tip common.Hash, nonce uint64, requests []*Request) {
	used := make([]common.Hash, 0, len(requests))
	for _, req := range requests {
		r.put(req.Clone())
		used = append(used, req.Key)
	}
	r.chain.Restore(tip, nonce, used)
}

func (r *AsyncRegistry) put(req *Request) {
	r.requests[req.Key] = req
	keys, ok := r.byVault[req.Vault]
	if !ok {
		keys = make(map[common.Hash]struct{})
		r.byVault[req.Vault] = keys
	}
	keys[req.Key] = struct{}{}
}

func (r *AsyncRegistry) remove(req *Request) {
	delete(r.requests, req.Key)
	if keys, ok := r.byVault[req.Vault]; ok {
		delete(keys, req.Key)
		if len(keys) == 0 {
			delete(r.byVault, req.Vault)
		}
	}
}

func (r *AsyncRegistry) isKeeper(addr common.Address) bool {
	if len(r.keepers) == 0 {
		return true
	}
	_, ok := r.keepers[addr]
	return ok
}

func (r *AsyncRegistry) persist(ctx context.Context, req *Request) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRequest(ctx, req.Clone()); err != nil {
		r.logger.Error().Err(err).Str("key", req.Key.Hex()).Msg("persist request failed")
	}
}

func (r *AsyncRegistry) persistChain(ctx context.Context) {
	if r.store == nil {
		return
	}
	tip, nonce := r.chain.Tip()
	if err := r.store.SaveKeyChain(ctx, tip, nonce); err != nil {
		r.logger.Error().Err(err).Msg("persist key chain failed")
	}
}

func (r *AsyncRegistry) forget(ctx context.Context, key common.Hash) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteRequest(ctx, key); err != nil {
		r.logger.Error().Err(err).Str("key", key.Hex()).Msg("delete request failed")
	}
}

func (r *AsyncRegistry) logRequest(ev *zerolog.Event, req *Request) *zerolog.Event {
	return ev.
		Str("key", req.Key.Hex()).
		Str("vault", req.Vault.Hex()).
		Uint64("account", req.AccountNumber).
		Str("kind", req.Kind.String()).
		Str("status", req.Status.String())
}
