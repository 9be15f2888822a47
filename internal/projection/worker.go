package projection

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	workerID    = "request_history"
	replayBatch = 500
)

// EventReader reads the persisted event log.
type EventReader interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// Worker folds durable events into projections.request_history.
// Its input is fed without blocking, so envelopes can be dropped; a gap in
// sequences is filled from the event log before the next envelope applies.
type Worker struct {
	db      *sql.DB
	input   <-chan event.EventEnvelope
	log     EventReader
	logger  zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan event.EventEnvelope, log EventReader, logger zerolog.Logger) *Worker {
	return &Worker{db: db, input: input, log: log, logger: logger}
}

// CatchUp loads the watermark and replays everything logged after it.
func (w *Worker) CatchUp(ctx context.Context) (int, error) {
	seq, err := NewStore(w.db).Watermark(ctx)
	if err != nil {
		return 0, err
	}
	w.lastSeq = seq
	return w.replay(ctx, seq+1, 0)
}

// Run applies envelopes until ctx is cancelled or the input is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if env.Sequence <= w.lastSeq {
				continue
			}
			if env.Sequence > w.lastSeq+1 {
				if _, err := w.replay(ctx, w.lastSeq+1, env.Sequence-1); err != nil {
					w.logger.Warn().Err(err).Int64("from", w.lastSeq+1).Msg("history gap replay failed")
				}
			}
			if err := w.Apply(ctx, env); err != nil {
				// The history is rebuildable from the log; keep going.
				w.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("history update failed")
			}
		}
	}
}

// Apply folds one envelope in its own transaction and advances the
// watermark.
func (w *Worker) Apply(ctx context.Context, env event.EventEnvelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyTx(ctx, tx, env); err != nil {
		if !errors.Is(err, ErrNotCreated) {
			return err
		}
		w.logger.Debug().Int64("sequence", env.Sequence).Str("type", env.EventType.String()).
			Msg("event for a request created before history began")
	}
	if err := saveWatermark(ctx, tx, env.Sequence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.lastSeq = env.Sequence
	return nil
}

func applyTx(ctx context.Context, tx *sql.Tx, env event.EventEnvelope) error {
	key, ok, err := RequestKey(env)
	if err != nil || !ok {
		return err
	}
	rec, found, err := loadRecord(ctx, tx, key, true)
	if err != nil {
		return err
	}
	if !found {
		rec = &Record{}
	}
	if err := rec.Apply(env); err != nil {
		return err
	}
	return saveRecord(ctx, tx, rec)
}

// replay applies logged events in [from, to]; to <= 0 means up to the
// newest logged event.
func (w *Worker) replay(ctx context.Context, from, to int64) (int, error) {
	if w.log == nil {
		return 0, nil
	}
	applied := 0
	for {
		rows, err := w.log.LoadEventsFrom(ctx, from, replayBatch)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			if to > 0 && row.Sequence > to {
				return applied, nil
			}
			if err := w.Apply(ctx, persistence.EnvelopeFromRow(row)); err != nil {
				return applied, fmt.Errorf("replay %d: %w", row.Sequence, err)
			}
			applied++
			from = row.Sequence + 1
		}
		if len(rows) < replayBatch {
			if applied > 0 {
				w.logger.Info().Int("events", applied).Int64("watermark", w.lastSeq).Msg("history replayed from event log")
			}
			return applied, nil
		}
	}
}

// Rebuild truncates the history and replays the whole event log.
func Rebuild(ctx context.Context, db *sql.DB, log EventReader, logger zerolog.Logger) (int, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.request_history`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + workerID + `'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}
	w := NewWorker(db, nil, log, logger)
	return w.replay(ctx, 1, 0)
}
