package persistence

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Worker drains sealed events and batch-writes them to the event log.
// It runs independently of the engine; the engine's sink blocks when the
// channel is full, so a stalled database stalls the engine rather than
// dropping events.
type Worker struct {
	db           *sql.DB
	writer       *EventLogWriter
	input        <-chan event.EventEnvelope
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// forward receives envelopes once they are durable. Optional.
	forward []chan<- event.EventEnvelope

	// maxRetryInterval caps the flush backoff.
	maxRetryInterval time.Duration
}

func NewWorker(
	db *sql.DB,
	input <-chan event.EventEnvelope,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Worker{
		db:               db,
		writer:           NewEventLogWriter(db),
		input:            input,
		batchSize:        batchSize,
		flushTimeout:     flushTimeout,
		metrics:          metrics,
		logger:           logger,
		maxRetryInterval: 30 * time.Second,
	}
}

// Forward hands every durably written envelope to each out. Sends never
// block: a full channel drops the envelope, which stays readable from the log.
func (w *Worker) Forward(out ...chan<- event.EventEnvelope) {
	w.forward = append(w.forward, out...)
}

// Run batches incoming envelopes and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]event.EventEnvelope, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, env)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, then makes one last attempt on shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, envs []event.EventEnvelope) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = w.maxRetryInterval
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return w.flush(ctx, envs)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
		w.logger.Warn().Err(err).Dur("backoff", wait).Int("events", len(envs)).Msg("persistence retry")
	})
	if err == nil {
		if attempts > 1 {
			w.logger.Info().Int("attempts", attempts).Msg("persistence flush succeeded after retries")
		}
		return nil
	}
	if ctx.Err() != nil {
		if finalErr := w.flush(context.Background(), envs); finalErr != nil {
			return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
		}
		return nil
	}
	return err
}

func (w *Worker) flush(ctx context.Context, envs []event.EventEnvelope) error {
	rows := make([]EventRow, len(envs))
	for i, env := range envs {
		rows[i] = RowFromEnvelope(env)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	written, err := w.writer.WriteEventBatch(ctx, tx, rows)
	if err != nil {
		w.recordError("write_events")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.recordError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistEventsWritten.Add(float64(written))
	}
	if skipped := int64(len(rows)) - written; skipped > 0 {
		w.logger.Debug().Int64("skipped", skipped).Msg("events already logged")
	}
	w.forwardAll(envs)
	return nil
}

func (w *Worker) forwardAll(envs []event.EventEnvelope) {
	for i, out := range w.forward {
		for _, env := range envs {
			select {
			case out <- env:
			default:
				w.logger.Warn().Int("consumer", i).Int64("sequence", env.Sequence).Msg("forward channel full, event not forwarded")
			}
		}
	}
}

func (w *Worker) recordError(op string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
