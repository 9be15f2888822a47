package persistence

import (
	"IsoLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventLogWriter writes sealed events to event_log.events using multi-row
// INSERT. Rows already present under the same (event_type, idempotency_key)
// are skipped, so replays after a crash are harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventID        uuid.UUID
	EventType      string
	IdempotencyKey string
	MarketID       *int64
	Payload        []byte // JSON-encoded event payload
	Timestamp      time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowFromEnvelope maps a sealed envelope to its log row.
func RowFromEnvelope(env event.EventEnvelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		EventID:        uuid.New(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp.UTC(),
	}
	if env.MarketID != nil {
		m := int64(*env.MarketID)
		row.MarketID = &m
	}
	return row
}

// EnvelopeFromRow rebuilds the envelope a logged row was written from.
func EnvelopeFromRow(row EventRow) event.EventEnvelope {
	env := event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      event.ParseEventType(row.EventType),
		Timestamp:      row.Timestamp.UTC(),
		Payload:        row.Payload,
	}
	if row.MarketID != nil {
		m := uint64(*row.MarketID)
		env.MarketID = &m
	}
	return env
}

// WriteEventBatch writes a batch of events. It returns the number of rows
// inserted.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, idempotency_key, market_id, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventID.String(), e.EventType, e.IdempotencyKey,
			e.MarketID, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestSequence returns the highest sequence in the event log, or zero.
func (w *EventLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, idempotency_key, market_id, payload, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e      EventRow
			id     string
			market sql.NullInt64
		)
		if err := rows.Scan(&e.Sequence, &id, &e.EventType, &e.IdempotencyKey, &market, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if e.EventID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event %d id: %w", e.Sequence, err)
		}
		if market.Valid {
			e.MarketID = &market.Int64
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
