package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresProcessedStore is the durable tier of keeper callback dedup.
type PostgresProcessedStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresProcessedStore(db *sql.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsProcessed checks if the callback id was recorded.
func (s *PostgresProcessedStore) IsProcessed(ctx context.Context, callbackID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
        SELECT 1
        FROM event_log.processed_callbacks
        WHERE callback_id = $1
        LIMIT 1
    `, callbackID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresProcessedStore) MarkProcessed(ctx context.Context, callbackID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO event_log.processed_callbacks (callback_id)
        VALUES ($1)
        ON CONFLICT (callback_id) DO NOTHING
    `, callbackID)
	return err
}

// RecentIDs returns up to limit most recently processed ids, oldest first,
// for warming the in-memory tier.
func (s *PostgresProcessedStore) RecentIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT callback_id FROM (
            SELECT callback_id, processed_at
            FROM event_log.processed_callbacks
            ORDER BY processed_at DESC
            LIMIT $1
        ) recent
        ORDER BY processed_at ASC
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
