package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store reads the request history.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectRecord = `
	SELECT request_key, kind, status, vault, account_number::TEXT,
	       input_market, input_amount::TEXT, output_market, min_output_amount::TEXT,
	       output_amount::TEXT, is_liquidation, attempts, last_error,
	       created_at, updated_at, last_sequence
	FROM projections.request_history`

// LoadRequest returns the history of one request. ok is false when the key
// was never seen.
func (s *Store) LoadRequest(ctx context.Context, key string) (*Record, bool, error) {
	return loadRecord(ctx, s.db, key, false)
}

// ListByVault returns up to limit requests of vault, newest first.
func (s *Store) ListByVault(ctx context.Context, vault string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE vault = $1
		ORDER BY created_at DESC, request_key ASC
		LIMIT $2
	`, vault, limit)
	if err != nil {
		return nil, fmt.Errorf("list history of %s: %w", vault, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Watermark returns the last sequence the worker has applied.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	return seq, nil
}

func loadRecord(ctx context.Context, q querier, key string, lock bool) (*Record, bool, error) {
	stmt := selectRecord + ` WHERE request_key = $1`
	if lock {
		stmt += ` FOR UPDATE`
	}
	rec, err := scanRecord(q.QueryRowContext(ctx, stmt, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec      Record
		account  string
		output   sql.NullString
		attempts int64
	)
	err := row.Scan(
		&rec.Key, &rec.Kind, &rec.Status, &rec.Vault, &account,
		&rec.InputMarket, &rec.InputAmount, &rec.OutputMarket, &rec.MinOutputAmount,
		&output, &rec.IsLiquidation, &attempts, &rec.LastError,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.LastSequence,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if rec.AccountNumber, err = strconv.ParseUint(account, 10, 64); err != nil {
		return nil, fmt.Errorf("history %s account: %w", rec.Key, err)
	}
	if output.Valid {
		rec.OutputAmount = &output.String
	}
	rec.Attempts = uint32(attempts)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func saveRecord(ctx context.Context, q querier, rec *Record) error {
	var output sql.NullString
	if rec.OutputAmount != nil {
		output = sql.NullString{String: *rec.OutputAmount, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO projections.request_history
			(request_key, kind, status, vault, account_number,
			 input_market, input_amount, output_market, min_output_amount,
			 output_amount, is_liquidation, attempts, last_error,
			 created_at, updated_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (request_key) DO UPDATE SET
			status        = EXCLUDED.status,
			output_amount = EXCLUDED.output_amount,
			attempts      = EXCLUDED.attempts,
			last_error    = EXCLUDED.last_error,
			updated_at    = EXCLUDED.updated_at,
			last_sequence = EXCLUDED.last_sequence
	`,
		rec.Key, rec.Kind, rec.Status, rec.Vault, strconv.FormatUint(rec.AccountNumber, 10),
		int64(rec.InputMarket), rec.InputAmount, int64(rec.OutputMarket), rec.MinOutputAmount,
		output, rec.IsLiquidation, int64(rec.Attempts), rec.LastError,
		rec.CreatedAt, rec.UpdatedAt, rec.LastSequence,
	)
	if err != nil {
		return fmt.Errorf("save history %s: %w", rec.Key, err)
	}
	return nil
}

func saveWatermark(ctx context.Context, q querier, seq int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, workerID, seq)
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}
