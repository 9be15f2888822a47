package persistence

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/vault"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestStore persists the live async requests and key chain tip of one
// registry. Amounts are stored as NUMERIC(78,0) decimal text.
type RequestStore struct {
	db       *sql.DB
	registry common.Address
}

func NewRequestStore(db *sql.DB, registry common.Address) *RequestStore {
	return &RequestStore{db: db, registry: registry}
}

// SaveRequest upserts req.
func (s *RequestStore) SaveRequest(ctx context.Context, req *vault.Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async.requests
			(registry, request_key, kind, vault, account_number,
			 input_market, input_token, input_amount,
			 output_market, output_token, min_output_amount, output_amount,
			 is_retryable, is_liquidation, status, attempts,
			 extra_data_hash, extra_data_len, custody_token, custody_amount,
			 custodian, initiator, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, NOW())
		ON CONFLICT (registry, request_key) DO UPDATE SET
			output_amount  = EXCLUDED.output_amount,
			is_retryable   = EXCLUDED.is_retryable,
			status         = EXCLUDED.status,
			attempts       = EXCLUDED.attempts,
			custody_token  = EXCLUDED.custody_token,
			custody_amount = EXCLUDED.custody_amount,
			last_error     = EXCLUDED.last_error,
			updated_at     = NOW()
	`,
		s.registry.Hex(), req.Key.Hex(), req.Kind.String(), req.Vault.Hex(),
		strconv.FormatUint(req.AccountNumber, 10),
		int64(req.InputMarket), req.InputToken.Hex(), decimalOrNull(req.InputAmount),
		int64(req.OutputMarket), req.OutputToken.Hex(), decimalOrNull(req.MinOutputAmount),
		decimalOrNull(req.OutputAmount),
		req.IsRetryable, req.IsLiquidation, req.Status.String(), int64(req.Attempts),
		req.ExtraDataHash.Hex(), req.ExtraDataLen,
		custodyToken(req.Custody), decimalOrNull(req.Custody.Amount),
		req.Custodian.Hex(), req.Initiator.Hex(), req.LastError, req.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save request %s: %w", req.Key.Hex(), err)
	}
	return nil
}

func (s *RequestStore) DeleteRequest(ctx context.Context, key common.Hash) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM async.requests WHERE registry = $1 AND request_key = $2`,
		s.registry.Hex(), key.Hex(),
	)
	if err != nil {
		return fmt.Errorf("delete request %s: %w", key.Hex(), err)
	}
	return nil
}

func (s *RequestStore) SaveKeyChain(ctx context.Context, tip common.Hash, nonce uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async.key_chain (registry, tip, nonce, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (registry) DO UPDATE SET tip = EXCLUDED.tip, nonce = EXCLUDED.nonce, updated_at = NOW()
	`, s.registry.Hex(), tip.Hex(), strconv.FormatUint(nonce, 10))
	if err != nil {
		return fmt.Errorf("save key chain: %w", err)
	}
	return nil
}

// LoadKeyChain returns the persisted tip. ok is false on a fresh database.
func (s *RequestStore) LoadKeyChain(ctx context.Context) (tip common.Hash, nonce uint64, ok bool, err error) {
	var tipHex, nonceText string
	err = s.db.QueryRowContext(ctx,
		`SELECT tip, nonce::TEXT FROM async.key_chain WHERE registry = $1`, s.registry.Hex(),
	).Scan(&tipHex, &nonceText)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Hash{}, 0, false, nil
	}
	if err != nil {
		return common.Hash{}, 0, false, fmt.Errorf("load key chain: %w", err)
	}
	nonce, err = strconv.ParseUint(nonceText, 10, 64)
	if err != nil {
		return common.Hash{}, 0, false, fmt.Errorf("key chain nonce %q: %w", nonceText, err)
	}
	return common.HexToHash(tipHex), nonce, true, nil
}

// LoadRequests returns every live request of the registry ordered by creation.
func (s *RequestStore) LoadRequests(ctx context.Context) ([]*vault.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_key, kind, vault, account_number::TEXT,
		       input_market, input_token, input_amount::TEXT,
		       output_market, output_token, min_output_amount::TEXT, output_amount::TEXT,
		       is_retryable, is_liquidation, status, attempts,
		       extra_data_hash, extra_data_len, custody_token, custody_amount::TEXT,
		       custodian, initiator, last_error, created_at
		FROM async.requests
		WHERE registry = $1
		ORDER BY created_at ASC, request_key ASC
	`, s.registry.Hex())
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	defer rows.Close()

	var out []*vault.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Restore loads the registry's persisted state into reg.
func (s *RequestStore) Restore(ctx context.Context, reg *vault.AsyncRegistry) (int, error) {
	tip, nonce, ok, err := s.LoadKeyChain(ctx)
	if err != nil {
		return 0, err
	}
	requests, err := s.LoadRequests(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		tip, nonce = reg.KeyChain().Tip()
	}
	reg.Restore(tip, nonce, requests)
	return len(requests), nil
}

func scanRequest(rows *sql.Rows) (*vault.Request, error) {
	var (
		key, kind, vaultHex, account                     string
		inputMarket, outputMarket, attempts              int64
		inputToken, outputToken                          string
		inputAmount, minOutput                           string
		outputAmount, custodyTok, custodyAmount          sql.NullString
		isRetryable, isLiquidation                       bool
		status, extraHash, custodian, initiator, lastErr string
		extraLen                                         int
		createdAt                                        time.Time
	)
	if err := rows.Scan(
		&key, &kind, &vaultHex, &account,
		&inputMarket, &inputToken, &inputAmount,
		&outputMarket, &outputToken, &minOutput, &outputAmount,
		&isRetryable, &isLiquidation, &status, &attempts,
		&extraHash, &extraLen, &custodyTok, &custodyAmount,
		&custodian, &initiator, &lastErr, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}

	req := &vault.Request{
		Key:           common.HexToHash(key),
		Vault:         common.HexToAddress(vaultHex),
		InputMarket:   ledger.MarketID(inputMarket),
		InputToken:    common.HexToAddress(inputToken),
		OutputMarket:  ledger.MarketID(outputMarket),
		OutputToken:   common.HexToAddress(outputToken),
		IsRetryable:   isRetryable,
		IsLiquidation: isLiquidation,
		Attempts:      uint32(attempts),
		ExtraDataHash: common.HexToHash(extraHash),
		ExtraDataLen:  extraLen,
		CreatedAt:     createdAt.UTC(),
		Custodian:     common.HexToAddress(custodian),
		Initiator:     common.HexToAddress(initiator),
		LastError:     lastErr,
	}
	var err error
	if req.Kind, err = vault.ParseKind(kind); err != nil {
		return nil, err
	}
	if req.Status, err = vault.ParseStatus(status); err != nil {
		return nil, err
	}
	if req.AccountNumber, err = strconv.ParseUint(account, 10, 64); err != nil {
		return nil, fmt.Errorf("request %s account: %w", key, err)
	}
	if req.InputAmount, err = parseDecimal(inputAmount); err != nil {
		return nil, fmt.Errorf("request %s input amount: %w", key, err)
	}
	if req.MinOutputAmount, err = parseDecimal(minOutput); err != nil {
		return nil, fmt.Errorf("request %s min output: %w", key, err)
	}
	if outputAmount.Valid {
		if req.OutputAmount, err = parseDecimal(outputAmount.String); err != nil {
			return nil, fmt.Errorf("request %s output amount: %w", key, err)
		}
	}
	if custodyTok.Valid && custodyAmount.Valid {
		amount, err := parseDecimal(custodyAmount.String)
		if err != nil {
			return nil, fmt.Errorf("request %s custody: %w", key, err)
		}
		req.Custody = vault.Custody{Token: common.HexToAddress(custodyTok.String), Amount: amount}
	}
	return req, nil
}

func decimalOrNull(v *uint256.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Dec(), Valid: true}
}

func custodyToken(c vault.Custody) sql.NullString {
	if c.IsEmpty() {
		return sql.NullString{}
	}
	return sql.NullString{String: c.Token.Hex(), Valid: true}
}

func parseDecimal(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}
