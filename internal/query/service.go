package query

import (
	"IsoLedger/internal/core"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/projection"
	"IsoLedger/internal/vault"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound        = errors.New("query: not found")
	ErrInvalidArgument = errors.New("query: invalid argument")
	ErrUnavailable     = errors.New("query: unavailable")
)

// Engine is the read surface of core.Engine.
type Engine interface {
	Request(key common.Hash) (*vault.Request, bool)
	Vault(addr common.Address) (core.VaultState, error)
	Balance(pos ledger.Position, market ledger.MarketID) *big.Int
	Expiry(pos ledger.Position, market ledger.MarketID) uint32
	Health(pos ledger.Position) (ledger.AccountValues, bool, error)
	Market(id ledger.MarketID) (ledger.Market, error)
	QuoteExchange(ctx context.Context, trader common.Address, input, output ledger.MarketID, amount *uint256.Int, data []byte) (*uint256.Int, error)
}

// EventReader reads the persisted event log.
type EventReader interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// History reads requests that may have left the live registry.
type History interface {
	LoadRequest(ctx context.Context, key string) (*projection.Record, bool, error)
	ListByVault(ctx context.Context, vault string, limit int) ([]*projection.Record, error)
	Watermark(ctx context.Context) (int64, error)
}

// Service provides read-only access to engine state and the event log.
// Every engine-backed response carries as_of_sequence: the last event
// sequence assigned when the read was served.
type Service struct {
	engine    Engine
	events    EventReader
	history   History
	watermark func() int64
}

func NewService(engine Engine, events EventReader, watermark func() int64) *Service {
	if watermark == nil {
		watermark = func() int64 { return 0 }
	}
	return &Service{engine: engine, events: events, watermark: watermark}
}

// WithHistory enables lookups of requests that are no longer live.
func (s *Service) WithHistory(h History) *Service {
	s.history = h
	return s
}

// GetRequest returns a live async request, or its history entry once it
// has been settled or cancelled.
func (s *Service) GetRequest(ctx context.Context, key common.Hash) (*RequestResponse, error) {
	asOf := s.watermark()
	req, ok := s.engine.Request(key)
	if !ok {
		return s.historicRequest(ctx, key)
	}
	resp := &RequestResponse{
		Key:             req.Key.Hex(),
		Kind:            req.Kind.String(),
		Status:          req.Status.String(),
		Vault:           req.Vault.Hex(),
		AccountNumber:   req.AccountNumber,
		InputMarket:     uint64(req.InputMarket),
		InputAmount:     req.InputAmount.Dec(),
		OutputMarket:    uint64(req.OutputMarket),
		MinOutputAmount: req.MinOutputAmount.Dec(),
		IsRetryable:     req.IsRetryable,
		IsLiquidation:   req.IsLiquidation,
		Attempts:        req.Attempts,
		Custody:         req.Custody.String(),
		LastError:       req.LastError,
		CreatedAt:       req.CreatedAt,
		AsOfSequence:    asOf,
	}
	if req.OutputAmount != nil {
		out := req.OutputAmount.Dec()
		resp.OutputAmount = &out
	}
	return resp, nil
}

func (s *Service) historicRequest(ctx context.Context, key common.Hash) (*RequestResponse, error) {
	if s.history == nil {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, key.Hex())
	}
	rec, ok, err := s.history.LoadRequest(ctx, key.Hex())
	if err != nil {
		return nil, fmt.Errorf("%w: request history: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, key.Hex())
	}
	resp := fromRecord(rec)
	resp.AsOfSequence = rec.LastSequence
	return &resp, nil
}

// GetVaultRequests lists the request history of a vault, newest first.
func (s *Service) GetVaultRequests(ctx context.Context, addr common.Address, limit int) (*VaultRequestsResponse, error) {
	if s.history == nil {
		return nil, fmt.Errorf("%w: request history", ErrUnavailable)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	asOf, err := s.history.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: request history: %v", ErrUnavailable, err)
	}
	recs, err := s.history.ListByVault(ctx, addr.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: request history: %v", ErrUnavailable, err)
	}
	out := &VaultRequestsResponse{
		Vault:        addr.Hex(),
		Requests:     make([]RequestResponse, len(recs)),
		AsOfSequence: asOf,
	}
	for i, rec := range recs {
		out.Requests[i] = fromRecord(rec)
		out.Requests[i].AsOfSequence = rec.LastSequence
	}
	return out, nil
}

func fromRecord(rec *projection.Record) RequestResponse {
	return RequestResponse{
		Key:             rec.Key,
		Kind:            rec.Kind,
		Status:          rec.Status,
		Vault:           rec.Vault,
		AccountNumber:   rec.AccountNumber,
		InputMarket:     rec.InputMarket,
		InputAmount:     rec.InputAmount,
		OutputMarket:    rec.OutputMarket,
		MinOutputAmount: rec.MinOutputAmount,
		OutputAmount:    rec.OutputAmount,
		IsRetryable:     rec.Status == projection.StatusFailedRetryable,
		IsLiquidation:   rec.IsLiquidation,
		Attempts:        rec.Attempts,
		LastError:       rec.LastError,
		CreatedAt:       rec.CreatedAt,
		Historical:      true,
	}
}

// GetVault returns the frozen state of an isolation vault.
func (s *Service) GetVault(addr common.Address) (*VaultResponse, error) {
	asOf := s.watermark()
	state, err := s.engine.Vault(addr)
	if errors.Is(err, core.ErrNoAsyncMarket) {
		return nil, fmt.Errorf("%w: vault %s", ErrNotFound, addr.Hex())
	}
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(state.PendingKeys))
	for i, k := range state.PendingKeys {
		keys[i] = k.Hex()
	}
	return &VaultResponse{
		Vault:        state.Vault.Hex(),
		Owner:        state.Owner.Hex(),
		Frozen:       state.Frozen,
		PendingKeys:  keys,
		AsOfSequence: asOf,
	}, nil
}

// GetPosition returns the balance of pos in market and the position's
// margin state.
func (s *Service) GetPosition(pos ledger.Position, market ledger.MarketID) (*PositionResponse, error) {
	asOf := s.watermark()
	if _, err := s.engine.Market(market); err != nil {
		return nil, fmt.Errorf("%w: market %d", ErrNotFound, market)
	}
	vals, under, err := s.engine.Health(pos)
	if err != nil {
		return nil, err
	}
	return &PositionResponse{
		Owner:         pos.Owner.Hex(),
		Number:        pos.Number,
		Market:        uint64(market),
		Balance:       s.engine.Balance(pos, market).String(),
		Expiry:        s.engine.Expiry(pos, market),
		Supply:        vals.Supply.Dec(),
		Borrow:        vals.Borrow.Dec(),
		UnderMargined: under,
		AsOfSequence:  asOf,
	}, nil
}

// Quote asks the adapter at trader what amount of output it would return.
func (s *Service) Quote(ctx context.Context, trader common.Address, input, output ledger.MarketID, amount *uint256.Int, data []byte) (*QuoteResponse, error) {
	out, err := s.engine.QuoteExchange(ctx, trader, input, output, amount, data)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		Trader:       trader.Hex(),
		InputMarket:  uint64(input),
		OutputMarket: uint64(output),
		InputAmount:  amount.Dec(),
		OutputAmount: out.Dec(),
	}, nil
}

// GetEvents pages through the event log from a sequence.
func (s *Service) GetEvents(ctx context.Context, from int64, limit int) ([]EventResponse, error) {
	if s.events == nil {
		return nil, fmt.Errorf("%w: event log", ErrUnavailable)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.events.LoadEventsFrom(ctx, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]EventResponse, len(rows))
	for i, r := range rows {
		out[i] = EventResponse{
			Sequence:       r.Sequence,
			EventType:      r.EventType,
			IdempotencyKey: r.IdempotencyKey,
			MarketID:       r.MarketID,
			Payload:        r.Payload,
			Timestamp:      r.Timestamp,
		}
	}
	return out, nil
}

// --- argument parsing ---

func ParseKey(s string) (common.Hash, error) {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("%w: key %q", ErrInvalidArgument, s)
	}
	return common.HexToHash(s), nil
}

func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: address %q", ErrInvalidArgument, s)
	}
	return common.HexToAddress(s), nil
}

func ParseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidArgument, name, s)
	}
	return v, nil
}

func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil || v.IsZero() {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidArgument, s)
	}
	return v, nil
}
