package state

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrMarketNotFound  = errors.New("state: market not found")
	ErrDuplicateMarket = errors.New("state: market already registered")
	ErrInvalidMarket   = errors.New("state: invalid market")
)

// MarketRegistry is the authoritative source of price, margin premium,
// supply cap and closing status per market.
type MarketRegistry struct {
	markets map[ledger.MarketID]*ledger.Market
	byToken map[common.Address]ledger.MarketID
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[ledger.MarketID]*ledger.Market),
		byToken: make(map[common.Address]ledger.MarketID),
	}
}

// ValidateMarket checks that market attributes are within valid ranges:
// token set, price > 0, premium < 100%.
func ValidateMarket(m ledger.Market) error {
	if m.Token == (common.Address{}) {
		return fmt.Errorf("%w: market %d has no token", ErrInvalidMarket, m.ID)
	}
	if m.Price == nil || m.Price.IsZero() {
		return fmt.Errorf("%w: market %d price must be > 0", ErrInvalidMarket, m.ID)
	}
	if m.MarginPremium != nil && !m.MarginPremium.Lt(fpmath.One) {
		return fmt.Errorf("%w: market %d margin premium %s must be < 1.0", ErrInvalidMarket, m.ID, m.MarginPremium)
	}
	return nil
}

func (r *MarketRegistry) Add(m ledger.Market) error {
	if err := ValidateMarket(m); err != nil {
		return err
	}
	if _, ok := r.markets[m.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateMarket, m.ID)
	}
	if other, ok := r.byToken[m.Token]; ok {
		return fmt.Errorf("%w: token %s already backs market %d", ErrDuplicateMarket, m.Token.Hex(), other)
	}
	cp := copyMarket(m)
	r.markets[m.ID] = &cp
	r.byToken[m.Token] = m.ID
	return nil
}

// Market returns a copy of the market so callers cannot mutate registry state.
func (r *MarketRegistry) Market(id ledger.MarketID) (ledger.Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return ledger.Market{}, fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	return copyMarket(*m), nil
}

func (r *MarketRegistry) MarketByToken(token common.Address) (ledger.Market, error) {
	id, ok := r.byToken[token]
	if !ok {
		return ledger.Market{}, fmt.Errorf("%w: token %s", ErrMarketNotFound, token.Hex())
	}
	return r.Market(id)
}

func (r *MarketRegistry) SetPrice(id ledger.MarketID, price *uint256.Int) error {
	m, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	if price == nil || price.IsZero() {
		return fmt.Errorf("%w: market %d price must be > 0", ErrInvalidMarket, id)
	}
	m.Price = new(uint256.Int).Set(price)
	return nil
}

func (r *MarketRegistry) SetClosing(id ledger.MarketID, closing bool) error {
	m, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	m.IsClosing = closing
	return nil
}

func (r *MarketRegistry) SetSupplyCap(id ledger.MarketID, limit *uint256.Int) error {
	m, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	m.SupplyCap = cloneInt(limit)
	return nil
}

// IDs returns every registered market id in ascending order.
func (r *MarketRegistry) IDs() []ledger.MarketID {
	ids := make([]ledger.MarketID, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyMarket(m ledger.Market) ledger.Market {
	return ledger.Market{
		ID:            m.ID,
		Token:         m.Token,
		Price:         cloneInt(m.Price),
		MarginPremium: cloneInt(m.MarginPremium),
		SupplyCap:     cloneInt(m.SupplyCap),
		IsClosing:     m.IsClosing,
	}
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
