package testutil

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/state"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	LedgerAddress = common.HexToAddress("0x00000000000000000000000000000000001ed6e7")
	Alice         = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	Bob           = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Carol         = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	Keeper        = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

// Units returns n whole tokens at 18 decimals.
func Units(n uint64) *uint256.Int {
	return fpmath.Units(n)
}

// Percent returns n percent as an 18-decimal rate.
func Percent(n uint64) *uint256.Int {
	return fpmath.Percent(n)
}

// Amount parses a decimal string such as "7.4" into an 18-decimal amount.
func Amount(s string) *uint256.Int {
	v, err := fpmath.ParseFixed(s)
	if err != nil {
		panic(fmt.Sprintf("testutil: %v", err))
	}
	return v
}

// Addr returns a deterministic address for small test indices.
func Addr(n uint64) common.Address {
	return common.BigToAddress(uint256.NewInt(n).ToBig())
}

// TokenFor returns the deterministic token address used for a market id.
func TokenFor(id ledger.MarketID) common.Address {
	return Addr(0x70000 + uint64(id))
}

// Clock is a settable time source shared by the components under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Env is a fully wired in-memory ledger with its market registry.
type Env struct {
	Registry *registry.Registry
	Markets  *state.MarketRegistry
	Allow    *state.LiquidatorAllowList
	Ledger   *ledger.Ledger
	Clock    *Clock
}

// DefaultRisk is a 5% liquidation spread with a 15% margin ratio.
func DefaultRisk() ledger.RiskParams {
	return ledger.RiskParams{
		MarginRatio:       fpmath.Percent(15),
		LiquidationSpread: fpmath.Percent(5),
	}
}

func NewEnv(t *testing.T, risk ledger.RiskParams) *Env {
	t.Helper()
	clock := NewClock(time.Unix(1_700_000_000, 0).UTC())
	reg := registry.New()
	markets := state.NewMarketRegistry()
	return &Env{
		Registry: reg,
		Markets:  markets,
		Allow:    state.NewLiquidatorAllowList(),
		Ledger:   ledger.New(LedgerAddress, markets, reg, risk, ledger.WithClock(clock.Now)),
		Clock:    clock,
	}
}

// AddMarket registers a market priced at price (18-decimal value per unit).
func (e *Env) AddMarket(t *testing.T, id ledger.MarketID, price *uint256.Int) ledger.Market {
	t.Helper()
	m := ledger.Market{ID: id, Token: TokenFor(id), Price: price}
	if err := e.Markets.Add(m); err != nil {
		t.Fatalf("add market %d: %v", id, err)
	}
	return m
}

// Fund mints amount of the market token to the owner and deposits it.
func (e *Env) Fund(t *testing.T, pos ledger.Position, market ledger.MarketID, amount *uint256.Int) {
	t.Helper()
	e.Ledger.Tokens().Mint(TokenFor(market), pos.Owner, amount)
	_, err := e.Ledger.Operate(context.Background(), pos.Owner, []ledger.Position{pos}, []ledger.Action{{
		Type:          ledger.ActionDeposit,
		PrimaryMarket: market,
		Amount:        ledger.Exact(amount),
		Address:       pos.Owner,
	}}, ledger.BalanceCheckNone)
	if err != nil {
		t.Fatalf("fund %s market %d: %v", pos, market, err)
	}
}

// Borrow withdraws amount the position does not hold, leaving a debt. The
// ledger's liquidity is topped up so the withdrawal always succeeds and the
// collateral check is skipped so undercollateralized fixtures can be built.
func (e *Env) Borrow(t *testing.T, pos ledger.Position, market ledger.MarketID, amount *uint256.Int) {
	t.Helper()
	e.Ledger.Tokens().Mint(TokenFor(market), LedgerAddress, amount)
	_, err := e.Ledger.Operate(context.Background(), pos.Owner, []ledger.Position{pos}, []ledger.Action{{
		Type:          ledger.ActionWithdraw,
		PrimaryMarket: market,
		Amount:        ledger.Exact(amount),
		Address:       pos.Owner,
	}}, ledger.BalanceCheckNone)
	if err != nil {
		t.Fatalf("borrow %s market %d: %v", pos, market, err)
	}
}

// Balance returns the signed balance as a string of whole-unit decimals.
func (e *Env) Balance(pos ledger.Position, market ledger.MarketID) string {
	return FormatSigned(e.Ledger.GetAccountBalance(pos, market).String())
}

// FormatSigned renders a signed 18-decimal integer string as a decimal,
// trimming trailing zeros: "7400000000000000000" -> "7.4".
func FormatSigned(raw string) string {
	neg := strings.HasPrefix(raw, "-")
	raw = strings.TrimPrefix(raw, "-")
	if len(raw) <= fpmath.Decimals {
		raw = strings.Repeat("0", fpmath.Decimals-len(raw)+1) + raw
	}
	whole := raw[:len(raw)-fpmath.Decimals]
	frac := strings.TrimRight(raw[len(raw)-fpmath.Decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}
