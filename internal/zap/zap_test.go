package zap_test

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/tradedata"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/zap"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdc ledger.MarketID = 1
	iso  ledger.MarketID = 2
	weth ledger.MarketID = 3
)

var (
	zapAddr       = testutil.Addr(0x2a9)
	factoryAddr   = testutil.Addr(0xfac)
	unwrapperAddr = testutil.Addr(0x43a9)
	poolAddr      = testutil.Addr(0x9001)
	traderAddr    = testutil.Addr(0x7ade)
	evilAddr      = testutil.Addr(0xe71)
	asyncAddr     = testutil.Addr(0xa5c)
)

type fixture struct {
	env      *testutil.Env
	exec     *zap.Executor
	factory  *vault.Factory
	events   *event.Recorder
	freeze   *staticFreeze
	vault    common.Address
	position ledger.Position
}

type staticFreeze map[common.Address]bool

func (s staticFreeze) IsVaultFrozen(v common.Address) bool { return s[v] }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t, testutil.DefaultRisk())
	env.AddMarket(t, usdc, testutil.Units(1))
	env.AddMarket(t, iso, testutil.Amount("1.5"))
	env.AddMarket(t, weth, testutil.Units(2))

	factory := vault.NewFactory(factoryAddr, iso, testutil.TokenFor(iso))
	v, err := factory.CreateVault(testutil.Alice)
	require.NoError(t, err)

	share, err := adapter.NewShareToken(testutil.TokenFor(iso), usdc, testutil.TokenFor(usdc), testutil.Amount("1.5"))
	require.NoError(t, err)
	tokens := env.Ledger.Tokens()
	tokens.Mint(testutil.TokenFor(usdc), share.Token, testutil.Units(1000))
	require.NoError(t, env.Registry.Register(unwrapperAddr, "sync-unwrapper",
		adapter.NewSyncUnwrapper(unwrapperAddr, env.Ledger, factory, share)))

	pool, err := adapter.NewConstantProductPool(poolAddr, env.Ledger, usdc, weth, 0)
	require.NoError(t, err)
	require.NoError(t, env.Registry.Register(poolAddr, "pool", pool))
	tokens.Mint(testutil.TokenFor(usdc), poolAddr, testutil.Units(1000))
	tokens.Mint(testutil.TokenFor(weth), poolAddr, testutil.Units(1000))

	trader := adapter.NewInternalLiquidity(traderAddr, env.Ledger)
	trader.ApproveMaker(testutil.Carol, true)
	env.Ledger.SetOperator(testutil.Carol, traderAddr, true)
	require.NoError(t, env.Registry.Register(traderAddr, "internal-liquidity", trader))

	freeze := &staticFreeze{}
	events := event.NewRecorder()
	exec := zap.NewExecutor(zapAddr, env.Ledger,
		zap.WithFreezeCheckers(freeze), zap.WithVaultOwners(factory), zap.WithEvents(events))
	env.Ledger.SetGlobalOperator(zapAddr, true)

	return &fixture{env: env, exec: exec, factory: factory, events: events, freeze: freeze, vault: v, position: ledger.Position{Owner: v}}
}

func unwrapThenSwap(amount, minOut *uint256.Int) zap.Params {
	return zap.Params{
		MarketPath:      []ledger.MarketID{iso, usdc, weth},
		InputAmount:     amount,
		MinOutputAmount: minOut,
		Hops: []zap.Hop{
			{Market: usdc, Trader: unwrapperAddr},
			{Market: weth, Trader: poolAddr},
		},
		BalanceCheck: ledger.BalanceCheckSender,
	}
}

func TestZapUnwrapThenSwap(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))

	res, err := f.exec.Execute(context.Background(), testutil.Alice, f.position, unwrapThenSwap(testutil.Units(10), testutil.Units(14)))
	require.NoError(t, err)

	assert.Equal(t, "0", f.env.Balance(f.position, iso))
	assert.Equal(t, "0", f.env.Balance(f.position, usdc), "intermediate market passes through")
	assert.Zero(t, res.Output().ToBig().Cmp(f.env.Ledger.GetAccountBalance(f.position, weth)))

	mid, err := res.AmountAt(usdc)
	require.NoError(t, err)
	assert.True(t, mid.Eq(testutil.Units(15)))
	in, err := res.AmountAt(iso)
	require.NoError(t, err)
	assert.True(t, in.Eq(testutil.Units(10)))

	evs := f.events.OfType(event.EventTypeZapExecuted)
	require.Len(t, evs, 1)
	assert.Equal(t, []uint64{2, 1, 3}, evs[0].(*event.ZapExecuted).Path)
}

func TestZapSentinelUsesFullBalance(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(4))

	res, err := f.exec.Execute(context.Background(), testutil.Alice, f.position, unwrapThenSwap(fpmath.MaxUint256, nil))
	require.NoError(t, err)
	assert.True(t, res.InputAmount.Eq(testutil.Units(4)))
	assert.Equal(t, "0", f.env.Balance(f.position, iso))
}

// asyncUnwrap stands in for an unwrapper whose conversions settle through
// the external venue.
type asyncUnwrap struct{}

func (asyncUnwrap) Type() adapter.TraderType                { return adapter.TraderIsolationUnwrapper }
func (asyncUnwrap) Address() common.Address                 { return asyncAddr }
func (asyncUnwrap) ActionsLength() int                      { return 2 }
func (asyncUnwrap) IsAsync() bool                           { return true }
func (asyncUnwrap) ValidatePair(_, _ ledger.MarketID) error { return nil }
func (asyncUnwrap) GetExchangeCost(context.Context, ledger.MarketID, ledger.MarketID, *uint256.Int, []byte) (*uint256.Int, error) {
	return nil, adapter.ErrExchangeCostUnsupported
}
func (asyncUnwrap) CreateActions(adapter.ActionParams) ([]ledger.Action, error) {
	return nil, errors.New("not reached")
}

func TestZapSentinelForbiddenForAsyncUnwrap(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(4))
	require.NoError(t, f.env.Registry.Register(asyncAddr, "async-unwrapper", asyncUnwrap{}))

	p := zap.Params{
		MarketPath:  []ledger.MarketID{iso, usdc},
		InputAmount: fpmath.MaxUint256,
		Hops:        []zap.Hop{{Market: usdc, Trader: asyncAddr}},
	}
	_, err := f.exec.Execute(context.Background(), testutil.Alice, f.position, p)
	assert.ErrorIs(t, err, zap.ErrSentinelForbidden)
	assert.Contains(t, err.Error(), asyncAddr.Hex())
	assert.Equal(t, "4", f.env.Balance(f.position, iso))
	assert.Empty(t, f.events.OfType(event.EventTypeZapExecuted))

	// the same path through the sync unwrapper may use the full balance
	p.Hops[0].Trader = unwrapperAddr
	_, err = f.exec.Execute(context.Background(), testutil.Alice, f.position, p)
	require.NoError(t, err)
	assert.Equal(t, "0", f.env.Balance(f.position, iso))
}

func TestZapMinimumOutput(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, testutil.Alice, f.position, unwrapThenSwap(testutil.Units(10), testutil.Units(15)))
	assert.ErrorIs(t, err, adapter.ErrInsufficientOutput)
	assert.Equal(t, "10", f.env.Balance(f.position, iso), "batch reverted")

	p := unwrapThenSwap(testutil.Units(10), testutil.Units(14))
	p.Hops[1].TradeData = tradedata.MustEncode(testutil.Units(1), nil)
	_, err = f.exec.Execute(ctx, testutil.Alice, f.position, p)
	assert.ErrorIs(t, err, zap.ErrMinOutputMismatch)
}

func TestZapValidation(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(p *zap.Params)
		want   error
	}{
		{"no hops", func(p *zap.Params) { p.Hops = nil }, zap.ErrEmptyPath},
		{"path too long", func(p *zap.Params) { p.MarketPath = append(p.MarketPath, usdc) }, zap.ErrPathLength},
		{"hop market mismatch", func(p *zap.Params) { p.Hops[0].Market = weth }, zap.ErrMarketMismatch},
		{"zero input", func(p *zap.Params) { p.InputAmount = new(uint256.Int) }, zap.ErrZeroInput},
		{"unknown trader", func(p *zap.Params) { p.Hops[1].Trader = testutil.Addr(0xdead) }, registry.ErrNotRegistered},
		{"wrong pair", func(p *zap.Params) { p.MarketPath[1], p.Hops[0].Market = weth, weth }, adapter.ErrInvalidPair},
		{"deadline", func(p *zap.Params) { p.Deadline = f.env.Clock.Now().Add(-time.Second) }, zap.ErrDeadlineExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := unwrapThenSwap(testutil.Units(10), nil)
			tt.mutate(&p)
			_, err := f.exec.Execute(ctx, testutil.Alice, f.position, p)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	var lengthErr *zap.PathLengthError
	p := unwrapThenSwap(testutil.Units(10), nil)
	p.MarketPath = p.MarketPath[:2]
	_, err := f.exec.Execute(ctx, testutil.Alice, f.position, p)
	require.ErrorAs(t, err, &lengthErr)
	assert.Equal(t, 2, lengthErr.Markets)
	assert.Equal(t, 2, lengthErr.Hops)

	assert.Equal(t, "10", f.env.Balance(f.position, iso))
}

func TestZapAuthorizationAndFreeze(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, testutil.Bob, f.position, unwrapThenSwap(testutil.Units(1), nil))
	assert.ErrorIs(t, err, zap.ErrUnauthorized)

	(*f.freeze)[f.vault] = true
	_, err = f.exec.Execute(ctx, testutil.Alice, f.position, unwrapThenSwap(testutil.Units(1), nil))
	assert.ErrorIs(t, err, zap.ErrVaultFrozen)
}

func TestZapInternalLiquidityUsesMakers(t *testing.T) {
	f := newFixture(t)
	bob := ledger.Position{Owner: testutil.Bob}
	maker := ledger.Position{Owner: testutil.Carol}
	f.env.Fund(t, bob, weth, testutil.Units(5))
	f.env.Fund(t, maker, usdc, testutil.Units(100))

	p := zap.Params{
		MarketPath:   []ledger.MarketID{weth, usdc},
		InputAmount:  testutil.Units(5),
		Hops:         []zap.Hop{{Market: usdc, Trader: traderAddr}},
		BalanceCheck: ledger.BalanceCheckSender,
	}
	_, err := f.exec.Execute(context.Background(), testutil.Bob, bob, p)
	assert.ErrorIs(t, err, zap.ErrMissingMaker)

	p.MakerAccounts = []ledger.Position{maker}
	res, err := f.exec.Execute(context.Background(), testutil.Bob, bob, p)
	require.NoError(t, err)
	assert.True(t, res.Output().Eq(testutil.Units(10)))
	assert.Equal(t, "10", f.env.Balance(bob, usdc))
	assert.Equal(t, "90", f.env.Balance(maker, usdc))
}

// reentrant calls back into the executor from inside its own exchange.
type reentrant struct {
	exec *zap.Executor
	pos  ledger.Position
}

func (r *reentrant) Type() adapter.TraderType                { return adapter.TraderExternalLiquidity }
func (r *reentrant) Address() common.Address                 { return evilAddr }
func (r *reentrant) ActionsLength() int                      { return 1 }
func (r *reentrant) IsAsync() bool                           { return false }
func (r *reentrant) ValidatePair(_, _ ledger.MarketID) error { return nil }
func (r *reentrant) GetExchangeCost(context.Context, ledger.MarketID, ledger.MarketID, *uint256.Int, []byte) (*uint256.Int, error) {
	return new(uint256.Int), nil
}
func (r *reentrant) CreateActions(p adapter.ActionParams) ([]ledger.Action, error) {
	return []ledger.Action{{
		Type:            ledger.ActionSell,
		AccountIndex:    p.PrimaryAccountIndex,
		PrimaryMarket:   p.InputMarket,
		SecondaryMarket: p.OutputMarket,
		Amount:          p.InputAmount,
		Address:         evilAddr,
	}}, nil
}
func (r *reentrant) Exchange(ctx context.Context, _ common.Address, req ledger.ExchangeRequest) (*uint256.Int, error) {
	_, err := r.exec.Execute(ctx, r.pos.Owner, r.pos, zap.Params{
		MarketPath:  []ledger.MarketID{req.InputMarket, req.OutputMarket},
		InputAmount: req.InputAmount,
		Hops:        []zap.Hop{{Market: req.OutputMarket, Trader: evilAddr}},
	})
	if err != nil {
		return nil, err
	}
	return req.InputAmount, nil
}

func TestZapRejectsReentry(t *testing.T) {
	f := newFixture(t)
	bob := ledger.Position{Owner: testutil.Bob}
	f.env.Fund(t, bob, usdc, testutil.Units(10))
	require.NoError(t, f.env.Registry.Register(evilAddr, "reentrant", &reentrant{exec: f.exec, pos: bob}))

	_, err := f.exec.Execute(context.Background(), testutil.Bob, bob, zap.Params{
		MarketPath:  []ledger.MarketID{usdc, weth},
		InputAmount: testutil.Units(10),
		Hops:        []zap.Hop{{Market: weth, Trader: evilAddr}},
	})
	assert.ErrorIs(t, err, zap.ErrReentrancy)
	assert.Equal(t, "10", f.env.Balance(bob, usdc))

	// the guard is released after the failed call
	_, err = f.exec.Execute(context.Background(), testutil.Bob, bob, zap.Params{
		MarketPath:  []ledger.MarketID{usdc, weth},
		InputAmount: testutil.Units(1),
		Hops:        []zap.Hop{{Market: weth, Trader: poolAddr}},
	})
	assert.NoError(t, err)
}

func TestPathLookup(t *testing.T) {
	_, err := zap.BinarySearch(nil, 1)
	assert.ErrorIs(t, err, zap.ErrEmptyPath)
	_, err = zap.PathIndex([]ledger.MarketID{}, 1)
	assert.ErrorIs(t, err, zap.ErrEmptyPath)

	sorted := []ledger.MarketID{1, 3, 5, 9}
	i, err := zap.BinarySearch(sorted, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, i)
	_, err = zap.BinarySearch(sorted, 4)
	assert.ErrorIs(t, err, zap.ErrMarketNotFound)

	i, err = zap.PathIndex([]ledger.MarketID{7, 2, 4}, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, i)
	_, err = zap.PathIndex([]ledger.MarketID{7, 2, 4}, 3)
	assert.ErrorIs(t, err, zap.ErrMarketNotFound)
}
