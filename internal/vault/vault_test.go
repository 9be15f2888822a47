package vault_test

import (
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/tradedata"
	"IsoLedger/internal/vault"
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
)

var (
	registryAddr  = testutil.Addr(0xa51c)
	factoryAddr   = testutil.Addr(0xfac)
	wrapperAddr   = testutil.Addr(0x3a9)
	unwrapperAddr = testutil.Addr(0x43a9)
)

type openPairs struct{}

func (openPairs) ValidatePair(input, output ledger.MarketID) error {
	if input == output {
		return errors.New("same market")
	}
	return nil
}

type fixture struct {
	env      *testutil.Env
	factory  *vault.Factory
	reg      *vault.AsyncRegistry
	venue    *testutil.FakeVenue
	store    *testutil.MemoryStore
	events   *event.Recorder
	vault    common.Address
	position ledger.Position
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t, testutil.DefaultRisk())
	env.AddMarket(t, usdc, testutil.Units(1))
	env.AddMarket(t, iso, testutil.Units(1))
	require.NoError(t, env.Registry.Register(unwrapperAddr, "async-unwrapper", openPairs{}))
	env.Ledger.SetGlobalOperator(registryAddr, true)

	factory := vault.NewFactory(factoryAddr, iso, testutil.TokenFor(iso))
	vaultAddr, err := factory.CreateVault(testutil.Alice)
	require.NoError(t, err)

	venue := testutil.NewFakeVenue()
	store := testutil.NewMemoryStore()
	events := event.NewRecorder()
	cfg := vault.DefaultConfig()
	cfg.Keepers = []common.Address{testutil.Keeper}
	reg := vault.NewAsyncRegistry(registryAddr, env.Ledger, factory, env.Allow, venue, cfg,
		vault.WithStore(store), vault.WithEvents(events))
	reg.SetTraders(wrapperAddr, unwrapperAddr)

	return &fixture{
		env:      env,
		factory:  factory,
		reg:      reg,
		venue:    venue,
		store:    store,
		events:   events,
		vault:    vaultAddr,
		position: ledger.Position{Owner: vaultAddr},
	}
}

func (f *fixture) withdraw(t *testing.T, amount, minOut *uint256.Int) *vault.Request {
	t.Helper()
	req, err := f.reg.InitiateWithdrawal(context.Background(), testutil.Alice, vault.WithdrawalParams{
		Vault:        f.vault,
		InputAmount:  amount,
		OutputMarket: usdc,
		ExtraData:    tradedata.MustEncode(minOut, nil),
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) callback(key common.Hash, success bool, output *uint256.Int, minOut *uint256.Int) error {
	return f.reg.HandleCallback(context.Background(), vault.Callback{
		ID:           key.Hex(),
		Key:          key,
		Keeper:       testutil.Keeper,
		Success:      success,
		OutputAmount: output,
		ExtraData:    tradedata.MustEncode(minOut, nil),
		Reason:       "slippage",
	})
}

func TestFactory(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.factory.IsVault(f.vault))
	owner, ok := f.factory.OwnerOf(f.vault)
	require.True(t, ok)
	assert.Equal(t, testutil.Alice, owner)
	assert.Equal(t, f.vault, f.factory.VaultAddress(testutil.Alice))

	_, err := f.factory.CreateVault(testutil.Alice)
	assert.ErrorIs(t, err, vault.ErrVaultExists)
	_, err = f.factory.CreateVault(common.Address{})
	assert.ErrorIs(t, err, vault.ErrZeroOwner)
}

func TestKeyChainNeverReusesKeys(t *testing.T) {
	a := vault.NewKeyChain()
	b := vault.NewKeyChain()
	seen := make(map[common.Hash]bool)
	for i := 0; i < 50; i++ {
		k := a.Next(testutil.Alice, 0)
		assert.Equal(t, k, b.Next(testutil.Alice, 0), "chain must be deterministic")
		assert.False(t, seen[k])
		seen[k] = true
	}

	tip, nonce := a.Tip()
	restored := vault.NewKeyChain()
	restored.Restore(tip, nonce, nil)
	assert.Equal(t, a.Next(testutil.Bob, 1), restored.Next(testutil.Bob, 1))
}

func TestWithdrawalSuccess(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))

	req := f.withdraw(t, testutil.Units(40), testutil.Units(38))
	assert.True(t, f.reg.IsVaultFrozen(f.vault))
	assert.Equal(t, vault.StatusPending, req.Status)
	assert.Len(t, f.venue.Withdrawals, 1)
	assert.Contains(t, f.store.Requests, req.Key)
	assert.Len(t, f.events.OfType(event.EventTypeRequestCreated), 1)

	require.NoError(t, f.callback(req.Key, true, testutil.Units(39), testutil.Units(38)))

	assert.False(t, f.reg.IsVaultFrozen(f.vault))
	assert.Equal(t, "60", f.env.Balance(f.position, iso))
	assert.Equal(t, "39", f.env.Balance(f.position, usdc))
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(iso), unwrapperAddr).IsZero())
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(usdc), unwrapperAddr).IsZero())
	assert.NotContains(t, f.store.Requests, req.Key)
	assert.Len(t, f.events.OfType(event.EventTypeRequestExecuted), 1)
}

func TestWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))
	ctx := context.Background()
	data := tradedata.MustEncode(testutil.Units(1), nil)

	_, err := f.reg.InitiateWithdrawal(ctx, testutil.Bob, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(1), OutputMarket: usdc, ExtraData: data,
	})
	assert.ErrorIs(t, err, vault.ErrNotVaultOwner)

	_, err = f.reg.InitiateWithdrawal(ctx, testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(11), OutputMarket: usdc, ExtraData: data,
	})
	assert.ErrorIs(t, err, vault.ErrInsufficientBalance)

	_, err = f.reg.InitiateWithdrawal(ctx, testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: new(uint256.Int), OutputMarket: usdc, ExtraData: data,
	})
	assert.ErrorIs(t, err, vault.ErrZeroAmount)

	_, err = f.reg.InitiateWithdrawal(ctx, testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(1), OutputMarket: iso, ExtraData: data,
	})
	assert.Error(t, err)

	_, err = f.reg.InitiateWithdrawal(ctx, testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(1), OutputMarket: usdc,
		ExtraData: tradedata.MustEncode(new(uint256.Int), nil),
	})
	assert.ErrorIs(t, err, vault.ErrInvalidMinOutput)

	_, err = f.reg.InitiateWithdrawal(ctx, testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(1), OutputMarket: usdc,
		ExtraData: tradedata.MustEncode(testutil.Units(1), make([]byte, 300)),
	})
	var tooLarge *vault.ExtraDataTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 256, tooLarge.Max)
	assert.ErrorIs(t, err, vault.ErrExtraDataTooLarge)

	assert.Empty(t, f.reg.Requests())
	assert.Zero(t, f.venue.Submissions())

	req := f.withdraw(t, fpmath.MaxUint256, testutil.Units(1))
	assert.True(t, req.InputAmount.Eq(testutil.Units(10)), "sentinel withdraws the full balance")

	_, err = f.reg.InitiateWithdrawal(ctx, testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(1), OutputMarket: usdc, ExtraData: data,
	})
	assert.ErrorIs(t, err, vault.ErrVaultFrozen)
}

func TestCallbackRejections(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	req := f.withdraw(t, testutil.Units(40), testutil.Units(38))
	ctx := context.Background()

	err := f.reg.HandleCallback(ctx, vault.Callback{
		Key: req.Key, Keeper: testutil.Bob, Success: true, OutputAmount: testutil.Units(40),
		ExtraData: tradedata.MustEncode(testutil.Units(38), nil),
	})
	assert.ErrorIs(t, err, vault.ErrUnauthorizedKeeper)

	err = f.callback(common.Hash{1}, true, testutil.Units(40), testutil.Units(38))
	assert.ErrorIs(t, err, vault.ErrUnknownRequest)

	// same length, different content
	err = f.callback(req.Key, true, testutil.Units(40), testutil.Units(37))
	assert.ErrorIs(t, err, vault.ErrExtraDataMismatch)

	err = f.reg.HandleCallback(ctx, vault.Callback{
		Key: req.Key, Keeper: testutil.Keeper, Success: true, OutputAmount: testutil.Units(40),
		ExtraData: tradedata.MustEncode(testutil.Units(38), []byte{1}),
	})
	assert.ErrorIs(t, err, vault.ErrExtraDataMismatch)

	got, ok := f.reg.Request(req.Key)
	require.True(t, ok)
	assert.Equal(t, vault.StatusPending, got.Status)
	assert.Empty(t, f.events.OfType(event.EventTypeRequestFailed))
	assert.Equal(t, "100", f.env.Balance(f.position, iso))
}

func TestOutputBelowMinimumIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	req := f.withdraw(t, testutil.Units(40), testutil.Units(38))

	require.NoError(t, f.callback(req.Key, true, testutil.Units(37), testutil.Units(38)))

	got, ok := f.reg.Request(req.Key)
	require.True(t, ok)
	assert.Equal(t, vault.StatusFailedRetryable, got.Status)
	assert.Equal(t, uint32(1), got.Attempts)
	assert.Contains(t, got.LastError, "minimum")
	assert.True(t, got.Custody.IsEmpty())
	assert.Equal(t, "100", f.env.Balance(f.position, iso))
	assert.Equal(t, "0", f.env.Balance(f.position, usdc))
	assert.True(t, f.reg.IsVaultFrozen(f.vault))
	assert.Len(t, f.events.OfType(event.EventTypeRequestFailed), 1)

	require.NoError(t, f.reg.Retry(context.Background(), testutil.Keeper, req.Key))
	require.NoError(t, f.callback(req.Key, true, testutil.Units(39), testutil.Units(38)))
	assert.Equal(t, "39", f.env.Balance(f.position, usdc))
	assert.False(t, f.reg.IsVaultFrozen(f.vault))
}

func TestFailureRetryAndCancel(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	req := f.withdraw(t, testutil.Units(40), testutil.Units(38))
	ctx := context.Background()

	require.NoError(t, f.callback(req.Key, false, nil, testutil.Units(38)))
	got, _ := f.reg.Request(req.Key)
	assert.Equal(t, vault.StatusFailedRetryable, got.Status)
	assert.True(t, got.IsRetryable)
	assert.Equal(t, uint32(1), got.Attempts)
	assert.True(t, got.Custody.IsEmpty(), "withdrawal input never left the vault")
	assert.True(t, f.reg.IsVaultFrozen(f.vault))

	err := f.callback(req.Key, true, testutil.Units(40), testutil.Units(38))
	assert.ErrorIs(t, err, vault.ErrRequestNotPending)

	assert.ErrorIs(t, f.reg.Retry(ctx, testutil.Carol, req.Key), vault.ErrNotAuthorized)
	require.NoError(t, f.reg.Retry(ctx, testutil.Keeper, req.Key))
	got, _ = f.reg.Request(req.Key)
	assert.Equal(t, vault.StatusPending, got.Status)
	assert.Len(t, f.venue.Withdrawals, 2)
	assert.Len(t, f.events.OfType(event.EventTypeRequestRetried), 1)
	assert.ErrorIs(t, f.reg.Retry(ctx, testutil.Keeper, req.Key), vault.ErrRequestNotRetryable)

	err = f.reg.Cancel(ctx, testutil.Alice, req.Key)
	var early *vault.CancelTooEarlyError
	require.ErrorAs(t, err, &early)
	assert.Equal(t, req.CreatedAt.Add(time.Hour), early.Deadline, "retry does not extend the deadline")

	f.env.Clock.Advance(time.Hour)
	assert.ErrorIs(t, f.reg.Cancel(ctx, testutil.Bob, req.Key), vault.ErrNotVaultOwner)
	require.NoError(t, f.reg.Cancel(ctx, testutil.Alice, req.Key))

	assert.Equal(t, []common.Hash{req.Key}, f.venue.Cancelled)
	assert.False(t, f.reg.IsVaultFrozen(f.vault))
	assert.Equal(t, "100", f.env.Balance(f.position, iso))
	assert.Empty(t, f.store.Requests)
	assert.Len(t, f.events.OfType(event.EventTypeRequestCancelled), 1)
}

func TestCancelRefusedOnceVenueExecuted(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	req := f.withdraw(t, testutil.Units(40), testutil.Units(38))

	f.venue.Executed[req.Key] = true
	f.env.Clock.Advance(2 * time.Hour)
	require.Error(t, f.reg.Cancel(context.Background(), testutil.Alice, req.Key))
	assert.True(t, f.reg.IsVaultFrozen(f.vault))
}

func (f *fixture) deposit(t *testing.T, ctx context.Context, input, minOut *uint256.Int) (*vault.Request, error) {
	t.Helper()
	return f.reg.CreateDeposit(ctx, vault.DepositParams{
		Position:    f.position,
		InputMarket: usdc,
		InputAmount: input,
		ExtraData:   tradedata.MustEncode(minOut, nil),
		Custodian:   wrapperAddr,
	})
}

func TestDepositSuccessCreditsSurplus(t *testing.T) {
	f := newFixture(t)
	// the wrapper already credited the minimum output as isolation tokens
	f.env.Fund(t, f.position, iso, testutil.Units(10))

	req, err := f.deposit(t, context.Background(), testutil.Units(10), testutil.Units(10))
	require.NoError(t, err)
	assert.Len(t, f.venue.Deposits, 1)

	_, err = f.deposit(t, context.Background(), testutil.Units(1), testutil.Units(1))
	assert.ErrorIs(t, err, vault.ErrVaultFrozen)

	require.NoError(t, f.callback(req.Key, true, testutil.Units(12), testutil.Units(10)))
	assert.Equal(t, "12", f.env.Balance(f.position, iso))
	assert.False(t, f.reg.IsVaultFrozen(f.vault))
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(iso), wrapperAddr).IsZero())
}

func TestDepositFailureCancelRestoresInput(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))

	req, err := f.deposit(t, context.Background(), testutil.Units(10), testutil.Units(10))
	require.NoError(t, err)
	require.NoError(t, f.callback(req.Key, false, nil, testutil.Units(10)))

	got, _ := f.reg.Request(req.Key)
	assert.Equal(t, testutil.TokenFor(usdc), got.Custody.Token)
	assert.True(t, got.Custody.Amount.Eq(testutil.Units(10)))
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(usdc), wrapperAddr).Eq(testutil.Units(10)))

	f.env.Clock.Advance(time.Hour)
	require.NoError(t, f.reg.Cancel(context.Background(), testutil.Alice, req.Key))

	assert.Empty(t, f.venue.Cancelled, "venue already finished with a failed request")
	assert.Equal(t, "0", f.env.Balance(f.position, iso))
	assert.Equal(t, "10", f.env.Balance(f.position, usdc))
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(usdc), wrapperAddr).IsZero())
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(iso), wrapperAddr).IsZero())
	assert.False(t, f.reg.IsVaultFrozen(f.vault))
}

func TestDepositRetryBurnsReturnedInput(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(10))
	req, err := f.deposit(t, context.Background(), testutil.Units(10), testutil.Units(10))
	require.NoError(t, err)
	require.NoError(t, f.callback(req.Key, false, nil, testutil.Units(10)))

	require.NoError(t, f.reg.Retry(context.Background(), testutil.Alice, req.Key))
	assert.True(t, f.env.Ledger.Tokens().BalanceOf(testutil.TokenFor(usdc), wrapperAddr).IsZero())
	assert.Len(t, f.venue.Deposits, 2)

	require.NoError(t, f.callback(req.Key, true, testutil.Units(11), testutil.Units(10)))
	assert.Equal(t, "11", f.env.Balance(f.position, iso))
}

type failingCallee struct {
	f *fixture
	t *testing.T
}

func (c failingCallee) CallFunction(ctx context.Context, _ common.Address, _ ledger.Position, _ *uint256.Int, _ []byte) error {
	if _, err := c.f.deposit(c.t, ctx, testutil.Units(1), testutil.Units(1)); err != nil {
		return err
	}
	return errors.New("later action failed")
}

func TestDepositDiscardedWhenBatchReverts(t *testing.T) {
	f := newFixture(t)
	callee := testutil.Addr(0xca11)
	require.NoError(t, f.env.Registry.Register(callee, "failing-callee", failingCallee{f: f, t: t}))
	tipBefore, nonceBefore := f.reg.KeyChain().Tip()

	_, err := f.env.Ledger.Operate(context.Background(), f.vault, []ledger.Position{f.position}, []ledger.Action{{
		Type:    ledger.ActionCall,
		Amount:  ledger.Exact(new(uint256.Int)),
		Address: callee,
	}}, ledger.BalanceCheckNone)
	require.Error(t, err)

	assert.Empty(t, f.reg.Requests())
	assert.False(t, f.reg.IsVaultFrozen(f.vault))
	assert.Zero(t, f.venue.Submissions())
	assert.Empty(t, f.events.OfType(event.EventTypeRequestCreated))

	tip, nonce := f.reg.KeyChain().Tip()
	assert.NotEqual(t, tipBefore, tip, "issued keys are never rolled back")
	assert.Equal(t, nonceBefore+1, nonce)
}

// underMargined funds the vault with 100 isolation tokens against a 95 USDC
// debt: 95 * 1.15 = 109.25 required supply.
func underMargined(t *testing.T, f *fixture) {
	t.Helper()
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	f.env.Borrow(t, f.position, usdc, testutil.Units(95))
}

func (f *fixture) prepare(caller common.Address, amount *uint256.Int) (*vault.Request, error) {
	return f.reg.PrepareForLiquidation(context.Background(), caller, vault.WithdrawalParams{
		Vault:        f.vault,
		InputAmount:  amount,
		OutputMarket: usdc,
		ExtraData:    tradedata.MustEncode(testutil.Units(90), nil),
	})
}

func TestPrepareForLiquidation(t *testing.T) {
	f := newFixture(t)
	underMargined(t, f)
	f.env.Allow.Add(iso, testutil.Bob)

	_, err := f.prepare(testutil.Carol, fpmath.MaxUint256)
	assert.ErrorIs(t, err, vault.ErrLiquidatorNotAllowed)

	_, err = f.prepare(testutil.Bob, testutil.Units(50))
	var notExact *vault.AmountNotExactError
	require.ErrorAs(t, err, &notExact)
	assert.True(t, notExact.Balance.Eq(testutil.Units(100)))

	req, err := f.prepare(testutil.Bob, fpmath.MaxUint256)
	require.NoError(t, err)
	assert.True(t, req.IsLiquidation)
	assert.True(t, req.InputAmount.Eq(testutil.Units(100)))
	assert.Equal(t, testutil.Bob, req.Initiator)

	_, err = f.prepare(testutil.Bob, testutil.Units(100))
	assert.ErrorIs(t, err, vault.ErrLiquidationPending)

	_, err = f.reg.InitiateWithdrawal(context.Background(), testutil.Alice, vault.WithdrawalParams{
		Vault: f.vault, InputAmount: testutil.Units(1), OutputMarket: usdc,
		ExtraData: tradedata.MustEncode(testutil.Units(1), nil),
	})
	assert.ErrorIs(t, err, vault.ErrVaultFrozen)
}

func TestPrepareForLiquidationRequiresUnsafePosition(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	f.env.Borrow(t, f.position, usdc, testutil.Units(10))

	_, err := f.prepare(testutil.Bob, fpmath.MaxUint256)
	assert.ErrorIs(t, err, vault.ErrNotLiquidatable)

	expired := uint32(f.env.Clock.Now().Unix()) - 1
	f.env.Ledger.SetExpiry(f.position, usdc, expired)
	_, err = f.prepare(testutil.Bob, fpmath.MaxUint256)
	assert.NoError(t, err, "an expired borrow is liquidatable while collateralized")
}

func TestExecutedLiquidationIsConsumedProRata(t *testing.T) {
	f := newFixture(t)
	underMargined(t, f)
	req, err := f.prepare(testutil.Bob, fpmath.MaxUint256)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, f.callback(req.Key, true, testutil.Units(98), testutil.Units(90)))
	got, ok := f.reg.ExecutedLiquidation(f.position)
	require.True(t, ok)
	assert.Equal(t, vault.StatusExecuted, got.Status)
	assert.True(t, f.reg.IsVaultFrozen(f.vault))
	assert.Equal(t, "100", f.env.Balance(f.position, iso), "held until a liquidation consumes it")

	f.env.Clock.Advance(time.Hour)
	assert.ErrorIs(t, f.reg.Cancel(ctx, testutil.Alice, req.Key), vault.ErrAlreadyExecuted)

	_, err = f.reg.ConsumeLiquidation(ctx, f.position, wrapperAddr, testutil.Units(50))
	assert.ErrorIs(t, err, vault.ErrNotAuthorized)
	_, err = f.reg.ConsumeLiquidation(ctx, f.position, unwrapperAddr, testutil.Units(101))
	assert.ErrorIs(t, err, vault.ErrConsumeExceedsRequest)

	out, err := f.reg.ConsumeLiquidation(ctx, f.position, unwrapperAddr, testutil.Units(50))
	require.NoError(t, err)
	assert.True(t, out.Eq(testutil.Units(49)))
	assert.True(t, f.reg.IsVaultFrozen(f.vault))

	out, err = f.reg.ConsumeLiquidation(ctx, f.position, unwrapperAddr, testutil.Units(50))
	require.NoError(t, err)
	assert.True(t, out.Eq(testutil.Units(49)))
	assert.False(t, f.reg.IsVaultFrozen(f.vault))
	assert.Empty(t, f.store.Requests)

	_, err = f.reg.ConsumeLiquidation(ctx, f.position, unwrapperAddr, testutil.Units(1))
	assert.ErrorIs(t, err, vault.ErrNoExecutedLiquidation)
}

func TestRestoreResumesFromStore(t *testing.T) {
	f := newFixture(t)
	f.env.Fund(t, f.position, iso, testutil.Units(100))
	req := f.withdraw(t, testutil.Units(40), testutil.Units(38))

	restarted := vault.NewAsyncRegistry(registryAddr, f.env.Ledger, f.factory, f.env.Allow, f.venue, f.reg.Config())
	restarted.SetTraders(wrapperAddr, unwrapperAddr)
	persisted := make([]*vault.Request, 0, len(f.store.Requests))
	for _, r := range f.store.Requests {
		persisted = append(persisted, r)
	}
	restarted.Restore(f.store.Tip, f.store.Nonce, persisted)

	assert.True(t, restarted.IsVaultFrozen(f.vault))
	assert.Equal(t, []common.Hash{req.Key}, restarted.PendingKeys(f.vault))
	assert.True(t, restarted.KeyChain().IsUsed(req.Key))

	tip, nonce := f.reg.KeyChain().Tip()
	rTip, rNonce := restarted.KeyChain().Tip()
	assert.Equal(t, tip, rTip)
	assert.Equal(t, nonce, rNonce)
}
