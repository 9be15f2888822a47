package core

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/zap"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrNoAsyncMarket      = errors.New("core: no async isolation market owns this vault")
	ErrNotIsolationMarket = errors.New("core: market has no isolation vault factory")
)

// VaultStore persists vault ownership so factories survive restarts.
type VaultStore interface {
	SaveVault(ctx context.Context, factory common.Address, market ledger.MarketID, vault, owner common.Address) error
}

// Engine serializes every operation on the ledger and the async registries.
// The components it wraps are not thread-safe; Engine is.
type Engine struct {
	mu sync.Mutex

	ledger *ledger.Ledger
	zap    *zap.Executor
	proxy  *liquidation.Proxy
	async  []*vault.AsyncRegistry
	// factories covers sync and async isolation markets.
	factories []*vault.Factory
	vaults    VaultStore
	dedup     *Deduper
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

type Components struct {
	Ledger *ledger.Ledger
	Zap    *zap.Executor
	Proxy  *liquidation.Proxy
	Async  []*vault.AsyncRegistry
	// Factories of sync isolation markets. Async registry factories are
	// added automatically.
	Factories []*vault.Factory
	Vaults    VaultStore
}

func NewEngine(c Components, dedup *Deduper, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	factories := append([]*vault.Factory(nil), c.Factories...)
	for _, reg := range c.Async {
		factories = append(factories, reg.Factory())
	}
	return &Engine{
		ledger:    c.Ledger,
		zap:       c.Zap,
		proxy:     c.Proxy,
		async:     c.Async,
		factories: factories,
		vaults:    c.Vaults,
		dedup:     dedup,
		metrics:   metrics,
		logger:    logger,
	}
}

// CreateVault creates owner's isolation vault for market. Ownership is
// persisted before the factory records it.
func (e *Engine) CreateVault(ctx context.Context, owner common.Address, market ledger.MarketID) (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var f *vault.Factory
	for _, candidate := range e.factories {
		if candidate.IsolationMarket() == market {
			f = candidate
			break
		}
	}
	if f == nil {
		return common.Address{}, fmt.Errorf("%w: %d", ErrNotIsolationMarket, market)
	}
	if owner == (common.Address{}) {
		return common.Address{}, vault.ErrZeroOwner
	}
	if existing, ok := f.VaultOf(owner); ok {
		return existing, fmt.Errorf("%w: %s already owns %s", vault.ErrVaultExists, owner.Hex(), existing.Hex())
	}
	if e.vaults != nil {
		if err := e.vaults.SaveVault(ctx, f.Address(), market, f.VaultAddress(owner), owner); err != nil {
			return common.Address{}, err
		}
	}
	v, err := f.CreateVault(owner)
	if err != nil {
		return common.Address{}, err
	}
	e.logger.Info().Str("vault", v.Hex()).Str("owner", owner.Hex()).Uint64("market", uint64(market)).Msg("vault created")
	return v, nil
}

// Zap executes a multi-hop trade for pos.
func (e *Engine) Zap(ctx context.Context, caller common.Address, pos ledger.Position, p zap.Params) (*zap.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.zap.Execute(ctx, caller, pos, p)
	if err != nil {
		e.reject("zap", err)
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.LedgerBatches.WithLabelValues("zap", "committed").Inc()
		e.metrics.ZapsExecuted.Inc()
		e.metrics.ZapHops.Observe(float64(len(p.Hops)))
	}
	e.refreshGauges()
	return res, nil
}

// Liquidate runs one liquidation through the proxy.
func (e *Engine) Liquidate(ctx context.Context, caller common.Address, req liquidation.Request) (*liquidation.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.proxy.Liquidate(ctx, caller, req)
	if err != nil {
		e.reject("liquidation", err)
		return nil, err
	}
	if e.metrics != nil {
		mode := "margin"
		if req.Expiry != 0 {
			mode = "expiry"
		}
		e.metrics.LedgerBatches.WithLabelValues("liquidation", "committed").Inc()
		e.metrics.LiquidationsExecuted.WithLabelValues(mode).Inc()
	}
	e.refreshGauges()
	return out, nil
}

// QuoteLiquidation sizes req without executing it.
func (e *Engine) QuoteLiquidation(caller common.Address, req liquidation.Request) (*liquidation.Reward, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxy.Quote(caller, req)
}

// QuoteExchange asks the adapter at trader for the output of amount.
func (e *Engine) QuoteExchange(ctx context.Context, trader common.Address, input, output ledger.MarketID, amount *uint256.Int, data []byte) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := registry.Resolve[adapter.Trader](e.ledger.Registry(), trader)
	if err != nil {
		return nil, err
	}
	return t.GetExchangeCost(ctx, input, output, amount, data)
}

func (e *Engine) InitiateWithdrawal(ctx context.Context, caller common.Address, p vault.WithdrawalParams) (*vault.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, err := e.registryForVault(p.Vault)
	if err != nil {
		return nil, err
	}
	req, err := reg.InitiateWithdrawal(ctx, caller, p)
	if err != nil {
		return nil, err
	}
	e.created(req)
	return req, nil
}

func (e *Engine) PrepareForLiquidation(ctx context.Context, caller common.Address, p vault.WithdrawalParams) (*vault.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, err := e.registryForVault(p.Vault)
	if err != nil {
		return nil, err
	}
	req, err := reg.PrepareForLiquidation(ctx, caller, p)
	if err != nil {
		e.reject("liquidation", err)
		return nil, err
	}
	e.created(req)
	return req, nil
}

func (e *Engine) Cancel(ctx context.Context, caller common.Address, key common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, req, err := e.registryForKey(key)
	if err != nil {
		return err
	}
	if err := reg.Cancel(ctx, caller, key); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.AsyncCancels.WithLabelValues(req.Kind.String()).Inc()
	}
	e.refreshGauges()
	return nil
}

func (e *Engine) Retry(ctx context.Context, caller common.Address, key common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, _, err := e.registryForKey(key)
	if err != nil {
		return err
	}
	if err := reg.Retry(ctx, caller, key); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.AsyncRetries.Inc()
	}
	e.refreshGauges()
	return nil
}

// CallbackOutcome classifies a handled keeper callback.
type CallbackOutcome string

const (
	OutcomeExecuted  CallbackOutcome = "executed"
	OutcomeFailed    CallbackOutcome = "failed"
	OutcomeDuplicate CallbackOutcome = "duplicate"
	OutcomeRejected  CallbackOutcome = "rejected"
)

// HandleCallback applies one keeper callback exactly once per callback id.
func (e *Engine) HandleCallback(ctx context.Context, cb vault.Callback) (CallbackOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	outcome, err := e.handleCallback(ctx, cb)
	if e.metrics != nil {
		e.metrics.AsyncCallbacks.WithLabelValues(string(outcome)).Inc()
		e.metrics.CallbackDuration.Observe(time.Since(start).Seconds())
	}
	e.refreshGauges()
	return outcome, err
}

func (e *Engine) handleCallback(ctx context.Context, cb vault.Callback) (CallbackOutcome, error) {
	id := callbackID(cb)
	if e.dedup != nil && e.dedup.IsDuplicate(ctx, id) {
		e.logger.Debug().Str("callback_id", id).Msg("duplicate callback skipped")
		return OutcomeDuplicate, nil
	}
	reg, _, err := e.registryForKey(cb.Key)
	if err != nil {
		return OutcomeRejected, err
	}
	if err := reg.HandleCallback(ctx, cb); err != nil {
		e.logger.Warn().Err(err).Str("callback_id", id).Str("key", cb.Key.Hex()).Msg("callback rejected")
		return OutcomeRejected, err
	}
	if e.dedup != nil {
		e.dedup.MarkProcessed(ctx, id)
	}
	if req, ok := reg.Request(cb.Key); ok && req.Status == vault.StatusFailedRetryable {
		return OutcomeFailed, nil
	}
	return OutcomeExecuted, nil
}

// callbackID falls back to the request key and result when the venue sent
// no id of its own.
func callbackID(cb vault.Callback) string {
	if cb.ID != "" {
		return cb.ID
	}
	return fmt.Sprintf("%s:%t", cb.Key.Hex(), cb.Success)
}

func (e *Engine) Balance(pos ledger.Position, market ledger.MarketID) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.GetAccountBalance(pos, market)
}

func (e *Engine) Expiry(pos ledger.Position, market ledger.MarketID) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.GetExpiry(pos, market)
}

// Health returns the premium-weighted account values of pos and whether it
// is under-margined.
func (e *Engine) Health(pos ledger.Position) (ledger.AccountValues, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vals, err := e.ledger.AccountValues(pos)
	if err != nil {
		return ledger.AccountValues{}, false, err
	}
	under, err := e.ledger.IsUnderMargined(pos)
	if err != nil {
		return ledger.AccountValues{}, false, err
	}
	return vals, under, nil
}

func (e *Engine) Market(id ledger.MarketID) (ledger.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Markets().Market(id)
}

func (e *Engine) Request(key common.Hash) (*vault.Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, req, err := e.registryForKey(key)
	return req, err == nil
}

// VaultState is the frozen flag and live request keys of one vault.
type VaultState struct {
	Vault       common.Address
	Owner       common.Address
	Frozen      bool
	PendingKeys []common.Hash
}

func (e *Engine) Vault(addr common.Address) (VaultState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, err := e.registryForVault(addr)
	if err != nil {
		// Sync isolation vaults never freeze.
		for _, f := range e.factories {
			if owner, ok := f.OwnerOf(addr); ok {
				return VaultState{Vault: addr, Owner: owner}, nil
			}
		}
		return VaultState{}, err
	}
	owner, _ := reg.Factory().OwnerOf(addr)
	return VaultState{
		Vault:       addr,
		Owner:       owner,
		Frozen:      reg.IsVaultFrozen(addr),
		PendingKeys: reg.PendingKeys(addr),
	}, nil
}

func (e *Engine) registryForVault(addr common.Address) (*vault.AsyncRegistry, error) {
	for _, reg := range e.async {
		if reg.Factory().IsVault(addr) {
			return reg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAsyncMarket, addr.Hex())
}

func (e *Engine) registryForKey(key common.Hash) (*vault.AsyncRegistry, *vault.Request, error) {
	for _, reg := range e.async {
		if req, ok := reg.Request(key); ok {
			return reg, req, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", vault.ErrUnknownRequest, key.Hex())
}

func (e *Engine) created(req *vault.Request) {
	if e.metrics != nil {
		e.metrics.AsyncRequestsCreated.WithLabelValues(req.Kind.String()).Inc()
	}
	e.refreshGauges()
}

func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}
	live, frozen := 0, 0
	for _, reg := range e.async {
		live += len(reg.Requests())
		frozen += reg.FrozenVaults()
	}
	e.metrics.AsyncRequestsLive.Set(float64(live))
	e.metrics.FrozenVaults.Set(float64(frozen))
}

func (e *Engine) reject(source string, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.LedgerBatches.WithLabelValues(source, "rejected").Inc()
	switch source {
	case "zap":
		e.metrics.ZapsRejected.WithLabelValues(rejectReason(err)).Inc()
	case "liquidation":
		e.metrics.LiquidationsRejected.WithLabelValues(rejectReason(err)).Inc()
	}
}

var reasons = []struct {
	err   error
	label string
}{
	{liquidation.ErrReentrancy, "reentrancy"},
	{zap.ErrReentrancy, "reentrancy"},
	{liquidation.ErrOwedEqualsHeld, "owed_equals_held"},
	{liquidation.ErrNotUnderMargined, "not_under_margined"},
	{liquidation.ErrExpiryUnderMargined, "expiry_under_margined"},
	{liquidation.ErrExpiryMismatch, "expiry_mismatch"},
	{liquidation.ErrNotExpired, "not_expired"},
	{liquidation.ErrNotAllowed, "not_allowed"},
	{vault.ErrLiquidatorNotAllowed, "not_allowed"},
	{liquidation.ErrUnauthorized, "unauthorized"},
	{zap.ErrUnauthorized, "unauthorized"},
	{liquidation.ErrVaultFrozen, "frozen"},
	{zap.ErrVaultFrozen, "frozen"},
	{liquidation.ErrPrepareRequired, "prepare_required"},
	{zap.ErrDeadlineExpired, "deadline"},
	{zap.ErrSentinelForbidden, "sentinel_forbidden"},
	{adapter.ErrInsufficientOutput, "insufficient_output"},
	{ledger.ErrUndercollateralized, "undercollateralized"},
}

func rejectReason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "other"
}
