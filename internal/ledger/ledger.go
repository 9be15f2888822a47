// Package ledger is the margin ledger the orchestration layer drives: signed
// per-position, per-market balances mutated only through atomic batches.
package ledger

import (
	"IsoLedger/internal/registry"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrNestedOperate         = errors.New("ledger: operate called while a batch is running")
	ErrUnauthorized          = errors.New("ledger: sender is not owner or operator")
	ErrInvalidAction         = errors.New("ledger: invalid action")
	ErrNoPreviousOutput      = errors.New("ledger: no previous output in batch")
	ErrInvalidLiquidation    = errors.New("ledger: invalid liquidation")
	ErrUndercollateralized   = errors.New("ledger: position undercollateralized")
	ErrSupplyCapExceeded     = errors.New("ledger: supply cap exceeded")
	ErrMarketClosing         = errors.New("ledger: cannot borrow from a closing market")
	ErrBatchPanicked         = errors.New("ledger: batch panicked")
	ErrInsufficientLiquidity = errors.New("ledger: insufficient ledger liquidity")
)

// Ledger holds position balances, expiries and operator trust, and applies
// batches of actions all-or-nothing.
//
// Ledger is NOT thread-safe: callers serialize access.
type Ledger struct {
	address  common.Address
	markets  MarketSource
	registry *registry.Registry
	tokens   *TokenBook
	risk     RiskParams
	now      func() time.Time
	logger   zerolog.Logger

	balances        *BalanceTracker
	expiries        map[AccountKey]uint32
	globalOperators map[common.Address]bool
	localOperators  map[common.Address]map[common.Address]bool

	operating bool
	batches   uint64
}

type Option func(*Ledger)

// WithClock overrides the block-time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(address common.Address, markets MarketSource, reg *registry.Registry, risk RiskParams, opts ...Option) *Ledger {
	l := &Ledger{
		address:         address,
		markets:         markets,
		registry:        reg,
		tokens:          NewTokenBook(),
		risk:            risk,
		now:             time.Now,
		logger:          zerolog.Nop(),
		balances:        NewBalanceTracker(),
		expiries:        make(map[AccountKey]uint32),
		globalOperators: make(map[common.Address]bool),
		localOperators:  make(map[common.Address]map[common.Address]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Address() common.Address      { return l.address }
func (l *Ledger) Tokens() *TokenBook           { return l.tokens }
func (l *Ledger) Registry() *registry.Registry { return l.registry }
func (l *Ledger) Markets() MarketSource        { return l.markets }
func (l *Ledger) Risk() RiskParams             { return l.risk }
func (l *Ledger) Now() time.Time               { return l.now() }
func (l *Ledger) BatchCount() uint64           { return l.batches }
func (l *Ledger) Operating() bool              { return l.operating }

// GetAccountBalance returns the signed balance of pos in market.
func (l *Ledger) GetAccountBalance(pos Position, market MarketID) *big.Int {
	return l.balances.GetBalance(AccountKey{Position: pos, Market: market})
}

// PositionMarkets lists the markets in which pos has a nonzero balance.
func (l *Ledger) PositionMarkets(pos Position) []MarketID {
	return l.balances.MarketsOf(pos)
}

func (l *Ledger) GetMarketPrice(market MarketID) (*uint256.Int, error) {
	m, err := l.markets.Market(market)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(m.Price), nil
}

func (l *Ledger) TotalSupply(market MarketID) *big.Int {
	return l.balances.TotalSupply(market)
}

// GetExpiry returns the recorded borrow expiry of pos in market, 0 if none.
func (l *Ledger) GetExpiry(pos Position, market MarketID) uint32 {
	return l.expiries[AccountKey{Position: pos, Market: market}]
}

func (l *Ledger) SetExpiry(pos Position, market MarketID, ts uint32) {
	key := AccountKey{Position: pos, Market: market}
	if ts == 0 {
		delete(l.expiries, key)
		return
	}
	l.expiries[key] = ts
}

func (l *Ledger) SetGlobalOperator(operator common.Address, trusted bool) {
	if trusted {
		l.globalOperators[operator] = true
		return
	}
	delete(l.globalOperators, operator)
}

func (l *Ledger) SetOperator(owner, operator common.Address, trusted bool) {
	ops, ok := l.localOperators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		l.localOperators[owner] = ops
	}
	if trusted {
		ops[operator] = true
		return
	}
	delete(ops, operator)
}

func (l *Ledger) IsGlobalOperator(operator common.Address) bool {
	return l.globalOperators[operator]
}

func (l *Ledger) IsLocalOperator(owner, operator common.Address) bool {
	return l.localOperators[owner][operator]
}

// IsOperator reports whether operator may act for owner.
func (l *Ledger) IsOperator(owner, operator common.Address) bool {
	return l.IsGlobalOperator(operator) || l.IsLocalOperator(owner, operator)
}

type ledgerSnapshot struct {
	balances map[AccountKey]*big.Int
	expiries map[AccountKey]uint32
	tokens   map[common.Address]map[common.Address]*uint256.Int
}

func (l *Ledger) snapshot() ledgerSnapshot {
	expiries := make(map[AccountKey]uint32, len(l.expiries))
	for k, v := range l.expiries {
		expiries[k] = v
	}
	return ledgerSnapshot{
		balances: l.balances.Snapshot(),
		expiries: expiries,
		tokens:   l.tokens.snapshot(),
	}
}

func (l *Ledger) restore(s ledgerSnapshot) {
	l.balances.Restore(s.balances)
	l.expiries = s.expiries
	l.tokens.restore(s.tokens)
}

// Operate applies actions atomically. Either every action applies and the
// post-batch checks pass, or no balance, expiry or token holding changes and
// every registered revert hook runs.
func (l *Ledger) Operate(
	ctx context.Context,
	sender common.Address,
	positions []Position,
	actions []Action,
	mode BalanceCheckMode,
) (receipt *Receipt, err error) {
	if l.operating {
		return nil, ErrNestedOperate
	}
	if err := validateShape(positions, actions); err != nil {
		return nil, err
	}

	l.operating = true
	hooks := &batchHooks{}
	ctx = withHooks(ctx, hooks)
	before := l.snapshot()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBatchPanicked, r)
		}
		l.operating = false
		if err != nil {
			l.restore(before)
			hooks.runRevert()
			receipt = nil
			l.logger.Debug().Err(err).Str("sender", sender.Hex()).Msg("batch reverted")
			return
		}
		hooks.runCommit()
	}()

	run := &batchRun{outputs: make([]*uint256.Int, len(actions))}
	for i, a := range actions {
		if err := l.authorize(sender, positions, a); err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, a.Type, err)
		}
		out, err := l.apply(ctx, sender, positions, a, run)
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i, a.Type, err)
		}
		if out != nil {
			run.outputs[i] = out
			run.previous = out
		}
	}

	if err := l.verifyBatch(positions, mode, before); err != nil {
		return nil, err
	}

	l.batches++
	receipt = &Receipt{
		BatchID: uuid.New(),
		Sender:  sender,
		Outputs: run.outputs,
	}
	l.logger.Debug().
		Str("batch_id", receipt.BatchID.String()).
		Str("sender", sender.Hex()).
		Int("actions", len(actions)).
		Msg("batch committed")
	return receipt, nil
}

func validateShape(positions []Position, actions []Action) error {
	if len(positions) == 0 || len(actions) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidAction)
	}
	for i, a := range actions {
		if a.AccountIndex < 0 || a.AccountIndex >= len(positions) {
			return fmt.Errorf("%w: action %d account index %d out of range", ErrInvalidAction, i, a.AccountIndex)
		}
		switch a.Type {
		case ActionTransfer, ActionTrade, ActionLiquidate:
			if a.OtherAccountIndex < 0 || a.OtherAccountIndex >= len(positions) {
				return fmt.Errorf("%w: action %d other account index %d out of range", ErrInvalidAction, i, a.OtherAccountIndex)
			}
			if a.OtherAccountIndex == a.AccountIndex {
				return fmt.Errorf("%w: action %d uses the same account twice", ErrInvalidAction, i)
			}
		}
		switch a.Type {
		case ActionSell, ActionTrade, ActionLiquidate:
			if a.PrimaryMarket == a.SecondaryMarket {
				return fmt.Errorf("%w: action %d uses market %d on both sides", ErrInvalidAction, i, a.PrimaryMarket)
			}
		}
	}
	return nil
}

func (l *Ledger) authorize(sender common.Address, positions []Position, a Action) error {
	primary := positions[a.AccountIndex]
	if primary.Owner != sender && !l.IsOperator(primary.Owner, sender) {
		return fmt.Errorf("%w: %s for %s", ErrUnauthorized, sender.Hex(), primary)
	}
	switch a.Type {
	case ActionTransfer:
		other := positions[a.OtherAccountIndex]
		if other.Owner != sender && !l.IsOperator(other.Owner, sender) {
			return fmt.Errorf("%w: %s for %s", ErrUnauthorized, sender.Hex(), other)
		}
	case ActionLiquidate:
		if !l.IsGlobalOperator(sender) {
			return fmt.Errorf("%w: %s is not a global operator", ErrUnauthorized, sender.Hex())
		}
	case ActionTrade:
		maker := positions[a.OtherAccountIndex]
		if !l.IsOperator(maker.Owner, a.Address) {
			return fmt.Errorf("%w: trader %s for maker %s", ErrUnauthorized, a.Address.Hex(), maker)
		}
	}
	return nil
}

// verifyBatch enforces closing markets, supply caps and collateralization.
func (l *Ledger) verifyBatch(positions []Position, mode BalanceCheckMode, before ledgerSnapshot) error {
	touchedMarkets := make(map[MarketID]struct{})
	for _, pos := range positions {
		for _, id := range l.balances.MarketsOf(pos) {
			touchedMarkets[id] = struct{}{}
		}
		for k := range before.balances {
			if k.Position == pos {
				touchedMarkets[k.Market] = struct{}{}
			}
		}
	}

	for id := range touchedMarkets {
		m, err := l.markets.Market(id)
		if err != nil {
			return fmt.Errorf("market %d: %w", id, err)
		}
		if m.IsClosing {
			for _, pos := range positions {
				key := AccountKey{Position: pos, Market: id}
				prev, ok := before.balances[key]
				if !ok {
					prev = new(big.Int)
				}
				cur := l.balances.GetBalance(key)
				if cur.Sign() < 0 && cur.Cmp(prev) < 0 {
					return fmt.Errorf("%w: market %d position %s", ErrMarketClosing, id, pos)
				}
			}
		}
		if m.SupplyCap != nil && !m.SupplyCap.IsZero() {
			total := l.balances.TotalSupply(id)
			prev := totalSupply(before.balances, id)
			if total.Cmp(m.SupplyCap.ToBig()) > 0 && total.Cmp(prev) > 0 {
				return fmt.Errorf("%w: market %d supply %s > cap %s", ErrSupplyCapExceeded, id, total, m.SupplyCap)
			}
		}
	}

	var check []Position
	switch mode {
	case BalanceCheckSender:
		check = positions[:1]
	case BalanceCheckBoth:
		check = positions[:min(2, len(positions))]
	}
	for _, pos := range check {
		if err := l.ValidateCollateralized(pos); err != nil {
			return err
		}
	}
	return nil
}
