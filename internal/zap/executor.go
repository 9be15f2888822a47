// Package zap turns a multi-hop trade over conversion adapters into one
// atomic ledger batch.
package zap

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/tradedata"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Hop is one leg of a zap. Market is the market the hop outputs.
type Hop struct {
	Market    ledger.MarketID
	Trader    common.Address
	TradeData []byte
}

type Params struct {
	MarketPath []ledger.MarketID
	// InputAmount may be fpmath.MaxUint256 for the position's full balance,
	// except when the first hop is an async unwrapper.
	InputAmount     *uint256.Int
	MinOutputAmount *uint256.Int
	Hops            []Hop
	MakerAccounts   []ledger.Position
	// Deadline is ignored when zero.
	Deadline     time.Time
	BalanceCheck ledger.BalanceCheckMode
}

// FreezeChecker reports vaults with live async requests.
type FreezeChecker interface {
	IsVaultFrozen(vault common.Address) bool
}

// VaultOwners resolves isolation vaults to their owners.
type VaultOwners interface {
	OwnerOf(vault common.Address) (common.Address, bool)
}

// Assembly controls how a path is laid into a batch.
type Assembly struct {
	// Positions lead the batch; hops act on index 0.
	Positions []ledger.Position
	// VaultIndex is the position unwrappers pull isolation balances from.
	VaultIndex int
	// FirstInput feeds the first hop.
	FirstInput ledger.AmountRef
}

// Executor is a global operator of the ledger.
type Executor struct {
	address  common.Address
	ledger   *ledger.Ledger
	freezers []FreezeChecker
	owners   []VaultOwners
	events   event.Sink
	logger   zerolog.Logger
	entered  atomic.Bool
}

type Option func(*Executor)

func WithFreezeCheckers(checkers ...FreezeChecker) Option {
	return func(e *Executor) { e.freezers = append(e.freezers, checkers...) }
}

func WithVaultOwners(owners ...VaultOwners) Option {
	return func(e *Executor) { e.owners = append(e.owners, owners...) }
}

func WithEvents(sink event.Sink) Option {
	return func(e *Executor) { e.events = sink }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func NewExecutor(address common.Address, l *ledger.Ledger, opts ...Option) *Executor {
	e := &Executor{
		address: address,
		ledger:  l,
		events:  event.NopSink{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Address() common.Address { return e.address }

// IsFrozen reports whether any registered async registry froze owner.
func (e *Executor) IsFrozen(owner common.Address) bool {
	for _, f := range e.freezers {
		if f.IsVaultFrozen(owner) {
			return true
		}
	}
	return false
}

// CanOperate reports whether caller may act for pos: its owner, a local
// operator, or the owner of the isolation vault holding pos.
func (e *Executor) CanOperate(caller common.Address, pos ledger.Position) bool {
	if pos.Owner == caller || e.ledger.IsLocalOperator(pos.Owner, caller) {
		return true
	}
	for _, o := range e.owners {
		if owner, ok := o.OwnerOf(pos.Owner); ok && owner == caller {
			return true
		}
	}
	return false
}

// Execute runs p for pos on behalf of caller.
func (e *Executor) Execute(ctx context.Context, caller common.Address, pos ledger.Position, p Params) (*Result, error) {
	if !e.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrancy
	}
	defer e.entered.Store(false)

	if !e.CanOperate(caller, pos) {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnauthorized, caller.Hex(), pos)
	}
	if e.IsFrozen(pos.Owner) {
		return nil, fmt.Errorf("%w: %s", ErrVaultFrozen, pos.Owner.Hex())
	}
	if !p.Deadline.IsZero() {
		if now := e.ledger.Now(); now.After(p.Deadline) {
			return nil, &DeadlineExpiredError{Deadline: p.Deadline, Now: now}
		}
	}
	traders, err := e.ValidatePath(p)
	if err != nil {
		return nil, err
	}

	input, err := e.resolveInput(pos, p, traders[0])
	if err != nil {
		return nil, err
	}
	plan, err := e.Assemble(p, traders, Assembly{
		Positions:  []ledger.Position{pos},
		VaultIndex: 0,
		FirstInput: ledger.Exact(input),
	})
	if err != nil {
		return nil, err
	}

	receipt, err := e.ledger.Operate(ctx, e.address, plan.Positions, plan.Actions, p.BalanceCheck)
	if err != nil {
		return nil, fmt.Errorf("zap batch: %w", err)
	}
	res := plan.Result(receipt, input)

	path := make([]uint64, len(p.MarketPath))
	for i, m := range p.MarketPath {
		path[i] = uint64(m)
	}
	e.events.Emit(&event.ZapExecuted{
		BatchID:       receipt.BatchID.String(),
		Trader:        pos.Owner.Hex(),
		AccountNumber: pos.Number,
		Path:          path,
		InputAmount:   input.Dec(),
		OutputAmount:  res.Output().Dec(),
		Timestamp:     e.ledger.Now(),
	})
	e.logger.Info().
		Str("batch_id", receipt.BatchID.String()).
		Str("position", pos.String()).
		Int("hops", len(p.Hops)).
		Str("input", input.Dec()).
		Str("output", res.Output().Dec()).
		Msg("zap executed")
	return res, nil
}

// ValidatePath checks the path shape and resolves every hop's trader. Each
// hop's pair is checked by market id and, for traders with token validators,
// by the markets' tokens.
func (e *Executor) ValidatePath(p Params) ([]adapter.Trader, error) {
	if len(p.Hops) == 0 || len(p.MarketPath) == 0 {
		return nil, ErrEmptyPath
	}
	if len(p.MarketPath) != len(p.Hops)+1 {
		return nil, &PathLengthError{Markets: len(p.MarketPath), Hops: len(p.Hops)}
	}
	if p.InputAmount == nil || p.InputAmount.IsZero() {
		return nil, ErrZeroInput
	}
	traders := make([]adapter.Trader, len(p.Hops))
	for i, h := range p.Hops {
		if h.Market != p.MarketPath[i+1] {
			return nil, &MarketMismatchError{Index: i, Expected: p.MarketPath[i+1], Got: h.Market}
		}
		t, err := registry.Resolve[adapter.Trader](e.ledger.Registry(), h.Trader)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		if err := t.ValidatePair(p.MarketPath[i], p.MarketPath[i+1]); err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		in, err := e.ledger.Markets().Market(p.MarketPath[i])
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		out, err := e.ledger.Markets().Market(p.MarketPath[i+1])
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		if err := adapter.ValidateTokens(t, in, out); err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		traders[i] = t
	}
	return traders, nil
}

func (e *Executor) resolveInput(pos ledger.Position, p Params, first adapter.Trader) (*uint256.Int, error) {
	if !fpmath.IsSentinel(p.InputAmount) {
		return new(uint256.Int).Set(p.InputAmount), nil
	}
	if first.IsAsync() && first.Type() == adapter.TraderIsolationUnwrapper {
		return nil, fmt.Errorf("%w: hop 0 trader %s", ErrSentinelForbidden, first.Address().Hex())
	}
	balance, negative, err := fpmath.FromSigned(e.ledger.GetAccountBalance(pos, p.MarketPath[0]))
	if err != nil {
		return nil, err
	}
	if negative || balance.IsZero() {
		return nil, fmt.Errorf("%w: no balance in market %d", ErrZeroInput, p.MarketPath[0])
	}
	return balance, nil
}

// Assemble lays the hops of p into a batch. Makers are appended after
// a.Positions in order of use.
func (e *Executor) Assemble(p Params, traders []adapter.Trader, a Assembly) (*Plan, error) {
	plan := &Plan{
		Positions: append([]ledger.Position(nil), a.Positions...),
		path:      p.MarketPath,
		hopEnds:   make([]int, 0, len(p.Hops)),
	}
	size := 0
	for _, t := range traders {
		size += t.ActionsLength()
	}
	plan.Actions = make([]ledger.Action, 0, size)

	makers := 0
	for i, h := range p.Hops {
		t := traders[i]
		amount := ledger.PreviousOutput()
		if i == 0 {
			amount = a.FirstInput
		}
		data, err := e.hopData(p, i, h.TradeData)
		if err != nil {
			return nil, err
		}
		params := adapter.ActionParams{
			PrimaryAccountIndex: 0,
			OtherAccountIndex:   a.VaultIndex,
			PrimaryOwner:        plan.Positions[0].Owner,
			OtherOwner:          plan.Positions[a.VaultIndex].Owner,
			InputMarket:         p.MarketPath[i],
			OutputMarket:        p.MarketPath[i+1],
			InputAmount:         amount,
			TradeData:           data,
		}
		if i == len(p.Hops)-1 {
			params.MinOutputAmount = p.MinOutputAmount
		}
		if t.Type() == adapter.TraderInternalLiquidity {
			if makers >= len(p.MakerAccounts) {
				return nil, fmt.Errorf("%w: hop %d", ErrMissingMaker, i)
			}
			plan.Positions = append(plan.Positions, p.MakerAccounts[makers])
			params.MakerAccountIndex = len(plan.Positions) - 1
			makers++
		}

		actions, err := t.CreateActions(params)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		if len(actions) != t.ActionsLength() {
			return nil, fmt.Errorf("%w: hop %d returned %d, declared %d", ErrActionsLength, i, len(actions), t.ActionsLength())
		}
		plan.Actions = append(plan.Actions, actions...)
		plan.hopEnds = append(plan.hopEnds, len(plan.Actions)-1)
	}
	return plan, nil
}

// hopData returns the trade data for hop i. The final hop carries the zap
// minimum: empty data is filled in, explicit data must not ask for less.
func (e *Executor) hopData(p Params, i int, data []byte) ([]byte, error) {
	if i != len(p.Hops)-1 || p.MinOutputAmount == nil {
		return data, nil
	}
	if len(data) == 0 {
		return tradedata.Encode(p.MinOutputAmount, nil)
	}
	minOut, err := tradedata.MinOutput(data)
	if err != nil {
		return nil, err
	}
	if minOut.Lt(p.MinOutputAmount) {
		return nil, fmt.Errorf("%w: %s < %s", ErrMinOutputMismatch, minOut, p.MinOutputAmount)
	}
	return data, nil
}
