// Package liquidation seizes collateral from under-margined or expired
// positions and routes the reward through a zap path in one ledger batch.
package liquidation

import (
	"IsoLedger/internal/adapter"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/zap"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// AsyncMarket is an isolation market whose unwraps settle out-of-band.
type AsyncMarket interface {
	IsVaultFrozen(vault common.Address) bool
	ExecutedLiquidation(pos ledger.Position) (*vault.Request, bool)
	Factory() *vault.Factory
}

// Request liquidates Liquid's debt in OwedMarket against its HeldMarket
// balance. Solid is the liquidator's position.
type Request struct {
	Solid      ledger.Position
	Liquid     ledger.Position
	HeldMarket ledger.MarketID
	OwedMarket ledger.MarketID
	// Expiry is zero for margin liquidations, else the recorded expiry of
	// the owed borrow.
	Expiry uint64
	// RepayAmount caps the owed amount repaid. Nil or the sentinel repays
	// the full debt.
	RepayAmount       *uint256.Int
	MinRewardOutput   *uint256.Int
	WithdrawAllReward bool

	// MarketPath and Hops convert the seized held balance; both may be empty.
	MarketPath    []ledger.MarketID
	Hops          []zap.Hop
	MakerAccounts []ledger.Position
}

// Outcome describes a committed liquidation.
type Outcome struct {
	Receipt *ledger.Receipt
	Reward  *Reward
	// Output is the amount the solid position received in RewardMarket.
	Output       *uint256.Int
	RewardMarket ledger.MarketID
}

// Proxy must be a global operator of the ledger.
type Proxy struct {
	address common.Address
	ledger  *ledger.Ledger
	zap     *zap.Executor
	allow   AllowList
	expiry  *Expiry
	async   []AsyncMarket
	events  event.Sink
	logger  zerolog.Logger
	entered atomic.Bool
}

type Option func(*Proxy)

func WithAsyncMarkets(markets ...AsyncMarket) Option {
	return func(p *Proxy) { p.async = append(p.async, markets...) }
}

func WithEvents(sink event.Sink) Option {
	return func(p *Proxy) { p.events = sink }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

func NewProxy(address common.Address, l *ledger.Ledger, exec *zap.Executor, allow AllowList, expiry *Expiry, opts ...Option) *Proxy {
	p := &Proxy{
		address: address,
		ledger:  l,
		zap:     exec,
		allow:   allow,
		expiry:  expiry,
		events:  event.NopSink{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) Address() common.Address { return p.address }

// Quote computes the reward req would receive now without executing it.
func (p *Proxy) Quote(caller common.Address, req Request) (*Reward, error) {
	bal, err := p.checkRequest(caller, &req)
	if err != nil {
		return nil, err
	}
	return p.reward(&req, bal)
}

// Liquidate validates req, then seizes and converts the reward atomically.
func (p *Proxy) Liquidate(ctx context.Context, caller common.Address, req Request) (*Outcome, error) {
	if !p.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrancy
	}
	defer p.entered.Store(false)

	bal, err := p.checkRequest(caller, &req)
	if err != nil {
		return nil, err
	}
	if p.zap.IsFrozen(req.Solid.Owner) {
		return nil, fmt.Errorf("%w: %s", ErrVaultFrozen, req.Solid.Owner.Hex())
	}
	completion, err := p.asyncCompletion(&req)
	if err != nil {
		return nil, err
	}
	reward, err := p.reward(&req, bal)
	if err != nil {
		return nil, err
	}

	plan, rewardMarket, err := p.assemble(&req, reward)
	if err != nil {
		return nil, err
	}
	if completion != nil {
		if err := p.appendCompletion(plan, &req, completion, bal.held, reward.HeldSeized); err != nil {
			return nil, err
		}
	}
	if req.WithdrawAllReward {
		plan.Append(ledger.Action{
			Type:          ledger.ActionWithdraw,
			AccountIndex:  0,
			PrimaryMarket: rewardMarket,
			Amount:        ledger.AllBalance(),
			Address:       caller,
		})
	}

	receipt, err := p.ledger.Operate(ctx, p.address, plan.Positions, plan.Actions, ledger.BalanceCheckSender)
	if err != nil {
		return nil, fmt.Errorf("liquidation batch: %w", err)
	}
	out := &Outcome{Receipt: receipt, Reward: reward, RewardMarket: rewardMarket, Output: reward.HeldSeized}
	if len(req.Hops) > 0 {
		out.Output = plan.Result(receipt, reward.HeldSeized).Output()
	}

	p.events.Emit(&event.LiquidationExecuted{
		BatchID:    receipt.BatchID.String(),
		Solid:      req.Solid.String(),
		Liquid:     req.Liquid.String(),
		HeldMarket: uint64(req.HeldMarket),
		OwedMarket: uint64(req.OwedMarket),
		OwedRepaid: reward.OwedRepaid.Dec(),
		HeldSeized: reward.HeldSeized.Dec(),
		Output:     out.Output.Dec(),
		Expiry:     uint32(req.Expiry),
		Timestamp:  p.ledger.Now(),
	})
	p.logger.Info().
		Str("batch_id", receipt.BatchID.String()).
		Str("solid", req.Solid.String()).
		Str("liquid", req.Liquid.String()).
		Uint64("held_market", uint64(req.HeldMarket)).
		Uint64("owed_market", uint64(req.OwedMarket)).
		Str("repaid", reward.OwedRepaid.Dec()).
		Str("seized", reward.HeldSeized.Dec()).
		Bool("capped", reward.Capped).
		Bool("expiry", req.Expiry != 0).
		Msg("liquidation executed")
	return out, nil
}

func (p *Proxy) reward(req *Request, bal balances) (*Reward, error) {
	repay := bal.debt
	if req.RepayAmount != nil && !fpmath.IsSentinel(req.RepayAmount) {
		if req.RepayAmount.IsZero() {
			return nil, ErrZeroRepay
		}
		repay = fpmath.Min(req.RepayAmount, bal.debt)
	}

	heldPrice, err := p.ledger.GetMarketPrice(req.HeldMarket)
	if err != nil {
		return nil, err
	}
	owedPrice, err := p.ledger.GetMarketPrice(req.OwedMarket)
	if err != nil {
		return nil, err
	}
	var spread *uint256.Int
	if req.Expiry != 0 {
		spread, err = p.expiry.Spread(req.HeldMarket, req.OwedMarket, uint32(req.Expiry))
	} else {
		spread, err = p.ledger.LiquidationSpreadForPair(req.HeldMarket, req.OwedMarket)
	}
	if err != nil {
		return nil, err
	}
	return ComputeReward(heldPrice, owedPrice, spread, repay, bal.held)
}

// assemble lays the liquidate action, then the conversion hops, into a plan.
func (p *Proxy) assemble(req *Request, reward *Reward) (*zap.Plan, ledger.MarketID, error) {
	positions := []ledger.Position{req.Solid, req.Liquid}
	var plan *zap.Plan
	rewardMarket := req.HeldMarket

	if len(req.Hops) == 0 {
		if req.MinRewardOutput != nil && reward.HeldSeized.Lt(req.MinRewardOutput) {
			return nil, 0, fmt.Errorf("%w: %s < %s", ErrRewardBelowMin, reward.HeldSeized, req.MinRewardOutput)
		}
		plan = zap.NewPlan(positions, []ledger.MarketID{req.HeldMarket})
	} else {
		if len(req.MarketPath) == 0 || req.MarketPath[0] != req.HeldMarket {
			return nil, 0, fmt.Errorf("%w: held market %d", ErrHeldPathMismatch, req.HeldMarket)
		}
		params := zap.Params{
			MarketPath:      req.MarketPath,
			InputAmount:     reward.HeldSeized,
			MinOutputAmount: req.MinRewardOutput,
			Hops:            req.Hops,
			MakerAccounts:   req.MakerAccounts,
		}
		traders, err := p.zap.ValidatePath(params)
		if err != nil {
			return nil, 0, err
		}
		plan, err = p.zap.Assemble(params, traders, zap.Assembly{
			Positions:  positions,
			VaultIndex: 1,
			FirstInput: ledger.PreviousOutput(),
		})
		if err != nil {
			return nil, 0, err
		}
		rewardMarket = req.MarketPath[len(req.MarketPath)-1]
	}

	plan.Prepend(ledger.Action{
		Type:              ledger.ActionLiquidate,
		AccountIndex:      0,
		OtherAccountIndex: 1,
		PrimaryMarket:     req.OwedMarket,
		SecondaryMarket:   req.HeldMarket,
		Amount:            ledger.Exact(reward.OwedRepaid),
		OtherAmount:       reward.HeldSeized,
	})
	return plan, rewardMarket, nil
}

// asyncCompletion returns the executed liquidation request that req must
// consume, or nil when the held market settles synchronously.
func (p *Proxy) asyncCompletion(req *Request) (*vault.Request, error) {
	for _, m := range p.async {
		f := m.Factory()
		if f.IsolationMarket() != req.HeldMarket || !f.IsVault(req.Liquid.Owner) {
			if m.IsVaultFrozen(req.Liquid.Owner) {
				return nil, fmt.Errorf("%w: %s", ErrVaultFrozen, req.Liquid.Owner.Hex())
			}
			continue
		}
		executed, ok := m.ExecutedLiquidation(req.Liquid)
		if !ok {
			if m.IsVaultFrozen(req.Liquid.Owner) {
				return nil, fmt.Errorf("%w: %s", ErrVaultFrozen, req.Liquid.Owner.Hex())
			}
			return nil, fmt.Errorf("%w: %s", ErrPrepareRequired, req.Liquid)
		}
		if len(req.Hops) == 0 || req.Hops[0].Trader != executed.Custodian {
			return nil, fmt.Errorf("%w: %s", ErrAsyncUnwrapRequired, executed.Custodian.Hex())
		}
		if req.Hops[0].Market != executed.OutputMarket {
			return nil, fmt.Errorf("%w: request output market %d", ErrAsyncUnwrapRequired, executed.OutputMarket)
		}
		return executed, nil
	}
	return nil, nil
}

// appendCompletion unwraps whatever the liquid position keeps of the
// executed request so the request is fully consumed and the vault thaws.
func (p *Proxy) appendCompletion(plan *zap.Plan, req *Request, executed *vault.Request, held, seized *uint256.Int) error {
	if !held.Gt(seized) {
		return nil
	}
	remainder := new(uint256.Int).Sub(held, seized)
	t, err := registry.Resolve[adapter.Trader](p.ledger.Registry(), executed.Custodian)
	if err != nil {
		return err
	}
	actions, err := t.CreateActions(adapter.ActionParams{
		PrimaryAccountIndex: 1,
		OtherAccountIndex:   1,
		PrimaryOwner:        req.Liquid.Owner,
		OtherOwner:          req.Liquid.Owner,
		InputMarket:         req.HeldMarket,
		OutputMarket:        executed.OutputMarket,
		InputAmount:         ledger.Exact(remainder),
	})
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	for _, a := range actions {
		plan.Append(a)
	}
	return nil
}
