package ledger

import (
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/registry"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type batchRun struct {
	outputs  []*uint256.Int
	previous *uint256.Int
}

// resolve turns an AmountRef into a concrete amount. all supplies the value
// used for AmountAllBalance.
func (r *batchRun) resolve(ref AmountRef, all func() *uint256.Int) (*uint256.Int, error) {
	switch ref.Kind {
	case AmountExact:
		if ref.Value == nil {
			return new(uint256.Int), nil
		}
		return new(uint256.Int).Set(ref.Value), nil
	case AmountPreviousOutput:
		if r.previous == nil {
			return nil, ErrNoPreviousOutput
		}
		return new(uint256.Int).Set(r.previous), nil
	case AmountAllBalance:
		return all(), nil
	default:
		return nil, fmt.Errorf("%w: amount kind %d", ErrInvalidAction, ref.Kind)
	}
}

func (l *Ledger) apply(ctx context.Context, sender common.Address, positions []Position, a Action, run *batchRun) (*uint256.Int, error) {
	primary := positions[a.AccountIndex]
	primaryKey := AccountKey{Position: primary, Market: a.PrimaryMarket}

	switch a.Type {
	case ActionDeposit:
		m, err := l.markets.Market(a.PrimaryMarket)
		if err != nil {
			return nil, err
		}
		amount, err := run.resolve(a.Amount, func() *uint256.Int {
			return l.tokens.BalanceOf(m.Token, a.Address)
		})
		if err != nil {
			return nil, err
		}
		if err := l.tokens.Transfer(m.Token, a.Address, l.address, amount); err != nil {
			return nil, err
		}
		l.balances.Credit(primaryKey, amount)
		return nil, nil

	case ActionWithdraw:
		m, err := l.markets.Market(a.PrimaryMarket)
		if err != nil {
			return nil, err
		}
		amount, err := run.resolve(a.Amount, func() *uint256.Int {
			return l.balances.Positive(primaryKey)
		})
		if err != nil {
			return nil, err
		}
		if err := l.tokens.Transfer(m.Token, l.address, a.Address, amount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
		}
		l.balances.Debit(primaryKey, amount)
		return nil, nil

	case ActionTransfer:
		amount, err := run.resolve(a.Amount, func() *uint256.Int {
			return l.balances.Positive(primaryKey)
		})
		if err != nil {
			return nil, err
		}
		l.balances.Debit(primaryKey, amount)
		l.balances.Credit(AccountKey{Position: positions[a.OtherAccountIndex], Market: a.PrimaryMarket}, amount)
		return nil, nil

	case ActionSell:
		return l.applySell(ctx, primary, a, run)

	case ActionTrade:
		return l.applyTrade(ctx, primary, positions[a.OtherAccountIndex], a, run)

	case ActionLiquidate:
		return l.applyLiquidate(primary, positions[a.OtherAccountIndex], a, run)

	case ActionCall:
		callee, err := registry.Resolve[Callee](l.registry, a.Address)
		if err != nil {
			return nil, err
		}
		amount, err := run.resolve(a.Amount, func() *uint256.Int {
			return l.balances.Positive(primaryKey)
		})
		if err != nil {
			return nil, err
		}
		if err := callee.CallFunction(ctx, sender, primary, amount, a.Data); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: type %d", ErrInvalidAction, a.Type)
	}
}

func (l *Ledger) applySell(ctx context.Context, pos Position, a Action, run *batchRun) (*uint256.Int, error) {
	exchanger, err := registry.Resolve[Exchanger](l.registry, a.Address)
	if err != nil {
		return nil, err
	}
	in, err := l.markets.Market(a.PrimaryMarket)
	if err != nil {
		return nil, err
	}
	out, err := l.markets.Market(a.SecondaryMarket)
	if err != nil {
		return nil, err
	}
	inKey := AccountKey{Position: pos, Market: in.ID}
	amount, err := run.resolve(a.Amount, func() *uint256.Int {
		return l.balances.Positive(inKey)
	})
	if err != nil {
		return nil, err
	}

	l.balances.Debit(inKey, amount)
	if err := l.tokens.Transfer(in.Token, l.address, a.Address, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
	}

	output, err := exchanger.Exchange(ctx, l.address, ExchangeRequest{
		Originator:        pos.Owner,
		OriginatorAccount: pos.Number,
		Receiver:          l.address,
		InputMarket:       in.ID,
		OutputMarket:      out.ID,
		InputToken:        in.Token,
		OutputToken:       out.Token,
		InputAmount:       amount,
		Data:              a.Data,
	})
	if err != nil {
		return nil, err
	}
	if err := l.tokens.Transfer(out.Token, a.Address, l.address, output); err != nil {
		return nil, fmt.Errorf("exchanger %s did not deliver output: %w", a.Address.Hex(), err)
	}
	l.balances.Credit(AccountKey{Position: pos, Market: out.ID}, output)
	return output, nil
}

func (l *Ledger) applyTrade(ctx context.Context, taker, maker Position, a Action, run *batchRun) (*uint256.Int, error) {
	trader, err := registry.Resolve[AutoTrader](l.registry, a.Address)
	if err != nil {
		return nil, err
	}
	takerIn := AccountKey{Position: taker, Market: a.PrimaryMarket}
	amount, err := run.resolve(a.Amount, func() *uint256.Int {
		return l.balances.Positive(takerIn)
	})
	if err != nil {
		return nil, err
	}

	output, err := trader.GetTradeCost(ctx, l.address, TradeRequest{
		Taker:        taker,
		Maker:        maker,
		InputMarket:  a.PrimaryMarket,
		OutputMarket: a.SecondaryMarket,
		InputAmount:  amount,
		Data:         a.Data,
	})
	if err != nil {
		return nil, err
	}

	l.balances.Debit(takerIn, amount)
	l.balances.Credit(AccountKey{Position: maker, Market: a.PrimaryMarket}, amount)
	l.balances.Debit(AccountKey{Position: maker, Market: a.SecondaryMarket}, output)
	l.balances.Credit(AccountKey{Position: taker, Market: a.SecondaryMarket}, output)
	return output, nil
}

func (l *Ledger) applyLiquidate(solid, liquid Position, a Action, run *batchRun) (*uint256.Int, error) {
	owedKey := AccountKey{Position: liquid, Market: a.PrimaryMarket}
	heldKey := AccountKey{Position: liquid, Market: a.SecondaryMarket}

	debt, negative, err := fpmath.FromSigned(l.balances.GetBalance(owedKey))
	if err != nil {
		return nil, err
	}
	if !negative || debt.IsZero() {
		return nil, fmt.Errorf("%w: %s has no debt in market %d", ErrInvalidLiquidation, liquid, a.PrimaryMarket)
	}
	repay, err := run.resolve(a.Amount, func() *uint256.Int { return debt })
	if err != nil {
		return nil, err
	}
	if repay.Gt(debt) {
		return nil, fmt.Errorf("%w: repay %s exceeds debt %s", ErrInvalidLiquidation, repay, debt)
	}
	seize := new(uint256.Int)
	if a.OtherAmount != nil {
		seize.Set(a.OtherAmount)
	}
	if held := l.balances.Positive(heldKey); seize.Gt(held) {
		return nil, fmt.Errorf("%w: seize %s exceeds held %s", ErrInvalidLiquidation, seize, held)
	}

	l.balances.Credit(owedKey, repay)
	l.balances.Debit(AccountKey{Position: solid, Market: a.PrimaryMarket}, repay)
	l.balances.Debit(heldKey, seize)
	l.balances.Credit(AccountKey{Position: solid, Market: a.SecondaryMarket}, seize)

	if l.balances.GetBalance(owedKey).Sign() >= 0 {
		delete(l.expiries, owedKey)
	}
	return seize, nil
}
