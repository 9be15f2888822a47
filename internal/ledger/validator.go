package ledger

import (
	fpmath "IsoLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// AccountValues is the premium-weighted value of a position.
type AccountValues struct {
	Supply *uint256.Int // sum of value/(1+premium) over positive balances
	Borrow *uint256.Int // sum of value*(1+premium) over negative balances
}

// UndercollateralizedError reports a position failing the margin check.
type UndercollateralizedError struct {
	Position Position
	Supply   *uint256.Int
	Required *uint256.Int
}

func (e *UndercollateralizedError) Error() string {
	return fmt.Sprintf("position %s undercollateralized: supply value %s < required %s",
		e.Position, e.Supply, e.Required)
}

func (e *UndercollateralizedError) Unwrap() error { return ErrUndercollateralized }

// AccountValues computes the weighted supply and borrow values of pos.
func (l *Ledger) AccountValues(pos Position) (AccountValues, error) {
	vals := AccountValues{Supply: new(uint256.Int), Borrow: new(uint256.Int)}

	for _, id := range l.balances.MarketsOf(pos) {
		m, err := l.markets.Market(id)
		if err != nil {
			return vals, fmt.Errorf("market %d: %w", id, err)
		}
		amount, negative, err := fpmath.FromSigned(l.balances.GetBalance(AccountKey{Position: pos, Market: id}))
		if err != nil {
			return vals, err
		}
		value, err := fpmath.Mul(amount, m.Price, fpmath.RoundDown)
		if err != nil {
			return vals, err
		}
		premium, err := fpmath.OnePlus(m.MarginPremium)
		if err != nil {
			return vals, err
		}
		if negative {
			adj, err := fpmath.Mul(value, premium, fpmath.RoundUp)
			if err != nil {
				return vals, err
			}
			vals.Borrow.Add(vals.Borrow, adj)
			continue
		}
		adj, err := fpmath.Div(value, premium, fpmath.RoundDown)
		if err != nil {
			return vals, err
		}
		vals.Supply.Add(vals.Supply, adj)
	}
	return vals, nil
}

// requiredSupply is borrow * (1 + marginRatio).
func (l *Ledger) requiredSupply(vals AccountValues) (*uint256.Int, error) {
	factor, err := fpmath.OnePlus(l.risk.MarginRatio)
	if err != nil {
		return nil, err
	}
	return fpmath.Mul(vals.Borrow, factor, fpmath.RoundUp)
}

// IsUnderMargined reports whether pos' weighted collateral is strictly below
// its weighted debt scaled by the margin ratio.
func (l *Ledger) IsUnderMargined(pos Position) (bool, error) {
	vals, err := l.AccountValues(pos)
	if err != nil {
		return false, err
	}
	if vals.Borrow.IsZero() {
		return false, nil
	}
	required, err := l.requiredSupply(vals)
	if err != nil {
		return false, err
	}
	return vals.Supply.Lt(required), nil
}

// ValidateCollateralized returns an UndercollateralizedError if pos fails the
// margin check.
func (l *Ledger) ValidateCollateralized(pos Position) error {
	vals, err := l.AccountValues(pos)
	if err != nil {
		return err
	}
	if vals.Borrow.IsZero() {
		return nil
	}
	required, err := l.requiredSupply(vals)
	if err != nil {
		return err
	}
	if vals.Supply.Lt(required) {
		return &UndercollateralizedError{Position: pos, Supply: vals.Supply, Required: required}
	}
	return nil
}

// LiquidationSpreadForPair compounds the base spread with both markets'
// margin premiums.
func (l *Ledger) LiquidationSpreadForPair(held, owed MarketID) (*uint256.Int, error) {
	hm, err := l.markets.Market(held)
	if err != nil {
		return nil, fmt.Errorf("held market %d: %w", held, err)
	}
	om, err := l.markets.Market(owed)
	if err != nil {
		return nil, fmt.Errorf("owed market %d: %w", owed, err)
	}
	return fpmath.CompoundPremiums(l.risk.LiquidationSpread, hm.MarginPremium, om.MarginPremium)
}
