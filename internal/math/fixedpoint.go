// Package math holds the fixed-point helpers shared by the ledger, the
// conversion adapters and the liquidation proxy.
package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the ledger's native fixed-point precision.
const Decimals = 18

var (
	// One is 1.0 at 18 decimals.
	One = uint256.NewInt(1_000_000_000_000_000_000)

	// MaxUint256 doubles as the "use the entire balance" amount sentinel.
	MaxUint256 = new(uint256.Int).SetAllOne()

	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrNegative       = errors.New("fixedpoint: negative value")
	ErrSyntax         = errors.New("fixedpoint: invalid decimal")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero (default)
	RoundUp
)

// GetPartial returns target * numerator / denominator using a 512-bit
// intermediate product.
func GetPartial(target, numerator, denominator *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, ErrDivisionByZero
	}

	result, overflow := new(uint256.Int).MulDivOverflow(target, numerator, denominator)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundUp {
		remainder := new(uint256.Int).MulMod(target, numerator, denominator)
		if !remainder.IsZero() {
			if result.Eq(MaxUint256) {
				return nil, ErrOverflow
			}
			result.AddUint64(result, 1)
		}
	}

	return result, nil
}

// Mul multiplies two 18-decimal values.
func Mul(a, b *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return GetPartial(a, b, One, mode)
}

// Div divides two 18-decimal values.
func Div(a, b *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	return GetPartial(a, One, b, mode)
}

// OnePlus returns 1.0 + rate.
func OnePlus(rate *uint256.Int) (*uint256.Int, error) {
	if rate == nil {
		return new(uint256.Int).Set(One), nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(One, rate)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// ApplySpread returns price * (1 + spread).
func ApplySpread(price, spread *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	factor, err := OnePlus(spread)
	if err != nil {
		return nil, err
	}
	return Mul(price, factor, mode)
}

// CompoundPremiums scales spread by (1 + premium) for every premium in order.
// Zero premiums leave the spread unchanged.
func CompoundPremiums(spread *uint256.Int, premiums ...*uint256.Int) (*uint256.Int, error) {
	result := new(uint256.Int).Set(spread)
	for _, premium := range premiums {
		if premium == nil || premium.IsZero() {
			continue
		}
		factor, err := OnePlus(premium)
		if err != nil {
			return nil, err
		}
		result, err = Mul(result, factor, RoundDown)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a
	}
	return b
}

// IsSentinel reports whether amount is the "entire balance" sentinel.
func IsSentinel(amount *uint256.Int) bool {
	return amount != nil && amount.Eq(MaxUint256)
}

// FromSigned splits a signed ledger balance into its magnitude and sign.
func FromSigned(v *big.Int) (*uint256.Int, bool, error) {
	if v == nil {
		return new(uint256.Int), false, nil
	}
	negative := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	out, overflow := uint256.FromBig(abs)
	if overflow {
		return nil, negative, ErrOverflow
	}
	return out, negative, nil
}

// Positive returns v as an unsigned amount, failing for negative balances.
func Positive(v *big.Int) (*uint256.Int, error) {
	out, negative, err := FromSigned(v)
	if err != nil {
		return nil, err
	}
	if negative {
		return nil, ErrNegative
	}
	return out, nil
}

// ToSigned converts an unsigned amount into a signed ledger delta.
func ToSigned(v *uint256.Int, negative bool) *big.Int {
	out := v.ToBig()
	if negative {
		out.Neg(out)
	}
	return out
}

// Units returns n whole tokens at 18 decimals.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), One)
}

// Percent returns n percent as an 18-decimal rate.
func Percent(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(10_000_000_000_000_000))
}

// ParseFixed parses a non-negative decimal such as "1.05" into an
// 18-decimal fixed-point value.
func ParseFixed(s string) (*uint256.Int, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || len(frac) > Decimals {
		return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	v, err := uint256.FromDecimal(whole + frac)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, s, err)
	}
	return v, nil
}
