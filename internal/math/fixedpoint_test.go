package math_test

import (
	fpmath "IsoLedger/internal/math"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestGetPartial_RoundDown(t *testing.T) {
	got, err := fpmath.GetPartial(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 3 {
		t.Errorf("got %d, want 3", got.Uint64())
	}
}

func TestGetPartial_RoundUp(t *testing.T) {
	got, err := fpmath.GetPartial(uint256.NewInt(10), uint256.NewInt(1), uint256.NewInt(3), fpmath.RoundUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 4 {
		t.Errorf("got %d, want 4", got.Uint64())
	}

	exact, _ := fpmath.GetPartial(uint256.NewInt(9), uint256.NewInt(1), uint256.NewInt(3), fpmath.RoundUp)
	if exact.Uint64() != 3 {
		t.Errorf("exact division rounded: got %d, want 3", exact.Uint64())
	}
}

func TestGetPartial_DivisionByZero(t *testing.T) {
	_, err := fpmath.GetPartial(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0), fpmath.RoundDown)
	if err != fpmath.ErrDivisionByZero {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestGetPartial_WideIntermediate(t *testing.T) {
	// 1e30 * 1e30 overflows 256 bits only in the product, not the result.
	big30 := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(30))
	got, err := fpmath.GetPartial(big30, big30, big30, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(big30) {
		t.Errorf("got %s, want %s", got, big30)
	}
}

func TestApplySpread(t *testing.T) {
	got, err := fpmath.ApplySpread(fpmath.Units(900), fpmath.Percent(5), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(fpmath.Units(945)) {
		t.Errorf("got %s, want %s", got, fpmath.Units(945))
	}
}

func TestCompoundPremiums(t *testing.T) {
	// 5% * 1.1 * 1.2 = 6.6%
	got, err := fpmath.CompoundPremiums(fpmath.Percent(5), fpmath.Percent(10), fpmath.Percent(20))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(66), uint256.NewInt(1_000_000_000_000_000))
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	unchanged, _ := fpmath.CompoundPremiums(fpmath.Percent(5), nil, new(uint256.Int))
	if !unchanged.Eq(fpmath.Percent(5)) {
		t.Errorf("zero premiums changed spread: %s", unchanged)
	}
}

func TestSignedConversions(t *testing.T) {
	abs, negative, err := fpmath.FromSigned(big.NewInt(-42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !negative || abs.Uint64() != 42 {
		t.Errorf("got (%d, %v), want (42, true)", abs.Uint64(), negative)
	}

	if _, err := fpmath.Positive(big.NewInt(-1)); err != fpmath.ErrNegative {
		t.Errorf("got %v, want ErrNegative", err)
	}

	back := fpmath.ToSigned(uint256.NewInt(42), true)
	if back.Cmp(big.NewInt(-42)) != 0 {
		t.Errorf("got %s, want -42", back)
	}
}

func TestIsSentinel(t *testing.T) {
	if !fpmath.IsSentinel(fpmath.MaxUint256) {
		t.Error("MaxUint256 should be the sentinel")
	}
	if fpmath.IsSentinel(fpmath.Units(1)) || fpmath.IsSentinel(nil) {
		t.Error("only MaxUint256 is the sentinel")
	}
}

func TestParseFixed(t *testing.T) {
	v, err := fpmath.ParseFixed("1.05")
	if err != nil || v.Dec() != "1050000000000000000" {
		t.Fatalf("ParseFixed(1.05) = %v, %v", v, err)
	}
	v, err = fpmath.ParseFixed("7")
	if err != nil || !v.Eq(fpmath.Units(7)) {
		t.Fatalf("ParseFixed(7) = %v, %v", v, err)
	}
	for _, bad := range []string{"", ".5", "-1", "1.0000000000000000001", "1e3"} {
		if _, err := fpmath.ParseFixed(bad); err == nil {
			t.Errorf("ParseFixed(%q) should fail", bad)
		}
	}
}
