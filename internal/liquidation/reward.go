package liquidation

import (
	fpmath "IsoLedger/internal/math"

	"github.com/holiman/uint256"
)

// Reward is the outcome of spread-adjusted reward computation.
type Reward struct {
	HeldPrice         *uint256.Int
	OwedPrice         *uint256.Int
	Spread            *uint256.Int
	OwedPriceAdjusted *uint256.Int
	Debt              *uint256.Int
	// OwedRepaid moves from solid to liquid; HeldSeized from liquid to solid.
	OwedRepaid *uint256.Int
	HeldSeized *uint256.Int
	// Capped is set when the held balance could not cover the full seize.
	Capped bool
}

// ComputeReward sizes a liquidation of debt against heldAvailable. Rounding
// always favors the liquidated position: seizes round down, the repaid
// amount of a capped liquidation rounds up.
func ComputeReward(heldPrice, owedPrice, spread, debt, heldAvailable *uint256.Int) (*Reward, error) {
	if heldPrice.IsZero() || owedPrice.IsZero() {
		return nil, ErrZeroPrice
	}
	owedAdj, err := fpmath.ApplySpread(owedPrice, spread, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	r := &Reward{
		HeldPrice:         heldPrice,
		OwedPrice:         owedPrice,
		Spread:            spread,
		OwedPriceAdjusted: owedAdj,
		Debt:              debt,
	}

	seize, err := fpmath.GetPartial(debt, owedAdj, heldPrice, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if !seize.Gt(heldAvailable) {
		r.HeldSeized = seize
		r.OwedRepaid = new(uint256.Int).Set(debt)
		return r, nil
	}

	effective, err := fpmath.GetPartial(heldAvailable, heldPrice, owedAdj, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	r.Capped = true
	r.HeldSeized = new(uint256.Int).Set(heldAvailable)
	r.OwedRepaid = fpmath.Min(effective, debt)
	return r, nil
}
