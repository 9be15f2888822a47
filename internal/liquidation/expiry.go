package liquidation

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"time"

	"github.com/holiman/uint256"
)

// Expiry prices liquidations of expired borrows. Its spread ramps linearly
// from zero at the expiry timestamp to the pair's full liquidation spread
// once rampTime has elapsed.
type Expiry struct {
	ledger   *ledger.Ledger
	rampTime time.Duration
}

func NewExpiry(l *ledger.Ledger, rampTime time.Duration) *Expiry {
	return &Expiry{ledger: l, rampTime: rampTime}
}

// Spread returns the ramped spread for held/owed at the ledger's current time.
func (e *Expiry) Spread(held, owed ledger.MarketID, expiry uint32) (*uint256.Int, error) {
	base, err := e.ledger.LiquidationSpreadForPair(held, owed)
	if err != nil {
		return nil, err
	}
	if e.rampTime <= 0 {
		return base, nil
	}
	elapsed := e.ledger.Now().Sub(time.Unix(int64(expiry), 0))
	if elapsed <= 0 {
		return new(uint256.Int), nil
	}
	if elapsed >= e.rampTime {
		return base, nil
	}
	return fpmath.GetPartial(base,
		uint256.NewInt(uint64(elapsed/time.Second)),
		uint256.NewInt(uint64(e.rampTime/time.Second)),
		fpmath.RoundDown)
}
