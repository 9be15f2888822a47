package liquidation

import (
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AllowList answers per-market liquidator allow-list queries. An empty list
// allows everyone.
type AllowList interface {
	IsAllowed(market ledger.MarketID, liquidator common.Address) bool
}

// balances holds the validated amounts a liquidation works from.
type balances struct {
	debt *uint256.Int
	held *uint256.Int
}

// checkRequest runs every eligibility rule that needs no pricing. It never
// mutates state.
func (p *Proxy) checkRequest(caller common.Address, req *Request) (balances, error) {
	if req.HeldMarket == req.OwedMarket {
		return balances{}, &OwedEqualsHeldError{Market: req.HeldMarket}
	}

	owedBal := p.ledger.GetAccountBalance(req.Liquid, req.OwedMarket)
	debt, negative, err := fpmath.FromSigned(owedBal)
	if err != nil {
		return balances{}, err
	}
	if !negative || debt.IsZero() {
		return balances{}, &BalanceError{Position: req.Liquid, Market: req.OwedMarket, Balance: owedBal, cause: ErrNoDebt}
	}
	heldBal := p.ledger.GetAccountBalance(req.Liquid, req.HeldMarket)
	held, negative, err := fpmath.FromSigned(heldBal)
	if err != nil {
		return balances{}, err
	}
	if negative {
		return balances{}, &BalanceError{Position: req.Liquid, Market: req.HeldMarket, Balance: heldBal, cause: ErrNegativeHeld}
	}

	if err := p.checkExpiry(req); err != nil {
		return balances{}, err
	}

	if req.Solid.Owner != caller && !p.ledger.IsLocalOperator(req.Solid.Owner, caller) {
		return balances{}, fmt.Errorf("%w: %s for %s", ErrUnauthorized, caller.Hex(), req.Solid)
	}
	for _, m := range []ledger.MarketID{req.HeldMarket, req.OwedMarket} {
		if !p.allow.IsAllowed(m, caller) && !p.allow.IsAllowed(m, p.address) {
			return balances{}, fmt.Errorf("%w: %s on market %d", ErrNotAllowed, caller.Hex(), m)
		}
	}

	under, err := p.ledger.IsUnderMargined(req.Liquid)
	if err != nil {
		return balances{}, err
	}
	switch {
	case req.Expiry == 0 && !under:
		return balances{}, fmt.Errorf("%w: %s", ErrNotUnderMargined, req.Liquid)
	case req.Expiry != 0 && under:
		return balances{}, fmt.Errorf("%w: %s", ErrExpiryUnderMargined, req.Liquid)
	}
	return balances{debt: debt, held: held}, nil
}

func (p *Proxy) checkExpiry(req *Request) error {
	if req.Expiry > math.MaxUint32 {
		return fmt.Errorf("%w: %d", ErrExpiryOverflow, req.Expiry)
	}
	if now := uint64(p.ledger.Now().Unix()); req.Expiry != 0 && req.Expiry > now {
		return &NotExpiredError{Expiry: req.Expiry, Now: now}
	}
	if recorded := p.ledger.GetExpiry(req.Liquid, req.OwedMarket); uint64(recorded) != req.Expiry {
		return &ExpiryMismatchError{Given: req.Expiry, Recorded: recorded}
	}
	return nil
}
