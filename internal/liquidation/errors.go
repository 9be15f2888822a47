package liquidation

import (
	"IsoLedger/internal/ledger"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrReentrancy          = errors.New("liquidation: reentrant call")
	ErrOwedEqualsHeld      = errors.New("liquidation: owed market equals held market")
	ErrNoDebt              = errors.New("liquidation: owed balance is not a debt")
	ErrNegativeHeld        = errors.New("liquidation: held balance is negative")
	ErrExpiryOverflow      = errors.New("liquidation: expiry does not fit in 32 bits")
	ErrNotExpired          = errors.New("liquidation: borrow not yet expired")
	ErrExpiryMismatch      = errors.New("liquidation: expiry does not match the recorded expiry")
	ErrUnauthorized        = errors.New("liquidation: caller may not operate the solid position")
	ErrNotAllowed          = errors.New("liquidation: liquidator not on market allow-list")
	ErrNotUnderMargined    = errors.New("liquidation: position is not under-margined")
	ErrExpiryUnderMargined = errors.New("liquidation: expiry liquidation requires a collateralized position")
	ErrVaultFrozen         = errors.New("liquidation: vault is frozen")
	ErrPrepareRequired     = errors.New("liquidation: async isolation position must be prepared for liquidation first")
	ErrAsyncUnwrapRequired = errors.New("liquidation: completion must start with the request's unwrapper")
	ErrHeldPathMismatch    = errors.New("liquidation: path must start at the held market")
	ErrRewardBelowMin      = errors.New("liquidation: reward below minimum")
	ErrZeroPrice           = errors.New("liquidation: market price is zero")
	ErrZeroRepay           = errors.New("liquidation: repay amount is zero")
)

type OwedEqualsHeldError struct {
	Market ledger.MarketID
}

func (e *OwedEqualsHeldError) Error() string {
	return fmt.Sprintf("owed and held market are both %d", e.Market)
}

func (e *OwedEqualsHeldError) Unwrap() error { return ErrOwedEqualsHeld }

// BalanceError carries the offending signed balance.
type BalanceError struct {
	Position ledger.Position
	Market   ledger.MarketID
	Balance  *big.Int
	cause    error
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("%v: %s market %d balance %s", e.cause, e.Position, e.Market, e.Balance)
}

func (e *BalanceError) Unwrap() error { return e.cause }

type ExpiryMismatchError struct {
	Given    uint64
	Recorded uint32
}

func (e *ExpiryMismatchError) Error() string {
	return fmt.Sprintf("expiry %d does not match recorded %d", e.Given, e.Recorded)
}

func (e *ExpiryMismatchError) Unwrap() error { return ErrExpiryMismatch }

type NotExpiredError struct {
	Expiry uint64
	Now    uint64
}

func (e *NotExpiredError) Error() string {
	return fmt.Sprintf("expiry %d is after now %d", e.Expiry, e.Now)
}

func (e *NotExpiredError) Unwrap() error { return ErrNotExpired }
