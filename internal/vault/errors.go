package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroOwner             = errors.New("vault: zero owner")
	ErrVaultExists           = errors.New("vault: owner already has a vault")
	ErrUnknownVault          = errors.New("vault: address is not a vault")
	ErrNotVaultOwner         = errors.New("vault: caller is not the vault owner")
	ErrVaultFrozen           = errors.New("vault: vault is frozen")
	ErrZeroAmount            = errors.New("vault: amount must be nonzero")
	ErrInvalidMinOutput      = errors.New("vault: minimum output must be nonzero")
	ErrExtraDataTooLarge     = errors.New("vault: extra data too large")
	ErrExtraDataMismatch     = errors.New("vault: callback extra data does not match request")
	ErrAmountNotExact        = errors.New("vault: amount must be the full isolation balance")
	ErrInsufficientBalance   = errors.New("vault: insufficient isolation balance")
	ErrLiquidationPending    = errors.New("vault: a liquidation request already exists for this account")
	ErrNotLiquidatable       = errors.New("vault: position is neither under-margined nor expired")
	ErrLiquidatorNotAllowed  = errors.New("vault: liquidator not on allow-list")
	ErrUnknownRequest        = errors.New("vault: unknown request")
	ErrRequestNotPending     = errors.New("vault: request is not pending")
	ErrRequestNotRetryable   = errors.New("vault: request is not retryable")
	ErrAlreadyExecuted       = errors.New("vault: request already executed")
	ErrCancelTooEarly        = errors.New("vault: cancellation window has not elapsed")
	ErrUnauthorizedKeeper    = errors.New("vault: callback sender is not a keeper")
	ErrNotAuthorized         = errors.New("vault: caller may not act on this request")
	ErrOutputBelowMin        = errors.New("vault: delivered output below minimum")
	ErrNoExecutedLiquidation = errors.New("vault: no executed liquidation request for position")
	ErrConsumeExceedsRequest = errors.New("vault: consumed amount exceeds request input")
	ErrTradersNotSet         = errors.New("vault: async wrapper/unwrapper not configured")
)

// ExtraDataTooLargeError rejects a request whose extra data exceeds the bound.
type ExtraDataTooLargeError struct {
	Size int
	Max  int
}

func (e *ExtraDataTooLargeError) Error() string {
	return fmt.Sprintf("extra data is %d bytes, max %d", e.Size, e.Max)
}

func (e *ExtraDataTooLargeError) Unwrap() error { return ErrExtraDataTooLarge }

// AmountNotExactError rejects a liquidation input that is neither the
// sentinel nor the full balance.
type AmountNotExactError struct {
	Given   *uint256.Int
	Balance *uint256.Int
}

func (e *AmountNotExactError) Error() string {
	return fmt.Sprintf("input amount %s is not the full isolation balance %s", e.Given, e.Balance)
}

func (e *AmountNotExactError) Unwrap() error { return ErrAmountNotExact }

// CancelTooEarlyError reports when a cancellation becomes possible.
type CancelTooEarlyError struct {
	Key      common.Hash
	Deadline time.Time
	Now      time.Time
}

func (e *CancelTooEarlyError) Error() string {
	return fmt.Sprintf("request %s cannot be cancelled before %s (now %s)",
		e.Key.Hex(), e.Deadline.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *CancelTooEarlyError) Unwrap() error { return ErrCancelTooEarly }

// OutputBelowMinError rejects a success callback delivering too little.
type OutputBelowMinError struct {
	Key       common.Hash
	Output    *uint256.Int
	MinOutput *uint256.Int
}

func (e *OutputBelowMinError) Error() string {
	return fmt.Sprintf("request %s delivered %s, minimum %s", e.Key.Hex(), e.Output, e.MinOutput)
}

func (e *OutputBelowMinError) Unwrap() error { return ErrOutputBelowMin }
