package adapter

import (
	"IsoLedger/internal/ledger"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrNotLedger               = errors.New("adapter: caller is not the ledger")
	ErrInvalidOriginator       = errors.New("adapter: trade originator is not a vault")
	ErrInvalidPair             = errors.New("adapter: unsupported market pair")
	ErrZeroInput               = errors.New("adapter: input amount must be nonzero")
	ErrInsufficientOutput      = errors.New("adapter: insufficient output amount")
	ErrExchangeCostUnsupported = errors.New("adapter: exchange cost unavailable for async conversions")
	ErrNotVault                = errors.New("adapter: position is not an isolation vault")
	ErrMakerNotApproved        = errors.New("adapter: maker not approved")
	ErrInsufficientLiquidity   = errors.New("adapter: insufficient liquidity")
	ErrInvalidRate             = errors.New("adapter: exchange rate must be nonzero")
)

// InvalidPairError names the rejected pair.
type InvalidPairError struct {
	Input  ledger.MarketID
	Output ledger.MarketID
}

func (e *InvalidPairError) Error() string {
	return fmt.Sprintf("invalid pair %d -> %d", e.Input, e.Output)
}

func (e *InvalidPairError) Unwrap() error { return ErrInvalidPair }

// InsufficientOutputError carries both compared amounts.
type InsufficientOutputError struct {
	Output    *uint256.Int
	MinOutput *uint256.Int
}

func (e *InsufficientOutputError) Error() string {
	return fmt.Sprintf("insufficient output amount: got %s, want at least %s", e.Output, e.MinOutput)
}

func (e *InsufficientOutputError) Unwrap() error { return ErrInsufficientOutput }
