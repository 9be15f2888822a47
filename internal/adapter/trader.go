// Package adapter implements the conversion adapters a zap hop can use:
// isolation-mode wrappers and unwrappers (sync and async), an external
// constant-product pool and an internal oracle-priced liquidity trader.
package adapter

import (
	"IsoLedger/internal/ledger"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TraderType is the closed set of hop kinds.
type TraderType uint8

const (
	TraderExternalLiquidity TraderType = iota + 1
	TraderInternalLiquidity
	TraderIsolationUnwrapper
	TraderIsolationWrapper
)

func (t TraderType) String() string {
	switch t {
	case TraderExternalLiquidity:
		return "external_liquidity"
	case TraderInternalLiquidity:
		return "internal_liquidity"
	case TraderIsolationUnwrapper:
		return "isolation_unwrapper"
	case TraderIsolationWrapper:
		return "isolation_wrapper"
	default:
		return fmt.Sprintf("trader_type(%d)", uint8(t))
	}
}

// ActionParams describes one hop inside a batch being assembled. Indices
// refer to the batch's position list.
type ActionParams struct {
	PrimaryAccountIndex int
	// OtherAccountIndex is the isolation vault position whose balance an
	// unwrapper pulls. It equals PrimaryAccountIndex outside liquidations.
	OtherAccountIndex int
	PrimaryOwner      common.Address
	OtherOwner        common.Address
	MakerAccountIndex int

	InputMarket     ledger.MarketID
	OutputMarket    ledger.MarketID
	InputAmount     ledger.AmountRef
	MinOutputAmount *uint256.Int
	TradeData       []byte
}

// Trader is the capability every hop adapter exposes to the zap executor.
type Trader interface {
	Type() TraderType
	Address() common.Address
	// ActionsLength is the number of ledger actions CreateActions returns.
	ActionsLength() int
	// IsAsync reports whether conversions settle through the external venue.
	IsAsync() bool
	ValidatePair(input, output ledger.MarketID) error
	GetExchangeCost(ctx context.Context, input, output ledger.MarketID, amount *uint256.Int, data []byte) (*uint256.Int, error)
	CreateActions(p ActionParams) ([]ledger.Action, error)
}

// InputTokenValidator is implemented by wrappers that accept a fixed set of
// underlying tokens.
type InputTokenValidator interface {
	IsValidInputToken(token common.Address) bool
}

// OutputTokenValidator is implemented by unwrappers that pay out a fixed set
// of underlying tokens.
type OutputTokenValidator interface {
	IsValidOutputToken(token common.Address) bool
}

// ValidateTokens checks a hop's market tokens against whichever token
// validators t implements.
func ValidateTokens(t Trader, input, output ledger.Market) error {
	if v, ok := t.(InputTokenValidator); ok && !v.IsValidInputToken(input.Token) {
		return &InvalidPairError{Input: input.ID, Output: output.ID}
	}
	if v, ok := t.(OutputTokenValidator); ok && !v.IsValidOutputToken(output.Token) {
		return &InvalidPairError{Input: input.ID, Output: output.ID}
	}
	return nil
}

// sellAction is the single-action hop shared by every exchanger.
func sellAction(trader common.Address, p ActionParams) ledger.Action {
	return ledger.Action{
		Type:            ledger.ActionSell,
		AccountIndex:    p.PrimaryAccountIndex,
		PrimaryMarket:   p.InputMarket,
		SecondaryMarket: p.OutputMarket,
		Amount:          p.InputAmount,
		Address:         trader,
		Data:            p.TradeData,
	}
}
