package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketID identifies a market inside the ledger.
type MarketID uint64

// Position is an (owner, account number) pair addressable within the ledger.
type Position struct {
	Owner  common.Address
	Number uint64
}

func (p Position) String() string {
	return fmt.Sprintf("%s#%d", p.Owner.Hex(), p.Number)
}

// AccountKey is the in-memory key for balance tracking: one signed balance
// per position per market.
type AccountKey struct {
	Position Position
	Market   MarketID
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("position:%s:%d:%d", k.Position.Owner.Hex(), k.Position.Number, k.Market)
}

// Market is the subset of market attributes the ledger consumes.
// Prices are 18-decimal values per whole unit.
type Market struct {
	ID            MarketID
	Token         common.Address
	Price         *uint256.Int
	MarginPremium *uint256.Int
	SupplyCap     *uint256.Int // nil or zero means uncapped
	IsClosing     bool
}

// MarketSource is the authoritative source of market attributes.
type MarketSource interface {
	Market(id MarketID) (Market, error)
}

// RiskParams are the ledger-wide risk settings, 18-decimal fractions.
type RiskParams struct {
	MarginRatio       *uint256.Int
	LiquidationSpread *uint256.Int
}
