package zap

import (
	"IsoLedger/internal/ledger"
	"fmt"
	"slices"
)

// BinarySearch returns the index of target in markets, which must be sorted
// in ascending order.
func BinarySearch(markets []ledger.MarketID, target ledger.MarketID) (int, error) {
	if len(markets) == 0 {
		return 0, ErrEmptyPath
	}
	i, found := slices.BinarySearch(markets, target)
	if !found {
		return 0, fmt.Errorf("%w: %d", ErrMarketNotFound, target)
	}
	return i, nil
}

// PathIndex finds target in a market path. Ascending paths are binary
// searched; other paths are scanned in path order.
func PathIndex(path []ledger.MarketID, target ledger.MarketID) (int, error) {
	if len(path) == 0 {
		return 0, ErrEmptyPath
	}
	if slices.IsSorted(path) {
		return BinarySearch(path, target)
	}
	if i := slices.Index(path, target); i >= 0 {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrMarketNotFound, target)
}
