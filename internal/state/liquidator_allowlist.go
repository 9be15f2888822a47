package state

import (
	"IsoLedger/internal/ledger"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidatorAllowList holds the per-market set of addresses permitted to
// liquidate positions. A market with no entries is unrestricted.
type LiquidatorAllowList struct {
	lists map[ledger.MarketID]map[common.Address]struct{}
}

func NewLiquidatorAllowList() *LiquidatorAllowList {
	return &LiquidatorAllowList{
		lists: make(map[ledger.MarketID]map[common.Address]struct{}),
	}
}

func (a *LiquidatorAllowList) Add(market ledger.MarketID, liquidator common.Address) {
	set, ok := a.lists[market]
	if !ok {
		set = make(map[common.Address]struct{})
		a.lists[market] = set
	}
	set[liquidator] = struct{}{}
}

func (a *LiquidatorAllowList) Remove(market ledger.MarketID, liquidator common.Address) {
	set, ok := a.lists[market]
	if !ok {
		return
	}
	delete(set, liquidator)
	if len(set) == 0 {
		delete(a.lists, market)
	}
}

// IsRestricted reports whether market has a non-empty allow-list.
func (a *LiquidatorAllowList) IsRestricted(market ledger.MarketID) bool {
	return len(a.lists[market]) > 0
}

func (a *LiquidatorAllowList) IsAllowed(market ledger.MarketID, liquidator common.Address) bool {
	set, ok := a.lists[market]
	if !ok || len(set) == 0 {
		return true
	}
	_, allowed := set[liquidator]
	return allowed
}

func (a *LiquidatorAllowList) Liquidators(market ledger.MarketID) []common.Address {
	out := make([]common.Address, 0, len(a.lists[market]))
	for addr := range a.lists[market] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
