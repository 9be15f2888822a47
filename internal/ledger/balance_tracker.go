package ledger

import (
	fpmath "IsoLedger/internal/math"
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory signed position balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// GetBalance returns a copy of the signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Add applies a signed delta to an account
func (bt *BalanceTracker) Add(key AccountKey, delta *big.Int) {
	next := bt.GetBalance(key)
	next.Add(next, delta)
	if next.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = next
}

// Credit increases an account by amount
func (bt *BalanceTracker) Credit(key AccountKey, amount *uint256.Int) {
	bt.Add(key, amount.ToBig())
}

// Debit decreases an account by amount; the result may go negative (borrow)
func (bt *BalanceTracker) Debit(key AccountKey, amount *uint256.Int) {
	bt.Add(key, new(big.Int).Neg(amount.ToBig()))
}

// Positive returns the positive part of an account balance
func (bt *BalanceTracker) Positive(key AccountKey) *uint256.Int {
	amount, negative, err := fpmath.FromSigned(bt.GetBalance(key))
	if err != nil || negative {
		return new(uint256.Int)
	}
	return amount
}

// MarketsOf returns the markets in which a position has a nonzero balance
func (bt *BalanceTracker) MarketsOf(pos Position) []MarketID {
	var out []MarketID
	for k := range bt.balances {
		if k.Position == pos {
			out = append(out, k.Market)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TotalSupply sums the positive balances in a market
func (bt *BalanceTracker) TotalSupply(market MarketID) *big.Int {
	return totalSupply(bt.balances, market)
}

func totalSupply(balances map[AccountKey]*big.Int, market MarketID) *big.Int {
	total := new(big.Int)
	for k, v := range balances {
		if k.Market == market && v.Sign() > 0 {
			total.Add(total, v)
		}
	}
	return total
}

// ComputeMarketNet sums all balances per market (supply minus borrow)
func (bt *BalanceTracker) ComputeMarketNet() map[MarketID]*big.Int {
	totals := make(map[MarketID]*big.Int)
	for key, balance := range bt.balances {
		if _, ok := totals[key.Market]; !ok {
			totals[key.Market] = new(big.Int)
		}
		totals[key.Market].Add(totals[key.Market], balance)
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a deep copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// Restore replaces all balances with a snapshot taken earlier
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]*big.Int) {
	bt.balances = make(map[AccountKey]*big.Int, len(snapshot))
	for k, v := range snapshot {
		bt.balances[k] = new(big.Int).Set(v)
	}
}
