package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientTokens = errors.New("ledger: insufficient token balance")

// TokenBook tracks token holdings outside the ledger's position accounting:
// wallets, adapter custody, pool reserves and the ledger's own vault.
type TokenBook struct {
	holdings map[common.Address]map[common.Address]*uint256.Int // token -> holder -> amount
}

func NewTokenBook() *TokenBook {
	return &TokenBook{
		holdings: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (tb *TokenBook) BalanceOf(token, holder common.Address) *uint256.Int {
	if v, ok := tb.holdings[token][holder]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Mint credits tokens entering the system boundary, e.g. funds delivered by
// an external venue.
func (tb *TokenBook) Mint(token, to common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	holders, ok := tb.holdings[token]
	if !ok {
		holders = make(map[common.Address]*uint256.Int)
		tb.holdings[token] = holders
	}
	cur, ok := holders[to]
	if !ok {
		cur = new(uint256.Int)
	}
	holders[to] = new(uint256.Int).Add(cur, amount)
}

// Burn removes tokens leaving the system boundary.
func (tb *TokenBook) Burn(token, from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	have := tb.BalanceOf(token, from)
	if have.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, need %s",
			ErrInsufficientTokens, from.Hex(), have, token.Hex(), amount)
	}
	next := have.Sub(have, amount)
	if next.IsZero() {
		delete(tb.holdings[token], from)
		return nil
	}
	tb.holdings[token][from] = next
	return nil
}

func (tb *TokenBook) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if err := tb.Burn(token, from, amount); err != nil {
		return err
	}
	tb.Mint(token, to, amount)
	return nil
}

func (tb *TokenBook) snapshot() map[common.Address]map[common.Address]*uint256.Int {
	out := make(map[common.Address]map[common.Address]*uint256.Int, len(tb.holdings))
	for token, holders := range tb.holdings {
		cp := make(map[common.Address]*uint256.Int, len(holders))
		for h, v := range holders {
			cp[h] = new(uint256.Int).Set(v)
		}
		out[token] = cp
	}
	return out
}

func (tb *TokenBook) restore(snap map[common.Address]map[common.Address]*uint256.Int) {
	tb.holdings = snap
}
