package adapter

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/vault"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type pendingTransfer struct {
	position ledger.Position
	amount   *uint256.Int
}

// isolation holds what every isolation-mode adapter shares: the vault
// factory it trusts and the vault transfers announced by call actions in
// the running batch.
type isolation struct {
	address common.Address
	ledger  *ledger.Ledger
	factory *vault.Factory
	pending []pendingTransfer
}

func (b *isolation) Address() common.Address { return b.address }

func (b *isolation) isoMarket() ledger.MarketID { return b.factory.IsolationMarket() }

// CallFunction is the transfer-in step of an unwrap hop: it records that the
// vault position is about to have amount of its isolation balance sold,
// possibly by another position of the same batch (a liquidator).
func (b *isolation) CallFunction(ctx context.Context, _ common.Address, pos ledger.Position, amount *uint256.Int, _ []byte) error {
	if !b.factory.IsVault(pos.Owner) {
		return fmt.Errorf("%w: %s", ErrNotVault, pos)
	}
	b.pending = append(b.pending, pendingTransfer{position: pos, amount: new(uint256.Int).Set(amount)})
	reset := func() { b.pending = nil }
	ledger.OnRevert(ctx, reset)
	ledger.OnCommit(ctx, reset)
	return nil
}

// source returns the vault position funding an unwrap: a matching announced
// transfer, else the originator itself when it is a vault.
func (b *isolation) source(req ledger.ExchangeRequest) (ledger.Position, error) {
	for i, t := range b.pending {
		if t.amount.Eq(req.InputAmount) {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return t.position, nil
		}
	}
	if b.factory.IsVault(req.Originator) {
		return ledger.Position{Owner: req.Originator, Number: req.OriginatorAccount}, nil
	}
	return ledger.Position{}, fmt.Errorf("%w: %s", ErrInvalidOriginator, req.Originator.Hex())
}

// requireVaultOriginator guards wraps: the wrapped output must land in a vault.
func (b *isolation) requireVaultOriginator(req ledger.ExchangeRequest) (ledger.Position, error) {
	if !b.factory.IsVault(req.Originator) {
		return ledger.Position{}, fmt.Errorf("%w: %s", ErrInvalidOriginator, req.Originator.Hex())
	}
	return ledger.Position{Owner: req.Originator, Number: req.OriginatorAccount}, nil
}

// unwrapActions pulls the vault balance, then sells it.
func (b *isolation) unwrapActions(p ActionParams) []ledger.Action {
	return []ledger.Action{
		{
			Type:          ledger.ActionCall,
			AccountIndex:  p.OtherAccountIndex,
			PrimaryMarket: p.InputMarket,
			Amount:        p.InputAmount,
			Address:       b.address,
		},
		sellAction(b.address, p),
	}
}

func (b *isolation) marketToken(id ledger.MarketID) (common.Address, error) {
	m, err := b.ledger.Markets().Market(id)
	if err != nil {
		return common.Address{}, err
	}
	return m.Token, nil
}

func (b *isolation) isTokenOf(token common.Address, markets pairSet) bool {
	for id := range markets {
		if t, err := b.marketToken(id); err == nil && t == token {
			return true
		}
	}
	return false
}
