package vault

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/registry"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Factory creates one isolation vault per owner for a single isolation
// market and recognizes the vaults it created.
type Factory struct {
	address   common.Address
	isoMarket ledger.MarketID
	isoToken  common.Address

	owners map[common.Address]common.Address // vault -> owner
	vaults map[common.Address]common.Address // owner -> vault
}

func NewFactory(address common.Address, isoMarket ledger.MarketID, isoToken common.Address) *Factory {
	return &Factory{
		address:   address,
		isoMarket: isoMarket,
		isoToken:  isoToken,
		owners:    make(map[common.Address]common.Address),
		vaults:    make(map[common.Address]common.Address),
	}
}

func (f *Factory) Address() common.Address          { return f.address }
func (f *Factory) IsolationMarket() ledger.MarketID { return f.isoMarket }
func (f *Factory) IsolationToken() common.Address   { return f.isoToken }

// VaultAddress is the deterministic address owner's vault has or will have.
func (f *Factory) VaultAddress(owner common.Address) common.Address {
	return registry.DeriveAddress("isolation-vault", f.address.Bytes(), owner.Bytes())
}

func (f *Factory) CreateVault(owner common.Address) (common.Address, error) {
	if owner == (common.Address{}) {
		return common.Address{}, ErrZeroOwner
	}
	if existing, ok := f.vaults[owner]; ok {
		return existing, fmt.Errorf("%w: %s already owns %s", ErrVaultExists, owner.Hex(), existing.Hex())
	}
	vault := f.VaultAddress(owner)
	f.owners[vault] = owner
	f.vaults[owner] = vault
	return vault, nil
}

func (f *Factory) IsVault(addr common.Address) bool {
	_, ok := f.owners[addr]
	return ok
}

func (f *Factory) OwnerOf(vault common.Address) (common.Address, bool) {
	owner, ok := f.owners[vault]
	return owner, ok
}

func (f *Factory) VaultOf(owner common.Address) (common.Address, bool) {
	vault, ok := f.vaults[owner]
	return vault, ok
}

// Vaults lists every vault in ascending address order.
func (f *Factory) Vaults() []common.Address {
	out := make([]common.Address, 0, len(f.owners))
	for v := range f.owners {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
