package persistence

import (
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/vault"
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// VaultStore records which owner each isolation vault belongs to.
type VaultStore struct {
	db *sql.DB
}

func NewVaultStore(db *sql.DB) *VaultStore {
	return &VaultStore{db: db}
}

func (s *VaultStore) SaveVault(ctx context.Context, factory common.Address, market ledger.MarketID, vaultAddr, owner common.Address) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async.vaults (factory, owner, vault, market)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (factory, owner) DO NOTHING
	`, factory.Hex(), owner.Hex(), vaultAddr.Hex(), int64(market))
	if err != nil {
		return fmt.Errorf("save vault %s: %w", vaultAddr.Hex(), err)
	}
	return nil
}

// LoadOwners returns the owners of every vault created by factory.
func (s *VaultStore) LoadOwners(ctx context.Context, factory common.Address) ([]common.Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner FROM async.vaults WHERE factory = $1 ORDER BY created_at ASC, owner ASC`,
		factory.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		out = append(out, common.HexToAddress(owner))
	}
	return out, rows.Err()
}

// RestoreFactory recreates every persisted vault of f.
func (s *VaultStore) RestoreFactory(ctx context.Context, f *vault.Factory) (int, error) {
	owners, err := s.LoadOwners(ctx, f.Address())
	if err != nil {
		return 0, err
	}
	for _, owner := range owners {
		if _, err := f.CreateVault(owner); err != nil {
			return 0, fmt.Errorf("restore vault of %s: %w", owner.Hex(), err)
		}
	}
	return len(owners), nil
}
