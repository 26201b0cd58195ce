package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"exodus/native/migration"
)

type storedMigration struct {
	ID           [32]byte
	Admin        [20]byte
	AdminDigest  [32]byte
	Ratio        *big.Int
	SnapshotRoot [32]byte
	OldSupply    *big.Int
	NewSupply    *big.Int
	Finalized    bool
	StartTime    uint64
	BaseAsset    string
	OldAsset     string
	NewAsset     string
	ReceiptAsset string
}

type storedVault struct {
	ID          [32]byte
	BaseBalance *big.Int
	OldBalance  *big.Int
	Locked      bool
}

func migrationKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("migration/record/%x", id))
}

func vaultKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("migration/vault/%x", id))
}

func ledgerKey(id [32]byte, participant [20]byte) []byte {
	return []byte(fmt.Sprintf("migration/ledger/%x/%x", id, participant))
}

// MigrationPut persists the migration configuration record.
func (m *Manager) MigrationPut(record *migration.Migration) error {
	if record == nil {
		return fmt.Errorf("state: nil migration record")
	}
	stored := storedMigration{
		ID:           record.ID,
		Admin:        record.Admin,
		AdminDigest:  record.AdminDigest,
		Ratio:        safeBig(record.Ratio),
		SnapshotRoot: record.SnapshotRoot,
		OldSupply:    safeBig(record.OldSupply),
		NewSupply:    safeBig(record.NewSupply),
		Finalized:    record.Finalized,
		StartTime:    uint64(record.StartTime),
		BaseAsset:    record.Assets.Base,
		OldAsset:     record.Assets.Old,
		NewAsset:     record.Assets.New,
		ReceiptAsset: record.Assets.Receipt,
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(migrationKey(record.ID), encoded)
}

// MigrationGet loads the migration record for the id.
func (m *Manager) MigrationGet(id [32]byte) (*migration.Migration, bool, error) {
	data, ok, err := m.read(migrationKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedMigration
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode migration: %w", err)
	}
	record := &migration.Migration{
		ID:           stored.ID,
		Admin:        stored.Admin,
		AdminDigest:  stored.AdminDigest,
		Ratio:        stored.Ratio,
		SnapshotRoot: stored.SnapshotRoot,
		OldSupply:    stored.OldSupply,
		NewSupply:    stored.NewSupply,
		Finalized:    stored.Finalized,
		StartTime:    int64(stored.StartTime),
		Assets: migration.AssetSet{
			Base:    stored.BaseAsset,
			Old:     stored.OldAsset,
			New:     stored.NewAsset,
			Receipt: stored.ReceiptAsset,
		},
	}
	return record, true, nil
}

// VaultPut persists the escrow vault record.
func (m *Manager) VaultPut(vault *migration.Vault) error {
	if vault == nil {
		return fmt.Errorf("state: nil vault record")
	}
	stored := storedVault{
		ID:          vault.ID,
		BaseBalance: safeBig(vault.BaseBalance),
		OldBalance:  safeBig(vault.OldBalance),
		Locked:      vault.Locked,
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(vaultKey(vault.ID), encoded)
}

// VaultGet loads the vault record for the migration id.
func (m *Manager) VaultGet(id [32]byte) (*migration.Vault, bool, error) {
	data, ok, err := m.read(vaultKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedVault
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode vault: %w", err)
	}
	return &migration.Vault{
		ID:          stored.ID,
		BaseBalance: stored.BaseBalance,
		OldBalance:  stored.OldBalance,
		Locked:      stored.Locked,
	}, true, nil
}

// MigratedAmount returns the participant's cumulative migrated amount.
// Missing ledger entries default to zero; entries are created lazily on the
// first accepted deposit and never removed.
func (m *Manager) MigratedAmount(id [32]byte, participant [20]byte) (*big.Int, error) {
	data, ok, err := m.read(ledgerKey(id, participant))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("state: decode ledger entry: %w", err)
	}
	return amount, nil
}

// SetMigratedAmount upserts the participant's cumulative migrated amount.
func (m *Manager) SetMigratedAmount(id [32]byte, participant [20]byte, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(safeBig(amount))
	if err != nil {
		return err
	}
	return m.write(ledgerKey(id, participant), encoded)
}

func safeBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
