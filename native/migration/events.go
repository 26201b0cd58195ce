package migration

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"exodus/core/types"
)

const (
	EventTypeInitialized     = "migration.initialized"
	EventTypeLiquidityLocked = "migration.liquidity_locked"
	EventTypeMigrated        = "migration.migrated"
	EventTypeFinalized       = "migration.finalized"
	EventTypePoolSeeded      = "migration.pool_seeded"
	EventTypeClaimed         = "migration.claimed"
)

func newInitializedEvent(m *Migration) *types.Event {
	attrs := baseAttrs(m)
	attrs["ratio"] = m.Ratio.String()
	attrs["snapshotRoot"] = hex.EncodeToString(m.SnapshotRoot[:])
	attrs["oldSupply"] = m.OldSupply.String()
	attrs["newSupply"] = m.NewSupply.String()
	attrs["startTime"] = strconv.FormatInt(m.StartTime, 10)
	return &types.Event{Type: EventTypeInitialized, Attributes: attrs}
}

func newLiquidityLockedEvent(m *Migration, base, old *big.Int) *types.Event {
	attrs := baseAttrs(m)
	attrs["baseAmount"] = base.String()
	attrs["oldAmount"] = old.String()
	return &types.Event{Type: EventTypeLiquidityLocked, Attributes: attrs}
}

func newMigratedEvent(m *Migration, participant [20]byte, deposited, minted *big.Int) *types.Event {
	attrs := baseAttrs(m)
	attrs["participant"] = hex.EncodeToString(participant[:])
	attrs["deposited"] = deposited.String()
	attrs["minted"] = minted.String()
	return &types.Event{Type: EventTypeMigrated, Attributes: attrs}
}

func newFinalizedEvent(m *Migration, liquidatedOld, baseProceeds *big.Int) *types.Event {
	attrs := baseAttrs(m)
	attrs["liquidatedOld"] = liquidatedOld.String()
	attrs["baseProceeds"] = baseProceeds.String()
	return &types.Event{Type: EventTypeFinalized, Attributes: attrs}
}

func newPoolSeededEvent(m *Migration, seed *PoolSeed) *types.Event {
	attrs := baseAttrs(m)
	attrs["position"] = seed.Position
	attrs["mintedNew"] = seed.MintedNew.String()
	attrs["baseSeeded"] = seed.BaseSeeded.String()
	attrs["sqrtPriceX64"] = seed.SqrtPriceX64.Dec()
	return &types.Event{Type: EventTypePoolSeeded, Attributes: attrs}
}

func newClaimedEvent(m *Migration, holder [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttrs(m)
	attrs["holder"] = hex.EncodeToString(holder[:])
	attrs["amount"] = amount.String()
	return &types.Event{Type: EventTypeClaimed, Attributes: attrs}
}

func baseAttrs(m *Migration) map[string]string {
	return map[string]string{
		"id":           hex.EncodeToString(m.ID[:]),
		"oldAsset":     m.Assets.Old,
		"newAsset":     m.Assets.New,
		"receiptAsset": m.Assets.Receipt,
		"baseAsset":    m.Assets.Base,
	}
}
