package migration

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"exodus/core/types"
)

// RatioScale is the fixed-point denominator of the exchange ratio: the ratio
// stores new_supply * 1e9 / old_supply.
var RatioScale = big.NewInt(1_000_000_000)

// AssetSet names the four asset roles of one migration instance. The
// instantiation is fixed at initialisation; symbols are normalised to upper
// case and must be pairwise distinct.
type AssetSet struct {
	Base    string
	Old     string
	New     string
	Receipt string
}

// Normalize returns the canonical upper-case form of every symbol.
func (a AssetSet) Normalize() AssetSet {
	return AssetSet{
		Base:    types.NormalizeAsset(a.Base),
		Old:     types.NormalizeAsset(a.Old),
		New:     types.NormalizeAsset(a.New),
		Receipt: types.NormalizeAsset(a.Receipt),
	}
}

// Validate checks that all four roles are named and distinct.
func (a AssetSet) Validate() error {
	symbols := []string{a.Base, a.Old, a.New, a.Receipt}
	seen := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		if symbol == "" {
			return fmt.Errorf("migration: asset set requires base, old, new and receipt symbols")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("migration: duplicate asset symbol %s", symbol)
		}
		seen[symbol] = struct{}{}
	}
	return nil
}

// AdminHandle is the opaque capability issued once at initialisation. Whoever
// possesses it may perform privileged transitions; only its keccak digest is
// stored, so the handle can later be handed to a successor without touching
// protocol state.
type AdminHandle [32]byte

func (h AdminHandle) digest() [32]byte {
	return ethcrypto.Keccak256Hash(h[:])
}

// Migration is the long-lived configuration record of one migration
// instance. Ratio and SnapshotRoot never change after initialisation;
// Finalized flips false to true exactly once.
type Migration struct {
	ID           [32]byte
	Admin        [20]byte
	AdminDigest  [32]byte
	Ratio        *big.Int
	SnapshotRoot [32]byte
	OldSupply    *big.Int
	NewSupply    *big.Int
	Finalized    bool
	StartTime    int64
	Assets       AssetSet
}

// Clone returns a deep copy so callers can inspect records without mutating
// stored state.
func (m *Migration) Clone() *Migration {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Ratio = cloneBigInt(m.Ratio)
	clone.OldSupply = cloneBigInt(m.OldSupply)
	clone.NewSupply = cloneBigInt(m.NewSupply)
	return &clone
}

// Vault escrows the base and old asset balances of one migration. It is
// paired 1:1 with a Migration record and shares its identifier.
type Vault struct {
	ID          [32]byte
	BaseBalance *big.Int
	OldBalance  *big.Int
	Locked      bool
}

// Clone returns a deep copy of the vault.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	clone.BaseBalance = cloneBigInt(v.BaseBalance)
	clone.OldBalance = cloneBigInt(v.OldBalance)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ComputeRatio derives the fixed-point exchange rate recorded at
// initialisation: floor(newSupply * RatioScale / oldSupply).
func ComputeRatio(oldSupply, newSupply *big.Int) (*big.Int, error) {
	if oldSupply == nil || oldSupply.Sign() <= 0 {
		return nil, ErrInvalidSupply
	}
	if newSupply == nil {
		newSupply = big.NewInt(0)
	}
	ratio := new(big.Int).Mul(newSupply, RatioScale)
	return ratio.Quo(ratio, oldSupply), nil
}

// ScaleByRatio converts an old-asset amount into receipt/new-asset units,
// rounding down: floor(amount * ratio / RatioScale).
func ScaleByRatio(amount, ratio *big.Int) *big.Int {
	if amount == nil || ratio == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ratio)
	return scaled.Quo(scaled, RatioScale)
}
