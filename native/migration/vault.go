package migration

import "math/big"

// newVault creates the empty companion vault for a migration instance.
func newVault(id [32]byte) *Vault {
	return &Vault{ID: id, BaseBalance: big.NewInt(0), OldBalance: big.NewInt(0)}
}

// lockLiquidity credits the initial base and old seed atomically and sets the
// locked flag. It can succeed at most once per vault.
func (v *Vault) lockLiquidity(base, old *big.Int) error {
	if v.Locked {
		return ErrAlreadyLocked
	}
	v.BaseBalance.Add(v.BaseBalance, base)
	if old != nil {
		v.OldBalance.Add(v.OldBalance, old)
	}
	v.Locked = true
	return nil
}

// depositOld credits an old-asset deposit. Deposits carry no precondition on
// the lock flag.
func (v *Vault) depositOld(amount *big.Int) {
	v.OldBalance.Add(v.OldBalance, amount)
}

// withdrawBase drains the base balance in full. Partial withdrawals are not
// supported; a zero balance is an error.
func (v *Vault) withdrawBase() (*big.Int, error) {
	if v.BaseBalance.Sign() == 0 {
		return nil, ErrInsufficientBalance
	}
	drained := v.BaseBalance
	v.BaseBalance = big.NewInt(0)
	return drained, nil
}

// withdrawOld drains the old-asset balance in full. Unlike withdrawBase a
// zero balance succeeds and yields zero: a migration with no deposits can
// still finalize on the locked base seed alone.
func (v *Vault) withdrawOld() *big.Int {
	drained := v.OldBalance
	v.OldBalance = big.NewInt(0)
	return drained
}

// IsLocked reports whether the admin's one-time liquidity lock happened.
func (v *Vault) IsLocked() bool { return v.Locked }

// Balances returns copies of the current base and old balances.
func (v *Vault) Balances() (*big.Int, *big.Int) {
	return new(big.Int).Set(v.BaseBalance), new(big.Int).Set(v.OldBalance)
}
