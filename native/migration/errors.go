package migration

import "errors"

var (
	// ErrUnauthorized is returned when a presented admin handle does not
	// match the digest recorded at initialisation.
	ErrUnauthorized = errors.New("migration: caller is not the admin")
	// ErrNotFound is returned when no migration exists under the id.
	ErrNotFound = errors.New("migration: migration not found")
	// ErrAlreadyExists is returned when initialisation would collide with a
	// previously created migration.
	ErrAlreadyExists = errors.New("migration: migration already exists")
	// ErrAlreadyFinalized rejects privileged actions and deposits after the
	// finalized flag has flipped.
	ErrAlreadyFinalized = errors.New("migration: already finalized")
	// ErrClaimsNotOpen rejects claims before finalisation.
	ErrClaimsNotOpen = errors.New("migration: claims not open before finalization")
	// ErrAlreadyLocked rejects a second liquidity lock on the same vault.
	ErrAlreadyLocked = errors.New("migration: vault already locked")
	// ErrNotLocked rejects finalisation before the initial liquidity lock.
	ErrNotLocked = errors.New("migration: vault not locked")
	// ErrQuotaExceeded rejects a deposit that would push the participant's
	// cumulative total beyond the committed quota.
	ErrQuotaExceeded = errors.New("migration: deposit exceeds committed quota")
	// ErrInvalidSupply rejects a zero old-asset supply at initialisation.
	ErrInvalidSupply = errors.New("migration: old asset supply must be positive")
	// ErrInsufficientBalance is returned when a drain or burn finds less
	// than the requested amount.
	ErrInsufficientBalance = errors.New("migration: insufficient balance")
	// ErrInvalidAmount rejects nil, zero or negative amounts where a
	// positive amount is required.
	ErrInvalidAmount = errors.New("migration: amount must be positive")
)
