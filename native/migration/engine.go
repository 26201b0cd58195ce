package migration

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"exodus/core/events"
	"exodus/core/types"
	"exodus/crypto/merkle"
	"exodus/native/amm"
	"exodus/native/pricing"
)

var (
	errNilState   = errors.New("migration engine: state not configured")
	errNilAdapter = errors.New("migration engine: amm adapter not configured")
)

// engineState is the narrow view of the state manager required by the
// migration engine. Snapshot/RevertToSnapshot bracket every entry point so a
// failed operation leaves zero observable state change.
type engineState interface {
	Snapshot() int
	RevertToSnapshot(int)
	MigrationPut(*Migration) error
	MigrationGet(id [32]byte) (*Migration, bool, error)
	VaultPut(*Vault) error
	VaultGet(id [32]byte) (*Vault, bool, error)
	MigratedAmount(id [32]byte, participant [20]byte) (*big.Int, error)
	SetMigratedAmount(id [32]byte, participant [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte, asset string) (*big.Int, error)
	Credit(addr [20]byte, asset string, amount *big.Int) error
	Debit(addr [20]byte, asset string, amount *big.Int) error
	Mint(addr [20]byte, asset string, amount *big.Int) error
	Burn(addr [20]byte, asset string, amount *big.Int) error
	TokenSupply(asset string) (*big.Int, error)
}

type migrationEvent struct {
	evt *types.Event
}

func (e migrationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e migrationEvent) Event() *types.Event { return e.evt }

// Engine drives the one-way migration state machine: it owns the
// configuration records, verifies snapshot proofs on every deposit, escrows
// balances in the companion vault and bootstraps the new trading pool at
// finalisation. A per-engine mutex serialises the (config, vault) pair so
// the quota invariant holds under concurrent deposits.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	adapter *amm.Adapter
	emitter events.Emitter
	nowFn   func() int64
	randFn  io.Reader
}

// NewEngine creates a migration engine with a no-op emitter and the system
// clock and entropy source. Callers wire state and adapter before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		randFn:  rand.Reader,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAdapter configures the exchange adapter used for liquidation and pool
// seeding.
func (e *Engine) SetAdapter(adapter *amm.Adapter) { e.adapter = adapter }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetRandReader overrides the entropy source used to issue admin handles.
func (e *Engine) SetRandReader(r io.Reader) {
	if r == nil {
		e.randFn = rand.Reader
		return
	}
	e.randFn = r
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(migrationEvent{evt: event})
}

// FinalizeParams bundles the caller-supplied inputs of the finalisation
// transition. A nil InitialSqrtPriceX64 asks the engine to derive the price
// from the old pool's implied market capitalisation.
type FinalizeParams struct {
	OldPoolFeeTier      uint32
	NewPoolFeeTier      uint32
	MinBaseOut          *big.Int
	InitialSqrtPriceX64 *uint256.Int
	TickLower           int32
	TickUpper           int32
}

// PoolSeed reports the outcome of a successful finalisation.
type PoolSeed struct {
	Position      string
	LiquidatedOld *big.Int
	BaseSeeded    *big.Int
	MintedNew     *big.Int
	SqrtPriceX64  *uint256.Int
}

// Initialize creates a migration instance and its companion vault. The
// caller address becomes the permanent admin; the returned handle is the
// only credential accepted for privileged transitions and is never stored.
func (e *Engine) Initialize(caller [20]byte, oldSupply, newSupply *big.Int, snapshotRoot [32]byte, assets AssetSet) ([32]byte, AdminHandle, error) {
	var id [32]byte
	var handle AdminHandle
	if e == nil || e.state == nil {
		return id, handle, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	assets = assets.Normalize()
	if err := assets.Validate(); err != nil {
		return id, handle, err
	}
	ratio, err := ComputeRatio(oldSupply, newSupply)
	if err != nil {
		return id, handle, err
	}
	id = ethcrypto.Keccak256Hash(caller[:], snapshotRoot[:], []byte(assets.Old), []byte(assets.New))
	if _, ok, err := e.state.MigrationGet(id); err != nil {
		return id, handle, err
	} else if ok {
		return id, handle, ErrAlreadyExists
	}
	if _, err := io.ReadFull(e.randFn, handle[:]); err != nil {
		return id, handle, fmt.Errorf("migration: issue admin handle: %w", err)
	}

	snap := e.state.Snapshot()
	m := &Migration{
		ID:           id,
		Admin:        caller,
		AdminDigest:  handle.digest(),
		Ratio:        ratio,
		SnapshotRoot: snapshotRoot,
		OldSupply:    cloneBigInt(oldSupply),
		NewSupply:    cloneBigInt(newSupply),
		StartTime:    e.nowFn(),
		Assets:       assets,
	}
	if err := e.state.MigrationPut(m); err != nil {
		e.state.RevertToSnapshot(snap)
		return id, handle, err
	}
	if err := e.state.VaultPut(newVault(id)); err != nil {
		e.state.RevertToSnapshot(snap)
		return id, handle, err
	}
	e.emit(newInitializedEvent(m))
	return id, handle, nil
}

// LockLiquidity moves the admin's initial base and old seed into the vault
// and sets the locked flag. The call can succeed at most once per instance.
func (e *Engine) LockLiquidity(id [32]byte, handle AdminHandle, baseAmount, oldAmount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, vault, err := e.loadPair(id)
	if err != nil {
		return err
	}
	if err := authorize(m, handle); err != nil {
		return err
	}
	if m.Finalized {
		return ErrAlreadyFinalized
	}
	if baseAmount == nil || baseAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if oldAmount == nil {
		oldAmount = big.NewInt(0)
	}
	if oldAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if vault.Locked {
		return ErrAlreadyLocked
	}

	snap := e.state.Snapshot()
	if err := e.debitChecked(m.Admin, m.Assets.Base, baseAmount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if oldAmount.Sign() > 0 {
		if err := e.debitChecked(m.Admin, m.Assets.Old, oldAmount); err != nil {
			e.state.RevertToSnapshot(snap)
			return err
		}
	}
	if err := vault.lockLiquidity(baseAmount, oldAmount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.state.VaultPut(vault); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.emit(newLiquidityLockedEvent(m, baseAmount, oldAmount))
	return nil
}

// Migrate verifies the participant's quota proof, escrows the deposit and
// mints ratio-scaled receipt units. Deposits are accepted regardless of the
// vault's lock state; only finalisation closes the window.
func (e *Engine) Migrate(id [32]byte, participant [20]byte, deposit, declaredQuota *big.Int, proof [][32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, vault, err := e.loadPair(id)
	if err != nil {
		return nil, err
	}
	if m.Finalized {
		return nil, ErrAlreadyFinalized
	}
	if deposit == nil || deposit.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := merkle.VerifyQuota(m.SnapshotRoot, participant, declaredQuota, proof); err != nil {
		return nil, err
	}
	prior, err := e.state.MigratedAmount(id, participant)
	if err != nil {
		return nil, err
	}
	used := new(big.Int).Add(prior, deposit)
	if declaredQuota == nil || used.Cmp(declaredQuota) > 0 {
		return nil, ErrQuotaExceeded
	}

	snap := e.state.Snapshot()
	if err := e.state.SetMigratedAmount(id, participant, used); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	if err := e.debitChecked(participant, m.Assets.Old, deposit); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	vault.depositOld(deposit)
	if err := e.state.VaultPut(vault); err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	minted := ScaleByRatio(deposit, m.Ratio)
	if minted.Sign() > 0 {
		if err := e.state.Mint(participant, m.Assets.Receipt, minted); err != nil {
			e.state.RevertToSnapshot(snap)
			return nil, err
		}
	}
	e.emit(newMigratedEvent(m, participant, deposit, minted))
	return minted, nil
}

// FinalizeAndCreatePool flips the terminal flag, liquidates the escrowed old
// balance through the exchange, mints the ratio-scaled new supply and seeds
// the (new, base) pool. The whole transition is atomic: any failure, the
// liquidation slippage floor included, rolls back every state change and the
// finalized flip with it.
func (e *Engine) FinalizeAndCreatePool(id [32]byte, handle AdminHandle, params FinalizeParams) (*PoolSeed, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.adapter == nil {
		return nil, errNilAdapter
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, vault, err := e.loadPair(id)
	if err != nil {
		return nil, err
	}
	if err := authorize(m, handle); err != nil {
		return nil, err
	}
	if m.Finalized {
		return nil, ErrAlreadyFinalized
	}
	if !vault.Locked {
		return nil, ErrNotLocked
	}
	// Pure parameter checks come before any exchange call; the liquidation
	// swap cannot be undone once it executes.
	if params.TickLower >= params.TickUpper {
		return nil, amm.ErrInvalidTickRange
	}

	snap := e.state.Snapshot()
	seed, err := e.finalize(m, vault, params)
	if err != nil {
		e.state.RevertToSnapshot(snap)
		return nil, err
	}
	return seed, nil
}

func (e *Engine) finalize(m *Migration, vault *Vault, params FinalizeParams) (*PoolSeed, error) {
	// The flag flips before the external liquidation call; a swap failure
	// reverts it through the surrounding snapshot.
	m.Finalized = true
	if err := e.state.MigrationPut(m); err != nil {
		return nil, err
	}

	oldPair := amm.NewPair(m.Assets.Old, m.Assets.Base)
	price := params.InitialSqrtPriceX64
	if price == nil {
		reserveOld, reserveBase, _, err := e.adapter.Reserves(oldPair, params.OldPoolFeeTier)
		if err != nil {
			return nil, err
		}
		cap, err := pricing.MarketCap(reserveOld, reserveBase, m.OldSupply)
		if err != nil {
			return nil, err
		}
		price, err = pricing.InitialSqrtPriceX64(cap, m.NewSupply)
		if err != nil {
			return nil, err
		}
	}

	// Create the pool before the liquidation swap so the swap is the last
	// exchange call that can fail. The pool may already exist from an
	// earlier attempt that failed after this point; the exchange does not
	// roll back, so an existing pool is not an error on retry.
	newPair := amm.NewPair(m.Assets.New, m.Assets.Base)
	if err := e.adapter.CreatePool(newPair, params.NewPoolFeeTier, price); err != nil && !errors.Is(err, amm.ErrPoolExists) {
		return nil, err
	}

	liquidated := vault.withdrawOld()
	baseProceeds := big.NewInt(0)
	if liquidated.Sign() > 0 {
		out, err := e.adapter.SwapExactInput(oldPair, params.OldPoolFeeTier, liquidated, params.MinBaseOut)
		if err != nil {
			return nil, err
		}
		baseProceeds = out
	}
	baseSeed, err := vault.withdrawBase()
	if err != nil {
		return nil, err
	}
	baseTotal := new(big.Int).Add(baseSeed, baseProceeds)
	if err := e.state.VaultPut(vault); err != nil {
		return nil, err
	}

	mintedNew := ScaleByRatio(liquidated, m.Ratio)
	poolAcct := poolAccount(m.ID)
	if mintedNew.Sign() > 0 {
		if err := e.state.Mint(poolAcct, m.Assets.New, mintedNew); err != nil {
			return nil, err
		}
	}
	if err := e.state.Credit(poolAcct, m.Assets.Base, baseTotal); err != nil {
		return nil, err
	}

	position, err := e.adapter.AddLiquidity(newPair, params.NewPoolFeeTier, mintedNew, baseTotal, params.TickLower, params.TickUpper)
	if err != nil {
		return nil, err
	}

	seed := &PoolSeed{
		Position:      position,
		LiquidatedOld: liquidated,
		BaseSeeded:    baseTotal,
		MintedNew:     mintedNew,
		SqrtPriceX64:  price,
	}
	e.emit(newFinalizedEvent(m, liquidated, baseProceeds))
	e.emit(newPoolSeededEvent(m, seed))
	return seed, nil
}

// Claim burns receipt units and mints the new asset 1:1 to the holder.
// Claims open only after finalisation; a receipt can only be redeemed once
// because the burn removes it.
func (e *Engine) Claim(id [32]byte, holder [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok, err := e.state.MigrationGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if !m.Finalized {
		return ErrClaimsNotOpen
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := e.state.BalanceOf(holder, m.Assets.Receipt)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	snap := e.state.Snapshot()
	if err := e.state.Burn(holder, m.Assets.Receipt, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	if err := e.state.Mint(holder, m.Assets.New, amount); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	e.emit(newClaimedEvent(m, holder, amount))
	return nil
}

// Status returns deep copies of the migration and vault records plus the
// outstanding receipt supply.
func (e *Engine) Status(id [32]byte) (*Migration, *Vault, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, vault, err := e.loadPair(id)
	if err != nil {
		return nil, nil, nil, err
	}
	supply, err := e.state.TokenSupply(m.Assets.Receipt)
	if err != nil {
		return nil, nil, nil, err
	}
	return m.Clone(), vault.Clone(), supply, nil
}

// MigratedAmount reports the participant's cumulative accepted deposits.
func (e *Engine) MigratedAmount(id [32]byte, participant [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok, err := e.state.MigrationGet(id); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}
	return e.state.MigratedAmount(id, participant)
}

func (e *Engine) loadPair(id [32]byte) (*Migration, *Vault, error) {
	m, ok, err := e.state.MigrationGet(id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	vault, ok, err := e.state.VaultGet(id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	return m, vault, nil
}

func (e *Engine) debitChecked(addr [20]byte, asset string, amount *big.Int) error {
	balance, err := e.state.BalanceOf(addr, asset)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return e.state.Debit(addr, asset, amount)
}

func authorize(m *Migration, handle AdminHandle) error {
	if handle.digest() != m.AdminDigest {
		return ErrUnauthorized
	}
	return nil
}

// poolAccount derives the custody address mirroring the exchange position
// funded at finalisation.
func poolAccount(id [32]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("exodus/migration/pool"), id[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}
