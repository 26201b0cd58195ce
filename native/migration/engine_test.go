package migration

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"exodus/crypto/merkle"
	"exodus/native/amm"
	"exodus/native/pricing"
)

type mockState struct {
	migrations map[[32]byte]*Migration
	vaults     map[[32]byte]*Vault
	ledger     map[[32]byte]map[[20]byte]*big.Int
	balances   map[[20]byte]map[string]*big.Int
	supply     map[string]*big.Int
	snapshots  []*mockState
}

func newMockState() *mockState {
	return &mockState{
		migrations: make(map[[32]byte]*Migration),
		vaults:     make(map[[32]byte]*Vault),
		ledger:     make(map[[32]byte]map[[20]byte]*big.Int),
		balances:   make(map[[20]byte]map[string]*big.Int),
		supply:     make(map[string]*big.Int),
	}
}

func (s *mockState) copy() *mockState {
	dup := newMockState()
	for id, m := range s.migrations {
		dup.migrations[id] = m.Clone()
	}
	for id, v := range s.vaults {
		dup.vaults[id] = v.Clone()
	}
	for id, entries := range s.ledger {
		inner := make(map[[20]byte]*big.Int, len(entries))
		for addr, amount := range entries {
			inner[addr] = new(big.Int).Set(amount)
		}
		dup.ledger[id] = inner
	}
	for addr, assets := range s.balances {
		inner := make(map[string]*big.Int, len(assets))
		for asset, amount := range assets {
			inner[asset] = new(big.Int).Set(amount)
		}
		dup.balances[addr] = inner
	}
	for asset, amount := range s.supply {
		dup.supply[asset] = new(big.Int).Set(amount)
	}
	return dup
}

func (s *mockState) Snapshot() int {
	s.snapshots = append(s.snapshots, s.copy())
	return len(s.snapshots) - 1
}

func (s *mockState) RevertToSnapshot(rev int) {
	if rev < 0 || rev >= len(s.snapshots) {
		return
	}
	restored := s.snapshots[rev]
	s.migrations = restored.migrations
	s.vaults = restored.vaults
	s.ledger = restored.ledger
	s.balances = restored.balances
	s.supply = restored.supply
	s.snapshots = s.snapshots[:rev]
}

func (s *mockState) MigrationPut(m *Migration) error {
	s.migrations[m.ID] = m.Clone()
	return nil
}

func (s *mockState) MigrationGet(id [32]byte) (*Migration, bool, error) {
	m, ok := s.migrations[id]
	if !ok {
		return nil, false, nil
	}
	return m.Clone(), true, nil
}

func (s *mockState) VaultPut(v *Vault) error {
	s.vaults[v.ID] = v.Clone()
	return nil
}

func (s *mockState) VaultGet(id [32]byte) (*Vault, bool, error) {
	v, ok := s.vaults[id]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

func (s *mockState) MigratedAmount(id [32]byte, participant [20]byte) (*big.Int, error) {
	entries, ok := s.ledger[id]
	if !ok {
		return big.NewInt(0), nil
	}
	amount, ok := entries[participant]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

func (s *mockState) SetMigratedAmount(id [32]byte, participant [20]byte, amount *big.Int) error {
	entries, ok := s.ledger[id]
	if !ok {
		entries = make(map[[20]byte]*big.Int)
		s.ledger[id] = entries
	}
	entries[participant] = new(big.Int).Set(amount)
	return nil
}

func (s *mockState) BalanceOf(addr [20]byte, asset string) (*big.Int, error) {
	assets, ok := s.balances[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	amount, ok := assets[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

func (s *mockState) Credit(addr [20]byte, asset string, amount *big.Int) error {
	assets, ok := s.balances[addr]
	if !ok {
		assets = make(map[string]*big.Int)
		s.balances[addr] = assets
	}
	current, ok := assets[asset]
	if !ok {
		current = big.NewInt(0)
	}
	assets[asset] = new(big.Int).Add(current, amount)
	return nil
}

func (s *mockState) Debit(addr [20]byte, asset string, amount *big.Int) error {
	balance, _ := s.BalanceOf(addr, asset)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	s.balances[addr][asset] = balance.Sub(balance, amount)
	return nil
}

func (s *mockState) Mint(addr [20]byte, asset string, amount *big.Int) error {
	if err := s.Credit(addr, asset, amount); err != nil {
		return err
	}
	current, ok := s.supply[asset]
	if !ok {
		current = big.NewInt(0)
	}
	s.supply[asset] = new(big.Int).Add(current, amount)
	return nil
}

func (s *mockState) Burn(addr [20]byte, asset string, amount *big.Int) error {
	if err := s.Debit(addr, asset, amount); err != nil {
		return err
	}
	s.supply[asset] = new(big.Int).Sub(s.supply[asset], amount)
	return nil
}

func (s *mockState) TokenSupply(asset string) (*big.Int, error) {
	amount, ok := s.supply[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(amount), nil
}

func (s *mockState) setBalance(addr [20]byte, asset string, amount int64) {
	assets, ok := s.balances[addr]
	if !ok {
		assets = make(map[string]*big.Int)
		s.balances[addr] = assets
	}
	assets[asset] = big.NewInt(amount)
}

type byteReader struct{ fill byte }

func (r byteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.fill
	}
	return len(p), nil
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func testAssets() AssetSet {
	return AssetSet{Base: "BASE", Old: "OLD", New: "NEW", Receipt: "RCPT"}
}

type testFixture struct {
	engine      *Engine
	state       *mockState
	exchange    *amm.MemoryExchange
	admin       [20]byte
	participant [20]byte
	id          [32]byte
	handle      AdminHandle
	root        [32]byte
	quota       *big.Int
	proof       [][32]byte
}

// newTestFixture initialises a migration over a two-entry snapshot where the
// participant holds a quota of 100 old units. Supplies of 1,000,000 old and
// 500,000 new fix the ratio at 0.5.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	state := newMockState()
	exchange := amm.NewMemoryExchange()
	adapter := amm.NewAdapter(exchange)

	engine := NewEngine()
	engine.SetState(state)
	engine.SetAdapter(adapter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	engine.SetRandReader(byteReader{fill: 0x5A})

	admin := testAddress(0x01)
	participant := testAddress(0x02)
	other := testAddress(0x03)

	quota := big.NewInt(100)
	tree, err := merkle.NewTree([]merkle.Entry{
		{Participant: participant, Quota: quota},
		{Participant: other, Quota: big.NewInt(50)},
	})
	if err != nil {
		t.Fatalf("build snapshot tree: %v", err)
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	id, handle, err := engine.Initialize(admin, big.NewInt(1_000_000), big.NewInt(500_000), tree.Root(), testAssets())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	return &testFixture{
		engine:      engine,
		state:       state,
		exchange:    exchange,
		admin:       admin,
		participant: participant,
		id:          id,
		handle:      handle,
		root:        tree.Root(),
		quota:       quota,
		proof:       proof,
	}
}

func (f *testFixture) lock(t *testing.T, base, old int64) {
	t.Helper()
	f.state.setBalance(f.admin, "BASE", base)
	if old > 0 {
		f.state.setBalance(f.admin, "OLD", old)
	}
	if err := f.engine.LockLiquidity(f.id, f.handle, big.NewInt(base), big.NewInt(old)); err != nil {
		t.Fatalf("lock liquidity: %v", err)
	}
}

func (f *testFixture) seedOldPool(t *testing.T, reserveOld, reserveBase int64) {
	t.Helper()
	pair := amm.NewPair("OLD", "BASE")
	if err := f.exchange.CreatePool(mustCanonical(t, pair), 3000, uint256.NewInt(0)); err != nil {
		t.Fatalf("create old pool: %v", err)
	}
	canonical := mustCanonical(t, pair)
	// Canonical orientation is BASE/OLD.
	if _, err := f.exchange.AddLiquidity(canonical, 3000, big.NewInt(reserveBase), big.NewInt(reserveOld), -100, 100, 0); err != nil {
		t.Fatalf("seed old pool: %v", err)
	}
}

func mustCanonical(t *testing.T, pair amm.Pair) amm.Pair {
	t.Helper()
	canonical, _, err := pair.Canonical()
	if err != nil {
		t.Fatalf("canonical pair: %v", err)
	}
	return canonical
}

func defaultFinalizeParams() FinalizeParams {
	return FinalizeParams{
		OldPoolFeeTier:      3000,
		NewPoolFeeTier:      3000,
		MinBaseOut:          big.NewInt(0),
		InitialSqrtPriceX64: new(uint256.Int).Lsh(uint256.NewInt(1), 64),
		TickLower:           -100,
		TickUpper:           100,
	}
}

func TestInitializeRecordsDigestNotHandle(t *testing.T) {
	f := newTestFixture(t)

	m, vault, supply, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if m.Admin != f.admin {
		t.Fatalf("stored admin mismatch")
	}
	if m.AdminDigest != f.handle.digest() {
		t.Fatalf("stored digest does not match issued handle")
	}
	if m.Ratio.Int64() != 500_000_000 {
		t.Fatalf("ratio = %s, want 500000000", m.Ratio)
	}
	if m.SnapshotRoot != f.root {
		t.Fatalf("snapshot root mismatch")
	}
	if m.Finalized {
		t.Fatalf("fresh migration must not be finalized")
	}
	if m.StartTime != 1_700_000_000 {
		t.Fatalf("start time = %d", m.StartTime)
	}
	if vault.Locked {
		t.Fatalf("fresh vault must not be locked")
	}
	if supply.Sign() != 0 {
		t.Fatalf("receipt supply = %s, want 0", supply)
	}
}

func TestInitializeRejectsDuplicate(t *testing.T) {
	f := newTestFixture(t)
	_, _, err := f.engine.Initialize(f.admin, big.NewInt(1_000_000), big.NewInt(500_000), f.root, testAssets())
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInitializeValidatesInputs(t *testing.T) {
	f := newTestFixture(t)
	if _, _, err := f.engine.Initialize(f.admin, big.NewInt(0), big.NewInt(500_000), f.root, testAssets()); !errors.Is(err, ErrInvalidSupply) {
		t.Fatalf("expected ErrInvalidSupply for zero old supply, got %v", err)
	}
	bad := testAssets()
	bad.New = bad.Old
	if _, _, err := f.engine.Initialize(f.admin, big.NewInt(1), big.NewInt(1), f.root, bad); err == nil {
		t.Fatalf("expected error for duplicate asset symbols")
	}
	bad = testAssets()
	bad.Receipt = ""
	if _, _, err := f.engine.Initialize(f.admin, big.NewInt(1), big.NewInt(1), f.root, bad); err == nil {
		t.Fatalf("expected error for missing receipt symbol")
	}
}

func TestLockLiquidity(t *testing.T) {
	f := newTestFixture(t)
	f.state.setBalance(f.admin, "BASE", 1_000)
	f.state.setBalance(f.admin, "OLD", 200)

	if err := f.engine.LockLiquidity(f.id, f.handle, big.NewInt(600), big.NewInt(150)); err != nil {
		t.Fatalf("lock liquidity: %v", err)
	}

	_, vault, _, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !vault.Locked {
		t.Fatalf("vault should be locked")
	}
	if vault.BaseBalance.Int64() != 600 || vault.OldBalance.Int64() != 150 {
		t.Fatalf("vault balances = %s/%s, want 600/150", vault.BaseBalance, vault.OldBalance)
	}
	baseLeft, _ := f.state.BalanceOf(f.admin, "BASE")
	oldLeft, _ := f.state.BalanceOf(f.admin, "OLD")
	if baseLeft.Int64() != 400 || oldLeft.Int64() != 50 {
		t.Fatalf("admin balances = %s/%s, want 400/50", baseLeft, oldLeft)
	}

	if err := f.engine.LockLiquidity(f.id, f.handle, big.NewInt(100), big.NewInt(0)); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
}

func TestLockLiquidityGuards(t *testing.T) {
	f := newTestFixture(t)
	f.state.setBalance(f.admin, "BASE", 100)

	var wrong AdminHandle
	if err := f.engine.LockLiquidity(f.id, wrong, big.NewInt(100), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.LockLiquidity(f.id, f.handle, big.NewInt(0), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero base, got %v", err)
	}
	if err := f.engine.LockLiquidity(f.id, f.handle, big.NewInt(100), big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative old, got %v", err)
	}
	if err := f.engine.LockLiquidity(f.id, f.handle, big.NewInt(101), nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	_, vault, _, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if vault.Locked || vault.BaseBalance.Sign() != 0 {
		t.Fatalf("failed locks must leave the vault untouched")
	}
	balance, _ := f.state.BalanceOf(f.admin, "BASE")
	if balance.Int64() != 100 {
		t.Fatalf("admin balance = %s, want 100", balance)
	}
}

func TestMigrateQuotaLifecycle(t *testing.T) {
	f := newTestFixture(t)
	f.state.setBalance(f.participant, "OLD", 100)

	minted, err := f.engine.Migrate(f.id, f.participant, big.NewInt(60), f.quota, f.proof)
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if minted.Int64() != 30 {
		t.Fatalf("minted = %s, want 30", minted)
	}

	receipt, _ := f.state.BalanceOf(f.participant, "RCPT")
	if receipt.Int64() != 30 {
		t.Fatalf("receipt balance = %s, want 30", receipt)
	}
	used, err := f.engine.MigratedAmount(f.id, f.participant)
	if err != nil {
		t.Fatalf("migrated amount: %v", err)
	}
	if used.Int64() != 60 {
		t.Fatalf("used = %s, want 60", used)
	}

	// 60 + 50 overshoots the quota of 100; nothing may change.
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(50), f.quota, f.proof); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	used, _ = f.engine.MigratedAmount(f.id, f.participant)
	if used.Int64() != 60 {
		t.Fatalf("rejected deposit must not move the ledger, used = %s", used)
	}
	oldBalance, _ := f.state.BalanceOf(f.participant, "OLD")
	if oldBalance.Int64() != 40 {
		t.Fatalf("rejected deposit must not move balances, old = %s", oldBalance)
	}

	// 60 + 40 lands exactly on the quota boundary.
	minted, err = f.engine.Migrate(f.id, f.participant, big.NewInt(40), f.quota, f.proof)
	if err != nil {
		t.Fatalf("boundary deposit: %v", err)
	}
	if minted.Int64() != 20 {
		t.Fatalf("minted = %s, want 20", minted)
	}
	used, _ = f.engine.MigratedAmount(f.id, f.participant)
	if used.Int64() != 100 {
		t.Fatalf("used = %s, want 100", used)
	}

	_, vault, supply, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if vault.OldBalance.Int64() != 100 {
		t.Fatalf("vault old balance = %s, want 100", vault.OldBalance)
	}
	if supply.Int64() != 50 {
		t.Fatalf("receipt supply = %s, want 50", supply)
	}
}

func TestMigrateRejectsInvalidProof(t *testing.T) {
	f := newTestFixture(t)
	f.state.setBalance(f.participant, "OLD", 100)

	inflated := big.NewInt(1_000)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(10), inflated, f.proof); !errors.Is(err, merkle.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for forged quota, got %v", err)
	}

	tampered := make([][32]byte, len(f.proof))
	copy(tampered, f.proof)
	tampered[0][0] ^= 0x01
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(10), f.quota, tampered); !errors.Is(err, merkle.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for corrupted proof, got %v", err)
	}
}

func TestMigrateGuards(t *testing.T) {
	f := newTestFixture(t)
	f.state.setBalance(f.participant, "OLD", 5)

	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(0), f.quota, f.proof); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(10), f.quota, f.proof); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	used, _ := f.engine.MigratedAmount(f.id, f.participant)
	if used.Sign() != 0 {
		t.Fatalf("failed deposit must leave the ledger empty, used = %s", used)
	}

	var unknown [32]byte
	if _, err := f.engine.Migrate(unknown, f.participant, big.NewInt(1), f.quota, f.proof); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimBeforeFinalize(t *testing.T) {
	f := newTestFixture(t)
	if err := f.engine.Claim(f.id, f.participant, big.NewInt(1)); !errors.Is(err, ErrClaimsNotOpen) {
		t.Fatalf("expected ErrClaimsNotOpen, got %v", err)
	}
}

func TestFinalizeRequiresLock(t *testing.T) {
	f := newTestFixture(t)
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams()); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestFinalizeAndCreatePool(t *testing.T) {
	f := newTestFixture(t)
	f.seedOldPool(t, 10_000, 10_000)
	f.lock(t, 1_000, 0)
	f.state.setBalance(f.participant, "OLD", 100)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(100), f.quota, f.proof); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	seed, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if seed.Position == "" {
		t.Fatalf("expected a position handle")
	}
	if seed.LiquidatedOld.Int64() != 100 {
		t.Fatalf("liquidated = %s, want 100", seed.LiquidatedOld)
	}
	// Selling 100 into 10000/10000 yields 99; plus the 1000 base seed.
	if seed.BaseSeeded.Int64() != 1_099 {
		t.Fatalf("base seeded = %s, want 1099", seed.BaseSeeded)
	}
	if seed.MintedNew.Int64() != 50 {
		t.Fatalf("minted new = %s, want 50", seed.MintedNew)
	}

	m, vault, _, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !m.Finalized {
		t.Fatalf("migration should be finalized")
	}
	if vault.BaseBalance.Sign() != 0 || vault.OldBalance.Sign() != 0 {
		t.Fatalf("vault should be drained, got %s/%s", vault.BaseBalance, vault.OldBalance)
	}

	newSupply, _ := f.state.TokenSupply("NEW")
	if newSupply.Int64() != 50 {
		t.Fatalf("new asset supply = %s, want 50", newSupply)
	}

	// Canonical orientation is BASE/NEW.
	reserveBase, reserveNew, _, err := f.exchange.Reserves(mustCanonical(t, amm.NewPair("NEW", "BASE")), 3000)
	if err != nil {
		t.Fatalf("new pool reserves: %v", err)
	}
	if reserveBase.Int64() != 1_099 || reserveNew.Int64() != 50 {
		t.Fatalf("new pool reserves = %s/%s, want 1099/50", reserveBase, reserveNew)
	}
}

func TestFinalizeDerivesPriceFromOldPool(t *testing.T) {
	f := newTestFixture(t)
	// Implied cap: 4000 * 1,000,000 / 1,000 = 4,000,000 over 500,000 new.
	f.seedOldPool(t, 1_000, 4_000)
	f.lock(t, 500, 0)

	params := defaultFinalizeParams()
	params.InitialSqrtPriceX64 = nil
	seed, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, params)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	cap, err := pricing.MarketCap(big.NewInt(1_000), big.NewInt(4_000), big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("market cap: %v", err)
	}
	want, err := pricing.InitialSqrtPriceX64(cap, big.NewInt(500_000))
	if err != nil {
		t.Fatalf("initial price: %v", err)
	}
	if seed.SqrtPriceX64.Cmp(want) != 0 {
		t.Fatalf("derived price = %s, want %s", seed.SqrtPriceX64.ToBig(), want.ToBig())
	}
}

func TestFinalizeSlippageRollsBackEverything(t *testing.T) {
	f := newTestFixture(t)
	f.seedOldPool(t, 10_000, 10_000)
	f.lock(t, 1_000, 0)
	f.state.setBalance(f.participant, "OLD", 100)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(100), f.quota, f.proof); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	params := defaultFinalizeParams()
	params.MinBaseOut = big.NewInt(100)
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, params); !errors.Is(err, amm.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	m, vault, _, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if m.Finalized {
		t.Fatalf("failed finalisation must revert the terminal flag")
	}
	if vault.BaseBalance.Int64() != 1_000 || vault.OldBalance.Int64() != 100 {
		t.Fatalf("vault must be restored, got %s/%s", vault.BaseBalance, vault.OldBalance)
	}

	// A retry with an honest floor succeeds.
	params.MinBaseOut = big.NewInt(99)
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, params); err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
}

func TestFinalizeValidatesTicksBeforeLiquidation(t *testing.T) {
	f := newTestFixture(t)
	f.seedOldPool(t, 10_000, 10_000)
	f.lock(t, 1_000, 0)
	f.state.setBalance(f.participant, "OLD", 100)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(100), f.quota, f.proof); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	params := defaultFinalizeParams()
	params.TickLower, params.TickUpper = 10, 10
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, params); !errors.Is(err, amm.ErrInvalidTickRange) {
		t.Fatalf("expected ErrInvalidTickRange, got %v", err)
	}

	// The bad range must be caught before any exchange call: the old pool
	// keeps its reserves and no new pool appears.
	reserveBase, reserveOld, _, err := f.exchange.Reserves(mustCanonical(t, amm.NewPair("OLD", "BASE")), 3000)
	if err != nil {
		t.Fatalf("old pool reserves: %v", err)
	}
	if reserveBase.Int64() != 10_000 || reserveOld.Int64() != 10_000 {
		t.Fatalf("old pool reserves moved to %s/%s", reserveBase, reserveOld)
	}
	if _, _, _, err := f.exchange.Reserves(mustCanonical(t, amm.NewPair("NEW", "BASE")), 3000); !errors.Is(err, amm.ErrPoolNotFound) {
		t.Fatalf("new pool must not exist after a rejected range, got %v", err)
	}

	m, vault, _, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if m.Finalized {
		t.Fatalf("rejected finalisation must not flip the terminal flag")
	}
	if vault.BaseBalance.Int64() != 1_000 || vault.OldBalance.Int64() != 100 {
		t.Fatalf("vault must be untouched, got %s/%s", vault.BaseBalance, vault.OldBalance)
	}

	// The same instance still finalises with a valid range.
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams()); err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
}

func TestFinalizeRetryToleratesLeftoverPool(t *testing.T) {
	f := newTestFixture(t)
	f.seedOldPool(t, 10_000, 10_000)
	f.lock(t, 1_000, 0)
	f.state.setBalance(f.participant, "OLD", 100)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(100), f.quota, f.proof); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// The first attempt fails at the slippage floor, after the new pool
	// has been registered with the exchange.
	params := defaultFinalizeParams()
	params.MinBaseOut = big.NewInt(100)
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, params); !errors.Is(err, amm.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if _, _, _, err := f.exchange.Reserves(mustCanonical(t, amm.NewPair("NEW", "BASE")), 3000); err != nil {
		t.Fatalf("new pool should survive the failed attempt: %v", err)
	}

	// A retry must not trip over the leftover pool.
	seed, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams())
	if err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if seed.LiquidatedOld.Int64() != 100 || seed.BaseSeeded.Int64() != 1_099 {
		t.Fatalf("retry seed = %s/%s, want 100/1099", seed.LiquidatedOld, seed.BaseSeeded)
	}
	m, _, _, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !m.Finalized {
		t.Fatalf("retry must finalise the migration")
	}
}

func TestFinalizeIsTerminal(t *testing.T) {
	f := newTestFixture(t)
	f.seedOldPool(t, 10_000, 10_000)
	f.lock(t, 1_000, 0)

	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams()); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	f.state.setBalance(f.participant, "OLD", 10)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(10), f.quota, f.proof); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("deposits must close at finalisation, got %v", err)
	}
}

func TestFinalizeRejectsWrongHandle(t *testing.T) {
	f := newTestFixture(t)
	f.lock(t, 1_000, 0)
	var wrong AdminHandle
	wrong[0] = 0x01
	if _, err := f.engine.FinalizeAndCreatePool(f.id, wrong, defaultFinalizeParams()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClaimBurnsReceipts(t *testing.T) {
	f := newTestFixture(t)
	f.seedOldPool(t, 10_000, 10_000)
	f.lock(t, 1_000, 0)
	f.state.setBalance(f.participant, "OLD", 100)
	if _, err := f.engine.Migrate(f.id, f.participant, big.NewInt(100), f.quota, f.proof); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := f.engine.FinalizeAndCreatePool(f.id, f.handle, defaultFinalizeParams()); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := f.engine.Claim(f.id, f.participant, big.NewInt(20)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	receipt, _ := f.state.BalanceOf(f.participant, "RCPT")
	newBalance, _ := f.state.BalanceOf(f.participant, "NEW")
	if receipt.Int64() != 30 || newBalance.Int64() != 20 {
		t.Fatalf("balances after claim = %s receipt / %s new, want 30/20", receipt, newBalance)
	}
	_, _, supply, err := f.engine.Status(f.id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if supply.Int64() != 30 {
		t.Fatalf("receipt supply = %s, want 30", supply)
	}

	if err := f.engine.Claim(f.id, f.participant, big.NewInt(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := f.engine.Claim(f.id, f.participant, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
