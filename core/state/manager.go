package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"exodus/core/types"
	"exodus/native/migration"
	"exodus/storage"
)

// Manager persists protocol state in a key-value database and implements the
// state interfaces consumed by the migration engine. Every mutation is
// journaled; Snapshot/RevertToSnapshot give engine operations all-or-nothing
// semantics over the backing store (the journal idiom of go-ethereum's
// statedb, reduced to plain keys).
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	journal []journalEntry
}

type journalEntry struct {
	key     string
	prev    []byte
	existed bool
}

func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Snapshot marks the current journal position.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.journal)
}

// RevertToSnapshot undoes every write recorded after the given mark, newest
// first. A backend write failure during rollback would leave the store half
// reverted with no way to reconcile it, so it panics instead of returning.
func (m *Manager) RevertToSnapshot(mark int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mark < 0 || mark > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= mark; i-- {
		entry := m.journal[i]
		var err error
		if entry.existed {
			err = m.db.Put([]byte(entry.key), entry.prev)
		} else {
			err = m.db.Delete([]byte(entry.key))
		}
		if err != nil {
			panic(fmt.Sprintf("state: rollback of %s failed: %v", entry.key, err))
		}
	}
	m.journal = m.journal[:mark]
}

func (m *Manager) read(key []byte) ([]byte, bool, error) {
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) write(key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed, err := m.read(key)
	if err != nil {
		return err
	}
	m.journal = append(m.journal, journalEntry{key: string(key), prev: prev, existed: existed})
	return m.db.Put(key, value)
}

// --- accounts ---

type storedBalance struct {
	Symbol string
	Amount *big.Int
}

type storedAccount struct {
	Nonce    uint64
	Balances []storedBalance
}

func accountKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("account/%x", addr))
}

// GetAccount loads the account for the address, defaulting to an empty one.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	data, ok, err := m.read(accountKey(addr))
	if err != nil {
		return nil, err
	}
	account := &types.Account{Balances: make(map[string]*big.Int)}
	if !ok {
		return account, nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	account.Nonce = stored.Nonce
	for _, balance := range stored.Balances {
		account.SetBalance(balance.Symbol, balance.Amount)
	}
	return account, nil
}

// PutAccount persists the account under the address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		account = &types.Account{}
	}
	stored := storedAccount{Nonce: account.Nonce}
	for symbol, amount := range account.Balances {
		if amount == nil {
			amount = big.NewInt(0)
		}
		stored.Balances = append(stored.Balances, storedBalance{Symbol: symbol, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(stored.Balances, func(i, j int) bool {
		return stored.Balances[i].Symbol < stored.Balances[j].Symbol
	})
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	return m.write(accountKey(addr), encoded)
}

// BalanceOf returns the balance held by the address for the asset.
func (m *Manager) BalanceOf(addr [20]byte, asset string) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.BalanceOf(asset), nil
}

// Credit adds to an account balance without changing the token supply.
func (m *Manager) Credit(addr [20]byte, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	balance := account.BalanceOf(asset)
	account.SetBalance(asset, balance.Add(balance, amount))
	return m.PutAccount(addr, account)
}

// Debit removes from an account balance without changing the token supply.
func (m *Manager) Debit(addr [20]byte, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	balance := account.BalanceOf(asset)
	if balance.Cmp(amount) < 0 {
		return migration.ErrInsufficientBalance
	}
	account.SetBalance(asset, balance.Sub(balance, amount))
	return m.PutAccount(addr, account)
}

// Mint credits the address and grows the asset's total supply.
func (m *Manager) Mint(addr [20]byte, asset string, amount *big.Int) error {
	if err := m.Credit(addr, asset, amount); err != nil {
		return err
	}
	return m.adjustSupply(asset, amount)
}

// Burn debits the address and shrinks the asset's total supply.
func (m *Manager) Burn(addr [20]byte, asset string, amount *big.Int) error {
	if err := m.Debit(addr, asset, amount); err != nil {
		return err
	}
	return m.adjustSupply(asset, new(big.Int).Neg(amount))
}

// --- token supply ---

func supplyKey(asset string) []byte {
	return []byte("token/supply/" + types.NormalizeAsset(asset))
}

// TokenSupply returns the tracked total supply for the asset, zero when the
// asset has never been minted.
func (m *Manager) TokenSupply(asset string) (*big.Int, error) {
	data, ok, err := m.read(supplyKey(asset))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	total := new(big.Int)
	if err := rlp.DecodeBytes(data, total); err != nil {
		return nil, fmt.Errorf("state: decode supply: %w", err)
	}
	return total, nil
}

func (m *Manager) adjustSupply(asset string, delta *big.Int) error {
	current, err := m.TokenSupply(asset)
	if err != nil {
		return err
	}
	updated := current.Add(current, delta)
	if updated.Sign() < 0 {
		return fmt.Errorf("state: token %s supply underflow", types.NormalizeAsset(asset))
	}
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return err
	}
	return m.write(supplyKey(asset), encoded)
}
