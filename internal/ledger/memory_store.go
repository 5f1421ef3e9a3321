package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/baggo/baggo/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	entries    map[string][]*Entry // userID -> entries in insertion order
	references map[string]bool     // "user|type|reference"
	locks      *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		entries:    make(map[string][]*Entry),
		references: make(map[string]bool),
		locks:      syncutil.NewKeyedMutex(0),
	}
}

func (m *MemoryStore) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		acct = &Account{UserID: userID, UpdatedAt: time.Now()}
		m.accounts[userID] = acct
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, userID string, mut Mutation) (*Account, error) {
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	working, err := m.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := mut(working)
	if err != nil {
		return nil, err
	}
	if working.Balance.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	if working.EscrowBalance.IsNegative() {
		return nil, ErrInsufficientEscrow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Reference == "" {
			continue
		}
		key := refKey(userID, e.Type, e.Reference)
		if m.references[key] {
			return nil, ErrDuplicateReference
		}
		keys = append(keys, key)
	}
	for _, k := range keys {
		m.references[k] = true
	}

	stored := *working
	m.accounts[userID] = &stored
	for _, e := range entries {
		cp := *e
		m.entries[userID] = append(m.entries[userID], &cp)
	}

	out := stored
	return &out, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, book Book, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[userID]; !ok {
		return nil, ErrAccountNotFound
	}

	all := m.entries[userID]
	result := make([]*Entry, 0)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if all[i].Book == book {
			cp := *all[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func refKey(userID string, typ EntryType, reference string) string {
	return userID + "|" + string(typ) + "|" + reference
}
