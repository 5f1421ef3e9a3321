package users

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[u.Email]; ok {
		return ErrEmailTaken
	}
	cp := *u
	m.users[u.ID] = &cp
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetKYCStatus(ctx context.Context, id string, status KYCStatus, at time.Time) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.KYCStatus = status
	u.UpdatedAt = at
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) ClaimReferralDiscount(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.ReferredBy == "" || u.HasUsedReferralDiscount {
		return false, nil
	}
	u.HasUsedReferralDiscount = true
	u.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ReturnReferralDiscount(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.HasUsedReferralDiscount = false
	u.UpdatedAt = at
	return nil
}
