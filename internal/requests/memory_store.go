package requests

import (
	"context"
	"sort"
	"sync"

	"github.com/baggo/baggo/internal/dispute"
)

// MemoryStore is an in-memory request store.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*Request
	byReference map[string]string
}

// NewMemoryStore creates a new in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*Request),
		byReference: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.claimReference(r); err != nil {
		return err
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetByPaymentReference(ctx context.Context, reference string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReference[reference]
	if !ok || reference == "" {
		return nil, ErrNotFound
	}
	return m.requests[id].Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != r.Version {
		return ErrConflict
	}
	if err := m.claimReference(r); err != nil {
		return err
	}
	if old := stored.Payment.Reference; old != "" && old != r.Payment.Reference {
		delete(m.byReference, old)
	}
	r.Version++
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) claimReference(r *Request) error {
	ref := r.Payment.Reference
	if ref == "" {
		return nil
	}
	if owner, ok := m.byReference[ref]; ok && owner != r.ID {
		return ErrDuplicateReference
	}
	m.byReference[ref] = r.ID
	return nil
}

func (m *MemoryStore) ListBySender(ctx context.Context, senderID string, limit int) ([]*Request, error) {
	return m.list(limit, func(r *Request) bool { return r.SenderID == senderID }), nil
}

func (m *MemoryStore) ListByTraveler(ctx context.Context, travelerID string, limit int) ([]*Request, error) {
	return m.list(limit, func(r *Request) bool { return r.TravelerID == travelerID }), nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status dispute.Status, limit int) ([]*Request, error) {
	return m.list(limit, func(r *Request) bool {
		return r.Dispute != nil && (status == "" || r.Dispute.Status == status)
	}), nil
}

func (m *MemoryStore) list(limit int, match func(r *Request) bool) []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if match(r) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
