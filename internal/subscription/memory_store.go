package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription // keyed by activating reference
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	if s.StartDate != nil {
		t := *s.StartDate
		cp.StartDate = &t
	}
	if s.EndDate != nil {
		t := *s.EndDate
		cp.EndDate = &t
	}
	return &cp
}

func (m *MemoryStore) CreatePending(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.ActivatingReference]; ok {
		return ErrDuplicate
	}
	m.subs[sub.ActivatingReference] = copySub(sub)
	return nil
}

func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return copySub(sub), nil
}

func (m *MemoryStore) activeLocked(userID string) *Subscription {
	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Status == StatusActive {
			return sub
		}
	}
	return nil
}

func (m *MemoryStore) GetActive(_ context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sub := m.activeLocked(userID); sub != nil {
		return copySub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CloseActive(_ context.Context, userID string, at time.Time) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.activeLocked(userID)
	if sub == nil {
		return nil, nil
	}
	end := at
	sub.Status = StatusExpired
	sub.EndDate = &end
	sub.UpdatedAt = at
	return copySub(sub), nil
}

func (m *MemoryStore) Activate(_ context.Context, reference string, start, end, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[reference]
	if !ok {
		return ErrNotFound
	}
	if sub.Status != StatusPending {
		return ErrInvalidStatus
	}
	if other := m.activeLocked(sub.UserID); other != nil {
		return ErrInvalidStatus
	}
	sub.Status = StatusActive
	sub.StartDate = &start
	sub.EndDate = &end
	sub.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CancelPending(_ context.Context, reference string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[reference]
	if !ok || sub.Status != StatusPending {
		return false, nil
	}
	sub.Status = StatusCancelled
	sub.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) Deactivate(_ context.Context, reference string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[reference]
	if !ok || sub.Status != StatusActive {
		return false, nil
	}
	end := at
	sub.Status = StatusCancelled
	sub.EndDate = &end
	sub.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ExpireEnded(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, sub := range m.subs {
		if sub.Status == StatusActive && sub.EndDate != nil && !now.Before(*sub.EndDate) {
			sub.Status = StatusExpired
			sub.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, copySub(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Snapshot copies the store state and returns a function restoring it.
func (m *MemoryStore) Snapshot() (restore func()) {
	m.mu.RLock()
	subs := make(map[string]*Subscription, len(m.subs))
	for k, v := range m.subs {
		subs[k] = copySub(v)
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.subs = subs
		m.mu.Unlock()
	}
}
