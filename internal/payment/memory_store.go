package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petnest/paycore/internal/pagination"
)

// MemoryStore is an in-memory intent store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	intents    map[string]*Intent
	byExternal map[string]string // provider + "\x00" + external id → reference
}

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:    make(map[string]*Intent),
		byExternal: make(map[string]string),
	}
}

func externalKey(provider, externalID string) string {
	return provider + "\x00" + externalID
}

func (m *MemoryStore) Create(_ context.Context, intent *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[intent.Reference]; ok {
		return ErrDuplicate
	}
	if intent.ExternalID != "" {
		key := externalKey(intent.Provider, intent.ExternalID)
		if _, ok := m.byExternal[key]; ok {
			return ErrDuplicateExternal
		}
		m.byExternal[key] = intent.Reference
	}
	cp := *intent
	m.intents[intent.Reference] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reference string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

// GetForUpdate is Get: memory units of work are already serialized.
func (m *MemoryStore) GetForUpdate(ctx context.Context, reference string) (*Intent, error) {
	return m.Get(ctx, reference)
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, provider, externalID string) (*Intent, error) {
	m.mu.RLock()
	ref, ok := m.byExternal[externalKey(provider, externalID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, ref)
}

func (m *MemoryStore) SetExternalID(_ context.Context, reference, externalID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[reference]
	if !ok {
		return ErrNotFound
	}
	if intent.ExternalID != "" {
		if intent.ExternalID == externalID {
			return nil
		}
		return ErrExternalIDSet
	}
	if intent.Status != StatusCreated {
		return ErrStaleTransition
	}
	key := externalKey(intent.Provider, externalID)
	if _, taken := m.byExternal[key]; taken {
		return ErrDuplicateExternal
	}
	m.byExternal[key] = reference
	intent.ExternalID = externalID
	intent.Status = StatusAwaitingCapture
	intent.LastTransitionAt = at
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, reference string, from, to Status, reason string, at time.Time) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[reference]
	if !ok {
		return ErrNotFound
	}
	if intent.Status != from {
		return ErrStaleTransition
	}
	intent.Status = to
	intent.FailureReason = reason
	intent.LastTransitionAt = at
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, statuses []Status, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var result []*Intent
	for _, intent := range m.intents {
		if want[intent.Status] && intent.CreatedAt.Before(before) {
			cp := *intent
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payer string, after *pagination.Cursor, limit int) ([]*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Intent
	for _, intent := range m.intents {
		if intent.Payer != payer || !olderThan(intent, after) {
			continue
		}
		cp := *intent
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Reference > result[j].Reference
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether intent sorts after the cursor in newest-first order.
func olderThan(intent *Intent, c *pagination.Cursor) bool {
	if c == nil {
		return true
	}
	if intent.CreatedAt.Equal(c.CreatedAt) {
		return intent.Reference < c.ID
	}
	return intent.CreatedAt.Before(c.CreatedAt)
}

// Snapshot copies the store state and returns a function restoring it.
func (m *MemoryStore) Snapshot() (restore func()) {
	m.mu.RLock()
	intents := make(map[string]*Intent, len(m.intents))
	for k, v := range m.intents {
		cp := *v
		intents[k] = &cp
	}
	byExternal := make(map[string]string, len(m.byExternal))
	for k, v := range m.byExternal {
		byExternal[k] = v
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.intents = intents
		m.byExternal = byExternal
		m.mu.Unlock()
	}
}
