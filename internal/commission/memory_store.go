package commission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory commission store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	codes    map[string]string // code → affiliate id
	entries  map[string]*Entry // payment reference → entry
	payouts  []*Payout
}

// NewMemoryStore creates a new in-memory commission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		codes:    make(map[string]string),
		entries:  make(map[string]*Entry),
	}
}

func copyAccount(a *Account) *Account {
	cp := *a
	cp.Codes = append([]string(nil), a.Codes...)
	return &cp
}

func (m *MemoryStore) CreateAccount(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.AffiliateID]; ok {
		return ErrAccountExists
	}
	cp := copyAccount(acct)
	cp.Codes = nil
	m.accounts[acct.AffiliateID] = cp
	return nil
}

func (m *MemoryStore) AddCode(_ context.Context, affiliateID, code string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[affiliateID]
	if !ok {
		return ErrAccountNotFound
	}
	if _, taken := m.codes[code]; taken {
		return ErrCodeTaken
	}
	m.codes[code] = affiliateID
	acct.Codes = append(acct.Codes, code)
	sort.Strings(acct.Codes)
	return nil
}

func (m *MemoryStore) ResolveCode(_ context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.codes[code]
	if !ok {
		return "", ErrUnknownCode
	}
	return id, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, affiliateID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[affiliateID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// GetAccountForUpdate is GetAccount: memory units of work are already serialized.
func (m *MemoryStore) GetAccountForUpdate(ctx context.Context, affiliateID string) (*Account, error) {
	return m.GetAccount(ctx, affiliateID)
}

func (m *MemoryStore) InsertEntry(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.PaymentReference]; ok {
		return ErrDuplicateEntry
	}
	cp := *e
	m.entries[e.PaymentReference] = &cp
	return nil
}

func (m *MemoryStore) GetEntryByReference(_ context.Context, paymentReference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[paymentReference]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ApplyCredit(_ context.Context, affiliateID string, amount decimal.Decimal, tier Tier, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[affiliateID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.LifetimeEarnings = acct.LifetimeEarnings.Add(amount)
	acct.AvailableBalance = acct.AvailableBalance.Add(amount)
	acct.Tier = tier
	acct.UpdatedAt = at
	return nil
}

func (m *MemoryStore) DebitPayout(_ context.Context, affiliateID string, amount decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[affiliateID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.AvailableBalance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	acct.AvailableBalance = acct.AvailableBalance.Sub(amount)
	acct.PaidOut = acct.PaidOut.Add(amount)
	acct.UpdatedAt = at
	return nil
}

func (m *MemoryStore) InsertPayout(_ context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payouts = append(m.payouts, &cp)
	return nil
}

func (m *MemoryStore) ListEntries(_ context.Context, affiliateID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.AffiliateID == affiliateID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SumEntries(_ context.Context, affiliateID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range m.entries {
		if e.AffiliateID == affiliateID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListPayouts(_ context.Context, affiliateID string, limit int) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for i := len(m.payouts) - 1; i >= 0; i-- {
		if m.payouts[i].AffiliateID == affiliateID {
			cp := *m.payouts[i]
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Snapshot copies the store state and returns a function restoring it.
func (m *MemoryStore) Snapshot() (restore func()) {
	m.mu.RLock()
	accounts := make(map[string]*Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = copyAccount(v)
	}
	codes := make(map[string]string, len(m.codes))
	for k, v := range m.codes {
		codes[k] = v
	}
	entries := make(map[string]*Entry, len(m.entries))
	for k, v := range m.entries {
		cp := *v
		entries[k] = &cp
	}
	payouts := make([]*Payout, len(m.payouts))
	for i, p := range m.payouts {
		cp := *p
		payouts[i] = &cp
	}
	m.mu.RUnlock()

	return func() {
		m.mu.Lock()
		m.accounts = accounts
		m.codes = codes
		m.entries = entries
		m.payouts = payouts
		m.mu.Unlock()
	}
}
