package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxFunc runs fn with a Store bound to one transaction.
type TxFunc func(ctx context.Context, fn func(ctx context.Context, s Store) error) error

// Stats is the affiliate dashboard summary.
type Stats struct {
	AffiliateID      string          `json:"affiliateId"`
	LifetimeEarnings decimal.Decimal `json:"lifetimeEarnings"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Tier             Tier            `json:"tier"`
	Rate             decimal.Decimal `json:"rate"`
	Codes            []string        `json:"codes"`
	Currency         string          `json:"currency"`
}

// AuditReport compares stored totals with totals recomputed from entries.
type AuditReport struct {
	AffiliateID        string          `json:"affiliateId"`
	StoredLifetime     decimal.Decimal `json:"storedLifetimeEarnings"`
	RecomputedLifetime decimal.Decimal `json:"recomputedLifetimeEarnings"`
	StoredAvailable    decimal.Decimal `json:"storedAvailableBalance"`
	ExpectedAvailable  decimal.Decimal `json:"expectedAvailableBalance"`
	Consistent         bool            `json:"consistent"`
}

// Service exposes commission queries and affiliate-initiated operations.
type Service struct {
	store  Store
	ledger *Ledger
	inTx   TxFunc
	now    func() time.Time
}

// NewService creates a commission service. inTx provides transactional
// stores for mutations; reads go to store directly.
func NewService(store Store, ledger *Ledger, inTx TxFunc) *Service {
	return &Service{store: store, ledger: ledger, inTx: inTx, now: time.Now}
}

// Stats returns lifetime earnings, available balance, tier and codes.
func (s *Service) Stats(ctx context.Context, affiliateID string) (*Stats, error) {
	acct, err := s.store.GetAccount(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	return &Stats{
		AffiliateID:      acct.AffiliateID,
		LifetimeEarnings: acct.LifetimeEarnings,
		AvailableBalance: acct.AvailableBalance,
		Tier:             acct.Tier,
		Rate:             s.ledger.Tiers().Rule(acct.Tier).Rate,
		Codes:            acct.Codes,
		Currency:         s.ledger.Currency(),
	}, nil
}

// ResolveCode maps a promo code to its account.
func (s *Service) ResolveCode(ctx context.Context, code string) (*Account, error) {
	id, err := s.store.ResolveCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, id)
}

// Entries lists credited commissions, newest first.
func (s *Service) Entries(ctx context.Context, affiliateID string, limit int) ([]*Entry, error) {
	return s.store.ListEntries(ctx, affiliateID, clampLimit(limit))
}

// Payouts lists payout requests, newest first.
func (s *Service) Payouts(ctx context.Context, affiliateID string, limit int) ([]*Payout, error) {
	return s.store.ListPayouts(ctx, affiliateID, clampLimit(limit))
}

// RequestPayout reserves amount for payout.
func (s *Service) RequestPayout(ctx context.Context, affiliateID string, amount decimal.Decimal) (*Payout, error) {
	var payout *Payout
	err := s.inTx(ctx, func(ctx context.Context, st Store) error {
		var err error
		payout, err = s.ledger.RequestPayout(ctx, st, affiliateID, amount, s.now())
		return err
	})
	return payout, err
}

// RegisterAffiliate creates an affiliate account with its initial codes.
func (s *Service) RegisterAffiliate(ctx context.Context, affiliateID, userID string, codes []string) (*Account, error) {
	var acct *Account
	err := s.inTx(ctx, func(ctx context.Context, st Store) error {
		var err error
		acct, err = s.ledger.RegisterAffiliate(ctx, st, affiliateID, userID, codes, s.now())
		return err
	})
	return acct, err
}

// AddCode assigns another code to an existing affiliate.
func (s *Service) AddCode(ctx context.Context, affiliateID, code string) error {
	return s.inTx(ctx, func(ctx context.Context, st Store) error {
		return s.ledger.AddCode(ctx, st, affiliateID, code, s.now())
	})
}

// Audit recomputes lifetime earnings from entries and compares them with
// the stored totals.
func (s *Service) Audit(ctx context.Context, affiliateID string) (*AuditReport, error) {
	acct, err := s.store.GetAccount(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumEntries(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	expectedAvailable := sum.Sub(acct.PaidOut)
	return &AuditReport{
		AffiliateID:        affiliateID,
		StoredLifetime:     acct.LifetimeEarnings,
		RecomputedLifetime: sum,
		StoredAvailable:    acct.AvailableBalance,
		ExpectedAvailable:  expectedAvailable,
		Consistent:         sum.Equal(acct.LifetimeEarnings) && expectedAvailable.Equal(acct.AvailableBalance),
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
