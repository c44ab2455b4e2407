// Package commission keeps the affiliate commission ledger.
//
// Each confirmed payment carrying an affiliate code credits one Entry,
// unique per payment reference. Account totals are running sums of entries:
// lifetime earnings equals the sum of entry amounts and the available
// balance is lifetime earnings minus payouts.
package commission

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/idgen"
	"github.com/petnest/paycore/internal/money"
)

var (
	ErrAccountNotFound     = errors.New("affiliate account not found")
	ErrAccountExists       = errors.New("affiliate account already exists")
	ErrUnknownCode         = errors.New("unknown affiliate code")
	ErrCodeTaken           = errors.New("affiliate code already registered")
	ErrInvalidCode         = errors.New("invalid affiliate code")
	ErrDuplicateEntry      = errors.New("payment already credited")
	ErrEntryNotFound       = errors.New("commission entry not found")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

var codePattern = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)

// NormalizeCode upper-cases and trims a promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code has an acceptable shape after normalization.
func ValidCode(code string) bool {
	return codePattern.MatchString(NormalizeCode(code))
}

// Account is an affiliate's running totals.
type Account struct {
	AffiliateID      string          `json:"affiliateId"`
	UserID           string          `json:"userId,omitempty"`
	LifetimeEarnings decimal.Decimal `json:"lifetimeEarnings"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	PaidOut          decimal.Decimal `json:"paidOut"`
	Tier             Tier            `json:"tier"`
	Codes            []string        `json:"codes"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Entry is one credited commission. Entries are never changed or deleted.
type Entry struct {
	ID               string          `json:"id"`
	AffiliateID      string          `json:"affiliateId"`
	PaymentReference string          `json:"paymentReference"`
	Amount           decimal.Decimal `json:"amount"`
	Rate             decimal.Decimal `json:"rate"`
	Tier             Tier            `json:"tierAtTimeOfCredit"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// PayoutStatus tracks the external transfer of a payout.
type PayoutStatus string

const PayoutRequested PayoutStatus = "requested"

// Payout records a request to transfer part of the available balance.
type Payout struct {
	ID          string          `json:"id"`
	AffiliateID string          `json:"affiliateId"`
	Amount      decimal.Decimal `json:"amount"`
	Status      PayoutStatus    `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists affiliate accounts, codes, entries and payouts.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	AddCode(ctx context.Context, affiliateID, code string, at time.Time) error
	ResolveCode(ctx context.Context, code string) (string, error)
	GetAccount(ctx context.Context, affiliateID string) (*Account, error)
	// GetAccountForUpdate holds the account row lock until commit.
	GetAccountForUpdate(ctx context.Context, affiliateID string) (*Account, error)
	// InsertEntry returns ErrDuplicateEntry when the payment reference was
	// already credited. It must not abort the surrounding transaction.
	InsertEntry(ctx context.Context, e *Entry) error
	GetEntryByReference(ctx context.Context, paymentReference string) (*Entry, error)
	// ApplyCredit atomically adds amount to lifetime and available balance
	// and stores tier.
	ApplyCredit(ctx context.Context, affiliateID string, amount decimal.Decimal, tier Tier, at time.Time) error
	// DebitPayout atomically moves amount from available balance to paid out,
	// failing with ErrInsufficientBalance rather than going negative.
	DebitPayout(ctx context.Context, affiliateID string, amount decimal.Decimal, at time.Time) error
	InsertPayout(ctx context.Context, p *Payout) error
	ListEntries(ctx context.Context, affiliateID string, limit int) ([]*Entry, error)
	SumEntries(ctx context.Context, affiliateID string) (decimal.Decimal, error)
	ListPayouts(ctx context.Context, affiliateID string, limit int) ([]*Payout, error)
}

// Ledger applies commission mutations against a Store. Callers pass the
// store bound to their transaction.
type Ledger struct {
	tiers    TierTable
	currency string
}

// NewLedger creates a ledger crediting in the base currency.
func NewLedger(tiers TierTable, baseCurrency string) *Ledger {
	return &Ledger{tiers: tiers, currency: money.NormalizeCurrency(baseCurrency)}
}

// Tiers returns the tier table.
func (l *Ledger) Tiers() TierTable { return l.tiers }

// Currency returns the base currency commissions are kept in.
func (l *Ledger) Currency() string { return l.currency }

// Credit records the commission for a confirmed payment. amount is the
// payment amount converted to the base currency. The rate is the tier for
// the lifetime earnings before this credit, evaluated against the current
// table, never below the stored tier. A payment that was already credited
// returns the existing entry and credited=false.
func (l *Ledger) Credit(ctx context.Context, s Store, paymentReference, code string, amount decimal.Decimal, at time.Time) (entry *Entry, credited bool, err error) {
	affiliateID, err := s.ResolveCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, false, err
	}

	acct, err := s.GetAccountForUpdate(ctx, affiliateID)
	if err != nil {
		return nil, false, err
	}

	rule := l.tiers.Rule(l.tiers.Promote(acct.Tier, acct.LifetimeEarnings))
	entry = &Entry{
		ID:               idgen.WithPrefix("cme_"),
		AffiliateID:      affiliateID,
		PaymentReference: paymentReference,
		Amount:           money.Round(amount.Mul(rule.Rate), l.currency),
		Rate:             rule.Rate,
		Tier:             rule.Tier,
		CreatedAt:        at,
	}

	if err := s.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			existing, getErr := s.GetEntryByReference(ctx, paymentReference)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert commission entry: %w", err)
	}

	lifetime := acct.LifetimeEarnings.Add(entry.Amount)
	tier := l.tiers.Promote(acct.Tier, lifetime)
	if err := s.ApplyCredit(ctx, affiliateID, entry.Amount, tier, at); err != nil {
		return nil, false, fmt.Errorf("apply commission credit: %w", err)
	}
	return entry, true, nil
}

// RequestPayout reserves amount from the available balance and records a
// payout request for the external transfer process.
func (l *Ledger) RequestPayout(ctx context.Context, s Store, affiliateID string, amount decimal.Decimal, at time.Time) (*Payout, error) {
	if err := money.Validate(amount, l.currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	acct, err := s.GetAccountForUpdate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(acct.AvailableBalance) {
		return nil, ErrInsufficientBalance
	}

	if err := s.DebitPayout(ctx, affiliateID, amount, at); err != nil {
		return nil, err
	}
	payout := &Payout{
		ID:          idgen.WithPrefix("po_"),
		AffiliateID: affiliateID,
		Amount:      amount,
		Status:      PayoutRequested,
		CreatedAt:   at,
	}
	if err := s.InsertPayout(ctx, payout); err != nil {
		return nil, fmt.Errorf("insert payout: %w", err)
	}
	return payout, nil
}

// RegisterAffiliate creates an account owning codes.
func (l *Ledger) RegisterAffiliate(ctx context.Context, s Store, affiliateID, userID string, codes []string, at time.Time) (*Account, error) {
	if strings.TrimSpace(affiliateID) == "" {
		return nil, fmt.Errorf("affiliate id is required")
	}
	acct := &Account{
		AffiliateID:      affiliateID,
		UserID:           userID,
		LifetimeEarnings: decimal.Zero,
		AvailableBalance: decimal.Zero,
		PaidOut:          decimal.Zero,
		Tier:             l.tiers[0].Tier,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	if err := s.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	for _, code := range codes {
		if err := l.AddCode(ctx, s, affiliateID, code, at); err != nil {
			return nil, err
		}
		acct.Codes = append(acct.Codes, NormalizeCode(code))
	}
	return acct, nil
}

// AddCode assigns a new promo code to an affiliate.
func (l *Ledger) AddCode(ctx context.Context, s Store, affiliateID, code string, at time.Time) error {
	if !ValidCode(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return s.AddCode(ctx, affiliateID, NormalizeCode(code), at)
}
