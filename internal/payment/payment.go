// Package payment holds the payment intent record and its stores.
//
// An Intent is created when checkout starts and is keyed by an internally
// generated reference that never changes provider, amount or currency.
// Status only moves forward:
//
//	created → awaiting_capture → captured | failed | expired
//	created → expired
//
// Intents are never deleted.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/pagination"
)

var (
	ErrNotFound          = errors.New("payment intent not found")
	ErrDuplicate         = errors.New("payment intent already exists")
	ErrDuplicateExternal = errors.New("provider external id already bound to another intent")
	ErrExternalIDSet     = errors.New("provider external id already set")
	ErrStaleTransition   = errors.New("payment intent status changed concurrently")
	ErrInvalidTransition = errors.New("invalid payment intent transition")
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingCapture Status = "awaiting_capture"
	StatusCaptured        Status = "captured"
	StatusFailed          Status = "failed"
	StatusExpired         Status = "expired"
)

// IsTerminal returns true for captured, failed and expired.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCaptured, StatusFailed, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:         {StatusAwaitingCapture, StatusExpired},
	StatusAwaitingCapture: {StatusCaptured, StatusFailed, StatusExpired},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Purpose says what a successful payment unlocks.
type Purpose string

const (
	PurposeSubscription Purpose = "subscription-activation"
	PurposeOneTime      Purpose = "one-time-purchase"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeSubscription || p == PurposeOneTime
}

// Failure reasons recorded on terminal transitions.
const (
	ReasonAmountMismatch = "amount-mismatch"
	ReasonRejected       = "provider-rejected"
	ReasonCancelled      = "provider-cancelled"
	ReasonNoResponse     = "no-provider-response"
)

// Intent is one attempted payment.
type Intent struct {
	Reference        string          `json:"reference"`
	Provider         string          `json:"provider"`
	ExternalID       string          `json:"providerExternalId,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Payer            string          `json:"payerIdentity"`
	Purpose          Purpose         `json:"purpose"`
	PlanID           string          `json:"planId,omitempty"`
	AffiliateCode    string          `json:"affiliateCode,omitempty"`
	Description      string          `json:"description,omitempty"`
	Status           Status          `json:"status"`
	FailureReason    string          `json:"failureReason,omitempty"`
	BaseRate         decimal.Decimal `json:"baseRate"` // FX snapshot into the base currency at creation
	CreatedAt        time.Time       `json:"createdAt"`
	LastTransitionAt time.Time       `json:"lastTransitionAt"`
}

// BaseAmount converts the intent amount with the rate captured at creation.
func (i *Intent) BaseAmount() decimal.Decimal {
	if i.BaseRate.IsZero() {
		return i.Amount
	}
	return i.Amount.Mul(i.BaseRate)
}

// Store persists intents.
type Store interface {
	Create(ctx context.Context, intent *Intent) error
	Get(ctx context.Context, reference string) (*Intent, error)
	// GetForUpdate reads an intent and, inside a database transaction,
	// holds its row lock until commit.
	GetForUpdate(ctx context.Context, reference string) (*Intent, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (*Intent, error)
	// SetExternalID binds the provider id and moves created → awaiting_capture.
	// Setting the same id again is a no-op.
	SetExternalID(ctx context.Context, reference, externalID string, at time.Time) error
	// Transition is a compare-and-swap on status. It returns
	// ErrStaleTransition when the stored status is not from.
	Transition(ctx context.Context, reference string, from, to Status, reason string, at time.Time) error
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Intent, error)
	ListByPayer(ctx context.Context, payer string, after *pagination.Cursor, limit int) ([]*Intent, error)
}
