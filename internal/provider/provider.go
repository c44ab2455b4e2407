// Package provider defines the contract every payment provider adapter
// implements and the registry that selects one by name.
//
// Adapters translate between the provider's wire format and the normalized
// types here. They hold no package-level state: credentials, base URLs and
// timeouts come in through their constructors.
package provider

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

// Name tags a provider implementation.
type Name string

const (
	CardCheckout   Name = "card-checkout"
	RegionalWallet Name = "regional-wallet"
	CryptoInvoice  Name = "crypto-invoice"
)

// ReportedStatus is a provider-reported payment state, normalized.
type ReportedStatus string

const (
	StatusApproved  ReportedStatus = "approved"
	StatusPending   ReportedStatus = "pending"
	StatusRejected  ReportedStatus = "rejected"
	StatusCancelled ReportedStatus = "cancelled"
)

// Valid reports whether s is one of the four normalized statuses.
func (s ReportedStatus) Valid() bool {
	switch s {
	case StatusApproved, StatusPending, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// CreateRequest asks a provider to open a payment.
type CreateRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// Created is the provider's answer to CreateIntent.
type Created struct {
	ExternalID string
	// RedirectTarget is where the payer completes payment: a hosted page
	// URL or, for card checkout, the client secret for the embedded form.
	RedirectTarget string
}

// Capture is the provider's view of a payment after a capture attempt.
type Capture struct {
	ExternalID string
	Status     ReportedStatus
	Amount     decimal.Decimal
	Currency   string
}

// Notification is a verified webhook push, normalized.
type Notification struct {
	ExternalID string
	// Reference is set when the provider echoes our reference back.
	Reference string
	Status    ReportedStatus
	Amount    decimal.Decimal
	Currency  string
	EventType string
	// Reversal marks chargebacks and refunds of a settled payment.
	Reversal bool
}

// Client is a payment provider adapter.
type Client interface {
	Name() Name
	// CreateIntent opens a payment. The reference is passed as the
	// provider's idempotency key where the API supports one.
	CreateIntent(ctx context.Context, req CreateRequest) (*Created, error)
	// CaptureIntent settles an authorized payment. Capturing an already
	// captured payment returns its captured state without error.
	CaptureIntent(ctx context.Context, externalID string) (*Capture, error)
	// VerifyWebhookSignature authenticates a push before anything else
	// reads it.
	VerifyWebhookSignature(ctx context.Context, rawBody []byte, headers http.Header) bool
	// ParseWebhook normalizes a verified push. Event types with no payment
	// meaning return ErrIgnoredEvent.
	ParseWebhook(rawBody []byte) (*Notification, error)
}
