// Package subscription keeps the per-user subscription ledger.
//
// Rows are created pending when a subscription payment starts and are moved
// only by reconciliation:
//
//	pending → active → expired | cancelled
//	pending → cancelled
//
// At most one row per user is active. Closed rows are kept as history.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petnest/paycore/internal/idgen"
)

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrDuplicate     = errors.New("subscription already exists for this payment")
	ErrInvalidStatus = errors.New("invalid subscription status for this operation")
)

// Status is the lifecycle state of a subscription row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Subscription is one row of a user's subscription history.
type Subscription struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	PlanID              string     `json:"planId"`
	Status              Status     `json:"status"`
	ActivatingReference string     `json:"activatingPaymentReference"`
	StartDate           *time.Time `json:"startDate,omitempty"`
	EndDate             *time.Time `json:"endDate,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether the row grants access at t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	return s.Status == StatusActive && s.EndDate != nil && t.Before(*s.EndDate)
}

// Store persists subscriptions.
type Store interface {
	CreatePending(ctx context.Context, sub *Subscription) error
	GetByReference(ctx context.Context, reference string) (*Subscription, error)
	// GetActive returns the user's active row, or ErrNotFound.
	GetActive(ctx context.Context, userID string) (*Subscription, error)
	// CloseActive expires the user's active row with end date at. It returns
	// the closed row, or nil when the user had none.
	CloseActive(ctx context.Context, userID string, at time.Time) (*Subscription, error)
	// Activate moves the pending row for reference to active.
	Activate(ctx context.Context, reference string, start, end, at time.Time) error
	// CancelPending cancels the row for reference if it is still pending.
	CancelPending(ctx context.Context, reference string, at time.Time) (bool, error)
	// Deactivate cancels the row for reference if it is active, ending it at at.
	Deactivate(ctx context.Context, reference string, at time.Time) (bool, error)
	// ExpireEnded marks active rows whose end date passed as expired.
	ExpireEnded(ctx context.Context, now time.Time) (int, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Subscription, error)
}

// Ledger applies subscription state changes against a Store. Callers pass
// the store bound to their transaction.
type Ledger struct {
	catalog *Catalog
}

// NewLedger creates a ledger over the plan catalog.
func NewLedger(catalog *Catalog) *Ledger {
	return &Ledger{catalog: catalog}
}

// Catalog returns the plan catalog.
func (l *Ledger) Catalog() *Catalog { return l.catalog }

// OpenPending records the pending row created alongside a subscription payment.
func (l *Ledger) OpenPending(ctx context.Context, s Store, userID, planID, reference string, at time.Time) (*Subscription, error) {
	if _, err := l.catalog.Plan(planID); err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:                  idgen.WithPrefix("sub_"),
		UserID:              userID,
		PlanID:              planID,
		Status:              StatusPending,
		ActivatingReference: reference,
		CreatedAt:           at,
		UpdatedAt:           at,
	}
	if err := s.CreatePending(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Activation describes the outcome of Activate.
type Activation struct {
	Activated *Subscription `json:"activated"`
	Closed    *Subscription `json:"closed,omitempty"`
}

// Activate closes the user's current active row, if any, and activates the
// pending row for reference starting at at. There is no proration: the old
// row ends at the moment the new one starts.
func (l *Ledger) Activate(ctx context.Context, s Store, reference string, at time.Time) (*Activation, error) {
	sub, err := s.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, sub.ID, sub.Status)
	}
	plan, err := l.catalog.Plan(sub.PlanID)
	if err != nil {
		return nil, err
	}

	closed, err := s.CloseActive(ctx, sub.UserID, at)
	if err != nil {
		return nil, fmt.Errorf("close active subscription: %w", err)
	}

	end := plan.EndDate(at)
	if err := s.Activate(ctx, reference, at, end, at); err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}

	start := at
	sub.Status = StatusActive
	sub.StartDate = &start
	sub.EndDate = &end
	sub.UpdatedAt = at
	return &Activation{Activated: sub, Closed: closed}, nil
}

// Service answers subscription queries.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a subscription query service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// GetActiveSubscription returns the user's active subscription, or nil.
func (s *Service) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.store.GetActive(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sub.ActiveAt(s.now()) {
		return nil, nil
	}
	return sub, nil
}

// History lists the user's subscription rows, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Subscription, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
