package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/idgen"
	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/payment"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/store"
	"github.com/petnest/paycore/internal/traces"
)

var (
	ErrInvalidRequest = errors.New("invalid payment request")
	ErrPriceMismatch  = errors.New("amount does not match plan price")
	ErrNotCapturable  = errors.New("payment intent has no provider payment to capture")
)

// CreateRequest starts a checkout.
type CreateRequest struct {
	Provider      provider.Name
	Amount        decimal.Decimal
	Currency      string
	Payer         string
	Purpose       payment.Purpose
	PlanID        string
	AffiliateCode string
	Description   string
	ReturnURL     string
	CancelURL     string
}

// Checkout is what the payer's client needs to continue the payment.
type Checkout struct {
	Intent                *payment.Intent `json:"intent"`
	RedirectTarget        string          `json:"redirectTarget"`
	AffiliateCodeAccepted bool            `json:"affiliateCodeAccepted"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// CreateIntent records a new intent, opens the pending subscription for
// subscription payments and asks the provider to start the payment.
//
// An affiliate code that is unknown, or that belongs to the payer, is
// dropped; the checkout still goes ahead. If the provider call fails the
// intent stays created and expires in the sweep.
func (e *Engine) CreateIntent(ctx context.Context, req CreateRequest) (*Checkout, error) {
	client, err := e.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	currency := money.NormalizeCurrency(req.Currency)
	if err := money.Validate(req.Amount, currency); err != nil {
		return nil, invalid("%v", err)
	}
	if req.Payer == "" {
		return nil, invalid("payer identity is required")
	}
	if !req.Purpose.Valid() {
		return nil, invalid("unknown purpose %q", req.Purpose)
	}
	if req.Purpose == payment.PurposeSubscription {
		if req.PlanID == "" {
			return nil, invalid("subscription payment needs a plan")
		}
		price, err := e.subs.Catalog().Price(req.PlanID, currency)
		if err != nil {
			return nil, err
		}
		if !money.Equal(price, req.Amount) {
			return nil, fmt.Errorf("%w: %s costs %s", ErrPriceMismatch, req.PlanID, money.Format(price, currency))
		}
	} else {
		req.PlanID = ""
	}

	now := e.now()
	intent := &payment.Intent{
		Reference:        idgen.Reference(),
		Provider:         string(req.Provider),
		Amount:           req.Amount,
		Currency:         currency,
		Payer:            req.Payer,
		Purpose:          req.Purpose,
		PlanID:           req.PlanID,
		Description:      req.Description,
		Status:           payment.StatusCreated,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	accepted, err := e.acceptCode(ctx, intent, req.AffiliateCode)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "checkout",
		traces.Provider(intent.Provider), traces.Reference(intent.Reference),
		traces.Amount(intent.Amount.String(), intent.Currency))
	defer span.End()

	err = e.tx.Do(ctx, func(ctx context.Context, s store.Stores) error {
		if err := s.Intents.Create(ctx, intent); err != nil {
			return err
		}
		if intent.Purpose == payment.PurposeSubscription {
			if _, err := e.subs.OpenPending(ctx, s.Subscriptions, intent.Payer, intent.PlanID, intent.Reference, now); err != nil {
				return fmt.Errorf("open pending subscription: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	created, err := client.CreateIntent(ctx, provider.CreateRequest{
		Reference:   intent.Reference,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Description: intent.Description,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		logging.L(ctx).Warn("provider did not create payment",
			"reference", intent.Reference, "provider", intent.Provider, "error", err)
		return nil, err
	}

	err = e.tx.Do(ctx, func(ctx context.Context, s store.Stores) error {
		return s.Intents.SetExternalID(ctx, intent.Reference, created.ExternalID, e.now())
	})
	switch {
	case errors.Is(err, payment.ErrExternalIDSet), errors.Is(err, payment.ErrStaleTransition):
		// A push carrying the echoed reference, or the sweep, got there first.
	case err != nil:
		return nil, fmt.Errorf("bind external id: %w", err)
	}

	stored, err := e.tx.Stores().Intents.Get(ctx, intent.Reference)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("checkout started",
		"reference", stored.Reference, "provider", stored.Provider, "externalId", stored.ExternalID,
		"purpose", stored.Purpose, "affiliate", accepted)

	return &Checkout{Intent: stored, RedirectTarget: created.RedirectTarget, AffiliateCodeAccepted: accepted}, nil
}

// acceptCode attaches code to intent when it names another user's
// affiliate account, and snapshots the rate into the commission currency.
func (e *Engine) acceptCode(ctx context.Context, intent *payment.Intent, code string) (bool, error) {
	code = commission.NormalizeCode(code)
	if code == "" || e.comms == nil {
		return false, nil
	}
	s := e.tx.Stores().Commissions
	affiliateID, err := s.ResolveCode(ctx, code)
	if errors.Is(err, commission.ErrUnknownCode) {
		logging.L(ctx).Info("unknown affiliate code dropped", "code", code)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	acct, err := s.GetAccount(ctx, affiliateID)
	if err != nil {
		return false, err
	}
	if acct.UserID != "" && acct.UserID == intent.Payer {
		logging.L(ctx).Info("self-referral code dropped", "code", code, "payer", intent.Payer)
		return false, nil
	}

	rate := decimal.NewFromInt(1)
	if intent.Currency != e.comms.Currency() {
		if e.rates == nil {
			return false, fmt.Errorf("%w: no rate table configured", money.ErrNoRate)
		}
		rate, err = e.rates.Rate(intent.Currency)
		if err != nil {
			return false, err
		}
	}
	intent.AffiliateCode = code
	intent.BaseRate = rate
	return true, nil
}

// Capture asks the provider to complete an awaiting_capture intent and
// reconciles the answer. ErrUnavailable is retried with backoff; when the
// attempts run out the intent is left awaiting_capture for the sweep and the
// outcome reports ResultUnavailable with no error.
func (e *Engine) Capture(ctx context.Context, reference string) (*Outcome, error) {
	intent, err := e.tx.Stores().Intents.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	name := provider.Name(intent.Provider)
	if intent.Status.IsTerminal() {
		out := &Outcome{
			Reference: intent.Reference, Provider: name, ExternalID: intent.ExternalID,
			Source: SourceCapture, Result: ResultDuplicate, Status: intent.Status,
			PreviousStatus: intent.Status, Reason: intent.FailureReason,
			PayerIdentity: intent.Payer, Amount: intent.Amount, Currency: intent.Currency, At: e.now(),
		}
		return out, nil
	}
	if intent.ExternalID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotCapturable, reference)
	}
	client, err := e.providers.Get(name)
	if err != nil {
		return nil, err
	}

	var captured *provider.Capture
	policy := e.capture
	policy.OnRetry = func(attempt int, err error) {
		metrics.CaptureAttempts.WithLabelValues(intent.Provider, "retry").Inc()
		logging.L(ctx).Warn("capture attempt failed, retrying",
			"reference", reference, "provider", intent.Provider, "attempt", attempt, "error", err)
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		c, err := client.CaptureIntent(ctx, intent.ExternalID)
		if err != nil {
			return err
		}
		captured = c
		return nil
	})
	if err != nil {
		if !provider.IsRetryable(err) {
			metrics.CaptureAttempts.WithLabelValues(intent.Provider, "rejected").Inc()
			return nil, err
		}
		metrics.CaptureAttempts.WithLabelValues(intent.Provider, "unavailable").Inc()
		logging.L(ctx).Warn("provider unavailable, capture left for sweep",
			"reference", reference, "provider", intent.Provider, "error", err)
		out := &Outcome{
			Reference: intent.Reference, Provider: name, ExternalID: intent.ExternalID,
			Source: SourceCapture, Result: ResultUnavailable, Status: intent.Status,
			PreviousStatus: intent.Status, PayerIdentity: intent.Payer,
			Amount: intent.Amount, Currency: intent.Currency, At: e.now(),
		}
		return out, nil
	}
	metrics.CaptureAttempts.WithLabelValues(intent.Provider, "ok").Inc()

	return e.Reconcile(ctx, Event{
		Reference:  intent.Reference,
		Provider:   name,
		ExternalID: captured.ExternalID,
		Status:     captured.Status,
		Amount:     captured.Amount,
		Currency:   captured.Currency,
		ReceivedAt: e.now(),
		Source:     SourceCapture,
	})
}
