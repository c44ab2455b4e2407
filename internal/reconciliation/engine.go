// Package reconciliation turns provider payment results into ledger state.
//
// Every result, whether a webhook push, a direct capture response or an
// expiry sweep, funnels through Engine.Reconcile. Side effects of a
// confirmed payment (intent captured, subscription activated, commission
// credited) commit in one unit of work guarded by a compare-and-swap on the
// intent status, so they happen exactly once per intent however many
// results arrive and in whatever order.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/payment"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/retry"
	"github.com/petnest/paycore/internal/store"
	"github.com/petnest/paycore/internal/subscription"
	"github.com/petnest/paycore/internal/traces"
)

// Source says where a result came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceCapture Source = "capture"
	SourceSweep   Source = "sweep"
)

// Result classifies what a reconciliation did.
type Result string

const (
	ResultCaptured         Result = "captured"
	ResultFailed           Result = "failed"
	ResultPending          Result = "pending"
	ResultExpired          Result = "expired"
	ResultReversed         Result = "reversed"
	ResultDuplicate        Result = "duplicate"
	ResultUnknownReference Result = "unknown_reference"
	ResultIgnored          Result = "ignored"
	// ResultUnavailable means a direct capture could not reach the provider;
	// the intent stays awaiting_capture.
	ResultUnavailable Result = "provider_unavailable"
)

// Event is a normalized payment result. Either Reference or
// (Provider, ExternalID) identifies the intent.
type Event struct {
	Reference   string
	Provider    provider.Name
	ExternalID  string
	Status      provider.ReportedStatus
	Amount      decimal.Decimal
	Currency    string
	Reversal    bool
	PayloadHash string
	ReceivedAt  time.Time
	Source      Source
}

// Outcome is the result of one reconciliation.
type Outcome struct {
	Reference      string                     `json:"reference,omitempty"`
	Provider       provider.Name              `json:"provider"`
	ExternalID     string                     `json:"providerExternalId,omitempty"`
	Source         Source                     `json:"source"`
	Result         Result                     `json:"result"`
	Status         payment.Status             `json:"status,omitempty"`
	PreviousStatus payment.Status             `json:"previousStatus,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	PayerIdentity  string                     `json:"payerIdentity,omitempty"`
	Amount         decimal.Decimal            `json:"amount"`
	Currency       string                     `json:"currency,omitempty"`
	Subscription   *subscription.Subscription `json:"subscription,omitempty"`
	Commission     *commission.Entry          `json:"commission,omitempty"`
	PayloadHash    string                     `json:"payloadHash,omitempty"`
	At             time.Time                  `json:"at"`
}

// Changed reports whether the outcome committed a state change.
func (o *Outcome) Changed() bool {
	switch o.Result {
	case ResultCaptured, ResultFailed, ResultExpired, ResultReversed:
		return true
	}
	return false
}

// Sink receives committed outcomes. Publish must not block.
type Sink interface {
	Publish(ctx context.Context, o *Outcome)
}

// Config wires an Engine.
type Config struct {
	Tx            store.Tx
	Providers     *provider.Registry
	Subscriptions *subscription.Ledger
	Commissions   *commission.Ledger
	Rates         *money.RateTable
	Sink          Sink
	// CaptureRetry bounds direct-capture retries on ErrUnavailable.
	CaptureRetry retry.Policy
}

// Engine is the reconciliation state machine.
type Engine struct {
	tx        store.Tx
	providers *provider.Registry
	subs      *subscription.Ledger
	comms     *commission.Ledger
	rates     *money.RateTable
	sink      Sink
	capture   retry.Policy
	now       func() time.Time
}

// New creates an engine.
func New(cfg Config) *Engine {
	policy := cfg.CaptureRetry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	policy.Retryable = provider.IsRetryable

	return &Engine{
		tx:        cfg.Tx,
		providers: cfg.Providers,
		subs:      cfg.Subscriptions,
		comms:     cfg.Commissions,
		rates:     cfg.Rates,
		sink:      cfg.Sink,
		capture:   policy,
		now:       time.Now,
	}
}

// Reconcile applies ev to its intent. Reversal events go to Reverse.
//
// Unknown intents and intents already in a terminal state are reported, not
// errors. A non-nil error means nothing was committed and the caller should
// retry later.
func (e *Engine) Reconcile(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.Reversal {
		return e.Reverse(ctx, ev)
	}
	if !ev.Status.Valid() {
		return nil, fmt.Errorf("reconcile: invalid reported status %q", ev.Status)
	}

	ctx, span := traces.StartSpan(ctx, "reconcile",
		traces.Provider(string(ev.Provider)), traces.Reference(ev.Reference), traces.ExternalID(ev.ExternalID))

	var out *Outcome
	var err error
	// A lost compare-and-swap means a concurrent caller committed first;
	// the second pass sees the terminal intent and reports a duplicate.
	for attempt := 0; attempt < 2; attempt++ {
		out, err = e.reconcileOnce(ctx, ev)
		if !errors.Is(err, payment.ErrStaleTransition) {
			break
		}
	}
	if err == nil {
		span.SetAttributes(traces.Result(string(out.Result)))
	}
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	e.after(ctx, ev, out)
	return out, nil
}

func (e *Engine) reconcileOnce(ctx context.Context, ev Event) (*Outcome, error) {
	now := e.now()
	out := &Outcome{
		Reference:   ev.Reference,
		Provider:    ev.Provider,
		ExternalID:  ev.ExternalID,
		Source:      ev.Source,
		Amount:      ev.Amount,
		Currency:    money.NormalizeCurrency(ev.Currency),
		PayloadHash: ev.PayloadHash,
		At:          now,
	}

	err := e.tx.Do(ctx, func(ctx context.Context, s store.Stores) error {
		intent, err := e.resolve(ctx, s.Intents, ev, now)
		if errors.Is(err, payment.ErrNotFound) {
			out.Result = ResultUnknownReference
			return nil
		}
		if err != nil {
			return err
		}
		describe(out, intent)

		if intent.Status.IsTerminal() {
			out.Result = ResultDuplicate
			return nil
		}

		if !money.Equal(ev.Amount, intent.Amount) || out.Currency != intent.Currency {
			out.Reason = payment.ReasonAmountMismatch
			return e.fail(ctx, s, intent, payment.ReasonAmountMismatch, out, now)
		}

		switch ev.Status {
		case provider.StatusApproved:
			return e.confirm(ctx, s, intent, out, now)
		case provider.StatusRejected:
			return e.fail(ctx, s, intent, payment.ReasonRejected, out, now)
		case provider.StatusCancelled:
			return e.fail(ctx, s, intent, payment.ReasonCancelled, out, now)
		default:
			out.Result = ResultPending
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolve finds the intent for ev and locks it for the unit of work. An
// intent found by an echoed reference that has no external id yet is bound
// to ev's external id: the push raced our own create call.
func (e *Engine) resolve(ctx context.Context, s payment.Store, ev Event, now time.Time) (*payment.Intent, error) {
	if ev.Reference == "" && ev.ExternalID == "" {
		return nil, payment.ErrNotFound
	}
	if ev.ExternalID != "" {
		found, err := s.GetByExternalID(ctx, string(ev.Provider), ev.ExternalID)
		if err == nil {
			return s.GetForUpdate(ctx, found.Reference)
		}
		if !errors.Is(err, payment.ErrNotFound) || ev.Reference == "" {
			return nil, err
		}
	}

	intent, err := s.GetForUpdate(ctx, ev.Reference)
	if err != nil {
		return nil, err
	}
	if ev.Provider != "" && intent.Provider != string(ev.Provider) {
		return nil, payment.ErrNotFound
	}
	if ev.ExternalID == "" || intent.ExternalID == ev.ExternalID {
		return intent, nil
	}
	if intent.ExternalID != "" || intent.Status != payment.StatusCreated {
		// The reference belongs to a different provider payment.
		return nil, payment.ErrNotFound
	}
	if err := s.SetExternalID(ctx, intent.Reference, ev.ExternalID, now); err != nil {
		return nil, fmt.Errorf("bind external id: %w", err)
	}
	return s.GetForUpdate(ctx, intent.Reference)
}

func describe(out *Outcome, intent *payment.Intent) {
	out.Reference = intent.Reference
	out.Provider = provider.Name(intent.Provider)
	out.ExternalID = intent.ExternalID
	out.PreviousStatus = intent.Status
	out.Status = intent.Status
	out.Reason = intent.FailureReason
	out.PayerIdentity = intent.Payer
}

// confirm captures the intent and runs its side effects.
func (e *Engine) confirm(ctx context.Context, s store.Stores, intent *payment.Intent, out *Outcome, now time.Time) error {
	if err := s.Intents.Transition(ctx, intent.Reference, intent.Status, payment.StatusCaptured, "", now); err != nil {
		return err
	}
	out.Result = ResultCaptured
	out.Status = payment.StatusCaptured

	if intent.Purpose == payment.PurposeSubscription {
		act, err := e.subs.Activate(ctx, s.Subscriptions, intent.Reference, now)
		if err != nil {
			return fmt.Errorf("activate subscription: %w", err)
		}
		out.Subscription = act.Activated
	}

	if intent.AffiliateCode != "" {
		entry, _, err := e.comms.Credit(ctx, s.Commissions, intent.Reference, intent.AffiliateCode, intent.BaseAmount(), now)
		switch {
		case errors.Is(err, commission.ErrUnknownCode), errors.Is(err, commission.ErrAccountNotFound):
			// The code was valid at checkout; the account has since gone.
			logging.L(ctx).Warn("affiliate code no longer resolves, commission skipped",
				"reference", intent.Reference, "code", intent.AffiliateCode)
		case err != nil:
			return fmt.Errorf("credit commission: %w", err)
		default:
			out.Commission = entry
		}
	}
	return nil
}

// fail moves the intent to failed and cancels its pending subscription.
func (e *Engine) fail(ctx context.Context, s store.Stores, intent *payment.Intent, reason string, out *Outcome, now time.Time) error {
	if err := s.Intents.Transition(ctx, intent.Reference, intent.Status, payment.StatusFailed, reason, now); err != nil {
		return err
	}
	out.Result = ResultFailed
	out.Status = payment.StatusFailed
	out.Reason = reason
	if intent.Purpose == payment.PurposeSubscription {
		if _, err := s.Subscriptions.CancelPending(ctx, intent.Reference, now); err != nil {
			return fmt.Errorf("cancel pending subscription: %w", err)
		}
	}
	return nil
}

// Reverse handles a chargeback or refund of a captured payment by ending
// the subscription it activated. The intent and any commission entry are
// left as recorded. ResultReversed is only reported when a subscription
// was ended by this call.
func (e *Engine) Reverse(ctx context.Context, ev Event) (*Outcome, error) {
	now := e.now()
	out := &Outcome{
		Reference: ev.Reference, Provider: ev.Provider, ExternalID: ev.ExternalID,
		Source: ev.Source, Amount: ev.Amount, Currency: money.NormalizeCurrency(ev.Currency),
		PayloadHash: ev.PayloadHash, At: now,
	}

	err := e.tx.Do(ctx, func(ctx context.Context, s store.Stores) error {
		intent, err := e.resolve(ctx, s.Intents, ev, now)
		if errors.Is(err, payment.ErrNotFound) {
			out.Result = ResultUnknownReference
			return nil
		}
		if err != nil {
			return err
		}
		describe(out, intent)

		if intent.Status != payment.StatusCaptured {
			out.Result = ResultIgnored
			return nil
		}
		// Nothing to undo for a one-time purchase, or the subscription
		// is already ended.
		out.Result = ResultDuplicate
		if intent.Purpose != payment.PurposeSubscription {
			return nil
		}
		changed, err := s.Subscriptions.Deactivate(ctx, intent.Reference, now)
		if err != nil {
			return fmt.Errorf("deactivate subscription: %w", err)
		}
		if changed {
			out.Result = ResultReversed
			sub, err := s.Subscriptions.GetByReference(ctx, intent.Reference)
			if err != nil {
				return err
			}
			out.Subscription = sub
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.after(ctx, ev, out)
	return out, nil
}

// Expire moves a non-terminal intent to expired and cancels its pending
// subscription.
func (e *Engine) Expire(ctx context.Context, reference string) (*Outcome, error) {
	var out *Outcome
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		out, err = e.expireOnce(ctx, reference)
		if !errors.Is(err, payment.ErrStaleTransition) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	e.after(ctx, Event{Reference: reference, Source: SourceSweep}, out)
	return out, nil
}

func (e *Engine) expireOnce(ctx context.Context, reference string) (*Outcome, error) {
	now := e.now()
	out := &Outcome{Reference: reference, Source: SourceSweep, At: now}

	err := e.tx.Do(ctx, func(ctx context.Context, s store.Stores) error {
		intent, err := s.Intents.GetForUpdate(ctx, reference)
		if errors.Is(err, payment.ErrNotFound) {
			out.Result = ResultUnknownReference
			return nil
		}
		if err != nil {
			return err
		}
		describe(out, intent)
		out.Amount = intent.Amount
		out.Currency = intent.Currency
		if intent.Status.IsTerminal() {
			out.Result = ResultDuplicate
			return nil
		}

		if err := s.Intents.Transition(ctx, reference, intent.Status, payment.StatusExpired, payment.ReasonNoResponse, now); err != nil {
			return err
		}
		out.Result = ResultExpired
		out.Status = payment.StatusExpired
		out.Reason = payment.ReasonNoResponse
		if intent.Purpose == payment.PurposeSubscription {
			if _, err := s.Subscriptions.CancelPending(ctx, reference, now); err != nil {
				return fmt.Errorf("cancel pending subscription: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// after runs once the unit of work committed: logs, metrics and the audit sink.
func (e *Engine) after(ctx context.Context, ev Event, out *Outcome) {
	log := logging.L(ctx).With(
		"reference", out.Reference, "provider", out.Provider, "externalId", out.ExternalID,
		"source", out.Source, "result", out.Result)

	switch {
	case out.Result == ResultUnknownReference:
		log.Warn("payment result for unknown intent discarded")
	case out.Reason == payment.ReasonAmountMismatch && out.Result == ResultFailed:
		logging.Security(ctx, logging.EventAmountMismatch).Warn("reported amount does not match intent",
			"reference", out.Reference, "provider", out.Provider,
			"reported", ev.Amount.String()+" "+out.Currency)
	case out.Result == ResultDuplicate && out.Status == payment.StatusExpired && ev.Status == provider.StatusApproved:
		logging.Security(ctx, logging.EventLateApproval).Warn("provider approved a payment after it expired",
			"reference", out.Reference, "provider", out.Provider, "source", out.Source)
	case out.Changed():
		log.Info("payment reconciled", "status", out.Status, "reason", out.Reason)
	default:
		log.Debug("payment result recorded", "status", out.Status)
	}

	metrics.ReconcileOutcomes.WithLabelValues(string(out.Provider), string(out.Source), string(out.Result)).Inc()
	if out.Commission != nil {
		metrics.CommissionCredits.WithLabelValues(string(out.Commission.Tier)).Inc()
	}
	if out.Subscription != nil && out.Result == ResultCaptured {
		metrics.SubscriptionActivations.WithLabelValues(out.Subscription.PlanID).Inc()
	}

	if e.sink != nil && out.Result != ResultUnknownReference {
		e.sink.Publish(context.WithoutCancel(ctx), out)
	}
}
