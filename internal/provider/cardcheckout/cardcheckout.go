// Package cardcheckout adapts Stripe PaymentIntents to provider.Client.
//
// Intents are created with manual capture so funds are only settled once
// the payment is reconciled. The payment reference is the Stripe
// idempotency key, so a retried create never opens a second intent.
package cardcheckout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/petnest/paycore/internal/idgen"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/provider"
)

const name = provider.CardCheckout

// Config configures the adapter.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the Stripe API endpoint. Empty uses the default.
	BaseURL string
	Timeout time.Duration
}

// Client is the card-checkout adapter.
type Client struct {
	api           *client.API
	webhookSecret string
}

// New creates an adapter with its own Stripe backend. No global key is set.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	api := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	backends := &stripe.Backends{API: api, Connect: api, Uploads: api}

	return &Client{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (c *Client) Name() provider.Name { return name }

func (c *Client) CreateIntent(ctx context.Context, req provider.CreateRequest) (*provider.Created, error) {
	minor, err := money.ToMinor(req.Amount, req.Currency)
	if err != nil {
		return nil, provider.Rejected(name, "create", err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	params.AddMetadata("reference", req.Reference)

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("create", err)
	}
	return &provider.Created{ExternalID: pi.ID, RedirectTarget: pi.ClientSecret}, nil
}

func (c *Client) CaptureIntent(ctx context.Context, externalID string) (*provider.Capture, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	// Stripe replays the stored response for a reused key, errors included.
	// A repeated capture fails with payment_intent_unexpected_state and
	// falls back to a read.
	params.SetIdempotencyKey(captureKey(externalID))

	pi, err := c.api.PaymentIntents.Capture(externalID, params)
	if err != nil {
		var se *stripe.Error
		if !errors.As(err, &se) || se.Code != stripe.ErrorCodePaymentIntentUnexpectedState {
			return nil, classify("capture", err)
		}
		// Already captured, still processing or cancelled: report what
		// Stripe has now.
		getParams := &stripe.PaymentIntentParams{}
		getParams.Context = ctx
		pi, err = c.api.PaymentIntents.Get(externalID, getParams)
		if err != nil {
			return nil, classify("capture", err)
		}
	}
	return toCapture(pi)
}

func captureKey(externalID string) string {
	return "capture-" + externalID + "-" + idgen.New()
}

func toCapture(pi *stripe.PaymentIntent) (*provider.Capture, error) {
	currency := money.NormalizeCurrency(string(pi.Currency))
	amount, err := money.FromMinor(pi.Amount, currency)
	if err != nil {
		return nil, provider.Rejected(name, "capture", err)
	}
	return &provider.Capture{
		ExternalID: pi.ID,
		Status:     mapStatus(pi.Status),
		Amount:     amount,
		Currency:   currency,
	}, nil
}

func mapStatus(s stripe.PaymentIntentStatus) provider.ReportedStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return provider.StatusApproved
	case stripe.PaymentIntentStatusCanceled:
		return provider.StatusCancelled
	default:
		// requires_capture, processing, requires_action and the
		// requires_payment_method retry loop are all still in flight.
		return provider.StatusPending
	}
}

func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == 0 {
			return provider.FromTransport(name, op, err)
		}
		return provider.FromStatus(name, op, se.HTTPStatusCode, string(se.Code), errors.New(se.Msg))
	}
	return provider.FromTransport(name, op, err)
}

func (c *Client) VerifyWebhookSignature(_ context.Context, rawBody []byte, headers http.Header) bool {
	sig := headers.Get("Stripe-Signature")
	if sig == "" || c.webhookSecret == "" {
		return false
	}
	return webhook.ValidatePayload(rawBody, sig, c.webhookSecret) == nil
}

func (c *Client) ParseWebhook(rawBody []byte) (*provider.Notification, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: missing data", provider.ErrMalformed)
	}
	eventType := string(event.Type)

	switch eventType {
	case "payment_intent.succeeded", "payment_intent.processing",
		"payment_intent.amount_capturable_updated",
		"payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
		}
		n, err := notification(eventType, pi.ID, pi.Amount, string(pi.Currency))
		if err != nil {
			return nil, err
		}
		n.Reference = pi.Metadata["reference"]
		n.Status = eventStatus(eventType)
		return n, nil

	case "charge.dispute.created", "charge.refunded":
		var obj struct {
			PaymentIntent string `json:"payment_intent"`
			Amount        int64  `json:"amount"`
			Currency      string `json:"currency"`
		}
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
		}
		if obj.PaymentIntent == "" {
			return nil, provider.ErrIgnoredEvent
		}
		n, err := notification(eventType, obj.PaymentIntent, obj.Amount, obj.Currency)
		if err != nil {
			return nil, err
		}
		n.Reversal = true
		return n, nil
	}
	return nil, provider.ErrIgnoredEvent
}

func eventStatus(eventType string) provider.ReportedStatus {
	switch eventType {
	case "payment_intent.succeeded":
		return provider.StatusApproved
	case "payment_intent.payment_failed":
		return provider.StatusRejected
	case "payment_intent.canceled":
		return provider.StatusCancelled
	default:
		return provider.StatusPending
	}
}

func notification(eventType, externalID string, minor int64, currency string) (*provider.Notification, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: missing payment intent id", provider.ErrMalformed)
	}
	cur := money.NormalizeCurrency(currency)
	amount, err := money.FromMinor(minor, cur)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
	}
	return &provider.Notification{
		ExternalID: externalID,
		Amount:     amount,
		Currency:   cur,
		EventType:  eventType,
	}, nil
}
