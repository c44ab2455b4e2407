// Package wallet adapts a PayPal-style orders API to provider.Client.
//
// Access tokens come from the OAuth2 client-credentials grant and are
// cached until they expire. Pushes carry no signature this adapter can
// check offline, so a push is only trusted when the provider's own copy of
// the order or capture, fetched with our token, agrees with it.
package wallet

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/petnest/paycore/internal/idgen"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/provider"
)

const name = provider.RegionalWallet

// TokenHeader carries the optional shared webhook token.
const TokenHeader = "X-Webhook-Token"

// Config configures the adapter.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	// WebhookToken, when set, must also be presented on every push.
	WebhookToken string
	Timeout      time.Duration
}

// Client is the regional-wallet adapter.
type Client struct {
	baseURL      string
	webhookToken string
	http         *http.Client
}

// New creates an adapter. The token source shares the adapter's timeout.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	tokenHTTP := &http.Client{Timeout: timeout}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenHTTP)

	return &Client{
		baseURL:      base,
		webhookToken: cfg.WebhookToken,
		http: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: cc.TokenSource(tokenCtx),
				Base:   http.DefaultTransport,
			},
		},
	}
}

func (c *Client) Name() provider.Name { return name }

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Amount            amount `json:"amount"`
	CustomID          string `json:"custom_id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
	Amount      amount `json:"amount"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

// settled returns the captured amount when there is one, else the order amount.
func (o *order) settled() (amount, string) {
	if len(o.PurchaseUnits) == 0 {
		return amount{}, ""
	}
	pu := o.PurchaseUnits[0]
	if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
		return pu.Payments.Captures[0].Amount, pu.CustomID
	}
	return pu.Amount, pu.CustomID
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *apiError) issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

func (c *Client) CreateIntent(ctx context.Context, req provider.CreateRequest) (*provider.Created, error) {
	currency := money.NormalizeCurrency(req.Currency)
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []purchaseUnit{{
			ReferenceID: req.Reference,
			CustomID:    req.Reference,
			Description: req.Description,
			Amount:      amount{CurrencyCode: currency, Value: money.Format(req.Amount, currency)},
		}},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		body["application_context"] = map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		}
	}

	var o order
	if err := c.do(ctx, "create", http.MethodPost, "/v2/checkout/orders", req.Reference, body, &o); err != nil {
		return nil, err
	}
	target := ""
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			target = l.Href
			break
		}
	}
	if o.ID == "" || target == "" {
		return nil, provider.Rejected(name, "create", errors.New("response missing order id or approve link"))
	}
	return &provider.Created{ExternalID: o.ID, RedirectTarget: target}, nil
}

func (c *Client) CaptureIntent(ctx context.Context, externalID string) (*provider.Capture, error) {
	var o order
	path := "/v2/checkout/orders/" + url.PathEscape(externalID) + "/capture"
	// The wallet replays the first answer for a reused request id, so each
	// attempt sends a new one.
	err := c.do(ctx, "capture", http.MethodPost, path, "capture-"+externalID+"-"+idgen.New(), map[string]any{}, &o)
	if err != nil {
		var pe *provider.Error
		if !errors.As(err, &pe) || (pe.Code != "ORDER_ALREADY_CAPTURED" && pe.Code != "ORDER_NOT_APPROVED") {
			return nil, err
		}
		fetched, getErr := c.getOrder(ctx, "capture", externalID)
		if getErr != nil {
			return nil, getErr
		}
		o = *fetched
	}
	return toCapture(&o)
}

func (c *Client) getOrder(ctx context.Context, op, id string) (*order, error) {
	var o order
	if err := c.do(ctx, op, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), "", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) getCapture(ctx context.Context, id string) (*capture, error) {
	var cp capture
	if err := c.do(ctx, "verify", http.MethodGet, "/v2/payments/captures/"+url.PathEscape(id), "", nil, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func toCapture(o *order) (*provider.Capture, error) {
	amt, _ := o.settled()
	value, err := decimal.NewFromString(amt.Value)
	if err != nil {
		return nil, provider.Rejected(name, "capture", fmt.Errorf("order %s amount %q: %w", o.ID, amt.Value, err))
	}
	return &provider.Capture{
		ExternalID: o.ID,
		Status:     orderStatus(o.Status),
		Amount:     value,
		Currency:   money.NormalizeCurrency(amt.CurrencyCode),
	}, nil
}

func orderStatus(s string) provider.ReportedStatus {
	switch s {
	case "COMPLETED":
		return provider.StatusApproved
	case "VOIDED":
		return provider.StatusCancelled
	case "DECLINED", "FAILED":
		return provider.StatusRejected
	default:
		// CREATED, SAVED, APPROVED, PAYER_ACTION_REQUIRED
		return provider.StatusPending
	}
}

func captureStatus(s string) (status provider.ReportedStatus, reversal bool) {
	switch s {
	case "COMPLETED":
		return provider.StatusApproved, false
	case "DECLINED", "FAILED":
		return provider.StatusRejected, false
	case "REVERSED", "REFUNDED", "PARTIALLY_REFUNDED":
		return "", true
	default:
		return provider.StatusPending, false
	}
}

// do sends a JSON request. requestID, when set, is sent as the provider's
// idempotency header.
func (c *Client) do(ctx context.Context, op, method, path, requestID string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return provider.Rejected(name, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return provider.Rejected(name, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return provider.FromStatus(name, op, re.Response.StatusCode, re.ErrorCode, err)
		}
		return provider.FromTransport(name, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.FromTransport(name, op, err)
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		return provider.FromStatus(name, op, resp.StatusCode, ae.issue(), errors.New(ae.Message))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return provider.Rejected(name, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

type event struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// push is a decoded webhook before normalization.
type push struct {
	eventType string
	orderID   string
	captureID string
	status    provider.ReportedStatus
	reversal  bool
	amount    amount
	reference string
}

func decodePush(raw []byte) (*push, error) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
	}
	switch {
	case strings.HasPrefix(ev.EventType, "CHECKOUT.ORDER."):
		var o order
		if err := json.Unmarshal(ev.Resource, &o); err != nil || o.ID == "" {
			return nil, fmt.Errorf("%w: order resource", provider.ErrMalformed)
		}
		amt, ref := o.settled()
		return &push{eventType: ev.EventType, orderID: o.ID, status: orderStatus(o.Status), amount: amt, reference: ref}, nil

	case strings.HasPrefix(ev.EventType, "PAYMENT.CAPTURE."):
		var cp capture
		if err := json.Unmarshal(ev.Resource, &cp); err != nil || cp.ID == "" {
			return nil, fmt.Errorf("%w: capture resource", provider.ErrMalformed)
		}
		orderID := cp.SupplementaryData.RelatedIDs.OrderID
		if orderID == "" {
			return nil, fmt.Errorf("%w: capture without order id", provider.ErrMalformed)
		}
		status, reversal := captureStatus(cp.Status)
		if ev.EventType == "PAYMENT.CAPTURE.REVERSED" || ev.EventType == "PAYMENT.CAPTURE.REFUNDED" {
			reversal = true
		}
		return &push{
			eventType: ev.EventType, orderID: orderID, captureID: cp.ID,
			status: status, reversal: reversal, amount: cp.Amount, reference: cp.CustomID,
		}, nil
	}
	return nil, provider.ErrIgnoredEvent
}

// VerifyWebhookSignature re-fetches the order (or, for capture events, the
// capture) and accepts the push only when the provider's copy has the same
// amount and currency and a status at least as final as the pushed one.
func (c *Client) VerifyWebhookSignature(ctx context.Context, rawBody []byte, headers http.Header) bool {
	if c.webhookToken != "" &&
		subtle.ConstantTimeCompare([]byte(headers.Get(TokenHeader)), []byte(c.webhookToken)) != 1 {
		return false
	}
	p, err := decodePush(rawBody)
	if err != nil {
		// Ignored event types are harmless; let ParseWebhook report them.
		return errors.Is(err, provider.ErrIgnoredEvent)
	}

	var actualStatus provider.ReportedStatus
	var actualReversal bool
	var actualAmount amount
	if p.captureID != "" {
		cp, err := c.getCapture(ctx, p.captureID)
		if err != nil || cp.SupplementaryData.RelatedIDs.OrderID != "" && cp.SupplementaryData.RelatedIDs.OrderID != p.orderID {
			return false
		}
		actualStatus, actualReversal = captureStatus(cp.Status)
		actualAmount = cp.Amount
	} else {
		o, err := c.getOrder(ctx, "verify", p.orderID)
		if err != nil {
			return false
		}
		actualStatus = orderStatus(o.Status)
		actualAmount, _ = o.settled()
	}

	if !sameAmount(p.amount, actualAmount) {
		return false
	}
	if p.reversal {
		return actualReversal
	}
	return actualStatus == p.status || p.status == provider.StatusPending && actualStatus != ""
}

func sameAmount(a, b amount) bool {
	if money.NormalizeCurrency(a.CurrencyCode) != money.NormalizeCurrency(b.CurrencyCode) {
		return false
	}
	av, err1 := decimal.NewFromString(a.Value)
	bv, err2 := decimal.NewFromString(b.Value)
	return err1 == nil && err2 == nil && money.Equal(av, bv)
}

func (c *Client) ParseWebhook(rawBody []byte) (*provider.Notification, error) {
	p, err := decodePush(rawBody)
	if err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(p.amount.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", provider.ErrMalformed, p.amount.Value)
	}
	return &provider.Notification{
		ExternalID: p.orderID,
		Reference:  p.reference,
		Status:     p.status,
		Amount:     value,
		Currency:   money.NormalizeCurrency(p.amount.CurrencyCode),
		EventType:  p.eventType,
		Reversal:   p.reversal,
	}, nil
}
