// Package cryptoinvoice adapts a NOWPayments-style hosted invoice API to
// provider.Client.
//
// Invoices settle on-chain without an explicit capture step, so
// CaptureIntent only reads the invoice status.
package cryptoinvoice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/provider"
)

const name = provider.CryptoInvoice

// SignatureHeader carries the hex HMAC-SHA512 of the key-sorted body.
const SignatureHeader = "x-nowpayments-sig"

// Config configures the adapter.
type Config struct {
	APIKey      string
	IPNSecret   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
}

// Client is the crypto-invoice adapter.
type Client struct {
	apiKey      string
	ipnSecret   []byte
	baseURL     string
	callbackURL string
	http        *http.Client
}

// New creates an adapter.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		apiKey:      cfg.APIKey,
		ipnSecret:   []byte(cfg.IPNSecret),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		callbackURL: cfg.CallbackURL,
		http:        &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() provider.Name { return name }

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type invoice struct {
	ID            flexID          `json:"id"`
	InvoiceURL    string          `json:"invoice_url"`
	OrderID       string          `json:"order_id"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	PaymentStatus string          `json:"payment_status"`
}

type ipn struct {
	PaymentID     flexID          `json:"payment_id"`
	InvoiceID     flexID          `json:"invoice_id"`
	PaymentStatus string          `json:"payment_status"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	OrderID       string          `json:"order_id"`
}

func (c *Client) CreateIntent(ctx context.Context, req provider.CreateRequest) (*provider.Created, error) {
	currency := money.NormalizeCurrency(req.Currency)
	body := map[string]any{
		"price_amount":      json.Number(money.Format(req.Amount, currency)),
		"price_currency":    strings.ToLower(currency),
		"order_id":          req.Reference,
		"order_description": req.Description,
		"ipn_callback_url":  c.callbackURL,
		"success_url":       req.ReturnURL,
		"cancel_url":        req.CancelURL,
	}
	var inv invoice
	if err := c.do(ctx, "create", http.MethodPost, "/v1/invoice", body, &inv); err != nil {
		return nil, err
	}
	if inv.ID == "" || inv.InvoiceURL == "" {
		return nil, provider.Rejected(name, "create", errors.New("response missing invoice id or url"))
	}
	return &provider.Created{ExternalID: string(inv.ID), RedirectTarget: inv.InvoiceURL}, nil
}

func (c *Client) CaptureIntent(ctx context.Context, externalID string) (*provider.Capture, error) {
	var inv invoice
	if err := c.do(ctx, "capture", http.MethodGet, "/v1/invoice/"+url.PathEscape(externalID), nil, &inv); err != nil {
		return nil, err
	}
	status, reversal := mapStatus(inv.PaymentStatus)
	if reversal {
		// Refunded before we settled it: the payment did not complete.
		status = provider.StatusCancelled
	}
	return &provider.Capture{
		ExternalID: externalID,
		Status:     status,
		Amount:     inv.PriceAmount,
		Currency:   money.NormalizeCurrency(inv.PriceCurrency),
	}, nil
}

// mapStatus normalizes payment_status. Unknown statuses are pending.
func mapStatus(s string) (status provider.ReportedStatus, reversal bool) {
	switch s {
	case "finished":
		return provider.StatusApproved, false
	case "failed":
		return provider.StatusRejected, false
	case "expired":
		return provider.StatusCancelled, false
	case "refunded":
		return "", true
	default:
		// waiting, confirming, confirmed, sending, partially_paid
		return provider.StatusPending, false
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
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
	req.Header.Set("x-api-key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.FromTransport(name, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.FromTransport(name, op, err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return provider.FromStatus(name, op, resp.StatusCode, e.Code, errors.New(e.Message))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return provider.Rejected(name, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Sign returns the hex HMAC-SHA512 of body re-encoded with sorted keys.
func Sign(secret, body []byte) (string, error) {
	canonical, err := sortedJSON(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// sortedJSON re-encodes body with object keys sorted at every level.
// Numbers keep their original text.
func sortedJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (c *Client) VerifyWebhookSignature(_ context.Context, rawBody []byte, headers http.Header) bool {
	sig := strings.ToLower(strings.TrimSpace(headers.Get(SignatureHeader)))
	if sig == "" || len(c.ipnSecret) == 0 {
		return false
	}
	want, err := Sign(c.ipnSecret, rawBody)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(want))
}

func (c *Client) ParseWebhook(rawBody []byte) (*provider.Notification, error) {
	var msg ipn
	if err := json.Unmarshal(rawBody, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
	}
	if msg.PaymentStatus == "" {
		return nil, fmt.Errorf("%w: missing payment_status", provider.ErrMalformed)
	}
	externalID := string(msg.InvoiceID)
	if externalID == "" {
		// Direct payments without an invoice have nothing to match.
		return nil, provider.ErrIgnoredEvent
	}
	status, reversal := mapStatus(msg.PaymentStatus)
	return &provider.Notification{
		ExternalID: externalID,
		Reference:  msg.OrderID,
		Status:     status,
		Amount:     msg.PriceAmount,
		Currency:   money.NormalizeCurrency(msg.PriceCurrency),
		EventType:  "payment." + msg.PaymentStatus,
		Reversal:   reversal,
	}, nil
}
