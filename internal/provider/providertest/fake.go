// Package providertest provides a scriptable provider.Client for tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/provider"
)

// SignatureHeader carries the shared secret in fake webhook requests.
const SignatureHeader = "X-Fake-Signature"

// Fake is an in-memory provider. Captures report the amount recorded at
// creation unless CaptureAmount overrides it.
type Fake struct {
	name   provider.Name
	secret string

	mu            sync.Mutex
	seq           int
	amounts       map[string]decimal.Decimal
	currencies    map[string]string
	captures      map[string]int
	CreateErr     error
	CaptureErrs   []error // consumed one per call before succeeding
	CaptureStatus provider.ReportedStatus
	CaptureAmount *decimal.Decimal
	Creates       []provider.CreateRequest
}

// New creates a fake provider accepting webhooks signed with secret.
func New(name provider.Name, secret string) *Fake {
	return &Fake{
		name:          name,
		secret:        secret,
		amounts:       make(map[string]decimal.Decimal),
		currencies:    make(map[string]string),
		captures:      make(map[string]int),
		CaptureStatus: provider.StatusApproved,
	}
}

func (f *Fake) Name() provider.Name { return f.name }

func (f *Fake) CreateIntent(_ context.Context, req provider.CreateRequest) (*provider.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Creates = append(f.Creates, req)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("ext_%d", f.seq)
	f.amounts[id] = req.Amount
	f.currencies[id] = req.Currency
	return &provider.Created{ExternalID: id, RedirectTarget: "https://fake.test/pay/" + id}, nil
}

func (f *Fake) CaptureIntent(_ context.Context, externalID string) (*provider.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.captures[externalID]++
	if len(f.CaptureErrs) > 0 {
		err := f.CaptureErrs[0]
		f.CaptureErrs = f.CaptureErrs[1:]
		return nil, err
	}
	amount := f.amounts[externalID]
	if f.CaptureAmount != nil {
		amount = *f.CaptureAmount
	}
	return &provider.Capture{
		ExternalID: externalID,
		Status:     f.CaptureStatus,
		Amount:     amount,
		Currency:   f.currencies[externalID],
	}, nil
}

// CaptureCalls returns how many times externalID was captured.
func (f *Fake) CaptureCalls(externalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[externalID]
}

func (f *Fake) VerifyWebhookSignature(_ context.Context, _ []byte, headers http.Header) bool {
	return headers.Get(SignatureHeader) == f.secret
}

// Event is the fake webhook body.
type Event struct {
	Type       string `json:"type"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reversal   bool   `json:"reversal,omitempty"`
}

// Body encodes ev.
func Body(ev Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}

func (f *Fake) ParseWebhook(raw []byte) (*provider.Notification, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformed, err)
	}
	if ev.Type == "ping" {
		return nil, provider.ErrIgnoredEvent
	}
	amount, err := decimal.NewFromString(ev.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", provider.ErrMalformed, err)
	}
	status := provider.ReportedStatus(ev.Status)
	if !ev.Reversal && !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", provider.ErrMalformed, ev.Status)
	}
	return &provider.Notification{
		ExternalID: ev.ExternalID,
		Status:     status,
		Amount:     amount,
		Currency:   ev.Currency,
		EventType:  ev.Type,
		Reversal:   ev.Reversal,
	}, nil
}
