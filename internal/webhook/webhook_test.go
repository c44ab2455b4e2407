package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/payment"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/provider/providertest"
	"github.com/petnest/paycore/internal/reconciliation"
	"github.com/petnest/paycore/internal/store"
	"github.com/petnest/paycore/internal/subscription"
)

const secret = "whsec_test"

type fixture struct {
	fake   *providertest.Fake
	tx     *store.MemoryTx
	engine *reconciliation.Engine
	window *MemoryWindow
	router *gin.Engine
}

func newFixture(t *testing.T, reconciler Reconciler) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		fake:   providertest.New(provider.CardCheckout, secret),
		tx:     store.NewMemoryTx(),
		window: NewMemoryWindow(72 * time.Hour),
	}
	reg := provider.NewRegistry(nil)
	reg.Register(f.fake)
	f.engine = reconciliation.New(reconciliation.Config{
		Tx:            f.tx,
		Providers:     reg,
		Subscriptions: subscription.NewLedger(subscription.DefaultCatalog()),
		Commissions:   commission.NewLedger(commission.DefaultTiers(), "USD"),
		Rates:         money.NewRateTable("USD", nil),
	})
	if reconciler == nil {
		reconciler = f.engine
	}

	f.router = gin.New()
	NewHandler(NewIngestor(reg, f.window, reconciler), time.Second).RegisterRoutes(f.router)
	return f
}

func (f *fixture) checkout(t *testing.T) *reconciliation.Checkout {
	t.Helper()
	co, err := f.engine.CreateIntent(context.Background(), reconciliation.CreateRequest{
		Provider: provider.CardCheckout,
		Amount:   decimal.RequireFromString("9.99"),
		Currency: "USD",
		Payer:    "user_1",
		Purpose:  payment.PurposeSubscription,
		PlanID:   subscription.PlanMonthly,
	})
	require.NoError(t, err)
	return co
}

func (f *fixture) post(name string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/"+name+"/webhook", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(providertest.SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func approved(externalID string) []byte {
	return providertest.Body(providertest.Event{
		Type: "payment.succeeded", ExternalID: externalID, Status: "approved", Amount: "9.99", Currency: "USD",
	})
}

func TestWebhook_CapturesAndActivates(t *testing.T) {
	f := newFixture(t, nil)
	co := f.checkout(t)

	w := f.post("card-checkout", approved(co.Intent.ExternalID), secret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "captured", body["result"])

	intent, err := f.tx.Stores().Intents.Get(context.Background(), co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCaptured, intent.Status)

	sub, err := f.tx.Stores().Subscriptions.GetActive(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, co.Intent.Reference, sub.ActivatingReference)
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, nil)
	co := f.checkout(t)
	body := approved(co.Intent.ExternalID)

	require.Equal(t, http.StatusOK, f.post("card-checkout", body, secret).Code)

	w := f.post("card-checkout", body, secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["status"])

	history, err := f.tx.Stores().Subscriptions.ListByUser(context.Background(), "user_1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWebhook_SameFactsDifferentBytesAreDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	co := f.checkout(t)

	require.Equal(t, http.StatusOK, f.post("card-checkout", approved(co.Intent.ExternalID), secret).Code)

	reordered := []byte(`{"currency":"usd","amount":"9.990","status":"approved","externalId":"` +
		co.Intent.ExternalID + `","type":"charge.succeeded"}`)
	w := f.post("card-checkout", reordered, secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["status"])
}

func TestWebhook_BadSignature(t *testing.T) {
	f := newFixture(t, nil)
	co := f.checkout(t)

	w := f.post("card-checkout", approved(co.Intent.ExternalID), "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", decode(t, w)["error"])

	intent, err := f.tx.Stores().Intents.Get(context.Background(), co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusAwaitingCapture, intent.Status)
}

func TestWebhook_UnknownProvider(t *testing.T) {
	f := newFixture(t, nil)
	w := f.post("carrier-pigeon", approved("ext_1"), secret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_Malformed(t *testing.T) {
	f := newFixture(t, nil)
	w := f.post("card-checkout", []byte(`{"type":"payment.succeeded","status":"approved","amount":"abc"}`), secret)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "malformed_payload", decode(t, w)["error"])
}

func TestWebhook_IgnoredEvent(t *testing.T) {
	f := newFixture(t, nil)
	w := f.post("card-checkout", providertest.Body(providertest.Event{Type: "ping"}), secret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])
}

func TestWebhook_UnknownReferenceIsAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	w := f.post("card-checkout", approved("ext_999"), secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "unknown_reference", decode(t, w)["result"])
}

func TestWebhook_TooLarge(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"type":"` + strings.Repeat("x", MaxBodyBytes) + `"}`)
	w := f.post("card-checkout", body, secret)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type flakyReconciler struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (r *flakyReconciler) Reconcile(_ context.Context, ev reconciliation.Event) (*reconciliation.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return nil, errors.New("database unavailable")
	}
	return &reconciliation.Outcome{Provider: ev.Provider, ExternalID: ev.ExternalID, Result: reconciliation.ResultCaptured}, nil
}

func TestWebhook_EngineFailureIsRetryable(t *testing.T) {
	rec := &flakyReconciler{fail: true}
	f := newFixture(t, rec)
	body := approved("ext_1")

	w := f.post("card-checkout", body, secret)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// Nothing was recorded, so the redelivery reaches the engine again.
	rec.fail = false
	w = f.post("card-checkout", body, secret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processed", decode(t, w)["status"])
	assert.Equal(t, 2, rec.calls)
}

func TestWebhook_ConcurrentRedeliveryReconcilesOnce(t *testing.T) {
	rec := &flakyReconciler{}
	f := newFixture(t, rec)
	body := approved("ext_1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.post("card-checkout", body, secret)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.calls)
}

func TestPayloadHash(t *testing.T) {
	n := &provider.Notification{
		ExternalID: "ext_1", Status: provider.StatusApproved,
		Amount: decimal.RequireFromString("9.99"), Currency: "USD", EventType: "a",
	}
	same := *n
	same.Amount = decimal.RequireFromString("9.990")
	same.Currency = "usd"
	same.EventType = "b"
	assert.Equal(t, PayloadHash(provider.CardCheckout, n), PayloadHash(provider.CardCheckout, &same))
	assert.Len(t, PayloadHash(provider.CardCheckout, n), 64)

	other := *n
	other.Status = provider.StatusPending
	assert.NotEqual(t, PayloadHash(provider.CardCheckout, n), PayloadHash(provider.CardCheckout, &other))
	assert.NotEqual(t, PayloadHash(provider.CardCheckout, n), PayloadHash(provider.RegionalWallet, n))
}

func TestMemoryWindow(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWindow(time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	seen, err := w.Seen(ctx, provider.CardCheckout, "ext_1", "h1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, w.Record(ctx, provider.CardCheckout, "ext_1", "h1", now))
	seen, _ = w.Seen(ctx, provider.CardCheckout, "ext_1", "h1")
	assert.True(t, seen)
	seen, _ = w.Seen(ctx, provider.CardCheckout, "ext_1", "h2")
	assert.False(t, seen)

	now = now.Add(2 * time.Hour)
	seen, _ = w.Seen(ctx, provider.CardCheckout, "ext_1", "h1")
	assert.False(t, seen, "expired entries are absent")

	n, err := w.Purge(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
