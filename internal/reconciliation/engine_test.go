package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/payment"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/provider/providertest"
	"github.com/petnest/paycore/internal/retry"
	"github.com/petnest/paycore/internal/store"
	"github.com/petnest/paycore/internal/subscription"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (r *recordingSink) Publish(_ context.Context, o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingSink) results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o.Result)
	}
	return out
}

type harness struct {
	engine *Engine
	tx     store.Tx
	card   *providertest.Fake
	sink   *recordingSink
	clock  time.Time
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryTx())
}

func newHarnessOn(t *testing.T, tx store.Tx) *harness {
	t.Helper()
	h := &harness{
		tx:    tx,
		card:  providertest.New(provider.CardCheckout, "secret"),
		sink:  &recordingSink{},
		clock: t0,
	}
	reg := provider.NewRegistry(nil)
	reg.Register(h.card)

	comms := commission.NewLedger(commission.DefaultTiers(), "USD")
	h.engine = New(Config{
		Tx:            h.tx,
		Providers:     reg,
		Subscriptions: subscription.NewLedger(subscription.DefaultCatalog()),
		Commissions:   comms,
		Rates:         money.NewRateTable("USD", map[string]decimal.Decimal{"EUR": d("1.08"), "KRW": d("0.00074")}),
		Sink:          h.sink,
		CaptureRetry:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	h.engine.now = func() time.Time { return h.clock }

	_, err := comms.RegisterAffiliate(context.Background(), h.tx.Stores().Commissions, "aff_1", "user_affiliate", []string{"PETXYZ"}, t0)
	require.NoError(t, err)
	return h
}

func (h *harness) advance(dur time.Duration) { h.clock = h.clock.Add(dur) }

func (h *harness) subscribe(t *testing.T, payer, code string) *Checkout {
	t.Helper()
	co, err := h.engine.CreateIntent(context.Background(), CreateRequest{
		Provider:      provider.CardCheckout,
		Amount:        d("9.99"),
		Currency:      "USD",
		Payer:         payer,
		Purpose:       payment.PurposeSubscription,
		PlanID:        subscription.PlanMonthly,
		AffiliateCode: code,
	})
	require.NoError(t, err)
	return co
}

func (h *harness) buy(t *testing.T, payer, amount, currency, code string) *Checkout {
	t.Helper()
	co, err := h.engine.CreateIntent(context.Background(), CreateRequest{
		Provider:      provider.CardCheckout,
		Amount:        d(amount),
		Currency:      currency,
		Payer:         payer,
		Purpose:       payment.PurposeOneTime,
		AffiliateCode: code,
	})
	require.NoError(t, err)
	return co
}

func webhook(co *Checkout, status provider.ReportedStatus, amount string) Event {
	return Event{
		Provider:   provider.Name(co.Intent.Provider),
		ExternalID: co.Intent.ExternalID,
		Status:     status,
		Amount:     d(amount),
		Currency:   co.Intent.Currency,
		Source:     SourceWebhook,
	}
}

func (h *harness) intent(t *testing.T, ref string) *payment.Intent {
	t.Helper()
	i, err := h.tx.Stores().Intents.Get(context.Background(), ref)
	require.NoError(t, err)
	return i
}

func (h *harness) account(t *testing.T) *commission.Account {
	t.Helper()
	a, err := h.tx.Stores().Commissions.GetAccount(context.Background(), "aff_1")
	require.NoError(t, err)
	return a
}

func TestCreateIntent_Subscription(t *testing.T) {
	h := newHarness(t)
	co := h.subscribe(t, "user_1", "petxyz")

	assert.True(t, co.AffiliateCodeAccepted)
	assert.Equal(t, payment.StatusAwaitingCapture, co.Intent.Status)
	assert.Equal(t, "ext_1", co.Intent.ExternalID)
	assert.Equal(t, "PETXYZ", co.Intent.AffiliateCode)
	assert.True(t, co.Intent.BaseRate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "https://fake.test/pay/ext_1", co.RedirectTarget)

	require.Len(t, h.card.Creates, 1)
	assert.Equal(t, co.Intent.Reference, h.card.Creates[0].Reference)

	sub, err := h.tx.Stores().Subscriptions.GetByReference(context.Background(), co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPending, sub.Status)
	assert.Equal(t, "user_1", sub.UserID)
}

func TestCreateIntent_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown provider", CreateRequest{Provider: "nope", Amount: d("1"), Currency: "USD", Payer: "u", Purpose: payment.PurposeOneTime}, provider.ErrUnknown},
		{"zero amount", CreateRequest{Provider: provider.CardCheckout, Amount: d("0"), Currency: "USD", Payer: "u", Purpose: payment.PurposeOneTime}, ErrInvalidRequest},
		{"too many decimals", CreateRequest{Provider: provider.CardCheckout, Amount: d("1.001"), Currency: "USD", Payer: "u", Purpose: payment.PurposeOneTime}, ErrInvalidRequest},
		{"no payer", CreateRequest{Provider: provider.CardCheckout, Amount: d("1"), Currency: "USD", Purpose: payment.PurposeOneTime}, ErrInvalidRequest},
		{"bad purpose", CreateRequest{Provider: provider.CardCheckout, Amount: d("1"), Currency: "USD", Payer: "u", Purpose: "gift"}, ErrInvalidRequest},
		{"no plan", CreateRequest{Provider: provider.CardCheckout, Amount: d("9.99"), Currency: "USD", Payer: "u", Purpose: payment.PurposeSubscription}, ErrInvalidRequest},
		{"unknown plan", CreateRequest{Provider: provider.CardCheckout, Amount: d("9.99"), Currency: "USD", Payer: "u", Purpose: payment.PurposeSubscription, PlanID: "weekly"}, subscription.ErrUnknownPlan},
		{"no price", CreateRequest{Provider: provider.CardCheckout, Amount: d("9.99"), Currency: "GBP", Payer: "u", Purpose: payment.PurposeSubscription, PlanID: subscription.PlanMonthly}, subscription.ErrNoPrice},
		{"wrong price", CreateRequest{Provider: provider.CardCheckout, Amount: d("1.00"), Currency: "USD", Payer: "u", Purpose: payment.PurposeSubscription, PlanID: subscription.PlanMonthly}, ErrPriceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateIntent(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, h.card.Creates)
}

func TestCreateIntent_DropsBadCodes(t *testing.T) {
	h := newHarness(t)

	co := h.buy(t, "user_1", "10.00", "USD", "NOSUCH")
	assert.False(t, co.AffiliateCodeAccepted)
	assert.Empty(t, co.Intent.AffiliateCode)

	co = h.buy(t, "user_affiliate", "10.00", "USD", "PETXYZ")
	assert.False(t, co.AffiliateCodeAccepted, "self-referral")
	assert.Empty(t, co.Intent.AffiliateCode)
}

func TestCreateIntent_SnapshotsRate(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "100.00", "EUR", "PETXYZ")
	assert.True(t, co.Intent.BaseRate.Equal(d("1.08")))

	_, err := h.engine.CreateIntent(context.Background(), CreateRequest{
		Provider: provider.CardCheckout, Amount: d("10"), Currency: "JPY",
		Payer: "user_1", Purpose: payment.PurposeOneTime, AffiliateCode: "PETXYZ",
	})
	assert.ErrorIs(t, err, money.ErrNoRate)
}

func TestCreateIntent_ProviderFailureLeavesCreated(t *testing.T) {
	h := newHarness(t)
	h.card.CreateErr = provider.Unavailable(provider.CardCheckout, "create", assert.AnError)

	_, err := h.engine.CreateIntent(context.Background(), CreateRequest{
		Provider: provider.CardCheckout, Amount: d("5"), Currency: "USD",
		Payer: "user_1", Purpose: payment.PurposeOneTime,
	})
	assert.ErrorIs(t, err, provider.ErrUnavailable)

	intents, err := h.tx.Stores().Intents.ListByPayer(context.Background(), "user_1", nil, 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, payment.StatusCreated, intents[0].Status)
	assert.Empty(t, intents[0].ExternalID)
}

func TestHappyPath_MonthlyWithAffiliate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "PETXYZ")

	h.advance(time.Minute)
	out, err := h.engine.Reconcile(ctx, webhook(co, provider.StatusApproved, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultCaptured, out.Result)
	assert.Equal(t, payment.StatusAwaitingCapture, out.PreviousStatus)
	assert.Equal(t, payment.StatusCaptured, out.Status)

	require.NotNil(t, out.Subscription)
	assert.Equal(t, subscription.StatusActive, out.Subscription.Status)
	assert.Equal(t, h.clock, *out.Subscription.StartDate)
	assert.Equal(t, h.clock.AddDate(0, 1, 0), *out.Subscription.EndDate)

	require.NotNil(t, out.Commission)
	assert.True(t, out.Commission.Amount.Equal(d("1.00")), "got %s", out.Commission.Amount)
	assert.Equal(t, commission.TierBronze, out.Commission.Tier)

	acct := h.account(t)
	assert.True(t, acct.LifetimeEarnings.Equal(d("1.00")))
	assert.True(t, acct.AvailableBalance.Equal(d("1.00")))

	active, err := h.tx.Stores().Subscriptions.GetActive(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, co.Intent.Reference, active.ActivatingReference)

	assert.Equal(t, []Result{ResultCaptured}, h.sink.results())
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "PETXYZ")
	ev := webhook(co, provider.StatusApproved, "9.99")

	first, err := h.engine.Reconcile(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, ResultCaptured, first.Result)

	for range 3 {
		again, err := h.engine.Reconcile(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, ResultDuplicate, again.Result)
		assert.Equal(t, payment.StatusCaptured, again.Status)
	}

	entries, err := h.tx.Stores().Commissions.ListEntries(ctx, "aff_1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.True(t, h.account(t).LifetimeEarnings.Equal(d("1.00")))
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "PETXYZ")
	ev := webhook(co, provider.StatusApproved, "9.99")

	var wg sync.WaitGroup
	results := make(chan Result, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.Reconcile(ctx, ev)
			if err == nil {
				results <- out.Result
			}
		}()
	}
	wg.Wait()
	close(results)

	counts := map[Result]int{}
	for r := range results {
		counts[r]++
	}
	assert.Equal(t, 1, counts[ResultCaptured])
	assert.Equal(t, 9, counts[ResultDuplicate])
	assert.True(t, h.account(t).LifetimeEarnings.Equal(d("1.00")))
}

func TestReconcile_OrderIndependent(t *testing.T) {
	orders := map[string][]provider.ReportedStatus{
		"pending first":  {provider.StatusPending, provider.StatusApproved},
		"approved first": {provider.StatusApproved, provider.StatusPending},
	}
	for name, statuses := range orders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			co := h.subscribe(t, "user_1", "")
			for _, st := range statuses {
				_, err := h.engine.Reconcile(context.Background(), webhook(co, st, "9.99"))
				require.NoError(t, err)
			}
			assert.Equal(t, payment.StatusCaptured, h.intent(t, co.Intent.Reference).Status)
			active, err := h.tx.Stores().Subscriptions.GetActive(context.Background(), "user_1")
			require.NoError(t, err)
			assert.Equal(t, co.Intent.Reference, active.ActivatingReference)
		})
	}
}

// settledState is what a confirmed payment leaves behind.
type settledState struct {
	intentStatus payment.Status
	subStatus    subscription.Status
	start, end   time.Time
	entries      int
	entryAmount  string
	entryTier    commission.Tier
	lifetime     string
}

func (h *harness) settled(t *testing.T, co *Checkout) settledState {
	t.Helper()
	ctx := context.Background()
	st := settledState{intentStatus: h.intent(t, co.Intent.Reference).Status}

	active, err := h.tx.Stores().Subscriptions.GetActive(ctx, "user_1")
	require.NoError(t, err)
	require.Equal(t, co.Intent.Reference, active.ActivatingReference)
	st.subStatus = active.Status
	st.start, st.end = *active.StartDate, *active.EndDate

	entries, err := h.tx.Stores().Commissions.ListEntries(ctx, "aff_1", 10)
	require.NoError(t, err)
	st.entries = len(entries)
	if len(entries) > 0 {
		st.entryAmount = entries[0].Amount.StringFixed(2)
		st.entryTier = entries[0].Tier
	}
	st.lifetime = h.account(t).LifetimeEarnings.StringFixed(2)
	return st
}

func TestCaptureAndWebhook_Commute(t *testing.T) {
	captureFirst := newHarness(t)
	co1 := captureFirst.subscribe(t, "user_1", "PETXYZ")
	captureFirst.advance(time.Minute)
	out, err := captureFirst.engine.Capture(context.Background(), co1.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultCaptured, out.Result)
	out, err = captureFirst.engine.Reconcile(context.Background(), webhook(co1, provider.StatusApproved, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)

	webhookFirst := newHarness(t)
	co2 := webhookFirst.subscribe(t, "user_1", "PETXYZ")
	webhookFirst.advance(time.Minute)
	out, err = webhookFirst.engine.Reconcile(context.Background(), webhook(co2, provider.StatusApproved, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultCaptured, out.Result)
	out, err = webhookFirst.engine.Capture(context.Background(), co2.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)

	a, b := captureFirst.settled(t, co1), webhookFirst.settled(t, co2)
	assert.Equal(t, a, b)
	assert.Equal(t, settledState{
		intentStatus: payment.StatusCaptured,
		subStatus:    subscription.StatusActive,
		start:        t0.Add(time.Minute),
		end:          t0.Add(time.Minute).AddDate(0, 1, 0),
		entries:      1,
		entryAmount:  "1.00",
		entryTier:    commission.TierBronze,
		lifetime:     "1.00",
	}, a)
}

func TestReconcile_AmountMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "PETXYZ")

	out, err := h.engine.Reconcile(ctx, webhook(co, provider.StatusApproved, "0.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, payment.ReasonAmountMismatch, out.Reason)
	assert.Nil(t, out.Subscription)
	assert.Nil(t, out.Commission)

	intent := h.intent(t, co.Intent.Reference)
	assert.Equal(t, payment.StatusFailed, intent.Status)
	assert.Equal(t, payment.ReasonAmountMismatch, intent.FailureReason)

	sub, err := h.tx.Stores().Subscriptions.GetByReference(ctx, co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, sub.Status)
	assert.True(t, h.account(t).LifetimeEarnings.IsZero())

	// A correct approval afterwards changes nothing.
	out, err = h.engine.Reconcile(ctx, webhook(co, provider.StatusApproved, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)
	assert.Equal(t, payment.StatusFailed, out.Status)
}

func TestReconcile_CurrencyMismatch(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "9.99", "USD", "")
	ev := webhook(co, provider.StatusApproved, "9.99")
	ev.Currency = "EUR"

	out, err := h.engine.Reconcile(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, payment.ReasonAmountMismatch, out.Reason)
}

func TestReconcile_RejectedAfterPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "PETXYZ")

	out, err := h.engine.Reconcile(ctx, webhook(co, provider.StatusPending, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultPending, out.Result)
	assert.Equal(t, payment.StatusAwaitingCapture, h.intent(t, co.Intent.Reference).Status)

	out, err = h.engine.Reconcile(ctx, webhook(co, provider.StatusRejected, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, payment.ReasonRejected, out.Reason)

	_, err = h.tx.Stores().Subscriptions.GetActive(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	assert.True(t, h.account(t).LifetimeEarnings.IsZero())
}

func TestReconcile_Cancelled(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "20.00", "USD", "")

	out, err := h.engine.Reconcile(context.Background(), webhook(co, provider.StatusCancelled, "20.00"))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, out.Result)
	assert.Equal(t, payment.ReasonCancelled, h.intent(t, co.Intent.Reference).FailureReason)
}

func TestReconcile_UnknownReference(t *testing.T) {
	h := newHarness(t)
	out, err := h.engine.Reconcile(context.Background(), Event{
		Provider: provider.CardCheckout, ExternalID: "ext_404",
		Status: provider.StatusApproved, Amount: d("1"), Currency: "USD", Source: SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultUnknownReference, out.Result)
	assert.Empty(t, h.sink.results())
}

func TestReconcile_WrongProviderIsUnknown(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "5.00", "USD", "")
	ev := webhook(co, provider.StatusApproved, "5.00")
	ev.Provider = provider.RegionalWallet

	out, err := h.engine.Reconcile(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ResultUnknownReference, out.Result)
}

func TestReconcile_InvalidStatus(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "5.00", "USD", "")
	_, err := h.engine.Reconcile(context.Background(), webhook(co, "refunded", "5.00"))
	assert.Error(t, err)
}

func TestReconcile_EarlyPushBindsExternalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.card.CreateErr = provider.Unavailable(provider.CardCheckout, "create", assert.AnError)
	_, err := h.engine.CreateIntent(ctx, CreateRequest{
		Provider: provider.CardCheckout, Amount: d("5.00"), Currency: "USD",
		Payer: "user_1", Purpose: payment.PurposeOneTime,
	})
	require.Error(t, err)
	intents, err := h.tx.Stores().Intents.ListByPayer(ctx, "user_1", nil, 1)
	require.NoError(t, err)
	ref := intents[0].Reference

	out, err := h.engine.Reconcile(ctx, Event{
		Reference: ref, Provider: provider.CardCheckout, ExternalID: "ext_early",
		Status: provider.StatusApproved, Amount: d("5.00"), Currency: "usd", Source: SourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultCaptured, out.Result)

	intent := h.intent(t, ref)
	assert.Equal(t, "ext_early", intent.ExternalID)
	assert.Equal(t, payment.StatusCaptured, intent.Status)
}

func TestSingleActiveSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.subscribe(t, "user_1", "")
	_, err := h.engine.Reconcile(ctx, webhook(first, provider.StatusApproved, "9.99"))
	require.NoError(t, err)

	h.advance(10 * 24 * time.Hour)
	second := h.subscribe(t, "user_1", "")
	out, err := h.engine.Reconcile(ctx, webhook(second, provider.StatusApproved, "9.99"))
	require.NoError(t, err)
	require.Equal(t, ResultCaptured, out.Result)

	history, err := h.tx.Stores().Subscriptions.ListByUser(ctx, "user_1", 10)
	require.NoError(t, err)
	active := 0
	for _, s := range history {
		if s.Status == subscription.StatusActive {
			active++
			assert.Equal(t, second.Intent.Reference, s.ActivatingReference)
		}
	}
	assert.Equal(t, 1, active)

	old, err := h.tx.Stores().Subscriptions.GetByReference(ctx, first.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusExpired, old.Status)
	assert.Equal(t, h.clock, *old.EndDate)
}

func TestTierPromotion_AppliesFromNextCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	big := h.buy(t, "user_1", "5000.00", "USD", "PETXYZ")
	out, err := h.engine.Reconcile(ctx, webhook(big, provider.StatusApproved, "5000.00"))
	require.NoError(t, err)
	assert.True(t, out.Commission.Amount.Equal(d("500")))
	assert.Equal(t, commission.TierBronze, out.Commission.Tier)
	assert.Equal(t, commission.TierSilver, h.account(t).Tier)

	small := h.buy(t, "user_2", "100.00", "USD", "PETXYZ")
	out, err = h.engine.Reconcile(ctx, webhook(small, provider.StatusApproved, "100.00"))
	require.NoError(t, err)
	assert.True(t, out.Commission.Amount.Equal(d("15")))
	assert.Equal(t, commission.TierSilver, out.Commission.Tier)

	acct := h.account(t)
	assert.True(t, acct.LifetimeEarnings.Equal(d("515")))
	assert.Equal(t, commission.TierSilver, acct.Tier)
}

func TestCommission_ConvertedToBaseCurrency(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "100.00", "EUR", "PETXYZ")

	out, err := h.engine.Reconcile(context.Background(), webhook(co, provider.StatusApproved, "100.00"))
	require.NoError(t, err)
	assert.True(t, out.Commission.Amount.Equal(d("10.80")), "got %s", out.Commission.Amount)
}

func TestReverse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "PETXYZ")

	ev := webhook(co, provider.StatusApproved, "9.99")
	ev.Reversal = true
	out, err := h.engine.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result, "not captured yet")

	ev.Reversal = false
	_, err = h.engine.Reconcile(ctx, ev)
	require.NoError(t, err)

	ev.Reversal = true
	out, err = h.engine.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultReversed, out.Result)
	require.NotNil(t, out.Subscription)
	assert.Equal(t, subscription.StatusCancelled, out.Subscription.Status)

	out, err = h.engine.Reconcile(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)

	// The intent and the commission stay as recorded.
	assert.Equal(t, payment.StatusCaptured, h.intent(t, co.Intent.Reference).Status)
	assert.True(t, h.account(t).LifetimeEarnings.Equal(d("1.00")))
}

func TestReverse_OneTimePurchaseChangesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.buy(t, "user_1", "12.00", "USD", "PETXYZ")

	_, err := h.engine.Reconcile(ctx, webhook(co, provider.StatusApproved, "12.00"))
	require.NoError(t, err)

	// A dispute and then a refund for the same payment.
	for range 2 {
		ev := webhook(co, provider.StatusApproved, "12.00")
		ev.Reversal = true
		out, err := h.engine.Reconcile(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, ResultDuplicate, out.Result)
		assert.False(t, out.Changed())
	}

	assert.Equal(t, []Result{ResultCaptured, ResultDuplicate, ResultDuplicate}, h.sink.results())
	assert.Equal(t, payment.StatusCaptured, h.intent(t, co.Intent.Reference).Status)
	assert.True(t, h.account(t).LifetimeEarnings.Equal(d("1.20")))
}

func TestCapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "")

	out, err := h.engine.Capture(ctx, co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultCaptured, out.Result)
	assert.Equal(t, SourceCapture, out.Source)

	out, err = h.engine.Capture(ctx, co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)
	assert.Equal(t, 1, h.card.CaptureCalls(co.Intent.ExternalID))
}

func TestCapture_RetriesUnavailable(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "12.00", "USD", "")
	h.card.CaptureErrs = []error{provider.Unavailable(provider.CardCheckout, "capture", assert.AnError)}

	out, err := h.engine.Capture(context.Background(), co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultCaptured, out.Result)
	assert.Equal(t, 2, h.card.CaptureCalls(co.Intent.ExternalID))
}

func TestCapture_ExhaustedLeavesAwaiting(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "12.00", "USD", "")
	unavailable := provider.Unavailable(provider.CardCheckout, "capture", assert.AnError)
	h.card.CaptureErrs = []error{unavailable, unavailable, unavailable}

	out, err := h.engine.Capture(context.Background(), co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultUnavailable, out.Result)
	assert.Equal(t, payment.StatusAwaitingCapture, out.Status)
	assert.Equal(t, payment.StatusAwaitingCapture, h.intent(t, co.Intent.Reference).Status)
}

func TestCapture_RejectedIsReturned(t *testing.T) {
	h := newHarness(t)
	co := h.buy(t, "user_1", "12.00", "USD", "")
	h.card.CaptureErrs = []error{provider.Rejected(provider.CardCheckout, "capture", assert.AnError)}

	_, err := h.engine.Capture(context.Background(), co.Intent.Reference)
	assert.ErrorIs(t, err, provider.ErrRejected)
	assert.Equal(t, 1, h.card.CaptureCalls(co.Intent.ExternalID))
}

func TestCapture_NeedsExternalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.card.CreateErr = provider.Rejected(provider.CardCheckout, "create", assert.AnError)
	_, _ = h.engine.CreateIntent(ctx, CreateRequest{
		Provider: provider.CardCheckout, Amount: d("5.00"), Currency: "USD",
		Payer: "user_1", Purpose: payment.PurposeOneTime,
	})
	intents, err := h.tx.Stores().Intents.ListByPayer(ctx, "user_1", nil, 1)
	require.NoError(t, err)

	_, err = h.engine.Capture(ctx, intents[0].Reference)
	assert.ErrorIs(t, err, ErrNotCapturable)

	_, err = h.engine.Capture(ctx, "pay_missing")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	co := h.subscribe(t, "user_1", "")

	out, err := h.engine.Expire(ctx, co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultExpired, out.Result)
	assert.Equal(t, payment.ReasonNoResponse, out.Reason)

	sub, err := h.tx.Stores().Subscriptions.GetByReference(ctx, co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, sub.Status)

	out, err = h.engine.Expire(ctx, co.Intent.Reference)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)

	// A late approval is recorded as a duplicate and grants nothing.
	out, err = h.engine.Reconcile(ctx, webhook(co, provider.StatusApproved, "9.99"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, out.Result)
	assert.Equal(t, payment.StatusExpired, out.Status)
	_, err = h.tx.Stores().Subscriptions.GetActive(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}
