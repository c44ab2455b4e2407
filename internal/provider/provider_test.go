package provider_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petnest/paycore/internal/circuitbreaker"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/provider/providertest"
)

func TestError_Classification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusPaymentRequired, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		err := provider.FromStatus(provider.CardCheckout, "capture", tt.status, "", nil)
		assert.Equal(t, tt.retryable, provider.IsRetryable(err), "status %d", tt.status)
		assert.Equal(t, !tt.retryable, errors.Is(err, provider.ErrRejected), "status %d", tt.status)
	}

	assert.True(t, provider.IsRetryable(context.DeadlineExceeded))
	assert.False(t, provider.IsRetryable(errors.New("boom")))

	err := provider.FromStatus(provider.RegionalWallet, "create", 422, "UNPROCESSABLE_ENTITY", errors.New("bad currency"))
	assert.Contains(t, err.Error(), "regional-wallet create")
	assert.Contains(t, err.Error(), "http 422")
	assert.Contains(t, err.Error(), "UNPROCESSABLE_ENTITY")
}

func TestRegistry_GetAndNames(t *testing.T) {
	r := provider.NewRegistry(nil)
	r.Register(providertest.New(provider.CryptoInvoice, "s"))
	r.Register(providertest.New(provider.CardCheckout, "s"))

	assert.Equal(t, []provider.Name{provider.CardCheckout, provider.CryptoInvoice}, r.Names())

	c, err := r.Get(provider.CardCheckout)
	require.NoError(t, err)
	assert.Equal(t, provider.CardCheckout, c.Name())

	_, err = r.Get("paypal")
	assert.ErrorIs(t, err, provider.ErrUnknown)
}

func TestRegistry_CircuitOpensOnUnavailable(t *testing.T) {
	r := provider.NewRegistry(circuitbreaker.New(2, time.Hour))
	fake := providertest.New(provider.RegionalWallet, "s")
	outage := provider.Unavailable(provider.RegionalWallet, "capture", errors.New("503"))
	fake.CaptureErrs = []error{outage, outage, outage}
	r.Register(fake)

	c, err := r.Get(provider.RegionalWallet)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.CaptureIntent(context.Background(), "ext_1")
		assert.ErrorIs(t, err, provider.ErrUnavailable)
	}
	assert.Equal(t, []string{"regional-wallet"}, r.OpenCircuits())

	// The breaker answers without calling the adapter.
	_, err = c.CaptureIntent(context.Background(), "ext_1")
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, fake.CaptureCalls("ext_1"))
}

func TestRegistry_RejectionsDoNotTrip(t *testing.T) {
	r := provider.NewRegistry(circuitbreaker.New(1, time.Hour))
	fake := providertest.New(provider.CardCheckout, "s")
	fake.CreateErr = provider.Rejected(provider.CardCheckout, "create", errors.New("card_declined"))
	r.Register(fake)

	c, _ := r.Get(provider.CardCheckout)
	_, err := c.CreateIntent(context.Background(), provider.CreateRequest{
		Reference: "pay_1", Amount: decimal.RequireFromString("9.99"), Currency: "USD",
	})
	assert.ErrorIs(t, err, provider.ErrRejected)
	assert.Empty(t, r.OpenCircuits())
}
