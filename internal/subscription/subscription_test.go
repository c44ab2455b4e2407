package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petnest/paycore/internal/config"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (Store, seedFunc) {
		return NewMemoryStore(), func(*testing.T, string, string) {}
	})
}

func TestPlanEndDates(t *testing.T) {
	catalog := DefaultCatalog()
	start := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

	monthly, err := catalog.Plan(PlanMonthly)
	require.NoError(t, err)
	// Calendar month arithmetic: Jan 31 + 1 month normalizes to Mar 3.
	assert.Equal(t, start.AddDate(0, 1, 0), monthly.EndDate(start))

	yearly, err := catalog.Plan(PlanYearly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2027, 1, 31, 9, 0, 0, 0, time.UTC), yearly.EndDate(start))

	lifetime, err := catalog.Plan(PlanLifetime)
	require.NoError(t, err)
	assert.Equal(t, 2126, lifetime.EndDate(start).Year())

	_, err = catalog.Plan("weekly")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestCatalogPrice(t *testing.T) {
	catalog := DefaultCatalog()

	price, err := catalog.Price(PlanMonthly, "usd")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("9.99")))

	_, err = catalog.Price(PlanMonthly, "JPY")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("1m")
	require.NoError(t, err)
	assert.Equal(t, Duration{Months: 1}, d)
	assert.Equal(t, "1m", d.String())

	d, err = ParseDuration("100y")
	require.NoError(t, err)
	assert.Equal(t, Duration{Years: 100}, d)

	d, err = ParseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, Duration{Days: 30}, d)

	for _, bad := range []string{"", "m", "0m", "-1y", "2w"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestCatalogFromConfig(t *testing.T) {
	catalog, err := CatalogFromConfig([]config.PlanSpec{
		{ID: "quarterly", Duration: "3m", Prices: map[string]string{"usd": "24.99"}},
	})
	require.NoError(t, err)

	price, err := catalog.Price("quarterly", "USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("24.99")))

	_, err = CatalogFromConfig([]config.PlanSpec{{ID: "bad", Duration: "3w"}})
	assert.Error(t, err)

	_, err = CatalogFromConfig([]config.PlanSpec{{ID: "bad", Duration: "1m", Prices: map[string]string{"USD": "1.999"}}})
	assert.Error(t, err)
}

func TestService_GetActiveSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ledger := NewLedger(DefaultCatalog())
	svc := NewService(store)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	sub, err := svc.GetActiveSubscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	_, err = ledger.OpenPending(ctx, store, "user_1", PlanMonthly, "pay_1", now)
	require.NoError(t, err)
	_, err = ledger.Activate(ctx, store, "pay_1", now)
	require.NoError(t, err)

	sub, err = svc.GetActiveSubscription(ctx, "user_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, PlanMonthly, sub.PlanID)

	// Past the end date the row no longer grants access, even before the sweep.
	svc.now = func() time.Time { return now.AddDate(0, 2, 0) }
	sub, err = svc.GetActiveSubscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	history, err := svc.History(ctx, "user_1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedger_OpenPendingUnknownPlan(t *testing.T) {
	ledger := NewLedger(DefaultCatalog())
	_, err := ledger.OpenPending(context.Background(), NewMemoryStore(), "user_1", "weekly", "pay_1", time.Now())
	assert.ErrorIs(t, err, ErrUnknownPlan)
}
