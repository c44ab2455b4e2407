package commission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petnest/paycore/internal/config"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestTierTable_For(t *testing.T) {
	tiers := DefaultTiers()
	assert.Equal(t, TierBronze, tiers.For(d("0")).Tier)
	assert.Equal(t, TierBronze, tiers.For(d("499.99")).Tier)
	assert.Equal(t, TierSilver, tiers.For(d("500")).Tier)
	assert.Equal(t, TierGold, tiers.For(d("2000")).Tier)
	assert.Equal(t, TierPlatinum, tiers.For(d("1000000")).Tier)
}

func TestTierTable_PromoteNeverDemotes(t *testing.T) {
	tiers := DefaultTiers()
	assert.Equal(t, TierSilver, tiers.Promote(TierBronze, d("600")))
	assert.Equal(t, TierGold, tiers.Promote(TierGold, d("600")))
	assert.Equal(t, TierPlatinum, tiers.Promote(TierSilver, d("12000")))
}

func TestTiersFromConfig(t *testing.T) {
	tiers, err := TiersFromConfig([]config.TierSpec{
		{Name: "gold", Threshold: "1000", Rate: "0.25"},
		{Name: "bronze", Threshold: "0", Rate: "0.05"},
	})
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, Tier("bronze"), tiers[0].Tier)
	assert.Equal(t, Tier("gold"), tiers.For(d("1500")).Tier)

	_, err = TiersFromConfig([]config.TierSpec{{Name: "silver", Threshold: "100", Rate: "0.1"}})
	assert.Error(t, err, "lowest tier must start at zero")

	_, err = TiersFromConfig([]config.TierSpec{{Name: "bronze", Threshold: "0", Rate: "1.5"}})
	assert.Error(t, err)
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("petxyz"))
	assert.True(t, ValidCode(" DOGS_10 "))
	assert.False(t, ValidCode("ab"))
	assert.False(t, ValidCode("has space"))
	assert.Equal(t, "PETXYZ", NormalizeCode(" petxyz "))
}

func directTx(s Store) TxFunc {
	return func(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
		return fn(ctx, s)
	}
}

func TestService_StatsAndAudit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ledger := NewLedger(DefaultTiers(), "USD")
	svc := NewService(store, ledger, directTx(store))

	_, err := svc.RegisterAffiliate(ctx, "aff_1", "user_1", []string{"PETXYZ"})
	require.NoError(t, err)
	require.NoError(t, svc.AddCode(ctx, "aff_1", "CATS"))

	_, _, err = ledger.Credit(ctx, store, "pay_1", "PETXYZ", d("200"), svc.now())
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, "aff_1")
	require.NoError(t, err)
	assert.True(t, stats.LifetimeEarnings.Equal(d("20")))
	assert.True(t, stats.AvailableBalance.Equal(d("20")))
	assert.Equal(t, TierBronze, stats.Tier)
	assert.Equal(t, []string{"CATS", "PETXYZ"}, stats.Codes)
	assert.Equal(t, "USD", stats.Currency)

	_, err = svc.RequestPayout(ctx, "aff_1", d("5"))
	require.NoError(t, err)

	report, err := svc.Audit(ctx, "aff_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.True(t, report.ExpectedAvailable.Equal(d("15")))

	acct, err := svc.ResolveCode(ctx, "cats")
	require.NoError(t, err)
	assert.Equal(t, "aff_1", acct.AffiliateID)

	_, err = svc.Stats(ctx, "aff_missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCredit_RateFollowsLoweredThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	before := NewLedger(DefaultTiers(), "USD")
	_, err := before.RegisterAffiliate(ctx, store, "aff_1", "user_1", []string{"PETXYZ"}, at)
	require.NoError(t, err)
	_, _, err = before.Credit(ctx, store, "pay_1", "PETXYZ", d("3000"), at)
	require.NoError(t, err)
	acct, err := store.GetAccount(ctx, "aff_1")
	require.NoError(t, err)
	require.Equal(t, TierBronze, acct.Tier)
	require.True(t, acct.LifetimeEarnings.Equal(d("300")))

	// Silver now starts at 250.
	lowered := DefaultTiers()
	lowered[1].Threshold = d("250")
	after := NewLedger(lowered, "USD")

	entry, credited, err := after.Credit(ctx, store, "pay_2", "PETXYZ", d("100"), at)
	require.NoError(t, err)
	assert.True(t, credited)
	assert.Equal(t, TierSilver, entry.Tier)
	assert.True(t, entry.Amount.Equal(d("15")), "got %s", entry.Amount)
}

func TestCredit_UnknownCode(t *testing.T) {
	ledger := NewLedger(DefaultTiers(), "USD")
	_, _, err := ledger.Credit(context.Background(), NewMemoryStore(), "pay_1", "NOPE", d("10"), time.Now())
	assert.ErrorIs(t, err, ErrUnknownCode)
}
