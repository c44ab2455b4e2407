package commission

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	ledger := NewLedger(DefaultTiers(), "USD")

	t.Run("register and resolve", func(t *testing.T) {
		s := newStore(t)
		acct, err := ledger.RegisterAffiliate(ctx, s, "aff_1", "user_9", []string{"petxyz", "DOGS-10"}, now)
		require.NoError(t, err)
		assert.Equal(t, TierBronze, acct.Tier)

		id, err := s.ResolveCode(ctx, "PETXYZ")
		require.NoError(t, err)
		assert.Equal(t, "aff_1", id)

		got, err := s.GetAccount(ctx, "aff_1")
		require.NoError(t, err)
		assert.Equal(t, []string{"DOGS-10", "PETXYZ"}, got.Codes)
		assert.Equal(t, "user_9", got.UserID)

		_, err = ledger.RegisterAffiliate(ctx, s, "aff_1", "", nil, now)
		assert.ErrorIs(t, err, ErrAccountExists)

		_, err = ledger.RegisterAffiliate(ctx, s, "aff_2", "", nil, now)
		require.NoError(t, err)
		assert.ErrorIs(t, ledger.AddCode(ctx, s, "aff_2", "PETXYZ", now), ErrCodeTaken)
		assert.ErrorIs(t, ledger.AddCode(ctx, s, "aff_missing", "NEWCODE", now), ErrAccountNotFound)
		assert.ErrorIs(t, ledger.AddCode(ctx, s, "aff_2", "x", now), ErrInvalidCode)

		_, err = s.ResolveCode(ctx, "NOPE")
		assert.ErrorIs(t, err, ErrUnknownCode)
	})

	t.Run("credit is once per payment", func(t *testing.T) {
		s := newStore(t)
		_, err := ledger.RegisterAffiliate(ctx, s, "aff_1", "", []string{"PETXYZ"}, now)
		require.NoError(t, err)

		entry, credited, err := ledger.Credit(ctx, s, "pay_1", "petxyz", d("9.99"), now)
		require.NoError(t, err)
		assert.True(t, credited)
		assert.True(t, entry.Rate.Equal(d("0.10")))
		assert.True(t, entry.Amount.Equal(d("1.00")), "got %s", entry.Amount)
		assert.Equal(t, TierBronze, entry.Tier)

		again, credited, err := ledger.Credit(ctx, s, "pay_1", "PETXYZ", d("9.99"), now)
		require.NoError(t, err)
		assert.False(t, credited)
		assert.Equal(t, entry.ID, again.ID)

		acct, err := s.GetAccount(ctx, "aff_1")
		require.NoError(t, err)
		assert.True(t, acct.LifetimeEarnings.Equal(d("1.00")))
		assert.True(t, acct.AvailableBalance.Equal(d("1.00")))

		sum, err := s.SumEntries(ctx, "aff_1")
		require.NoError(t, err)
		assert.True(t, sum.Equal(acct.LifetimeEarnings))

		entries, err := s.ListEntries(ctx, "aff_1", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("tier uses earnings before credit and never drops", func(t *testing.T) {
		s := newStore(t)
		_, err := ledger.RegisterAffiliate(ctx, s, "aff_1", "", []string{"BIGFISH"}, now)
		require.NoError(t, err)

		// 10% of 5000 = 500 crosses the silver threshold, but this entry
		// is still credited at the bronze rate.
		first, _, err := ledger.Credit(ctx, s, "pay_a", "BIGFISH", d("5000"), now)
		require.NoError(t, err)
		assert.Equal(t, TierBronze, first.Tier)
		assert.True(t, first.Amount.Equal(d("500")))

		acct, err := s.GetAccount(ctx, "aff_1")
		require.NoError(t, err)
		assert.Equal(t, TierSilver, acct.Tier)

		second, _, err := ledger.Credit(ctx, s, "pay_b", "BIGFISH", d("100"), now)
		require.NoError(t, err)
		assert.Equal(t, TierSilver, second.Tier)
		assert.True(t, second.Rate.Equal(d("0.15")))
		assert.True(t, second.Amount.Equal(d("15")))
	})

	t.Run("payout", func(t *testing.T) {
		s := newStore(t)
		_, err := ledger.RegisterAffiliate(ctx, s, "aff_1", "", []string{"PAYME"}, now)
		require.NoError(t, err)
		_, _, err = ledger.Credit(ctx, s, "pay_p", "PAYME", d("100"), now)
		require.NoError(t, err)

		_, err = ledger.RequestPayout(ctx, s, "aff_1", d("10.01"), now)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		payout, err := ledger.RequestPayout(ctx, s, "aff_1", d("7.50"), now)
		require.NoError(t, err)
		assert.Equal(t, PayoutRequested, payout.Status)

		acct, err := s.GetAccount(ctx, "aff_1")
		require.NoError(t, err)
		assert.True(t, acct.AvailableBalance.Equal(d("2.50")))
		assert.True(t, acct.LifetimeEarnings.Equal(d("10")))
		assert.True(t, acct.PaidOut.Equal(d("7.50")))

		payouts, err := s.ListPayouts(ctx, "aff_1", 10)
		require.NoError(t, err)
		require.Len(t, payouts, 1)
		assert.True(t, payouts[0].Amount.Equal(d("7.50")))

		_, err = ledger.RequestPayout(ctx, s, "aff_1", d("0"), now)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = ledger.RequestPayout(ctx, s, "aff_missing", d("1"), now)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
