package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedFunc prepares anything a store needs before a pending row for
// reference can exist (the Postgres store needs the payment intent).
type seedFunc func(t *testing.T, reference, userID string)

func runStoreContract(t *testing.T, newStore func(t *testing.T) (Store, seedFunc)) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ledger := NewLedger(DefaultCatalog())

	open := func(t *testing.T, s Store, seed seedFunc, ref, user, plan string, at time.Time) {
		t.Helper()
		seed(t, ref, user)
		_, err := ledger.OpenPending(ctx, s, user, plan, ref, at)
		require.NoError(t, err)
	}

	t.Run("activate pending", func(t *testing.T) {
		s, seed := newStore(t)
		open(t, s, seed, "pay_1", "user_1", PlanMonthly, now)

		act, err := ledger.Activate(ctx, s, "pay_1", now)
		require.NoError(t, err)
		assert.Nil(t, act.Closed)
		assert.Equal(t, StatusActive, act.Activated.Status)

		got, err := s.GetActive(ctx, "user_1")
		require.NoError(t, err)
		assert.Equal(t, "pay_1", got.ActivatingReference)
		assert.True(t, got.EndDate.Equal(now.AddDate(0, 1, 0)))

		_, err = ledger.Activate(ctx, s, "pay_1", now)
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("activation closes previous active row", func(t *testing.T) {
		s, seed := newStore(t)
		open(t, s, seed, "pay_a", "user_2", PlanMonthly, now)
		open(t, s, seed, "pay_b", "user_2", PlanYearly, now.Add(time.Hour))

		_, err := ledger.Activate(ctx, s, "pay_a", now)
		require.NoError(t, err)

		later := now.Add(10 * 24 * time.Hour)
		act, err := ledger.Activate(ctx, s, "pay_b", later)
		require.NoError(t, err)
		require.NotNil(t, act.Closed)
		assert.Equal(t, "pay_a", act.Closed.ActivatingReference)
		assert.Equal(t, StatusExpired, act.Closed.Status)
		assert.True(t, act.Closed.EndDate.Equal(later))

		history, err := s.ListByUser(ctx, "user_2", 10)
		require.NoError(t, err)
		active := 0
		for _, sub := range history {
			if sub.Status == StatusActive {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("cancel pending and deactivate", func(t *testing.T) {
		s, seed := newStore(t)
		open(t, s, seed, "pay_c", "user_3", PlanMonthly, now)
		open(t, s, seed, "pay_d", "user_3", PlanMonthly, now)

		changed, err := s.CancelPending(ctx, "pay_c", now)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.CancelPending(ctx, "pay_c", now)
		require.NoError(t, err)
		assert.False(t, changed)
		changed, err = s.CancelPending(ctx, "pay_unknown", now)
		require.NoError(t, err)
		assert.False(t, changed)

		_, err = ledger.Activate(ctx, s, "pay_d", now)
		require.NoError(t, err)
		changed, err = s.Deactivate(ctx, "pay_d", now.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, changed)

		_, err = s.GetActive(ctx, "user_3")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expire ended", func(t *testing.T) {
		s, seed := newStore(t)
		open(t, s, seed, "pay_e", "user_4", PlanMonthly, now)
		_, err := ledger.Activate(ctx, s, "pay_e", now)
		require.NoError(t, err)

		n, err := s.ExpireEnded(ctx, now.AddDate(0, 0, 15))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.ExpireEnded(ctx, now.AddDate(0, 2, 0))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		sub, err := s.GetByReference(ctx, "pay_e")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, sub.Status)
	})

	t.Run("duplicate pending row", func(t *testing.T) {
		s, seed := newStore(t)
		open(t, s, seed, "pay_f", "user_5", PlanMonthly, now)
		_, err := ledger.OpenPending(ctx, s, "user_5", PlanMonthly, "pay_f", now)
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}
