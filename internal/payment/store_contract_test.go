package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petnest/paycore/internal/pagination"
)

func newIntent(ref, payer string, created time.Time) *Intent {
	return &Intent{
		Reference:        ref,
		Provider:         "card-checkout",
		Amount:           decimal.RequireFromString("9.99"),
		Currency:         "USD",
		Payer:            payer,
		Purpose:          PurposeSubscription,
		PlanID:           "monthly",
		AffiliateCode:    "PETXYZ",
		Status:           StatusCreated,
		BaseRate:         decimal.NewFromInt(1),
		CreatedAt:        created,
		LastTransitionAt: created,
	}
}

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newIntent("pay_a", "user_1", now)))

		got, err := s.Get(ctx, "pay_a")
		require.NoError(t, err)
		assert.Equal(t, StatusCreated, got.Status)
		assert.True(t, got.Amount.Equal(decimal.RequireFromString("9.99")))
		assert.Equal(t, "PETXYZ", got.AffiliateCode)

		assert.ErrorIs(t, s.Create(ctx, newIntent("pay_a", "user_1", now)), ErrDuplicate)

		_, err = s.Get(ctx, "pay_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set external id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newIntent("pay_b", "user_1", now)))
		require.NoError(t, s.Create(ctx, newIntent("pay_c", "user_1", now)))

		require.NoError(t, s.SetExternalID(ctx, "pay_b", "pi_123", now))
		// Same id again is a no-op.
		require.NoError(t, s.SetExternalID(ctx, "pay_b", "pi_123", now))
		assert.ErrorIs(t, s.SetExternalID(ctx, "pay_b", "pi_999", now), ErrExternalIDSet)
		assert.ErrorIs(t, s.SetExternalID(ctx, "pay_c", "pi_123", now), ErrDuplicateExternal)

		got, err := s.GetByExternalID(ctx, "card-checkout", "pi_123")
		require.NoError(t, err)
		assert.Equal(t, "pay_b", got.Reference)
		assert.Equal(t, StatusAwaitingCapture, got.Status)

		_, err = s.GetByExternalID(ctx, "crypto-invoice", "pi_123")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("transition compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newIntent("pay_d", "user_1", now)))
		require.NoError(t, s.SetExternalID(ctx, "pay_d", "pi_d", now))

		require.NoError(t, s.Transition(ctx, "pay_d", StatusAwaitingCapture, StatusCaptured, "", now))
		assert.ErrorIs(t, s.Transition(ctx, "pay_d", StatusAwaitingCapture, StatusFailed, ReasonRejected, now), ErrStaleTransition)
		assert.ErrorIs(t, s.Transition(ctx, "pay_d", StatusCaptured, StatusFailed, "", now), ErrInvalidTransition)
		assert.ErrorIs(t, s.Transition(ctx, "pay_missing", StatusAwaitingCapture, StatusCaptured, "", now), ErrNotFound)

		got, err := s.GetForUpdate(ctx, "pay_d")
		require.NoError(t, err)
		assert.Equal(t, StatusCaptured, got.Status)
	})

	t.Run("list stale and by payer", func(t *testing.T) {
		s := newStore(t)
		old := now.Add(-48 * time.Hour)
		require.NoError(t, s.Create(ctx, newIntent("pay_old", "user_2", old)))
		require.NoError(t, s.SetExternalID(ctx, "pay_old", "pi_old", old))
		require.NoError(t, s.Create(ctx, newIntent("pay_old_created", "user_2", old)))
		require.NoError(t, s.Create(ctx, newIntent("pay_new", "user_2", now)))
		require.NoError(t, s.SetExternalID(ctx, "pay_new", "pi_new", now))

		stale, err := s.ListStale(ctx, []Status{StatusAwaitingCapture}, now.Add(-24*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "pay_old", stale[0].Reference)

		stale, err = s.ListStale(ctx, []Status{StatusCreated, StatusAwaitingCapture}, now.Add(-24*time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, stale, 2)

		mine, err := s.ListByPayer(ctx, "user_2", nil, 10)
		require.NoError(t, err)
		require.Len(t, mine, 3)
		assert.Equal(t, "pay_new", mine[0].Reference)
		assert.Equal(t, "pay_old_created", mine[1].Reference)

		next, err := s.ListByPayer(ctx, "user_2", &pagination.Cursor{CreatedAt: mine[1].CreatedAt, ID: mine[1].Reference}, 10)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "pay_old", next[0].Reference)
	})
}
