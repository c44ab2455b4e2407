package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petnest/paycore/internal/pgutil"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

// NewPostgresStore creates a store bound to a pool or an open transaction.
func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, plan_id, status, activating_reference,
		       start_date, end_date, created_at, updated_at`

func (p *PostgresStore) CreatePending(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, plan_id, status, activating_reference,
			start_date, end_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), sub.ActivatingReference,
		pgutil.NullTime(sub.StartDate), pgutil.NullTime(sub.EndDate), sub.CreatedAt, sub.UpdatedAt,
	)
	if pgutil.IsUniqueViolation(err, "subscriptions_activating_reference_key") {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE activating_reference = $1`, reference)
	return scanSubscriptionRow(row)
}

func (p *PostgresStore) GetActive(ctx context.Context, userID string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status = 'active'`, userID)
	return scanSubscriptionRow(row)
}

func (p *PostgresStore) CloseActive(ctx context.Context, userID string, at time.Time) (*Subscription, error) {
	// Lock every row of the user first so two activations for the same user
	// in different transactions run one after the other.
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	row := p.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = 'expired', end_date = $2, updated_at = $2
		WHERE user_id = $1 AND status = 'active'
		RETURNING `+subscriptionColumns, userID, at)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (p *PostgresStore) Activate(ctx context.Context, reference string, start, end, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'active', start_date = $2, end_date = $3, updated_at = $4
		WHERE activating_reference = $1 AND status = 'pending'`,
		reference, start, end, at)
	if pgutil.IsUniqueViolation(err, "subscriptions_one_active_per_user") {
		return ErrInvalidStatus
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetByReference(ctx, reference); err != nil {
			return err
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) CancelPending(ctx context.Context, reference string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'cancelled', updated_at = $2
		WHERE activating_reference = $1 AND status = 'pending'`, reference, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p *PostgresStore) Deactivate(ctx context.Context, reference string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'cancelled', end_date = $2, updated_at = $2
		WHERE activating_reference = $1 AND status = 'active'`, reference, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (p *PostgresStore) ExpireEnded(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND end_date <= $1`, now)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func scanSubscriptionRow(row *sql.Row) (*Subscription, error) {
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func scanSubscription(s pgutil.Scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		status     string
		start, end sql.NullTime
	)
	err := s.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &status, &sub.ActivatingReference,
		&start, &end, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	sub.StartDate = pgutil.TimePtr(start)
	sub.EndDate = pgutil.TimePtr(end)
	return sub, nil
}
