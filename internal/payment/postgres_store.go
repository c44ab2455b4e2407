package payment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/petnest/paycore/internal/pagination"
	"github.com/petnest/paycore/internal/pgutil"
)

const externalIDConstraint = "payment_intents_provider_external_id_key"

// PostgresStore persists intents in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

// NewPostgresStore creates a store bound to a pool or an open transaction.
func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `reference, provider, external_id, amount, currency, payer,
		       purpose, plan_id, affiliate_code, description, status,
		       failure_reason, base_rate, created_at, last_transition_at`

func (p *PostgresStore) Create(ctx context.Context, i *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents (
			reference, provider, external_id, amount, currency, payer,
			purpose, plan_id, affiliate_code, description, status,
			failure_reason, base_rate, created_at, last_transition_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		i.Reference, i.Provider, pgutil.NullString(i.ExternalID), i.Amount, i.Currency, i.Payer,
		string(i.Purpose), pgutil.NullString(i.PlanID), pgutil.NullString(i.AffiliateCode),
		pgutil.NullString(i.Description), string(i.Status),
		pgutil.NullString(i.FailureReason), i.BaseRate, i.CreatedAt, i.LastTransitionAt,
	)
	switch {
	case pgutil.IsUniqueViolation(err, externalIDConstraint):
		return ErrDuplicateExternal
	case pgutil.IsUniqueViolation(err, ""):
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, reference string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference)
	return scanIntentRow(row)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, reference string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1 FOR UPDATE`, reference)
	return scanIntentRow(row)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, provider, externalID string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE provider = $1 AND external_id = $2`, provider, externalID)
	return scanIntentRow(row)
}

func (p *PostgresStore) SetExternalID(ctx context.Context, reference, externalID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET external_id = $2, status = 'awaiting_capture', last_transition_at = $3
		WHERE reference = $1 AND external_id IS NULL AND status = 'created'`,
		reference, externalID, at)
	if pgutil.IsUniqueViolation(err, externalIDConstraint) {
		return ErrDuplicateExternal
	}
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	current, err := p.Get(ctx, reference)
	if err != nil {
		return err
	}
	switch {
	case current.ExternalID == externalID:
		return nil
	case current.ExternalID != "":
		return ErrExternalIDSet
	default:
		return ErrStaleTransition
	}
}

func (p *PostgresStore) Transition(ctx context.Context, reference string, from, to Status, reason string, at time.Time) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $3, failure_reason = $4, last_transition_at = $5
		WHERE reference = $1 AND status = $2`,
		reference, string(from), string(to), pgutil.NullString(reason), at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	if _, err := p.Get(ctx, reference); err != nil {
		return err
	}
	return ErrStaleTransition
}

func (p *PostgresStore) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Intent, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, pq.Array(names), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIntents(rows)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payer string, after *pagination.Cursor, limit int) ([]*Intent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+intentColumns+`
			FROM payment_intents
			WHERE payer = $1
			ORDER BY created_at DESC, reference DESC
			LIMIT $2`, payer, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+intentColumns+`
			FROM payment_intents
			WHERE payer = $1 AND (created_at, reference) < ($2, $3)
			ORDER BY created_at DESC, reference DESC
			LIMIT $4`, payer, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIntents(rows)
}

func scanIntentRow(row *sql.Row) (*Intent, error) {
	i, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func scanIntent(s pgutil.Scanner) (*Intent, error) {
	i := &Intent{}
	var (
		externalID, planID, affiliateCode sql.NullString
		description, failureReason        sql.NullString
		purpose, status                   string
	)
	err := s.Scan(
		&i.Reference, &i.Provider, &externalID, &i.Amount, &i.Currency, &i.Payer,
		&purpose, &planID, &affiliateCode, &description, &status,
		&failureReason, &i.BaseRate, &i.CreatedAt, &i.LastTransitionAt,
	)
	if err != nil {
		return nil, err
	}
	i.ExternalID = externalID.String
	i.PlanID = planID.String
	i.AffiliateCode = affiliateCode.String
	i.Description = description.String
	i.FailureReason = failureReason.String
	i.Purpose = Purpose(purpose)
	i.Status = Status(status)
	return i, nil
}

func scanIntents(rows *sql.Rows) ([]*Intent, error) {
	var result []*Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	return result, rows.Err()
}
