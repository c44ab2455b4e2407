package commission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/petnest/paycore/internal/pgutil"
)

// PostgresStore persists the commission ledger in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

// NewPostgresStore creates a store bound to a pool or an open transaction.
func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `a.affiliate_id, a.user_id, a.lifetime_earnings, a.available_balance,
		       a.paid_out, a.tier, a.created_at, a.updated_at,
		       COALESCE((SELECT array_agg(c.code ORDER BY c.code) FROM affiliate_codes c
		                 WHERE c.affiliate_id = a.affiliate_id), '{}')`

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO affiliate_accounts (
			affiliate_id, user_id, lifetime_earnings, available_balance,
			paid_out, tier, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acct.AffiliateID, pgutil.NullString(acct.UserID), acct.LifetimeEarnings, acct.AvailableBalance,
		acct.PaidOut, string(acct.Tier), acct.CreatedAt, acct.UpdatedAt,
	)
	if pgutil.IsUniqueViolation(err, "") {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) AddCode(ctx context.Context, affiliateID, code string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO affiliate_codes (code, affiliate_id, created_at)
		SELECT $1, affiliate_id, $3 FROM affiliate_accounts WHERE affiliate_id = $2
		ON CONFLICT (code) DO NOTHING`, code, affiliateID, at)
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
	if _, err := p.GetAccount(ctx, affiliateID); err != nil {
		return err
	}
	return ErrCodeTaken
}

func (p *PostgresStore) ResolveCode(ctx context.Context, code string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `SELECT affiliate_id FROM affiliate_codes WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownCode
	}
	return id, err
}

func (p *PostgresStore) GetAccount(ctx context.Context, affiliateID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM affiliate_accounts a
		WHERE a.affiliate_id = $1`, affiliateID)
	return scanAccount(row)
}

func (p *PostgresStore) GetAccountForUpdate(ctx context.Context, affiliateID string) (*Account, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT affiliate_id FROM affiliate_accounts
		WHERE affiliate_id = $1
		FOR UPDATE`, affiliateID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.GetAccount(ctx, id)
}

func (p *PostgresStore) InsertEntry(ctx context.Context, e *Entry) error {
	// ON CONFLICT keeps the surrounding transaction usable after a duplicate.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO commission_entries (
			id, affiliate_id, payment_reference, amount, rate, tier, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (payment_reference) DO NOTHING`,
		e.ID, e.AffiliateID, e.PaymentReference, e.Amount, e.Rate, string(e.Tier), e.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

const entryColumns = `id, affiliate_id, payment_reference, amount, rate, tier, created_at`

func (p *PostgresStore) GetEntryByReference(ctx context.Context, paymentReference string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM commission_entries WHERE payment_reference = $1`, paymentReference)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) ApplyCredit(ctx context.Context, affiliateID string, amount decimal.Decimal, tier Tier, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE affiliate_accounts
		SET lifetime_earnings = lifetime_earnings + $2,
		    available_balance = available_balance + $2,
		    tier = $3,
		    updated_at = $4
		WHERE affiliate_id = $1`, affiliateID, amount, string(tier), at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) DebitPayout(ctx context.Context, affiliateID string, amount decimal.Decimal, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE affiliate_accounts
		SET available_balance = available_balance - $2,
		    paid_out = paid_out + $2,
		    updated_at = $3
		WHERE affiliate_id = $1 AND available_balance >= $2`, affiliateID, amount, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetAccount(ctx, affiliateID); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}
	return nil
}

func (p *PostgresStore) InsertPayout(ctx context.Context, po *Payout) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO affiliate_payouts (id, affiliate_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		po.ID, po.AffiliateID, po.Amount, string(po.Status), po.CreatedAt)
	return err
}

func (p *PostgresStore) ListEntries(ctx context.Context, affiliateID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM commission_entries
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, affiliateID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumEntries(ctx context.Context, affiliateID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM commission_entries WHERE affiliate_id = $1`, affiliateID).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) ListPayouts(ctx context.Context, affiliateID string, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, affiliate_id, amount, status, created_at
		FROM affiliate_payouts
		WHERE affiliate_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, affiliateID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		po := &Payout{}
		var status string
		if err := rows.Scan(&po.ID, &po.AffiliateID, &po.Amount, &status, &po.CreatedAt); err != nil {
			return nil, err
		}
		po.Status = PayoutStatus(status)
		result = append(result, po)
	}
	return result, rows.Err()
}

func scanAccount(row *sql.Row) (*Account, error) {
	acct := &Account{}
	var (
		userID sql.NullString
		tier   string
		codes  pq.StringArray
	)
	err := row.Scan(
		&acct.AffiliateID, &userID, &acct.LifetimeEarnings, &acct.AvailableBalance,
		&acct.PaidOut, &tier, &acct.CreatedAt, &acct.UpdatedAt, &codes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.UserID = userID.String
	acct.Tier = Tier(tier)
	acct.Codes = []string(codes)
	return acct, nil
}

func scanEntry(s pgutil.Scanner) (*Entry, error) {
	e := &Entry{}
	var tier string
	if err := s.Scan(&e.ID, &e.AffiliateID, &e.PaymentReference, &e.Amount, &e.Rate, &tier, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Tier = Tier(tier)
	return e, nil
}
