// Package store groups the payment, subscription and commission stores
// behind a single unit of work.
//
// Reconciling a confirmed payment touches all three: the intent
// transition, the subscription activation and the commission credit must
// commit together or not at all.
package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/petnest/paycore/internal/commission"
	"github.com/petnest/paycore/internal/payment"
	"github.com/petnest/paycore/internal/pgutil"
	"github.com/petnest/paycore/internal/subscription"
)

// Stores are the stores bound to one unit of work.
type Stores struct {
	Intents       payment.Store
	Subscriptions subscription.Store
	Commissions   commission.Store
}

// Tx runs units of work. If fn returns an error nothing it wrote is kept.
type Tx interface {
	Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
	// Stores returns stores outside any unit of work, for reads.
	Stores() Stores
}

// snapshotter is implemented by the in-memory stores.
type snapshotter interface {
	Snapshot() (restore func())
}

// MemoryTx serializes units of work over in-memory stores and restores a
// snapshot when one fails.
type MemoryTx struct {
	mu     sync.Mutex
	stores Stores
	snaps  []snapshotter
}

// NewMemoryTx creates a unit-of-work runner over fresh in-memory stores.
func NewMemoryTx() *MemoryTx {
	intents := payment.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	comms := commission.NewMemoryStore()
	return &MemoryTx{
		stores: Stores{Intents: intents, Subscriptions: subs, Commissions: comms},
		snaps:  []snapshotter{intents, subs, comms},
	}
}

func (m *MemoryTx) Stores() Stores { return m.stores }

// Do runs fn while holding the global lock. Units of work must not nest.
func (m *MemoryTx) Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restores := make([]func(), 0, len(m.snaps))
	for _, s := range m.snaps {
		restores = append(restores, s.Snapshot())
	}
	defer func() {
		if p := recover(); p != nil {
			for _, r := range restores {
				r()
			}
			panic(p)
		}
		if err != nil {
			for _, r := range restores {
				r()
			}
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, m.stores)
}

// PostgresTx runs each unit of work in one database transaction.
type PostgresTx struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewPostgresTx creates a unit-of-work runner on db at READ COMMITTED.
// Conflicting writers are serialized with row locks.
func NewPostgresTx(db *sql.DB) *PostgresTx {
	return &PostgresTx{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
}

func (p *PostgresTx) Stores() Stores { return bind(p.db) }

func (p *PostgresTx) Do(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	return pgutil.WithTx(ctx, p.db, p.opts, func(tx *sql.Tx) error {
		return fn(ctx, bind(tx))
	})
}

func bind(db pgutil.DBTX) Stores {
	return Stores{
		Intents:       payment.NewPostgresStore(db),
		Subscriptions: subscription.NewPostgresStore(db),
		Commissions:   commission.NewPostgresStore(db),
	}
}

// CommissionTx adapts tx to the commission service's transaction hook.
func CommissionTx(tx Tx) commission.TxFunc {
	return func(ctx context.Context, fn func(ctx context.Context, s commission.Store) error) error {
		return tx.Do(ctx, func(ctx context.Context, st Stores) error {
			return fn(ctx, st.Commissions)
		})
	}
}
