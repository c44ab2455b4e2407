package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/petnest/paycore/internal/pgutil"
	"github.com/petnest/paycore/internal/provider"
)

// Window remembers processed payload hashes per provider payment.
type Window interface {
	Seen(ctx context.Context, name provider.Name, externalID, hash string) (bool, error)
	Record(ctx context.Context, name provider.Name, externalID, hash string, at time.Time) error
	// Purge forgets hashes recorded before the cutoff.
	Purge(ctx context.Context, before time.Time) (int, error)
}

type windowKey struct {
	provider   provider.Name
	externalID string
	hash       string
}

// MemoryWindow is an in-process Window. Entries older than ttl are treated
// as absent even before the sweep purges them.
type MemoryWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[windowKey]time.Time
	now     func() time.Time
}

// NewMemoryWindow creates a window holding hashes for ttl.
func NewMemoryWindow(ttl time.Duration) *MemoryWindow {
	return &MemoryWindow{ttl: ttl, entries: make(map[windowKey]time.Time), now: time.Now}
}

func (m *MemoryWindow) Seen(_ context.Context, name provider.Name, externalID, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.entries[windowKey{name, externalID, hash}]
	if !ok {
		return false, nil
	}
	return m.ttl <= 0 || m.now().Sub(at) < m.ttl, nil
}

func (m *MemoryWindow) Record(_ context.Context, name provider.Name, externalID, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[windowKey{name, externalID, hash}] = at
	return nil
}

func (m *MemoryWindow) Purge(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, at := range m.entries {
		if at.Before(before) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// PostgresWindow keeps the window in the webhook_events table.
type PostgresWindow struct {
	db pgutil.DBTX
}

// NewPostgresWindow creates a window over db.
func NewPostgresWindow(db pgutil.DBTX) *PostgresWindow {
	return &PostgresWindow{db: db}
}

func (p *PostgresWindow) Seen(ctx context.Context, name provider.Name, externalID, hash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_events
			WHERE provider = $1 AND external_id = $2 AND payload_hash = $3
		)`, string(name), externalID, hash).Scan(&exists)
	return exists, err
}

func (p *PostgresWindow) Record(ctx context.Context, name provider.Name, externalID, hash string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, external_id, payload_hash, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, external_id, payload_hash) DO NOTHING`,
		string(name), externalID, hash, at)
	return err
}

func (p *PostgresWindow) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
