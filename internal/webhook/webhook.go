// Package webhook ingests provider payment pushes.
//
// A push is verified with the provider's own scheme, normalized, checked
// against the idempotency window and handed to the reconciliation engine
// synchronously. The payload hash is recorded only after the engine
// succeeds, so a provider retry of a push that failed here is processed
// again.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/money"
	"github.com/petnest/paycore/internal/provider"
	"github.com/petnest/paycore/internal/reconciliation"
	"github.com/petnest/paycore/internal/syncutil"
)

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrMalformed        = errors.New("malformed webhook payload")
)

// Status is what the ingestor did with a push.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
)

// Receipt describes an accepted push.
type Receipt struct {
	Status      Status                  `json:"status"`
	PayloadHash string                  `json:"payloadHash,omitempty"`
	Outcome     *reconciliation.Outcome `json:"outcome,omitempty"`
}

// Reconciler applies a normalized payment result.
type Reconciler interface {
	Reconcile(ctx context.Context, ev reconciliation.Event) (*reconciliation.Outcome, error)
}

// Ingestor processes webhook pushes.
type Ingestor struct {
	providers *provider.Registry
	window    Window
	engine    Reconciler
	locks     *syncutil.KeyLock
	now       func() time.Time
}

// NewIngestor creates an ingestor.
func NewIngestor(providers *provider.Registry, window Window, engine Reconciler) *Ingestor {
	return &Ingestor{providers: providers, window: window, engine: engine, locks: syncutil.NewKeyLock(0), now: time.Now}
}

// Ingest verifies, deduplicates and reconciles one push. A nil error means
// the push should be acknowledged to the provider.
func (i *Ingestor) Ingest(ctx context.Context, name provider.Name, raw []byte, headers http.Header) (*Receipt, error) {
	client, err := i.providers.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	if !client.VerifyWebhookSignature(ctx, raw, headers) {
		metrics.WebhookResults.WithLabelValues(string(name), "signature_invalid").Inc()
		logging.Security(ctx, logging.EventSignatureInvalid).Warn("webhook signature rejected",
			"provider", name, "bytes", len(raw))
		return nil, ErrSignatureInvalid
	}

	n, err := client.ParseWebhook(raw)
	switch {
	case errors.Is(err, provider.ErrIgnoredEvent):
		metrics.WebhookResults.WithLabelValues(string(name), string(StatusIgnored)).Inc()
		logging.L(ctx).Debug("webhook event ignored", "provider", name)
		return &Receipt{Status: StatusIgnored}, nil
	case err != nil:
		metrics.WebhookResults.WithLabelValues(string(name), "malformed").Inc()
		logging.L(ctx).Warn("malformed webhook after valid signature", "provider", name, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.ExternalID == "" && n.Reference == "" {
		metrics.WebhookResults.WithLabelValues(string(name), "malformed").Inc()
		return nil, fmt.Errorf("%w: no payment identifier", ErrMalformed)
	}

	hash := PayloadHash(name, n)
	key := n.ExternalID
	if key == "" {
		key = n.Reference
	}

	// Concurrent deliveries of one payment are applied one at a time.
	unlock, err := i.locks.Lock(ctx, string(name)+"/"+key)
	if err != nil {
		metrics.WebhookResults.WithLabelValues(string(name), "error").Inc()
		return nil, fmt.Errorf("acquire webhook lock: %w", err)
	}
	defer unlock()

	seen, err := i.window.Seen(ctx, name, key, hash)
	if err != nil {
		metrics.WebhookResults.WithLabelValues(string(name), "error").Inc()
		return nil, fmt.Errorf("check webhook window: %w", err)
	}
	if seen {
		metrics.WebhookResults.WithLabelValues(string(name), string(StatusDuplicate)).Inc()
		logging.L(ctx).Info("duplicate webhook", "provider", name, "externalId", n.ExternalID, "hash", hash)
		return &Receipt{Status: StatusDuplicate, PayloadHash: hash}, nil
	}

	out, err := i.engine.Reconcile(ctx, reconciliation.Event{
		Reference:   n.Reference,
		Provider:    name,
		ExternalID:  n.ExternalID,
		Status:      n.Status,
		Amount:      n.Amount,
		Currency:    n.Currency,
		Reversal:    n.Reversal,
		PayloadHash: hash,
		ReceivedAt:  i.now(),
		Source:      reconciliation.SourceWebhook,
	})
	if err != nil {
		metrics.WebhookResults.WithLabelValues(string(name), "error").Inc()
		logging.L(ctx).Error("webhook reconciliation failed", "provider", name, "externalId", n.ExternalID, "error", err)
		return nil, err
	}

	if err := i.window.Record(ctx, name, key, hash, i.now()); err != nil {
		// The outcome is committed; a redelivery will reconcile as a duplicate.
		logging.L(ctx).Warn("failed to record webhook hash", "provider", name, "error", err)
	}
	metrics.WebhookResults.WithLabelValues(string(name), string(out.Result)).Inc()
	return &Receipt{Status: StatusProcessed, PayloadHash: hash, Outcome: out}, nil
}

// canonical is the hashed form of a notification. Field order is fixed by
// the struct and amounts use the shortest decimal form.
type canonical struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reversal   bool   `json:"reversal"`
}

// PayloadHash is the hex SHA-256 of the normalized notification. Two pushes
// carrying the same payment facts hash equal regardless of their raw bytes.
func PayloadHash(name provider.Name, n *provider.Notification) string {
	b, _ := json.Marshal(canonical{
		Provider:   string(name),
		ExternalID: n.ExternalID,
		Reference:  n.Reference,
		Status:     string(n.Status),
		Amount:     n.Amount.String(),
		Currency:   money.NormalizeCurrency(n.Currency),
		Reversal:   n.Reversal,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
