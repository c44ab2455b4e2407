package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/petnest/paycore/internal/circuitbreaker"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/traces"
)

// Registry holds the configured adapters by name.
type Registry struct {
	clients map[Name]Client
	breaker *circuitbreaker.Breaker
}

// NewRegistry creates an empty registry. Outbound calls of every adapter
// are guarded by breaker, keyed by provider name.
func NewRegistry(breaker *circuitbreaker.Breaker) *Registry {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Registry{clients: make(map[Name]Client), breaker: breaker}
}

// Register adds c. A second adapter with the same name replaces the first.
func (r *Registry) Register(c Client) {
	r.clients[c.Name()] = &guarded{Client: c, breaker: r.breaker}
}

// Get returns the adapter for name, or ErrUnknown.
func (r *Registry) Get(name Name) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return c, nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// OpenCircuits lists providers whose breaker is not closed.
func (r *Registry) OpenCircuits() []string {
	return r.breaker.OpenKeys()
}

// guarded adds the circuit breaker, a span and call metrics around the
// outbound calls of an adapter. Webhook verification and parsing are local
// and pass through.
type guarded struct {
	Client
	breaker *circuitbreaker.Breaker
}

func (g *guarded) CreateIntent(ctx context.Context, req CreateRequest) (*Created, error) {
	ctx, span := traces.StartSpan(ctx, "provider.create_intent",
		traces.Provider(string(g.Name())), traces.Reference(req.Reference),
		traces.Amount(req.Amount.String(), req.Currency))
	var out *Created
	err := g.call("create", func() error {
		var err error
		out, err = g.Client.CreateIntent(ctx, req)
		return err
	})
	traces.End(span, err)
	return out, err
}

func (g *guarded) CaptureIntent(ctx context.Context, externalID string) (*Capture, error) {
	ctx, span := traces.StartSpan(ctx, "provider.capture_intent",
		traces.Provider(string(g.Name())), traces.ExternalID(externalID))
	var out *Capture
	err := g.call("capture", func() error {
		var err error
		out, err = g.Client.CaptureIntent(ctx, externalID)
		return err
	})
	traces.End(span, err)
	return out, err
}

func (g *guarded) call(op string, fn func() error) error {
	start := time.Now()
	name := g.Name()
	err := g.breaker.Do(string(name), IsRetryable, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = Unavailable(name, op, err)
		metrics.ProviderCallDuration.WithLabelValues(string(name), op, "circuit_open").Observe(time.Since(start).Seconds())
		return err
	}
	metrics.ProviderCallDuration.WithLabelValues(string(name), op, outcome(err)).Observe(time.Since(start).Seconds())
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRetryable(err):
		return "unavailable"
	default:
		return "rejected"
	}
}
