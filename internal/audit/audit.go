// Package audit fans committed reconciliation outcomes out to external sinks.
//
// Publish never blocks the reconciliation path: outcomes go onto a bounded
// queue drained by one worker. A full queue or a failing backend costs an
// audit record, never a payment.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/reconciliation"
)

// DefaultQueueSize bounds the pending outcomes.
const DefaultQueueSize = 1024

// Backend delivers an outcome somewhere.
type Backend interface {
	Name() string
	Send(ctx context.Context, o *reconciliation.Outcome) error
}

// Dispatcher queues outcomes and delivers them to every backend in order.
type Dispatcher struct {
	backends []Backend
	queue    chan *reconciliation.Outcome
	timeout  time.Duration

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var _ reconciliation.Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Start before publishing.
func NewDispatcher(queueSize int, backends ...Backend) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		backends: backends,
		queue:    make(chan *reconciliation.Outcome, queueSize),
		timeout:  5 * time.Second,
		done:     make(chan struct{}),
	}
}

// Publish enqueues o, dropping it when the queue is full or the dispatcher
// is closed.
func (d *Dispatcher) Publish(ctx context.Context, o *reconciliation.Outcome) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.AuditDropped.WithLabelValues("queue", "closed").Inc()
		return
	}
	select {
	case d.queue <- o:
	default:
		metrics.AuditDropped.WithLabelValues("queue", "overflow").Inc()
		logging.L(ctx).Warn("audit queue full, outcome dropped", "reference", o.Reference, "result", o.Result)
	}
}

// Start launches the worker. The worker drains the queue until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(context.WithoutCancel(ctx))
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for o := range d.queue {
		d.deliver(ctx, o)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, o *reconciliation.Outcome) {
	for _, b := range d.backends {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.AuditDropped.WithLabelValues(b.Name(), "panic").Inc()
					logging.L(ctx).Error("panic in audit backend", "backend", b.Name(), "panic", r)
				}
			}()
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := b.Send(sendCtx, o); err != nil {
				metrics.AuditDropped.WithLabelValues(b.Name(), "error").Inc()
				logging.L(ctx).Warn("audit delivery failed",
					"backend", b.Name(), "reference", o.Reference, "error", err)
			}
		}()
	}
}

// Close stops accepting work and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.startOnce.Do(func() { close(d.done) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
