package reconciliation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petnest/paycore/internal/logging"
	"github.com/petnest/paycore/internal/metrics"
	"github.com/petnest/paycore/internal/payment"
)

// Purger drops webhook idempotency records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// SweepConfig tunes the periodic sweep.
type SweepConfig struct {
	// RequeryAfter is how long an intent may sit in awaiting_capture before
	// the sweep asks its provider directly.
	RequeryAfter time.Duration
	// Expiry is the age at which a non-terminal intent expires.
	Expiry time.Duration
	// Window is how long webhook payload hashes are remembered.
	Window    time.Duration
	BatchSize int
	// Concurrency bounds parallel provider requeries.
	Concurrency int
}

// Report summarizes one sweep.
type Report struct {
	Requeried            int           `json:"requeried"`
	Captured             int           `json:"captured"`
	Expired              int           `json:"expired"`
	SubscriptionsExpired int           `json:"subscriptionsExpired"`
	WebhooksPurged       int           `json:"webhooksPurged"`
	Errors               int           `json:"errors"`
	Duration             time.Duration `json:"duration"`
}

// Sweeper runs the periodic housekeeping of the reconciliation engine:
// requerying stuck intents, expiring abandoned ones, ending lapsed
// subscriptions and purging the webhook window.
type Sweeper struct {
	engine *Engine
	purger Purger
	cfg    SweepConfig
}

// NewSweeper creates a sweeper. purger may be nil.
func NewSweeper(engine *Engine, purger Purger, cfg SweepConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{engine: engine, purger: purger, cfg: cfg}
}

// RunAll performs one sweep. Individual failures are counted and logged;
// the returned error joins the failures of whole tasks.
func (s *Sweeper) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := s.engine.now()
	report := &Report{}
	var mu sync.Mutex
	var errs []error
	fail := func(task string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Errors++
		errs = append(errs, err)
		sweepErrors.WithLabelValues(task).Inc()
	}

	var g errgroup.Group
	g.Go(func() error {
		// Requery before expiring so an intent the provider approved
		// at the last moment is captured rather than expired.
		if err := s.requery(ctx, now, report, &mu); err != nil {
			fail("requery", err)
		}
		if err := s.expire(ctx, now, report, &mu); err != nil {
			fail("expire", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := s.engine.tx.Stores().Subscriptions.ExpireEnded(ctx, now)
		if err != nil {
			fail("subscriptions", err)
			return nil
		}
		mu.Lock()
		report.SubscriptionsExpired = n
		mu.Unlock()
		metrics.SweepResults.WithLabelValues("subscriptions", "expired").Add(float64(n))
		return nil
	})
	if s.purger != nil && s.cfg.Window > 0 {
		g.Go(func() error {
			n, err := s.purger.Purge(ctx, now.Add(-s.cfg.Window))
			if err != nil {
				fail("webhook_window", err)
				return nil
			}
			mu.Lock()
			report.WebhooksPurged = n
			mu.Unlock()
			metrics.SweepResults.WithLabelValues("webhook_window", "purged").Add(float64(n))
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	sweepDuration.Observe(report.Duration.Seconds())
	sweepLastRun.SetToCurrentTime()

	logging.L(ctx).Info("sweep completed",
		"requeried", report.Requeried, "captured", report.Captured, "expired", report.Expired,
		"subscriptionsExpired", report.SubscriptionsExpired, "webhooksPurged", report.WebhooksPurged,
		"errors", report.Errors, "duration", report.Duration)
	return report, errors.Join(errs...)
}

func (s *Sweeper) requery(ctx context.Context, now time.Time, report *Report, mu *sync.Mutex) error {
	if s.cfg.RequeryAfter <= 0 {
		return nil
	}
	stale, err := s.engine.tx.Stores().Intents.ListStale(ctx,
		[]payment.Status{payment.StatusAwaitingCapture}, now.Add(-s.cfg.RequeryAfter), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, intent := range stale {
		g.Go(func() error {
			out, err := s.engine.Capture(ctx, intent.Reference)
			mu.Lock()
			defer mu.Unlock()
			report.Requeried++
			if err != nil {
				report.Errors++
				sweepErrors.WithLabelValues("requery").Inc()
				metrics.SweepResults.WithLabelValues("requery", "error").Inc()
				logging.L(ctx).Warn("requery failed", "reference", intent.Reference, "error", err)
				return nil
			}
			if out.Result == ResultCaptured {
				report.Captured++
			}
			metrics.SweepResults.WithLabelValues("requery", string(out.Result)).Inc()
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) expire(ctx context.Context, now time.Time, report *Report, mu *sync.Mutex) error {
	if s.cfg.Expiry <= 0 {
		return nil
	}
	stale, err := s.engine.tx.Stores().Intents.ListStale(ctx,
		[]payment.Status{payment.StatusCreated, payment.StatusAwaitingCapture}, now.Add(-s.cfg.Expiry), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, intent := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := s.engine.Expire(ctx, intent.Reference)
		mu.Lock()
		if err != nil {
			report.Errors++
			sweepErrors.WithLabelValues("expire").Inc()
			metrics.SweepResults.WithLabelValues("expire", "error").Inc()
			logging.L(ctx).Warn("expire failed", "reference", intent.Reference, "error", err)
		} else {
			if out.Result == ResultExpired {
				report.Expired++
			}
			metrics.SweepResults.WithLabelValues("expire", string(out.Result)).Inc()
		}
		mu.Unlock()
	}
	return nil
}

// Timer runs the sweeper on an interval.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(sweeper *Sweeper, interval time.Duration) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		sweeper:  sweeper,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic in sweep timer", "panic", r)
		}
	}()

	if _, err := t.sweeper.RunAll(ctx); err != nil {
		logging.L(ctx).Warn("sweep finished with errors", "error", err)
	}
}
