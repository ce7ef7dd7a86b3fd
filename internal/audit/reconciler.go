package audit

import (
	"context"
	"log"
	"time"

	"github.com/deedflow/backend/internal/metrics"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/store"
)

// Reconciler drains pending audit events to the external sink. Each sweep
// lists events missing a receipt, submits them through the audit-sink
// breaker with the sink retry policy, and backfills receipts on success.
// Events that still fail stay pending and are retried on the next sweep.
type Reconciler struct {
	store    store.Store
	sink     Sink
	breaker  *resilience.Breaker
	policy   resilience.RetryPolicy
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// NewReconciler wires the reconciler. A zero interval defaults to 30s.
func NewReconciler(st store.Store, sink Sink, breaker *resilience.Breaker, interval time.Duration) *Reconciler {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		store:    st,
		sink:     sink,
		breaker:  breaker,
		policy:   resilience.AuditSinkPolicy,
		interval: interval,
		batch:    100,
		logger:   log.New(log.Writer(), "[AuditReconciler] ", log.LstdFlags),
	}
}

// WithMetrics reports confirmed and still-pending counts after each sweep.
func (r *Reconciler) WithMetrics(m *metrics.Metrics) *Reconciler {
	r.metrics = m
	return r
}

// Run sweeps until ctx is cancelled. Call in a goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Printf("started (interval %s, batch %d)", r.interval, r.batch)
	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Printf("sweep error after %d events: %v", n, err)
			}
		}
	}
}

// Sweep submits one batch of pending events. Returns the number of events
// that received receipts. A breaker-open error aborts the sweep early since
// every remaining submit would fail the same way.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pending, err := r.store.ListPendingAuditEvents(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	confirmed := 0
	for i := range pending {
		event := &pending[i]

		var receipt *SinkReceipt
		submit := func(ctx context.Context) error {
			var serr error
			receipt, serr = r.sink.Submit(ctx, event)
			return serr
		}
		err := r.policy.Do(ctx, func(ctx context.Context) error {
			return r.breaker.Execute(ctx, submit)
		})
		if err != nil {
			if r.breaker.State() == resilience.StateOpen {
				return confirmed, err
			}
			r.logger.Printf("event %s not confirmed: %v", event.ID, err)
			continue
		}

		if err := r.store.SetAuditReceipt(ctx, event.ID, receipt.ExternalTxRef, receipt.BlockNumber); err != nil {
			r.logger.Printf("receipt backfill failed for %s: %v", event.ID, err)
			continue
		}
		confirmed++
	}
	if r.metrics != nil {
		r.metrics.AuditConfirmed.Add(float64(confirmed))
		r.metrics.AuditPending.Set(float64(len(pending) - confirmed))
	}
	return confirmed, nil
}
