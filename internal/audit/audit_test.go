package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/store"
)

func record(t *testing.T, st store.Store, rec *Recorder, txID string, payload domain.EventPayload) *domain.AuditEvent {
	t.Helper()
	var event *domain.AuditEvent
	err := st.WithinTx(context.Background(), txID, func(tx store.Tx) error {
		var rerr error
		event, rerr = rec.Record(tx, txID, payload)
		return rerr
	})
	require.NoError(t, err)
	return event
}

// ============================================================================
// RECORDER
// ============================================================================

func TestRecorder_AppendsHashedEvent(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder()

	event := record(t, st, rec, "tx-1", domain.TransactionCancelledPayload{Reason: "buyer withdrew"})

	assert.Equal(t, domain.EventTransactionCancelled, event.Type)
	assert.True(t, event.SinkPending())
	assert.True(t, Verify(event), "stored hash must match recomputation")

	events, err := st.ListAuditEvents(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
}

func TestVerify_DetectsTampering(t *testing.T) {
	st := store.NewMemoryStore()
	event := record(t, st, NewRecorder(), "tx-1", domain.TransactionCancelledPayload{Reason: "original"})

	tampered := *event
	tampered.Payload = []byte(`{"reason":"rewritten"}`)
	assert.False(t, Verify(&tampered))
}

func TestRecorder_RollsBackWithOperation(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder()

	boom := errors.New("operation failed")
	err := st.WithinTx(context.Background(), "tx-1", func(tx store.Tx) error {
		if _, rerr := rec.Record(tx, "tx-1", domain.TransactionCancelledPayload{Reason: "r"}); rerr != nil {
			return rerr
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	events, err := st.ListAuditEvents(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Empty(t, events, "audit event must not outlive a failed operation")
}

// ============================================================================
// SINK + RECONCILER
// ============================================================================

type fakeSink struct {
	fail    int32 // submits to fail before succeeding
	submits int32
}

func (f *fakeSink) Submit(ctx context.Context, event *domain.AuditEvent) (*SinkReceipt, error) {
	atomic.AddInt32(&f.submits, 1)
	if atomic.AddInt32(&f.fail, -1) >= 0 {
		return nil, domain.ErrAuditSink
	}
	block := int64(7)
	return &SinkReceipt{ExternalTxRef: "sink-" + event.ID, BlockNumber: &block}, nil
}

func fastPolicy() resilience.RetryPolicy {
	p := resilience.AuditSinkPolicy
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestReconciler_BackfillsReceipts(t *testing.T) {
	st := store.NewMemoryStore()
	rec := NewRecorder()
	e1 := record(t, st, rec, "tx-1", domain.TransactionCancelledPayload{Reason: "a"})
	e2 := record(t, st, rec, "tx-2", domain.TransactionCancelledPayload{Reason: "b"})

	r := NewReconciler(st, &fakeSink{}, resilience.NewRegistry().AuditSink, time.Minute)
	r.policy = fastPolicy()

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{e1.TransactionID, e2.TransactionID} {
		events, err := st.ListAuditEvents(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].SinkPending())
		require.NotNil(t, events[0].BlockNumber)
	}

	pending, err := st.ListPendingAuditEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconciler_RetriesTransientSinkFailures(t *testing.T) {
	st := store.NewMemoryStore()
	record(t, st, NewRecorder(), "tx-1", domain.TransactionCancelledPayload{Reason: "a"})

	sink := &fakeSink{fail: 2}
	r := NewReconciler(st, sink, resilience.NewRegistry().AuditSink, time.Minute)
	r.policy = fastPolicy()

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(3), atomic.LoadInt32(&sink.submits), "two failures then success")
}

func TestReconciler_LeavesEventsPendingWhenSinkDown(t *testing.T) {
	st := store.NewMemoryStore()
	record(t, st, NewRecorder(), "tx-1", domain.TransactionCancelledPayload{Reason: "a"})

	sink := &fakeSink{fail: 1000}
	r := NewReconciler(st, sink, resilience.NewRegistry().AuditSink, time.Minute)
	r.policy = fastPolicy()

	n, _ := r.Sweep(context.Background())
	assert.Zero(t, n)

	pending, err := st.ListPendingAuditEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "unconfirmed event stays pending for the next sweep")
}

func TestHTTPSink_SubmitAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer sink-key", req.Header.Get("Authorization"))
		w.Write([]byte(`{"external_tx_ref":"0xabc","block_number":12}`))
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "sink-key", 0)
	event := &domain.AuditEvent{ID: "ev-1", TransactionID: "tx-1", Type: domain.EventTransactionInitiated, Payload: []byte(`{}`)}
	receipt, err := sink.Submit(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.ExternalTxRef)
	require.NotNil(t, receipt.BlockNumber)
	assert.Equal(t, int64(12), *receipt.BlockNumber)

	srv503 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv503.Close()

	_, err = NewHTTPSink(srv503.URL, "k", 0).Submit(context.Background(), event)
	assert.ErrorIs(t, err, domain.ErrAuditSink)
}
