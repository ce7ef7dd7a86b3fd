package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/events"
	"github.com/deedflow/backend/internal/resilience"
)

func testDispatcher(t *testing.T, reg *Registry) *Dispatcher {
	t.Helper()
	d := NewDispatcher(reg, resilience.NewRegistry().Notification, 2)
	d.policy.Sleep = func(ctx context.Context, dur time.Duration) error { return nil }
	t.Cleanup(d.Shutdown)
	return d
}

func TestRegistry_RegisterAndMatch(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Subscription{
		URL:    "https://example.test/hook",
		Events: []domain.EventType{domain.EventSettlementExecuted},
	}))
	assert.Error(t, r.Register(&Subscription{Events: []domain.EventType{domain.EventDisputeRaised}}), "URL required")
	assert.Error(t, r.Register(&Subscription{URL: "https://x.test"}), "events required")

	assert.Len(t, r.Subscribers(domain.EventSettlementExecuted), 1)
	assert.Empty(t, r.Subscribers(domain.EventDisputeRaised))
}

func TestRegistry_DisableAfterRepeatedFailures(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://example.test", Events: []domain.EventType{domain.EventDisputeRaised}}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 9; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.Len(t, r.Subscribers(domain.EventDisputeRaised), 1, "still active at 9 failures")

	r.MarkFailed(sub.ID)
	assert.Empty(t, r.Subscribers(domain.EventDisputeRaised), "disabled at 10")
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotType string
	var gotBody []byte
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = req.Header.Get("X-Escrow-Signature")
		gotType = req.Header.Get("X-Escrow-Event-Type")
		body := make([]byte, req.ContentLength)
		req.Body.Read(body)
		gotBody = body
		close(done)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:    srv.URL,
		Events: []domain.EventType{domain.EventSettlementExecuted},
		Secret: "hook-secret",
	}))
	d := testDispatcher(t, r)

	d.Dispatch(events.NewEnvelope(domain.EventSettlementExecuted, "tx-1", map[string]interface{}{"seller_amount": "352550.00"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not arrive")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "SETTLEMENT_EXECUTED", gotType)
	require.NotEmpty(t, gotSig)
	assert.True(t, VerifySignature(gotBody, gotSig[len("sha256="):], "hook-secret"))
}

func TestDispatcher_RetriesThenMarksFailed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []domain.EventType{domain.EventDisputeRaised}}
	require.NoError(t, r.Register(sub))
	d := testDispatcher(t, r)

	d.Dispatch(events.NewEnvelope(domain.EventDisputeRaised, "tx-1", nil))
	d.Shutdown()

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "three attempts per policy")
	assert.Equal(t, 1, r.ListAll()[0].FailCount)
}

func TestDispatcher_AgentScopedSubscription(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL:     srv.URL,
		Events:  []domain.EventType{domain.EventPaymentReleased},
		AgentID: "agent-title",
	}))
	d := testDispatcher(t, r)

	// Different recipient: filtered out before enqueueing.
	d.Dispatch(events.NewEnvelope(domain.EventPaymentReleased, "tx-1", map[string]interface{}{"recipient_id": "agent-other"}))
	d.Dispatch(events.NewEnvelope(domain.EventPaymentReleased, "tx-1", map[string]interface{}{"recipient_id": "agent-title"}))
	d.Shutdown()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatcher_ConsumeBus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{URL: srv.URL, Events: []domain.EventType{domain.EventTransactionInitiated}}))
	d := testDispatcher(t, r)

	bus := events.NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.ConsumeBus(ctx, bus)

	// Give the consumer goroutine a moment to subscribe.
	time.Sleep(50 * time.Millisecond)
	bus.Emit(domain.EventTransactionInitiated, "tx-1", nil)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, 2*time.Second, 20*time.Millisecond)
}
