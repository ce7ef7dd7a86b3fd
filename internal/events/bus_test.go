package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/domain"
)

func TestEventBus_TypedSubscription(t *testing.T) {
	eb := NewEventBus()
	settled := eb.Subscribe(domain.EventSettlementExecuted)
	defer eb.Unsubscribe(settled)

	eb.Emit(domain.EventTransactionInitiated, "tx-1", nil)
	eb.Emit(domain.EventSettlementExecuted, "tx-1", map[string]interface{}{"seller_amount": "352550.00"})

	select {
	case got := <-settled:
		assert.Equal(t, domain.EventSettlementExecuted, got.Type)
		assert.Equal(t, "tx-1", got.Subject)
		assert.Equal(t, "352550.00", got.Data["seller_amount"])
	default:
		t.Fatal("expected a settlement event")
	}

	select {
	case got := <-settled:
		t.Fatalf("unexpected extra event %s", got.Type)
	default:
	}
}

func TestEventBus_AllEventsSubscription(t *testing.T) {
	eb := NewEventBus()
	all := eb.Subscribe()
	defer eb.Unsubscribe(all)

	eb.Emit(domain.EventTransactionInitiated, "tx-1", nil)
	eb.Emit(domain.EventDisputeRaised, "tx-1", nil)

	require.Len(t, all, 2)
	first := <-all
	assert.Equal(t, domain.EventTransactionInitiated, first.Type)
}

func TestEventBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	eb := NewEventBus()
	eb.bufferSize = 1
	ch := eb.Subscribe(domain.EventPaymentReleased)
	defer eb.Unsubscribe(ch)

	// Second emit overflows the buffer; Emit must not block.
	eb.Emit(domain.EventPaymentReleased, "tx-1", nil)
	eb.Emit(domain.EventPaymentReleased, "tx-1", nil)

	assert.Len(t, ch, 1)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe(domain.EventTaskAssigned)
	assert.Equal(t, 1, eb.SubscriberCount())

	eb.Unsubscribe(ch)
	assert.Zero(t, eb.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestEnvelope_Shape(t *testing.T) {
	e := NewEnvelope(domain.EventEarnestMoneyDeposited, "tx-9", map[string]interface{}{"amount": "10000.00"})
	assert.Equal(t, "1.0", e.SpecVersion)
	assert.Equal(t, "tx-9", e.Subject)
	assert.NotEmpty(t, e.ID)

	data, err := e.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"specversion":"1.0"`)
}
