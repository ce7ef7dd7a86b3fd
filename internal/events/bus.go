// Package events fans lifecycle events out to live subscribers.
//
// The audit log in the store is the durable record; this bus is the
// real-time side channel feeding the websocket stream and the notification
// dispatcher. Delivery is best-effort: a slow subscriber drops events rather
// than blocking an orchestrator operation.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/deedflow/backend/internal/domain"
)

// Emitter publishes lifecycle events. Satisfied by EventBus and
// PubSubEventBus.
type Emitter interface {
	Emit(eventType domain.EventType, transactionID string, data map[string]interface{})
}

// Envelope is the CloudEvents 1.0 wrapper used on the wire. Subject is
// always the transaction ID.
type Envelope struct {
	SpecVersion string                 `json:"specversion"`
	Type        domain.EventType       `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject"`
	Data        map[string]interface{} `json:"data"`
}

// NewEnvelope wraps one event occurrence.
func NewEnvelope(eventType domain.EventType, transactionID string, data map[string]interface{}) *Envelope {
	return &Envelope{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "/escrow/transactions",
		ID:          domain.NewID(),
		Time:        time.Now().UTC(),
		Subject:     transactionID,
		Data:        data,
	}
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventBus is the in-process pub/sub bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[domain.EventType][]chan *Envelope
	allSubs     []chan *Envelope
	logger      *log.Logger
	bufferSize  int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[domain.EventType][]chan *Envelope),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the given event types, or every
// event when no types are passed.
func (eb *EventBus) Subscribe(eventTypes ...domain.EventType) chan *Envelope {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *Envelope, eb.bufferSize)
	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan *Envelope) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		filtered := make([]chan *Envelope, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	filtered := make([]chan *Envelope, 0, len(eb.allSubs))
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish delivers to all matching subscribers. Full channels are skipped.
func (eb *EventBus) Publish(event *Envelope) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an envelope.
func (eb *EventBus) Emit(eventType domain.EventType, transactionID string, data map[string]interface{}) {
	eb.Publish(NewEnvelope(eventType, transactionID, data))
}

// SubscriberCount returns the number of active subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}

// String implements fmt.Stringer for log lines.
func (eb *EventBus) String() string {
	return fmt.Sprintf("EventBus(%d subscribers)", eb.SubscriberCount())
}
