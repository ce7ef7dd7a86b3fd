// Package notify delivers lifecycle events to the parties of a transaction
// over signed webhooks. Delivery is asynchronous and best-effort; the audit
// log, not notification delivery, is the record of what happened.
package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/deedflow/backend/internal/domain"
)

// Subscription is one registered webhook endpoint. An empty AgentID
// subscribes to events for every transaction; otherwise delivery is limited
// to events whose data names the agent as a participant.
type Subscription struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Events    []domain.EventType `json:"events"`
	Secret    string             `json:"secret,omitempty"`
	AgentID   string             `json:"agent_id,omitempty"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`
	FailCount int                `json:"fail_count"`
}

// Registry stores webhook subscriptions.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*Subscription
	byEvent map[domain.EventType][]*Subscription
	logger  *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*Subscription),
		byEvent: make(map[domain.EventType][]*Subscription),
		logger:  log.New(log.Writer(), "[Notify] ", log.LstdFlags),
	}
}

// Register adds a subscription and activates it.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("%w: webhook URL is required", domain.ErrValidation)
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("%w: at least one event type is required", domain.ErrValidation)
	}

	if sub.ID == "" {
		sub.ID = domain.NewID()
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return domain.NotFoundf("webhook", id)
	}
	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := make([]*Subscription, 0, len(r.byEvent[evt]))
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}
	return nil
}

// Subscribers returns the active subscriptions for an event type.
func (r *Registry) Subscribers(eventType domain.EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListAll returns every registered subscription.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		out = append(out, sub)
	}
	return out
}

// MarkFailed counts a delivery failure; ten failures disable the endpoint.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure counter after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload produces the HMAC-SHA256 hex signature subscribers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}
