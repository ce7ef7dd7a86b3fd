package notify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/events"
	"github.com/deedflow/backend/internal/resilience"
)

// Dispatcher delivers envelopes to registered subscribers through a worker
// pool. Each delivery runs the notification retry policy behind the
// notification breaker; exhausted deliveries count against the endpoint.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	breaker    *resilience.Breaker
	policy     resilience.RetryPolicy
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	stop       sync.Once
}

type deliveryJob struct {
	subscriber *Subscription
	event      *events.Envelope
}

// NewDispatcher starts the worker pool.
func NewDispatcher(registry *Registry, breaker *resilience.Breaker, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		policy:     resilience.NotificationPolicy,
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues an envelope for every matching subscriber. A full queue
// drops the delivery rather than blocking the caller.
func (d *Dispatcher) Dispatch(event *events.Envelope) {
	for _, sub := range d.registry.Subscribers(event.Type) {
		if sub.AgentID != "" && !mentionsAgent(event, sub.AgentID) {
			continue
		}
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event}:
		default:
			d.logger.Printf("queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

// ConsumeBus forwards bus events to subscribers until ctx is cancelled.
func (d *Dispatcher) ConsumeBus(ctx context.Context, bus *events.EventBus) {
	ch := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				d.Dispatch(event)
			}
		}
	}()
}

func mentionsAgent(event *events.Envelope, agentID string) bool {
	for _, key := range []string{"buyer_agent_id", "seller_agent_id", "assigned_agent_id", "recipient_id", "raised_by"} {
		if v, ok := event.Data[key].(string); ok && v == agentID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := job.event.JSON()
	if err != nil {
		d.logger.Printf("marshal event %s failed: %v", job.event.ID, err)
		return
	}

	attempt := 0
	err = d.policy.Do(context.Background(), func(ctx context.Context) error {
		attempt++
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			return d.post(ctx, job.subscriber, job.event, payload, attempt)
		})
	})
	if err != nil {
		d.logger.Printf("delivery failed: %s -> %s: %v", job.event.Type, job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *events.Envelope, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event-Type", string(event.Type))
	req.Header.Set("X-Escrow-Event-ID", event.ID)
	req.Header.Set("X-Escrow-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if sub.Secret != "" {
		req.Header.Set("X-Escrow-Signature", "sha256="+SignPayload(payload, sub.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotification, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned %d", domain.ErrNotification, sub.URL, resp.StatusCode)
	}
	return nil
}

// Shutdown drains the queue and stops the workers. Safe to call twice.
func (d *Dispatcher) Shutdown() {
	d.stop.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// QueueDepth reports pending deliveries (health endpoint).
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }
