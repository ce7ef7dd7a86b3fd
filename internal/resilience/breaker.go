package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // normal operation
	StateOpen                         // failing fast
	StateHalfOpen                     // probing for recovery
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when a breaker fails fast without calling the
// dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// halfOpenSuccesses is how many consecutive probe successes close the
// circuit again.
const halfOpenSuccesses = 2

// BreakerConfig configures one named breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// OnStateChange is invoked after every state change.
	OnStateChange func(name string, from, to BreakerState)
}

// Breaker is a per-dependency circuit breaker:
//
//	CLOSED: failures count up; at FailureThreshold the circuit opens.
//	OPEN:   calls fail fast; after RecoveryTimeout the next call probes.
//	HALF_OPEN: a failure re-opens immediately; two successes close.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to BreakerState) {
			log.Printf("[CircuitBreaker:%s] %s -> %s", name, from, to)
		}
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// WithBreakerClock injects a clock for tests.
func (b *Breaker) WithBreakerClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, applying the OPEN→HALF_OPEN timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	b.cfg.OnStateChange(b.cfg.Name, from, to)
}

// Execute runs fn if the circuit allows. In OPEN it fails fast with
// ErrCircuitOpen wrapped with the breaker name.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.currentState()
	if state == StateOpen {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrCircuitOpen)
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= halfOpenSuccesses {
			b.setState(StateClosed)
		}
	}
}

// Reset forces the breaker back to CLOSED. Test and operator use only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

// Registry holds the named breakers for one process. Construction is
// explicit so tests can inject a fresh registry.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	Custody      *Breaker
	AuditSink    *Breaker
	Notification *Breaker
}

// NewRegistry creates the three standard breakers: custody 5 failures/60s,
// audit-sink 10/30s, notification 3/120s.
func NewRegistry() *Registry {
	r := &Registry{breakers: make(map[string]*Breaker)}
	r.Custody = r.add(BreakerConfig{Name: "custody", FailureThreshold: 5, RecoveryTimeout: 60 * time.Second})
	r.AuditSink = r.add(BreakerConfig{Name: "audit-sink", FailureThreshold: 10, RecoveryTimeout: 30 * time.Second})
	r.Notification = r.add(BreakerConfig{Name: "notification", FailureThreshold: 3, RecoveryTimeout: 120 * time.Second})
	return r
}

func (r *Registry) add(cfg BreakerConfig) *Breaker {
	b := NewBreaker(cfg)
	r.breakers[cfg.Name] = b
	return b
}

// Get returns a breaker by name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns the state of every breaker, for health reporting.
func (r *Registry) Stats() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
