// Package statemachine enforces the escrow transaction lifecycle. It is
// CPU-bound and synchronous: callers load the transaction under the store's
// row lock, apply a transition here, then persist the result atomically with
// its audit event.
package statemachine

import (
	"fmt"
	"time"

	"github.com/deedflow/backend/internal/domain"
)

// validTransitions is the full edge table of the lifecycle graph. SETTLED and
// CANCELLED are terminal and have no outgoing edges.
var validTransitions = map[domain.TransactionState][]domain.TransactionState{
	domain.StateInitiated: {
		domain.StateFunded,
		domain.StateCancelled,
	},
	domain.StateFunded: {
		domain.StateVerificationInProgress,
		domain.StateCancelled,
		domain.StateDisputed,
	},
	domain.StateVerificationInProgress: {
		domain.StateVerificationComplete,
		domain.StateCancelled,
		domain.StateDisputed,
	},
	domain.StateVerificationComplete: {
		domain.StateSettlementPending,
		domain.StateDisputed,
	},
	domain.StateSettlementPending: {
		domain.StateSettled,
		domain.StateDisputed,
	},
	domain.StateDisputed: {
		domain.StateVerificationInProgress,
		domain.StateSettlementPending,
		domain.StateCancelled,
	},
}

// GuardContext carries the facts the transition guards need. The orchestrator
// assembles it from the store before calling Transition.
type GuardContext struct {
	// DepositCompleted: a completed earnest-money deposit exists.
	DepositCompleted bool
	// AllTasksCompleted: every verification task is COMPLETED.
	AllTasksCompleted bool
	// AllReportsApproved: every task's report is APPROVED.
	AllReportsApproved bool
	// SettlementRef: external_tx_ref of the settlement record, if any.
	SettlementRef string
}

// StateChange describes one applied transition.
type StateChange struct {
	TransactionID string
	From          domain.TransactionState
	To            domain.TransactionState
	At            time.Time
}

// Listener receives state_changed notifications after a transition applies.
type Listener func(change StateChange)

// Machine validates and applies lifecycle transitions.
type Machine struct {
	listeners []Listener
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New builds a Machine.
func New(opts ...Option) *Machine {
	m := &Machine{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers a listener invoked after every applied transition.
func (m *Machine) OnStateChange(l Listener) {
	m.listeners = append(m.listeners, l)
}

// ValidTargets returns the reachable states from the given state.
func (m *Machine) ValidTargets(from domain.TransactionState) []domain.TransactionState {
	targets := validTransitions[from]
	out := make([]domain.TransactionState, len(targets))
	copy(out, targets)
	return out
}

// CanTransition reports whether from→to is an edge of the lifecycle graph.
func (m *Machine) CanTransition(from, to domain.TransactionState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and its guard, then mutates the transaction
// in place (state + updated_at, plus actual_closing_date on SETTLED) and
// notifies listeners. The caller persists the mutation.
func (m *Machine) Transition(tx *domain.Transaction, target domain.TransactionState, guard GuardContext) (*StateChange, error) {
	if !m.CanTransition(tx.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, tx.State, target)
	}
	if err := m.checkGuard(tx, target, guard); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	change := &StateChange{
		TransactionID: tx.ID,
		From:          tx.State,
		To:            target,
		At:            now,
	}

	tx.State = target
	tx.UpdatedAt = now
	if target == domain.StateSettled {
		closed := now
		tx.ActualClosingDate = &closed
	}

	for _, l := range m.listeners {
		l(*change)
	}
	return change, nil
}

// checkGuard enforces the necessary conditions per target state.
func (m *Machine) checkGuard(tx *domain.Transaction, target domain.TransactionState, guard GuardContext) error {
	switch target {
	case domain.StateFunded:
		if !guard.DepositCompleted {
			return fmt.Errorf("%w: no completed earnest-money deposit", domain.ErrGuardFailed)
		}
	case domain.StateVerificationInProgress:
		if tx.CustodyID == "" {
			return fmt.Errorf("%w: custody account not set", domain.ErrGuardFailed)
		}
	case domain.StateVerificationComplete:
		if !guard.AllTasksCompleted {
			return fmt.Errorf("%w: verification tasks still open", domain.ErrGuardFailed)
		}
	case domain.StateSettlementPending:
		if !guard.AllReportsApproved {
			return fmt.Errorf("%w: not all reports approved", domain.ErrGuardFailed)
		}
	case domain.StateSettled:
		if guard.SettlementRef == "" {
			return fmt.Errorf("%w: settlement has no external receipt", domain.ErrGuardFailed)
		}
	case domain.StateDisputed:
		if tx.State.IsTerminal() {
			return fmt.Errorf("%w: transaction is terminal", domain.ErrGuardFailed)
		}
	}
	return nil
}
