// Package workflow models the verification work for one closing as a DAG
// over task types. Deadlines are cumulative along dependency chains and are
// computed once at creation; they do not shift afterwards.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/money"
)

// EscalationWindow is how far past its deadline a task may run before the
// overdue report flags it for escalation.
const EscalationWindow = 48 * time.Hour

// TaskSpec describes one task type in a workflow definition.
type TaskSpec struct {
	Type          domain.TaskType
	DependsOn     []domain.TaskType
	DeadlineDays  int
	PaymentAmount money.Amount
	AgentID       string
}

// Definition is a validated DAG of task specs.
type Definition struct {
	specs map[domain.TaskType]TaskSpec
	order []domain.TaskType // topological order, stable
}

// Override adjusts a single task type at workflow-creation time. Zero fields
// keep the defaults.
type Override struct {
	DeadlineDays  int
	PaymentAmount *money.Amount
	AgentID       string
}

// DefaultSpecs is the standard closing verification topology:
//
//	TITLE_SEARCH ──┐
//	               ├──► LENDING
//	INSPECTION ──► APPRAISAL ──┘
func DefaultSpecs() []TaskSpec {
	return []TaskSpec{
		{Type: domain.TaskTitleSearch, DeadlineDays: 5, PaymentAmount: money.MustParse("1200.00")},
		{Type: domain.TaskInspection, DeadlineDays: 3, PaymentAmount: money.MustParse("500.00")},
		{Type: domain.TaskAppraisal, DependsOn: []domain.TaskType{domain.TaskInspection}, DeadlineDays: 4, PaymentAmount: money.MustParse("400.00")},
		{Type: domain.TaskLending, DependsOn: []domain.TaskType{domain.TaskTitleSearch, domain.TaskAppraisal}, DeadlineDays: 7, PaymentAmount: money.MustParse("0.00")},
	}
}

// NewDefinition validates the specs (unknown dependencies, duplicates,
// cycles) and fixes a topological order.
func NewDefinition(specs []TaskSpec) (*Definition, error) {
	d := &Definition{specs: make(map[domain.TaskType]TaskSpec, len(specs))}
	for _, s := range specs {
		if _, dup := d.specs[s.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate task type %s", domain.ErrValidation, s.Type)
		}
		d.specs[s.Type] = s
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := d.specs[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on unknown type %s", domain.ErrValidation, s.Type, dep)
			}
		}
	}
	if err := d.detectCycles(); err != nil {
		return nil, err
	}
	d.order = d.topoOrder()
	return d, nil
}

// DefaultDefinition builds the standard topology with optional per-type
// overrides.
func DefaultDefinition(overrides map[domain.TaskType]Override) (*Definition, error) {
	specs := DefaultSpecs()
	for i, s := range specs {
		ov, ok := overrides[s.Type]
		if !ok {
			continue
		}
		if ov.DeadlineDays > 0 {
			specs[i].DeadlineDays = ov.DeadlineDays
		}
		if ov.PaymentAmount != nil {
			specs[i].PaymentAmount = *ov.PaymentAmount
		}
		if ov.AgentID != "" {
			specs[i].AgentID = ov.AgentID
		}
	}
	return NewDefinition(specs)
}

// detectCycles runs a depth-first search with a recursion-stack marker and
// fails if any task type can reach itself.
func (d *Definition) detectCycles() error {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[domain.TaskType]int, len(d.specs))

	var visit func(t domain.TaskType) error
	visit = func(t domain.TaskType) error {
		switch state[t] {
		case inStack:
			return fmt.Errorf("%w: %s reaches itself", domain.ErrCircularDep, t)
		case done:
			return nil
		}
		state[t] = inStack
		for _, dep := range d.specs[t].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[t] = done
		return nil
	}

	for t := range d.specs {
		if err := visit(t); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder returns task types dependency-first; ties break alphabetically
// so the order is stable across runs.
func (d *Definition) topoOrder() []domain.TaskType {
	types := make([]domain.TaskType, 0, len(d.specs))
	for t := range d.specs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	visited := make(map[domain.TaskType]bool, len(types))
	order := make([]domain.TaskType, 0, len(types))

	var visit func(t domain.TaskType)
	visit = func(t domain.TaskType) {
		if visited[t] {
			return
		}
		visited[t] = true
		deps := append([]domain.TaskType(nil), d.specs[t].DependsOn...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, t)
	}
	for _, t := range types {
		visit(t)
	}
	return order
}

// Types returns the task types in topological order.
func (d *Definition) Types() []domain.TaskType {
	out := make([]domain.TaskType, len(d.order))
	copy(out, d.order)
	return out
}

// Spec returns the spec for a task type.
func (d *Definition) Spec(t domain.TaskType) (TaskSpec, bool) {
	s, ok := d.specs[t]
	return s, ok
}

// Deadlines computes the absolute deadline per task type, base-dated from
// the workflow creation time:
//
//	deadline(T) = max(deadline(d) for d in deps(T)) + T.deadline_days
func (d *Definition) Deadlines(createdAt time.Time) map[domain.TaskType]time.Time {
	deadlines := make(map[domain.TaskType]time.Time, len(d.order))
	for _, t := range d.order {
		spec := d.specs[t]
		base := createdAt
		for _, dep := range spec.DependsOn {
			if dl := deadlines[dep]; dl.After(base) {
				base = dl
			}
		}
		deadlines[t] = base.AddDate(0, 0, spec.DeadlineDays)
	}
	return deadlines
}

// ExecutableFrontier returns the tasks that can run now: status ASSIGNED and
// every dependency COMPLETED. The frontier may be executed in parallel.
func (d *Definition) ExecutableFrontier(tasks []domain.VerificationTask) []domain.VerificationTask {
	byType := make(map[domain.TaskType]domain.VerificationTask, len(tasks))
	for _, task := range tasks {
		byType[task.Type] = task
	}

	var frontier []domain.VerificationTask
	for _, t := range d.order {
		task, ok := byType[t]
		if !ok || task.Status != domain.TaskAssigned {
			continue
		}
		ready := true
		for _, dep := range d.specs[t].DependsOn {
			if depTask, ok := byType[dep]; !ok || depTask.Status != domain.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			frontier = append(frontier, task)
		}
	}
	return frontier
}

// Complete reports whether every task is COMPLETED.
func Complete(tasks []domain.VerificationTask) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// OverdueTask pairs a late task with its escalation flag.
type OverdueTask struct {
	Task               domain.VerificationTask
	OverdueBy          time.Duration
	EscalationRequired bool
}

// Overdue returns tasks past their deadline and not COMPLETED. Tasks more
// than EscalationWindow late require escalation.
func Overdue(tasks []domain.VerificationTask, now time.Time) []OverdueTask {
	var out []OverdueTask
	for _, t := range tasks {
		if t.Status == domain.TaskCompleted || !now.After(t.Deadline) {
			continue
		}
		late := now.Sub(t.Deadline)
		out = append(out, OverdueTask{
			Task:               t,
			OverdueBy:          late,
			EscalationRequired: late > EscalationWindow,
		})
	}
	return out
}
