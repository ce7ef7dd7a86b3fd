// Package engine drives verification workflows: it materializes tasks from
// the DAG definition, executes the frontier through registered handlers, and
// accepts submitted reports.
//
// The engine owns task bookkeeping only. Money movement and state machine
// transitions belong to the orchestrator, which plugs itself in through the
// report sink and the completion callbacks.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/deedflow/backend/internal/audit"
	"github.com/deedflow/backend/internal/cache"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/events"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/store"
	"github.com/deedflow/backend/internal/workflow"
)

// handlerPolicy retries a task handler 3 times with 1s, 2s, 4s backoff
// before the task fails.
var handlerPolicy = resilience.RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     4 * time.Second,
	Base:         2,
}

// Handler performs one verification task and produces a report. Handlers
// are optional per type; task types without a handler stay ASSIGNED and are
// driven by external agents submitting reports.
type Handler func(ctx context.Context, task domain.VerificationTask) (*domain.VerificationReport, error)

// ReportSink receives handler-produced reports. The orchestrator installs
// its full completion flow here; the default sink is SubmitReport.
type ReportSink func(ctx context.Context, transactionID string, report *domain.VerificationReport) error

// CompletionCallback fires once when a workflow's last task completes.
// Callbacks run in registration order.
type CompletionCallback func(ctx context.Context, transactionID string)

// Engine coordinates the verification workflow for all transactions.
type Engine struct {
	store    store.Store
	recorder *audit.Recorder
	emitter  events.Emitter
	views    *cache.Views
	logger   *log.Logger
	now      func() time.Time

	mu        sync.RWMutex
	handlers  map[domain.TaskType]Handler
	callbacks []CompletionCallback
	sink      ReportSink

	retry resilience.RetryPolicy
}

// New wires an engine. emitter and views may be nil (tests).
func New(st store.Store, recorder *audit.Recorder, emitter events.Emitter, views *cache.Views) *Engine {
	e := &Engine{
		store:    st,
		recorder: recorder,
		emitter:  emitter,
		views:    views,
		logger:   log.New(log.Writer(), "[Engine] ", log.LstdFlags),
		now:      time.Now,
		handlers: make(map[domain.TaskType]Handler),
		retry:    handlerPolicy,
	}
	e.sink = e.SubmitReport
	return e
}

// WithClock injects a clock (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RegisterHandler installs the handler for a task type.
func (e *Engine) RegisterHandler(t domain.TaskType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// OnWorkflowComplete registers a completion callback.
func (e *Engine) OnWorkflowComplete(cb CompletionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// SetReportSink routes handler-produced reports through fn instead of the
// plain SubmitReport path.
func (e *Engine) SetReportSink(fn ReportSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = fn
}

func (e *Engine) handlerFor(t domain.TaskType) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[t]
	return h, ok
}

func (e *Engine) reportSink() ReportSink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sink
}

// defaultAgentID names the external agent pool for a task type when neither
// the definition nor the caller assigns one.
func defaultAgentID(t domain.TaskType) string {
	return "agent-" + strings.ToLower(string(t))
}

// CreateWorkflow materializes the default DAG (with optional per-type
// overrides) as tasks for the transaction. Deadlines are cumulative from
// now and fixed at creation. One VERIFICATION_TASK_ASSIGNED audit event is
// recorded per task.
func (e *Engine) CreateWorkflow(ctx context.Context, transactionID string, overrides map[domain.TaskType]workflow.Override) ([]domain.VerificationTask, error) {
	def, err := workflow.DefaultDefinition(overrides)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	deadlines := def.Deadlines(now)

	var tasks []domain.VerificationTask
	err = e.store.WithinTx(ctx, transactionID, func(tx store.Tx) error {
		if _, err := tx.GetTransaction(transactionID); err != nil {
			return err
		}
		if existing, err := tx.ListTasks(transactionID); err != nil {
			return err
		} else if len(existing) > 0 {
			return fmt.Errorf("%w: workflow already exists for transaction %s", domain.ErrValidation, transactionID)
		}

		for _, t := range def.Types() {
			spec, _ := def.Spec(t)
			agentID := spec.AgentID
			if agentID == "" {
				agentID = defaultAgentID(t)
			}
			task := domain.VerificationTask{
				ID:              domain.NewID(),
				TransactionID:   transactionID,
				Type:            t,
				AssignedAgentID: agentID,
				Status:          domain.TaskAssigned,
				Deadline:        deadlines[t],
				PaymentAmount:   spec.PaymentAmount,
				AssignedAt:      now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.InsertTask(&task); err != nil {
				return err
			}
			if _, err := e.recorder.Record(tx, transactionID, domain.TaskAssignedPayload{
				TaskID:          task.ID,
				TaskType:        task.Type,
				AssignedAgentID: task.AssignedAgentID,
				Deadline:        task.Deadline,
				PaymentAmount:   task.PaymentAmount,
			}); err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, transactionID)
	for _, task := range tasks {
		e.emit(domain.EventTaskAssigned, transactionID, map[string]interface{}{
			"task_id":           task.ID,
			"task_type":         string(task.Type),
			"assigned_agent_id": task.AssignedAgentID,
			"deadline":          task.Deadline.Format(time.RFC3339),
		})
	}
	e.logger.Printf("workflow created for transaction %s (%d tasks)", transactionID, len(tasks))
	return tasks, nil
}

// ExecuteFrontier runs the executable frontier through registered handlers.
// Frontier tasks run concurrently; tasks without a handler are skipped and
// stay ASSIGNED. The call returns after every started handler has finished.
func (e *Engine) ExecuteFrontier(ctx context.Context, transactionID string) error {
	def, err := workflow.DefaultDefinition(nil)
	if err != nil {
		return err
	}
	tasks, err := e.store.ListTasks(ctx, transactionID)
	if err != nil {
		return err
	}

	frontier := def.ExecutableFrontier(tasks)
	var wg sync.WaitGroup
	for _, task := range frontier {
		handler, ok := e.handlerFor(task.Type)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(task domain.VerificationTask) {
			defer wg.Done()
			e.runHandler(ctx, task, handler)
		}(task)
	}
	wg.Wait()
	return nil
}

// runHandler marks the task IN_PROGRESS, retries the handler per policy,
// and either routes the report through the sink or fails the task.
func (e *Engine) runHandler(ctx context.Context, task domain.VerificationTask, handler Handler) {
	if err := e.setTaskStatus(ctx, task.TransactionID, task.Type, domain.TaskInProgress); err != nil {
		e.logger.Printf("task %s (%s): cannot start: %v", task.ID, task.Type, err)
		return
	}

	var report *domain.VerificationReport
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var herr error
		report, herr = handler(ctx, task)
		return herr
	})
	if err != nil {
		e.logger.Printf("task %s (%s): handler exhausted retries: %v", task.ID, task.Type, err)
		if serr := e.setTaskStatus(ctx, task.TransactionID, task.Type, domain.TaskFailed); serr != nil {
			e.logger.Printf("task %s: cannot mark FAILED: %v", task.ID, serr)
		}
		return
	}

	report.TaskID = task.ID
	report.Type = task.Type
	if err := e.reportSink()(ctx, task.TransactionID, report); err != nil {
		e.logger.Printf("task %s (%s): report sink failed: %v", task.ID, task.Type, err)
	}
}

func (e *Engine) setTaskStatus(ctx context.Context, transactionID string, t domain.TaskType, status domain.TaskStatus) error {
	return e.store.WithinTx(ctx, transactionID, func(tx store.Tx) error {
		task, err := tx.GetTaskByType(transactionID, t)
		if err != nil {
			return err
		}
		task.Status = status
		task.UpdatedAt = e.now().UTC()
		return tx.UpdateTask(task)
	})
}

// SubmitReport links a report to its task, marks the task COMPLETED, and
// records VERIFICATION_COMPLETED. A COMPLETED task accepts a report whether
// the review approved it or not; approval gates payment and settlement, not
// task completion. Returns whether the workflow is now complete; completion
// callbacks have already run when it is.
func (e *Engine) SubmitReport(ctx context.Context, transactionID string, report *domain.VerificationReport) (bool, error) {
	if report.Status == "" {
		return false, fmt.Errorf("%w: report status is required", domain.ErrValidation)
	}

	now := e.now().UTC()
	complete := false
	err := e.store.WithinTx(ctx, transactionID, func(tx store.Tx) error {
		task, err := tx.GetTaskByType(transactionID, report.Type)
		if err != nil {
			return err
		}
		switch task.Status {
		case domain.TaskCompleted, domain.TaskCancelled:
			return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidState, task.ID, task.Status)
		}

		if report.ID == "" {
			report.ID = domain.NewID()
		}
		report.TaskID = task.ID
		if report.SubmittedAt.IsZero() {
			report.SubmittedAt = now
		}
		if err := tx.InsertReport(report); err != nil {
			return err
		}

		task.Status = domain.TaskCompleted
		task.ReportID = report.ID
		completed := now
		task.CompletedAt = &completed
		task.UpdatedAt = now
		if err := tx.UpdateTask(task); err != nil {
			return err
		}

		if _, err := e.recorder.Record(tx, transactionID, domain.VerificationCompletedPayload{
			TaskID:       task.ID,
			TaskType:     task.Type,
			ReportID:     report.ID,
			ReportStatus: report.Status,
		}); err != nil {
			return err
		}

		tasks, err := tx.ListTasks(transactionID)
		if err != nil {
			return err
		}
		complete = workflow.Complete(tasks)
		return nil
	})
	if err != nil {
		return false, err
	}

	e.invalidate(ctx, transactionID)
	e.emit(domain.EventVerificationCompleted, transactionID, map[string]interface{}{
		"report_id":     report.ID,
		"task_type":     string(report.Type),
		"report_status": string(report.Status),
	})

	if complete {
		e.mu.RLock()
		callbacks := append([]CompletionCallback(nil), e.callbacks...)
		e.mu.RUnlock()
		for _, cb := range callbacks {
			cb(ctx, transactionID)
		}
	}
	return complete, nil
}

// CheckDeadlines returns the overdue tasks for a transaction; tasks more
// than two days late are flagged for escalation.
func (e *Engine) CheckDeadlines(ctx context.Context, transactionID string) ([]workflow.OverdueTask, error) {
	tasks, err := e.store.ListTasks(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return workflow.Overdue(tasks, e.now().UTC()), nil
}

// CancelOpenTasks marks every non-terminal task CANCELLED inside tx.
// Returns how many were cancelled.
func (e *Engine) CancelOpenTasks(tx store.Tx, transactionID string) (int, error) {
	tasks, err := tx.ListTasks(transactionID)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	cancelled := 0
	for i := range tasks {
		task := &tasks[i]
		switch task.Status {
		case domain.TaskCompleted, domain.TaskCancelled, domain.TaskFailed:
			continue
		}
		task.Status = domain.TaskCancelled
		task.UpdatedAt = now
		if err := tx.UpdateTask(task); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (e *Engine) invalidate(ctx context.Context, transactionID string) {
	if e.views != nil {
		e.views.InvalidateTransaction(ctx, transactionID)
	}
}

func (e *Engine) emit(t domain.EventType, transactionID string, data map[string]interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(t, transactionID, data)
	}
}
