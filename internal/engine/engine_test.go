package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/audit"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/money"
	"github.com/deedflow/backend/internal/store"
	"github.com/deedflow/backend/internal/workflow"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	e := New(st, audit.NewRecorder(), nil, nil).WithClock(func() time.Time { return testNow })
	e.retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e, st
}

func seedTransaction(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	err := st.WithinTx(context.Background(), id, func(tx store.Tx) error {
		return tx.InsertTransaction(&domain.Transaction{
			ID:                 id,
			BuyerAgentID:       "agent-buyer",
			SellerAgentID:      "agent-seller",
			PropertyID:         "prop-1",
			EarnestMoney:       money.MustParse("10000.00"),
			TotalPurchasePrice: money.MustParse("385000.00"),
			State:              domain.StateVerificationInProgress,
			CustodyID:          "acct-1",
			InitiatedAt:        testNow,
			TargetClosingDate:  testNow.AddDate(0, 0, 45),
			CreatedAt:          testNow,
			UpdatedAt:          testNow,
		})
	})
	require.NoError(t, err)
}

func approvedReport(taskType domain.TaskType) *domain.VerificationReport {
	return &domain.VerificationReport{
		AgentID: "agent-" + string(taskType),
		Type:    taskType,
		Status:  domain.ReportApproved,
	}
}

// ============================================================================
// WORKFLOW CREATION
// ============================================================================

func TestCreateWorkflow_MaterializesDefaultTopology(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")

	tasks, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	byType := make(map[domain.TaskType]domain.VerificationTask)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskAssigned, task.Status)
		byType[task.Type] = task
	}

	// Cumulative deadlines: title 5d, inspection 3d, appraisal 3+4=7d,
	// lending max(5,7)+7=14d.
	assert.Equal(t, testNow.AddDate(0, 0, 5), byType[domain.TaskTitleSearch].Deadline)
	assert.Equal(t, testNow.AddDate(0, 0, 7), byType[domain.TaskAppraisal].Deadline)
	assert.Equal(t, testNow.AddDate(0, 0, 14), byType[domain.TaskLending].Deadline)

	events, err := st.ListAuditEvents(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for _, ev := range events {
		assert.Equal(t, domain.EventTaskAssigned, ev.Type)
	}
}

func TestCreateWorkflow_OverridesAndValidation(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")

	pay := money.MustParse("750.00")
	tasks, err := e.CreateWorkflow(context.Background(), "tx-1", map[domain.TaskType]workflow.Override{
		domain.TaskInspection: {DeadlineDays: 10, PaymentAmount: &pay, AgentID: "agent-custom"},
	})
	require.NoError(t, err)

	for _, task := range tasks {
		if task.Type == domain.TaskInspection {
			assert.Equal(t, testNow.AddDate(0, 0, 10), task.Deadline)
			assert.Equal(t, "750.00", task.PaymentAmount.String())
			assert.Equal(t, "agent-custom", task.AssignedAgentID)
		}
	}

	_, err = e.CreateWorkflow(context.Background(), "tx-1", nil)
	assert.ErrorIs(t, err, domain.ErrValidation, "second workflow rejected")

	_, err = e.CreateWorkflow(context.Background(), "tx-missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ============================================================================
// FRONTIER EXECUTION
// ============================================================================

func TestExecuteFrontier_RunsOnlyRegisteredReadyTasks(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	var titleRuns int32
	e.RegisterHandler(domain.TaskTitleSearch, func(ctx context.Context, task domain.VerificationTask) (*domain.VerificationReport, error) {
		atomic.AddInt32(&titleRuns, 1)
		return approvedReport(task.Type), nil
	})
	// APPRAISAL has a handler but its dependency (INSPECTION) is not done.
	var appraisalRuns int32
	e.RegisterHandler(domain.TaskAppraisal, func(ctx context.Context, task domain.VerificationTask) (*domain.VerificationReport, error) {
		atomic.AddInt32(&appraisalRuns, 1)
		return approvedReport(task.Type), nil
	})

	require.NoError(t, e.ExecuteFrontier(context.Background(), "tx-1"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&titleRuns))
	assert.Zero(t, atomic.LoadInt32(&appraisalRuns), "blocked task must not run")

	tasks, _ := st.ListTasks(context.Background(), "tx-1")
	byType := make(map[domain.TaskType]domain.VerificationTask)
	for _, task := range tasks {
		byType[task.Type] = task
	}
	assert.Equal(t, domain.TaskCompleted, byType[domain.TaskTitleSearch].Status)
	assert.Equal(t, domain.TaskAssigned, byType[domain.TaskInspection].Status, "no handler: stays ASSIGNED")
}

func TestExecuteFrontier_HandlerRetriesThenFails(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	var attempts int32
	e.RegisterHandler(domain.TaskInspection, func(ctx context.Context, task domain.VerificationTask) (*domain.VerificationReport, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("inspector unreachable")
	})

	require.NoError(t, e.ExecuteFrontier(context.Background(), "tx-1"))

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts), "three attempts per policy")
	task := taskByType(t, st, "tx-1", domain.TaskInspection)
	assert.Equal(t, domain.TaskFailed, task.Status)
}

func TestExecuteFrontier_TransientFailureRecovers(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	var attempts int32
	e.RegisterHandler(domain.TaskTitleSearch, func(ctx context.Context, task domain.VerificationTask) (*domain.VerificationReport, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("registry timeout")
		}
		return approvedReport(task.Type), nil
	})

	require.NoError(t, e.ExecuteFrontier(context.Background(), "tx-1"))
	task := taskByType(t, st, "tx-1", domain.TaskTitleSearch)
	assert.Equal(t, domain.TaskCompleted, task.Status)
}

// ============================================================================
// REPORT SUBMISSION
// ============================================================================

func TestSubmitReport_CompletesTaskAndFiresCallbacks(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	var order []string
	e.OnWorkflowComplete(func(ctx context.Context, id string) { order = append(order, "first:"+id) })
	e.OnWorkflowComplete(func(ctx context.Context, id string) { order = append(order, "second:"+id) })

	ctx := context.Background()
	for _, taskType := range []domain.TaskType{domain.TaskTitleSearch, domain.TaskInspection, domain.TaskAppraisal} {
		complete, err := e.SubmitReport(ctx, "tx-1", approvedReport(taskType))
		require.NoError(t, err)
		assert.False(t, complete)
		assert.Empty(t, order)
	}

	complete, err := e.SubmitReport(ctx, "tx-1", approvedReport(domain.TaskLending))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, []string{"first:tx-1", "second:tx-1"}, order, "callbacks in registration order")

	task := taskByType(t, st, "tx-1", domain.TaskLending)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.NotEmpty(t, task.ReportID)
	require.NotNil(t, task.CompletedAt)
}

func TestSubmitReport_RejectedReportStillCompletesTask(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	report := approvedReport(domain.TaskTitleSearch)
	report.Status = domain.ReportRejected
	_, err = e.SubmitReport(context.Background(), "tx-1", report)
	require.NoError(t, err)

	task := taskByType(t, st, "tx-1", domain.TaskTitleSearch)
	assert.Equal(t, domain.TaskCompleted, task.Status, "rejection is a completed verification")
}

func TestSubmitReport_DuplicateRejected(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	_, err = e.SubmitReport(context.Background(), "tx-1", approvedReport(domain.TaskTitleSearch))
	require.NoError(t, err)

	_, err = e.SubmitReport(context.Background(), "tx-1", approvedReport(domain.TaskTitleSearch))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

// ============================================================================
// DEADLINES
// ============================================================================

func TestCheckDeadlines_EscalationFlag(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)

	// Inspection (3d deadline) assigned 8 days ago relative to the sweep.
	e.now = func() time.Time { return testNow.AddDate(0, 0, 8) }

	overdue, err := e.CheckDeadlines(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Len(t, overdue, 2, "title (5d) and inspection (3d) are both late")

	for _, o := range overdue {
		switch o.Task.Type {
		case domain.TaskInspection:
			assert.True(t, o.EscalationRequired, "5 days late")
		case domain.TaskTitleSearch:
			assert.True(t, o.EscalationRequired, "3 days late")
		default:
			t.Fatalf("unexpected overdue task %s", o.Task.Type)
		}
	}
}

// ============================================================================
// CANCELLATION
// ============================================================================

func TestCancelOpenTasks(t *testing.T) {
	e, st := newTestEngine(t)
	seedTransaction(t, st, "tx-1")
	_, err := e.CreateWorkflow(context.Background(), "tx-1", nil)
	require.NoError(t, err)
	_, err = e.SubmitReport(context.Background(), "tx-1", approvedReport(domain.TaskTitleSearch))
	require.NoError(t, err)

	var cancelled int
	err = st.WithinTx(context.Background(), "tx-1", func(tx store.Tx) error {
		var cerr error
		cancelled, cerr = e.CancelOpenTasks(tx, "tx-1")
		return cerr
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cancelled)

	task := taskByType(t, st, "tx-1", domain.TaskTitleSearch)
	assert.Equal(t, domain.TaskCompleted, task.Status, "completed tasks untouched")
}

func taskByType(t *testing.T, st *store.MemoryStore, transactionID string, taskType domain.TaskType) domain.VerificationTask {
	t.Helper()
	tasks, err := st.ListTasks(context.Background(), transactionID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Type == taskType {
			return task
		}
	}
	t.Fatalf("task %s not found", taskType)
	return domain.VerificationTask{}
}
