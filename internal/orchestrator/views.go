package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/deedflow/backend/internal/cache"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/workflow"
)

// TransactionView is the aggregate read model for one transaction: state,
// custody balance, verification progress, payments, and settlement.
type TransactionView struct {
	Transaction *domain.Transaction       `json:"transaction"`
	Balance     string                    `json:"custody_balance,omitempty"`
	Tasks       []domain.VerificationTask `json:"tasks"`
	Payments    []domain.Payment          `json:"payments"`
	Settlement  *domain.Settlement        `json:"settlement,omitempty"`
	Progress    WorkflowProgress          `json:"progress"`
}

// WorkflowProgress summarizes task completion.
type WorkflowProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// WorkflowView is the task-status read model.
type WorkflowView struct {
	TransactionID string                    `json:"transaction_id"`
	State         domain.TransactionState   `json:"state"`
	Tasks         []domain.VerificationTask `json:"tasks"`
	Overdue       []workflow.OverdueTask    `json:"overdue,omitempty"`
}

// AuditTrailEntry is one audit event, optionally joined with the report it
// references.
type AuditTrailEntry struct {
	Event  domain.AuditEvent          `json:"event"`
	Report *domain.VerificationReport `json:"report,omitempty"`
}

// GetTransactionView assembles the aggregate view, read-through cached under
// the transaction key.
func (o *Orchestrator) GetTransactionView(ctx context.Context, transactionID string) (*TransactionView, error) {
	if o.views != nil {
		var cached TransactionView
		if err := o.views.GetJSON(ctx, cache.TransactionKey(transactionID), &cached); err == nil {
			return &cached, nil
		}
	}

	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if o.cipher != nil {
		if opened, oerr := o.cipher.Open(tx.Metadata); oerr == nil {
			tx.Metadata = opened
		}
	}
	tasks, err := o.store.ListTasks(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	payments, err := o.store.ListPayments(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	settlement, err := o.store.GetSettlement(ctx, transactionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	view := &TransactionView{
		Transaction: tx,
		Tasks:       tasks,
		Payments:    payments,
		Settlement:  settlement,
		Progress:    progress(tasks),
	}
	if tx.CustodyID != "" {
		// Best effort; the view stays usable when custody is down.
		if balance, berr := o.custody.GetBalance(ctx, tx.CustodyID); berr == nil {
			view.Balance = balance.String()
		}
	}

	if o.views != nil {
		_ = o.views.SetJSON(ctx, cache.TransactionKey(transactionID), view, cache.TransactionTTL)
	}
	return view, nil
}

// GetWorkflowState returns task statuses and deadline breaches, cached under
// the workflow key.
func (o *Orchestrator) GetWorkflowState(ctx context.Context, transactionID string) (*WorkflowView, error) {
	if o.views != nil {
		var cached WorkflowView
		if err := o.views.GetJSON(ctx, cache.WorkflowKey(transactionID), &cached); err == nil {
			return &cached, nil
		}
	}

	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasks(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	view := &WorkflowView{
		TransactionID: transactionID,
		State:         tx.State,
		Tasks:         tasks,
		Overdue:       workflow.Overdue(tasks, o.now().UTC()),
	}
	if o.views != nil {
		_ = o.views.SetJSON(ctx, cache.WorkflowKey(transactionID), view, cache.WorkflowTTL)
	}
	return view, nil
}

// GetReport returns one verification report, cached for 24h under the report
// key since reports are immutable once reviewed.
func (o *Orchestrator) GetReport(ctx context.Context, reportID string) (*domain.VerificationReport, error) {
	if o.views != nil {
		var cached domain.VerificationReport
		if err := o.views.GetJSON(ctx, cache.ReportKey(reportID), &cached); err == nil {
			return &cached, nil
		}
	}

	report, err := o.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if o.views != nil {
		_ = o.views.SetJSON(ctx, cache.ReportKey(reportID), report, cache.ReportTTL)
	}
	return report, nil
}

// GetAuditTrail returns the audit log in insertion order, joining each
// VERIFICATION_COMPLETED event with its report when withReports is set.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, transactionID string, withReports bool) ([]AuditTrailEntry, error) {
	events, err := o.store.ListAuditEvents(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	entries := make([]AuditTrailEntry, len(events))
	for i, e := range events {
		entries[i] = AuditTrailEntry{Event: e}
		if !withReports || e.Type != domain.EventVerificationCompleted {
			continue
		}
		payload, derr := domain.DecodePayload(e.Type, e.Payload)
		if derr != nil {
			continue
		}
		if vc, ok := payload.(*domain.VerificationCompletedPayload); ok && vc.ReportID != "" {
			if report, rerr := o.GetReport(ctx, vc.ReportID); rerr == nil {
				entries[i].Report = report
			}
		}
	}
	return entries, nil
}

// CheckDeadlines sweeps one transaction's tasks for deadline breaches.
func (o *Orchestrator) CheckDeadlines(ctx context.Context, transactionID string) ([]workflow.OverdueTask, error) {
	overdue, err := o.engine.CheckDeadlines(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil && len(overdue) > 0 {
		o.metrics.TasksOverdue.Add(float64(len(overdue)))
	}
	return overdue, nil
}

// GetLedger returns the custody account history for reconciliation views.
func (o *Orchestrator) GetLedger(ctx context.Context, transactionID string) ([]LedgerEntry, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.CustodyID == "" {
		return nil, nil
	}
	entries, err := o.custody.GetHistory(ctx, tx.CustodyID)
	if err != nil {
		return nil, err
	}
	out := make([]LedgerEntry, len(entries))
	for i, e := range entries {
		out[i] = LedgerEntry{
			Kind:      e.Kind,
			Amount:    e.Amount.String(),
			Recipient: e.Recipient,
			Ref:       e.Ref,
			At:        e.At,
		}
	}
	return out, nil
}

// LedgerEntry is one row of the custody account history, amounts rendered
// as decimal strings.
type LedgerEntry struct {
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	Recipient string    `json:"recipient,omitempty"`
	Ref       string    `json:"ref"`
	At        time.Time `json:"at"`
}

func progress(tasks []domain.VerificationTask) WorkflowProgress {
	p := WorkflowProgress{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskCompleted:
			p.Completed++
		case domain.TaskFailed:
			p.Failed++
		}
	}
	return p
}
