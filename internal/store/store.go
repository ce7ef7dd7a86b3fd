// Package store provides durable, transactional storage for transactions,
// tasks, reports, payments, settlements, and audit events.
//
// All mutation happens inside WithinTx, which holds a per-transaction
// exclusive lock (a Postgres row lock in production, a named mutex in the
// in-memory store) for the duration of one orchestrator operation. Domain
// writes and their audit events commit or roll back together.
package store

import (
	"context"

	"github.com/deedflow/backend/internal/domain"
)

// Tx is the unit-of-work handle passed to WithinTx callbacks. Writes stage
// against the same underlying transaction and become visible atomically on
// commit.
type Tx interface {
	GetTransaction(id string) (*domain.Transaction, error)
	InsertTransaction(t *domain.Transaction) error
	UpdateTransaction(t *domain.Transaction) error

	InsertTask(task *domain.VerificationTask) error
	UpdateTask(task *domain.VerificationTask) error
	GetTaskByType(transactionID string, taskType domain.TaskType) (*domain.VerificationTask, error)
	ListTasks(transactionID string) ([]domain.VerificationTask, error)

	InsertReport(r *domain.VerificationReport) error
	GetReport(id string) (*domain.VerificationReport, error)

	InsertPayment(p *domain.Payment) error
	UpdatePayment(p *domain.Payment) error
	ListPayments(transactionID string) ([]domain.Payment, error)

	InsertSettlement(s *domain.Settlement) error
	GetSettlement(transactionID string) (*domain.Settlement, error)

	// AppendAuditEvent appends to the per-transaction audit log; insertion
	// order is preserved. Events are immutable apart from the external
	// receipt backfill.
	AppendAuditEvent(e *domain.AuditEvent) error
	ListAuditEvents(transactionID string) ([]domain.AuditEvent, error)
	CountPendingAuditEvents(transactionID string) (int, error)
}

// Store is the durable storage contract.
type Store interface {
	// WithinTx runs fn inside one database transaction while holding the
	// exclusive lock for transactionID. Any error rolls everything back.
	WithinTx(ctx context.Context, transactionID string, fn func(tx Tx) error) error

	// Read paths (no lock; snapshot semantics).
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTasks(ctx context.Context, transactionID string) ([]domain.VerificationTask, error)
	GetReport(ctx context.Context, id string) (*domain.VerificationReport, error)
	ListPayments(ctx context.Context, transactionID string) ([]domain.Payment, error)
	GetSettlement(ctx context.Context, transactionID string) (*domain.Settlement, error)
	ListAuditEvents(ctx context.Context, transactionID string) ([]domain.AuditEvent, error)

	// Reconciliation support for the audit sink worker.
	ListPendingAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error)
	SetAuditReceipt(ctx context.Context, eventID, externalTxRef string, blockNumber *int64) error
}
