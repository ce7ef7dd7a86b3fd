// Package domain holds the entity model for the escrow closing pipeline.
// Entities are flat records keyed by opaque string IDs; relationships are
// foreign IDs resolved through the store, never in-memory back-pointers.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/deedflow/backend/internal/money"
)

// TransactionState is the lifecycle state of an escrow transaction.
type TransactionState string

const (
	StateInitiated              TransactionState = "INITIATED"
	StateFunded                 TransactionState = "FUNDED"
	StateVerificationInProgress TransactionState = "VERIFICATION_IN_PROGRESS"
	StateVerificationComplete   TransactionState = "VERIFICATION_COMPLETE"
	StateSettlementPending      TransactionState = "SETTLEMENT_PENDING"
	StateSettled                TransactionState = "SETTLED"
	StateDisputed               TransactionState = "DISPUTED"
	StateCancelled              TransactionState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s TransactionState) IsTerminal() bool {
	return s == StateSettled || s == StateCancelled
}

// Transaction is the hub entity: one escrow closing between a buyer side
// and a seller side over a single property.
type Transaction struct {
	ID                 string           `json:"id"`
	BuyerAgentID       string           `json:"buyer_agent_id"`
	SellerAgentID      string           `json:"seller_agent_id"`
	PropertyID         string           `json:"property_id"`
	EarnestMoney       money.Amount     `json:"earnest_money"`
	TotalPurchasePrice money.Amount     `json:"total_purchase_price"`
	State              TransactionState `json:"state"`
	CustodyID          string           `json:"custody_id,omitempty"`
	InitiatedAt        time.Time        `json:"initiated_at"`
	TargetClosingDate  time.Time        `json:"target_closing_date"`
	ActualClosingDate  *time.Time       `json:"actual_closing_date,omitempty"`
	Metadata           Metadata         `json:"metadata,omitempty"`
	Disputes           []Dispute        `json:"disputes,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// TaskType identifies a real-world verification check.
type TaskType string

const (
	TaskTitleSearch TaskType = "TITLE_SEARCH"
	TaskInspection  TaskType = "INSPECTION"
	TaskAppraisal   TaskType = "APPRAISAL"
	TaskLending     TaskType = "LENDING"
)

// AllTaskTypes lists the default workflow task types in a stable order.
var AllTaskTypes = []TaskType{TaskTitleSearch, TaskInspection, TaskAppraisal, TaskLending}

// TaskStatus is the lifecycle of a verification task.
type TaskStatus string

const (
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// VerificationTask is one unit of verification work, unique per
// (transaction_id, type).
type VerificationTask struct {
	ID              string       `json:"id"`
	TransactionID   string       `json:"transaction_id"`
	Type            TaskType     `json:"type"`
	AssignedAgentID string       `json:"assigned_agent_id"`
	Status          TaskStatus   `json:"status"`
	Deadline        time.Time    `json:"deadline"`
	PaymentAmount   money.Amount `json:"payment_amount"`
	ReportID        string       `json:"report_id,omitempty"`
	AssignedAt      time.Time    `json:"assigned_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ReportStatus is the review outcome of a submitted report.
type ReportStatus string

const (
	ReportApproved    ReportStatus = "APPROVED"
	ReportRejected    ReportStatus = "REJECTED"
	ReportNeedsReview ReportStatus = "NEEDS_REVIEW"
)

// VerificationReport is a report submitted against a task. Immutable once
// ReviewedAt is set.
type VerificationReport struct {
	ID            string                 `json:"id"`
	TaskID        string                 `json:"task_id"`
	AgentID       string                 `json:"agent_id"`
	Type          TaskType               `json:"type"`
	Status        ReportStatus           `json:"status"`
	Findings      map[string]interface{} `json:"findings,omitempty"`
	Documents     []string               `json:"documents,omitempty"`
	SubmittedAt   time.Time              `json:"submitted_at"`
	ReviewedAt    *time.Time             `json:"reviewed_at,omitempty"`
	ReviewerNotes string                 `json:"reviewer_notes,omitempty"`
}

// PaymentType classifies a money movement.
type PaymentType string

const (
	PaymentEarnestMoney PaymentType = "EARNEST_MONEY"
	PaymentVerification PaymentType = "VERIFICATION"
	PaymentCommission   PaymentType = "COMMISSION"
	PaymentClosingCost  PaymentType = "CLOSING_COST"
	PaymentSettlement   PaymentType = "SETTLEMENT"
)

// PaymentStatus is the lifecycle of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Payment is a single money movement initiated by the orchestrator.
// Deposits increase custody balance; all other types disburse from it.
type Payment struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	CustodyID     string        `json:"custody_id"`
	Type          PaymentType   `json:"type"`
	RecipientID   string        `json:"recipient_id"`
	Amount        money.Amount  `json:"amount"`
	Status        PaymentStatus `json:"status"`
	ExternalTxRef string        `json:"external_tx_ref,omitempty"`
	InitiatedAt   time.Time     `json:"initiated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Distribution is one leg of the final settlement payout.
type Distribution struct {
	Recipient   string       `json:"recipient"`
	Amount      money.Amount `json:"amount"`
	Description string       `json:"description"`
}

// Settlement is the final multi-recipient distribution record. One per
// transaction; seller_amount + commissions + closing_costs must equal the
// total purchase price.
type Settlement struct {
	ID                    string         `json:"id"`
	TransactionID         string         `json:"transaction_id"`
	TotalAmount           money.Amount   `json:"total_amount"`
	SellerAmount          money.Amount   `json:"seller_amount"`
	BuyerAgentCommission  money.Amount   `json:"buyer_agent_commission"`
	SellerAgentCommission money.Amount   `json:"seller_agent_commission"`
	ClosingCosts          money.Amount   `json:"closing_costs"`
	Distributions         []Distribution `json:"distributions"`
	ExternalTxRef         string         `json:"external_tx_ref,omitempty"`
	ExecutedAt            time.Time      `json:"executed_at"`
}

// DisputeStatus tracks whether a dispute still blocks progress.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute is an open issue that halts forward progress until resolved.
// PreviousState is captured at raise time so "continue" can restore it.
type Dispute struct {
	ID            string           `json:"id"`
	RaisedBy      string           `json:"raised_by"`
	Type          string           `json:"type"`
	Description   string           `json:"description"`
	Evidence      []string         `json:"evidence,omitempty"`
	RaisedAt      time.Time        `json:"raised_at"`
	Status        DisputeStatus    `json:"status"`
	PreviousState TransactionState `json:"previous_state"`
	Resolution    string           `json:"resolution,omitempty"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// NewID mints an opaque entity ID.
func NewID() string {
	return uuid.NewString()
}
