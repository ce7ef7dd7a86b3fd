package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deedflow/backend/internal/money"
)

// EventType is the closed enum of auditable lifecycle events.
type EventType string

const (
	EventTransactionInitiated  EventType = "TRANSACTION_INITIATED"
	EventEarnestMoneyDeposited EventType = "EARNEST_MONEY_DEPOSITED"
	EventTaskAssigned          EventType = "VERIFICATION_TASK_ASSIGNED"
	EventVerificationCompleted EventType = "VERIFICATION_COMPLETED"
	EventPaymentReleased       EventType = "PAYMENT_RELEASED"
	EventSettlementExecuted    EventType = "SETTLEMENT_EXECUTED"
	EventTransactionCancelled  EventType = "TRANSACTION_CANCELLED"
	EventDisputeRaised         EventType = "DISPUTE_RAISED"
	EventDisputeResolved       EventType = "DISPUTE_RESOLVED"
)

// EventPayload is the tagged variant carried by an AuditEvent. Each concrete
// payload maps 1:1 to one EventType; the tag is the serialized event_type.
type EventPayload interface {
	EventType() EventType
}

// AuditEvent is an immutable, content-addressed fact about a transaction.
// Rows are append-only; insertion order per transaction is preserved.
type AuditEvent struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Type          EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	ContentHash   string          `json:"content_hash"`
	ExternalTxRef string          `json:"external_tx_ref,omitempty"`
	BlockNumber   *int64          `json:"block_number,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SinkPending reports whether the external immutability receipt is missing.
func (e *AuditEvent) SinkPending() bool {
	return e.ExternalTxRef == ""
}

type TransactionInitiatedPayload struct {
	BuyerAgentID       string       `json:"buyer_agent_id"`
	SellerAgentID      string       `json:"seller_agent_id"`
	PropertyID         string       `json:"property_id"`
	EarnestMoney       money.Amount `json:"earnest_money"`
	TotalPurchasePrice money.Amount `json:"total_purchase_price"`
}

func (TransactionInitiatedPayload) EventType() EventType { return EventTransactionInitiated }

type EarnestMoneyDepositedPayload struct {
	CustodyID string       `json:"custody_id"`
	Amount    money.Amount `json:"amount"`
	Receipt   string       `json:"receipt"`
}

func (EarnestMoneyDepositedPayload) EventType() EventType { return EventEarnestMoneyDeposited }

type TaskAssignedPayload struct {
	TaskID          string       `json:"task_id"`
	TaskType        TaskType     `json:"task_type"`
	AssignedAgentID string       `json:"assigned_agent_id"`
	Deadline        time.Time    `json:"deadline"`
	PaymentAmount   money.Amount `json:"payment_amount"`
}

func (TaskAssignedPayload) EventType() EventType { return EventTaskAssigned }

type VerificationCompletedPayload struct {
	TaskID       string       `json:"task_id"`
	TaskType     TaskType     `json:"task_type"`
	ReportID     string       `json:"report_id"`
	ReportStatus ReportStatus `json:"report_status"`
}

func (VerificationCompletedPayload) EventType() EventType { return EventVerificationCompleted }

type PaymentReleasedPayload struct {
	PaymentID   string       `json:"payment_id"`
	PaymentType PaymentType  `json:"payment_type"`
	RecipientID string       `json:"recipient_id"`
	Amount      money.Amount `json:"amount"`
	Receipt     string       `json:"receipt"`
}

func (PaymentReleasedPayload) EventType() EventType { return EventPaymentReleased }

type SettlementExecutedPayload struct {
	SettlementID          string       `json:"settlement_id"`
	SellerAmount          money.Amount `json:"seller_amount"`
	BuyerAgentCommission  money.Amount `json:"buyer_agent_commission"`
	SellerAgentCommission money.Amount `json:"seller_agent_commission"`
	ClosingCosts          money.Amount `json:"closing_costs"`
	Receipt               string       `json:"receipt"`
}

func (SettlementExecutedPayload) EventType() EventType { return EventSettlementExecuted }

type TransactionCancelledPayload struct {
	Reason         string `json:"reason"`
	RefundIssued   bool   `json:"refund_issued"`
	CancelledTasks int    `json:"cancelled_tasks"`
}

func (TransactionCancelledPayload) EventType() EventType { return EventTransactionCancelled }

type DisputeRaisedPayload struct {
	DisputeID     string           `json:"dispute_id"`
	RaisedBy      string           `json:"raised_by"`
	DisputeType   string           `json:"dispute_type"`
	Description   string           `json:"description"`
	PreviousState TransactionState `json:"previous_state"`
}

func (DisputeRaisedPayload) EventType() EventType { return EventDisputeRaised }

type DisputeResolvedPayload struct {
	DisputeID  string           `json:"dispute_id"`
	Resolution string           `json:"resolution"`
	Details    string           `json:"details,omitempty"`
	NewState   TransactionState `json:"new_state"`
}

func (DisputeResolvedPayload) EventType() EventType { return EventDisputeResolved }

// MarshalPayload serializes a typed payload for storage.
func MarshalPayload(p EventPayload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// DecodePayload inverts MarshalPayload using the event-type tag.
func DecodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	var p EventPayload
	switch t {
	case EventTransactionInitiated:
		p = &TransactionInitiatedPayload{}
	case EventEarnestMoneyDeposited:
		p = &EarnestMoneyDepositedPayload{}
	case EventTaskAssigned:
		p = &TaskAssignedPayload{}
	case EventVerificationCompleted:
		p = &VerificationCompletedPayload{}
	case EventPaymentReleased:
		p = &PaymentReleasedPayload{}
	case EventSettlementExecuted:
		p = &SettlementExecutedPayload{}
	case EventTransactionCancelled:
		p = &TransactionCancelledPayload{}
	case EventDisputeRaised:
		p = &DisputeRaisedPayload{}
	case EventDisputeResolved:
		p = &DisputeResolvedPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
