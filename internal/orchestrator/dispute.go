package orchestrator

import (
	"context"
	"fmt"

	"github.com/deedflow/backend/internal/custody"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/statemachine"
	"github.com/deedflow/backend/internal/store"
)

// Resolution kinds accepted by ResolveDispute.
const (
	ResolutionContinue          = "continue"
	ResolutionCancel            = "cancel"
	ResolutionRetryVerification = "retry_verification"
	ResolutionAdjustSettlement  = "adjust_settlement"
)

// Cancel moves the transaction to CANCELLED, cancels open tasks, and
// optionally refunds the earnest money to the buyer side.
func (o *Orchestrator) Cancel(ctx context.Context, transactionID, reason string, refund bool) (*domain.Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !o.machine.CanTransition(tx.State, domain.StateCancelled) {
		return nil, fmt.Errorf("%w: %s -> CANCELLED", domain.ErrInvalidTransition, tx.State)
	}

	refundIssued := false
	if refund && tx.CustodyID != "" {
		if err := o.refundEarnest(ctx, tx); err != nil {
			// Refund failure does not block cancellation; the FAILED payment
			// row stays retriable.
			o.logger.Printf("WARN: earnest refund for %s failed: %v", transactionID, err)
		} else {
			refundIssued = true
		}
	}

	var cancelled int
	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		current, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		cancelled, err = o.engine.CancelOpenTasks(stx, transactionID)
		if err != nil {
			return err
		}
		if _, err := o.machine.Transition(current, domain.StateCancelled, statemachine.GuardContext{}); err != nil {
			return err
		}
		if _, err := o.recorder.Record(stx, transactionID, domain.TransactionCancelledPayload{
			Reason:         reason,
			RefundIssued:   refundIssued,
			CancelledTasks: cancelled,
		}); err != nil {
			return err
		}
		tx = current
		return stx.UpdateTransaction(current)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, transactionID)
	o.emit(domain.EventTransactionCancelled, transactionID, map[string]interface{}{
		"reason":          reason,
		"refund_issued":   refundIssued,
		"cancelled_tasks": cancelled,
	})
	o.logger.Printf("transaction %s cancelled (%s), %d tasks cancelled, refund=%t", transactionID, reason, cancelled, refundIssued)
	return tx, nil
}

// refundEarnest releases the remaining custody balance back to the buyer
// agent and records the payment. Idempotent on the refund key.
func (o *Orchestrator) refundEarnest(ctx context.Context, tx *domain.Transaction) error {
	var balance = tx.EarnestMoney
	err := o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		balance, cerr = o.custody.GetBalance(ctx, tx.CustodyID)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("%w: get balance: %v", domain.ErrCustody, err)
	}
	if !balance.IsPositive() {
		return nil
	}

	refundKey := custody.IdempotencyKey(tx.ID, "refund", "1")
	now := o.now().UTC()
	payment := &domain.Payment{
		ID:            refundKey,
		TransactionID: tx.ID,
		CustodyID:     tx.CustodyID,
		Type:          domain.PaymentSettlement,
		RecipientID:   tx.BuyerAgentID,
		Amount:        balance,
		Status:        domain.PaymentProcessing,
		InitiatedAt:   now,
	}

	var receipt *custody.PaymentReceipt
	callErr := o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		receipt, cerr = o.custody.ReleaseMilestone(ctx, tx.CustodyID, refundKey, tx.BuyerAgentID, balance)
		return cerr
	})

	err = o.store.WithinTx(ctx, tx.ID, func(stx store.Tx) error {
		if callErr != nil {
			payment.Status = domain.PaymentFailed
			return stx.InsertPayment(payment)
		}
		completed := o.now().UTC()
		payment.Status = domain.PaymentCompleted
		payment.ExternalTxRef = receipt.ExternalTxRef
		payment.CompletedAt = &completed
		if err := stx.InsertPayment(payment); err != nil {
			return err
		}
		_, err := o.recorder.Record(stx, tx.ID, domain.PaymentReleasedPayload{
			PaymentID:   payment.ID,
			PaymentType: payment.Type,
			RecipientID: payment.RecipientID,
			Amount:      payment.Amount,
			Receipt:     receipt.ExternalTxRef,
		})
		return err
	})
	if err != nil {
		return err
	}
	if callErr != nil {
		return fmt.Errorf("%w: refund: %v", domain.ErrCustody, callErr)
	}
	return nil
}

// DisputeInput is the request to raise a dispute.
type DisputeInput struct {
	RaisedBy    string
	Type        string
	Description string
	Evidence    []string
}

// DisputeResult is returned by RaiseDispute: the stored dispute, the audit
// trail so far, and the resolution kinds valid from the captured state.
type DisputeResult struct {
	Dispute           *domain.Dispute     `json:"dispute"`
	AuditTrail        []domain.AuditEvent `json:"audit_trail"`
	ResolutionOptions []string            `json:"resolution_options"`
}

// RaiseDispute moves the transaction to DISPUTED, capturing the previous
// state so "continue" can restore it.
func (o *Orchestrator) RaiseDispute(ctx context.Context, transactionID string, in DisputeInput) (*DisputeResult, error) {
	if in.RaisedBy == "" || in.Type == "" {
		return nil, fmt.Errorf("%w: raised_by and type are required", domain.ErrValidation)
	}

	var dispute *domain.Dispute
	var trail []domain.AuditEvent
	err := o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		tx, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		if tx.State.IsTerminal() {
			return fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, tx.State)
		}
		previous := tx.State

		now := o.now().UTC()
		dispute = &domain.Dispute{
			ID:            domain.NewID(),
			RaisedBy:      in.RaisedBy,
			Type:          in.Type,
			Description:   in.Description,
			Evidence:      in.Evidence,
			RaisedAt:      now,
			Status:        domain.DisputeOpen,
			PreviousState: previous,
		}
		tx.Disputes = append(tx.Disputes, *dispute)

		if _, err := o.machine.Transition(tx, domain.StateDisputed, statemachine.GuardContext{}); err != nil {
			return err
		}
		if _, err := o.recorder.Record(stx, transactionID, domain.DisputeRaisedPayload{
			DisputeID:     dispute.ID,
			RaisedBy:      dispute.RaisedBy,
			DisputeType:   dispute.Type,
			Description:   dispute.Description,
			PreviousState: previous,
		}); err != nil {
			return err
		}
		if err := stx.UpdateTransaction(tx); err != nil {
			return err
		}
		trail, err = stx.ListAuditEvents(transactionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, transactionID)
	o.emit(domain.EventDisputeRaised, transactionID, map[string]interface{}{
		"dispute_id": dispute.ID,
		"raised_by":  dispute.RaisedBy,
		"type":       dispute.Type,
	})
	o.logger.Printf("dispute %s raised on %s by %s (%s)", dispute.ID, transactionID, dispute.RaisedBy, dispute.Type)

	return &DisputeResult{
		Dispute:           dispute,
		AuditTrail:        trail,
		ResolutionOptions: resolutionOptions(dispute.PreviousState),
	}, nil
}

func resolutionOptions(previous domain.TransactionState) []string {
	opts := []string{ResolutionContinue, ResolutionCancel, ResolutionRetryVerification}
	if previous == domain.StateSettlementPending {
		opts = append(opts, ResolutionAdjustSettlement)
	}
	return opts
}

// ResolveInput parameterizes a dispute resolution.
type ResolveInput struct {
	Resolution string
	Details    string

	// TaskType names the task to reset for retry_verification.
	TaskType domain.TaskType

	// Refund requests an earnest refund for the cancel resolution.
	Refund bool

	// Settlement carries replacement parameters for adjust_settlement.
	Settlement *SettlementInput
}

// ResolveDispute applies one of the four resolution kinds and emits
// DISPUTE_RESOLVED. The dispute must be open and the transaction DISPUTED.
func (o *Orchestrator) ResolveDispute(ctx context.Context, transactionID, disputeID string, in ResolveInput) (*domain.Transaction, error) {
	switch in.Resolution {
	case ResolutionContinue, ResolutionCancel, ResolutionRetryVerification, ResolutionAdjustSettlement:
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", domain.ErrValidation, in.Resolution)
	}

	// The cancel resolution may refund, which makes custody calls; do them
	// outside the store transaction like every other operation.
	if in.Resolution == ResolutionCancel {
		return o.resolveByCancel(ctx, transactionID, disputeID, in)
	}

	var result *domain.Transaction
	err := o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		tx, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		dispute, err := openDispute(tx, disputeID)
		if err != nil {
			return err
		}

		switch in.Resolution {
		case ResolutionContinue:
			if _, err := o.machine.Transition(tx, dispute.PreviousState, o.guardFor(stx, tx, dispute.PreviousState)); err != nil {
				return err
			}

		case ResolutionRetryVerification:
			if in.TaskType == "" {
				return fmt.Errorf("%w: task type required for retry_verification", domain.ErrValidation)
			}
			task, err := stx.GetTaskByType(transactionID, in.TaskType)
			if err != nil {
				return err
			}
			task.Status = domain.TaskAssigned
			task.CompletedAt = nil
			task.ReportID = ""
			task.UpdatedAt = o.now().UTC()
			if err := stx.UpdateTask(task); err != nil {
				return err
			}
			if _, err := o.machine.Transition(tx, domain.StateVerificationInProgress, statemachine.GuardContext{}); err != nil {
				return err
			}

		case ResolutionAdjustSettlement:
			if dispute.PreviousState != domain.StateSettlementPending {
				return fmt.Errorf("%w: adjust_settlement requires previous state SETTLEMENT_PENDING, was %s", domain.ErrInvalidState, dispute.PreviousState)
			}
			if in.Settlement == nil {
				return fmt.Errorf("%w: settlement parameters required", domain.ErrValidation)
			}
			tasks, err := stx.ListTasks(transactionID)
			if err != nil {
				return err
			}
			// Validate the replacement before committing to it.
			if _, err := o.computeSettlement(tx, tasks, *in.Settlement); err != nil {
				return err
			}
			if tx.Metadata == nil {
				tx.Metadata = domain.Metadata{}
			}
			tx.Metadata["adjusted_settlement"] = map[string]interface{}{
				"buyer_agent_rate":  in.Settlement.BuyerAgentRate.String(),
				"seller_agent_rate": in.Settlement.SellerAgentRate.String(),
			}
			if in.Settlement.ClosingCosts != nil {
				tx.Metadata["adjusted_settlement"].(map[string]interface{})["closing_costs"] = in.Settlement.ClosingCosts.String()
			}
			if _, err := o.machine.Transition(tx, domain.StateSettlementPending, statemachine.GuardContext{AllReportsApproved: true}); err != nil {
				return err
			}
		}

		o.closeDispute(tx, dispute, in.Resolution)
		if _, err := o.recorder.Record(stx, transactionID, domain.DisputeResolvedPayload{
			DisputeID:  disputeID,
			Resolution: in.Resolution,
			Details:    in.Details,
			NewState:   tx.State,
		}); err != nil {
			return err
		}
		result = tx
		return stx.UpdateTransaction(tx)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, transactionID)
	o.emit(domain.EventDisputeResolved, transactionID, map[string]interface{}{
		"dispute_id": disputeID,
		"resolution": in.Resolution,
		"new_state":  string(result.State),
	})
	o.logger.Printf("dispute %s on %s resolved: %s -> %s", disputeID, transactionID, in.Resolution, result.State)
	return result, nil
}

// resolveByCancel closes the dispute and delegates the state change to
// Cancel, which handles the optional refund.
func (o *Orchestrator) resolveByCancel(ctx context.Context, transactionID, disputeID string, in ResolveInput) (*domain.Transaction, error) {
	err := o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		tx, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		dispute, err := openDispute(tx, disputeID)
		if err != nil {
			return err
		}
		o.closeDispute(tx, dispute, ResolutionCancel)
		if _, err := o.recorder.Record(stx, transactionID, domain.DisputeResolvedPayload{
			DisputeID:  disputeID,
			Resolution: ResolutionCancel,
			Details:    in.Details,
			NewState:   domain.StateCancelled,
		}); err != nil {
			return err
		}
		return stx.UpdateTransaction(tx)
	})
	if err != nil {
		return nil, err
	}

	reason := in.Details
	if reason == "" {
		reason = "dispute " + disputeID + " resolved by cancellation"
	}
	tx, err := o.Cancel(ctx, transactionID, reason, in.Refund)
	if err != nil {
		return nil, err
	}
	o.emit(domain.EventDisputeResolved, transactionID, map[string]interface{}{
		"dispute_id": disputeID,
		"resolution": ResolutionCancel,
		"new_state":  string(tx.State),
	})
	return tx, nil
}

// guardFor rebuilds the guard facts needed to re-enter a state from DISPUTED.
func (o *Orchestrator) guardFor(stx store.Tx, tx *domain.Transaction, target domain.TransactionState) statemachine.GuardContext {
	guard := statemachine.GuardContext{}
	switch target {
	case domain.StateSettlementPending:
		tasks, err := stx.ListTasks(tx.ID)
		if err == nil {
			approved, aerr := reportsAllApproved(stx, tasks)
			guard.AllReportsApproved = approved && aerr == nil
		}
	case domain.StateFunded:
		guard.DepositCompleted = true
	}
	return guard
}

func openDispute(tx *domain.Transaction, disputeID string) (*domain.Dispute, error) {
	for i := range tx.Disputes {
		if tx.Disputes[i].ID == disputeID {
			if tx.Disputes[i].Status != domain.DisputeOpen {
				return nil, fmt.Errorf("%w: dispute %s already resolved", domain.ErrInvalidState, disputeID)
			}
			return &tx.Disputes[i], nil
		}
	}
	return nil, domain.NotFoundf("dispute", disputeID)
}

func (o *Orchestrator) closeDispute(tx *domain.Transaction, dispute *domain.Dispute, resolution string) {
	resolved := o.now().UTC()
	dispute.Status = domain.DisputeResolved
	dispute.Resolution = resolution
	dispute.ResolvedAt = &resolved
}
