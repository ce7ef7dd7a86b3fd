// Package orchestrator is the top-level façade over the escrow pipeline. It
// sequences state machine transitions, workflow progress, custody calls, and
// audit records for every public operation.
//
// Every operation is transactional with respect to the store: domain writes
// and their audit events commit together or not at all. Custody calls happen
// before the commit that records their outcome, behind the custody breaker
// and the payment retry policy.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deedflow/backend/internal/audit"
	"github.com/deedflow/backend/internal/cache"
	"github.com/deedflow/backend/internal/custody"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/engine"
	"github.com/deedflow/backend/internal/events"
	"github.com/deedflow/backend/internal/metrics"
	"github.com/deedflow/backend/internal/money"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/statemachine"
	"github.com/deedflow/backend/internal/store"
	"github.com/deedflow/backend/internal/workflow"
)

// Deps are the collaborators an Orchestrator composes. Store, Custody, and
// Recorder are required; the rest may be nil and degrade gracefully.
type Deps struct {
	Store    store.Store
	Custody  custody.Adapter
	Recorder *audit.Recorder
	Engine   *engine.Engine
	Machine  *statemachine.Machine
	Breakers *resilience.Registry
	Emitter  events.Emitter
	Views    *cache.Views
	Metrics  *metrics.Metrics

	// Cipher seals secure.* metadata fields at rest. Nil stores metadata
	// as-is.
	Cipher *domain.MetadataCipher

	// ClosingCosts overrides the default closing-cost formula.
	ClosingCosts ClosingCostPolicy

	// Clock overrides time.Now (tests).
	Clock func() time.Time
}

// Orchestrator drives escrow transactions from initiation to settlement.
type Orchestrator struct {
	store    store.Store
	custody  custody.Adapter
	recorder *audit.Recorder
	engine   *engine.Engine
	machine  *statemachine.Machine
	breakers *resilience.Registry
	emitter  events.Emitter
	views    *cache.Views
	metrics  *metrics.Metrics
	cipher   *domain.MetadataCipher
	closing  ClosingCostPolicy
	payRetry resilience.RetryPolicy
	logger   *log.Logger
	now      func() time.Time
}

// New wires an Orchestrator and installs it as the engine's report sink so
// handler-produced reports flow through the full completion path.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		store:    deps.Store,
		custody:  deps.Custody,
		recorder: deps.Recorder,
		engine:   deps.Engine,
		machine:  deps.Machine,
		breakers: deps.Breakers,
		emitter:  deps.Emitter,
		views:    deps.Views,
		metrics:  deps.Metrics,
		cipher:   deps.Cipher,
		closing:  deps.ClosingCosts,
		payRetry: resilience.PaymentPolicy,
		logger:   log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
		now:      deps.Clock,
	}
	if o.machine == nil {
		o.machine = statemachine.New()
	}
	if o.breakers == nil {
		o.breakers = resilience.NewRegistry()
	}
	if o.closing == nil {
		o.closing = DefaultClosingCosts
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.engine != nil {
		o.engine.SetReportSink(func(ctx context.Context, transactionID string, report *domain.VerificationReport) error {
			_, err := o.ProcessVerificationCompletion(ctx, transactionID, report)
			return err
		})
	}
	return o
}

// custodyCall runs fn behind the custody breaker with payment retries.
func (o *Orchestrator) custodyCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return o.payRetry.Do(ctx, func(ctx context.Context) error {
		return o.breakers.Custody.Execute(ctx, fn)
	})
}

// InitiateInput is the request for a new escrow transaction.
type InitiateInput struct {
	BuyerAgentID       string
	SellerAgentID      string
	PropertyID         string
	EarnestMoney       money.Amount
	TotalPurchasePrice money.Amount
	TargetClosingDate  time.Time
	Metadata           domain.Metadata
}

func (in InitiateInput) validate() error {
	switch {
	case in.BuyerAgentID == "":
		return fmt.Errorf("%w: buyer_agent_id is required", domain.ErrValidation)
	case in.SellerAgentID == "":
		return fmt.Errorf("%w: seller_agent_id is required", domain.ErrValidation)
	case in.PropertyID == "":
		return fmt.Errorf("%w: property_id is required", domain.ErrValidation)
	case !in.EarnestMoney.IsPositive():
		return fmt.Errorf("%w: earnest_money must be positive", domain.ErrValidation)
	case in.TotalPurchasePrice.LessThan(in.EarnestMoney):
		return fmt.Errorf("%w: total_purchase_price must cover earnest_money", domain.ErrValidation)
	case in.TargetClosingDate.IsZero():
		return fmt.Errorf("%w: target_closing_date is required", domain.ErrValidation)
	}
	return nil
}

// Initiate creates a transaction, opens its custody account with the earnest
// deposit, and moves it INITIATED -> FUNDED.
func (o *Orchestrator) Initiate(ctx context.Context, in InitiateInput) (*domain.Transaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	metadata := in.Metadata
	if o.cipher != nil {
		sealed, err := o.cipher.Seal(metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", domain.ErrValidation, err)
		}
		metadata = sealed
	}

	now := o.now().UTC()
	tx := &domain.Transaction{
		ID:                 domain.NewID(),
		BuyerAgentID:       in.BuyerAgentID,
		SellerAgentID:      in.SellerAgentID,
		PropertyID:         in.PropertyID,
		EarnestMoney:       in.EarnestMoney.Round(),
		TotalPurchasePrice: in.TotalPurchasePrice.Round(),
		State:              domain.StateInitiated,
		InitiatedAt:        now,
		TargetClosingDate:  in.TargetClosingDate,
		Metadata:           metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	var acct *custody.AccountDetails
	err := o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		acct, cerr = o.custody.CreateAccount(ctx, tx.ID, tx.EarnestMoney)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create account: %v", domain.ErrCustody, err)
	}
	tx.CustodyID = acct.ID

	err = o.store.WithinTx(ctx, tx.ID, func(stx store.Tx) error {
		if err := stx.InsertTransaction(tx); err != nil {
			return err
		}
		if _, err := o.recorder.Record(stx, tx.ID, domain.TransactionInitiatedPayload{
			BuyerAgentID:       tx.BuyerAgentID,
			SellerAgentID:      tx.SellerAgentID,
			PropertyID:         tx.PropertyID,
			EarnestMoney:       tx.EarnestMoney,
			TotalPurchasePrice: tx.TotalPurchasePrice,
		}); err != nil {
			return err
		}

		completed := now
		payment := &domain.Payment{
			ID:            custody.IdempotencyKey(tx.ID, "deposit", "earnest"),
			TransactionID: tx.ID,
			CustodyID:     tx.CustodyID,
			Type:          domain.PaymentEarnestMoney,
			RecipientID:   "escrow",
			Amount:        tx.EarnestMoney,
			Status:        domain.PaymentCompleted,
			ExternalTxRef: acct.ID,
			InitiatedAt:   now,
			CompletedAt:   &completed,
		}
		if err := stx.InsertPayment(payment); err != nil {
			return err
		}
		if _, err := o.recorder.Record(stx, tx.ID, domain.EarnestMoneyDepositedPayload{
			CustodyID: tx.CustodyID,
			Amount:    tx.EarnestMoney,
			Receipt:   acct.ID,
		}); err != nil {
			return err
		}

		if _, err := o.machine.Transition(tx, domain.StateFunded, statemachine.GuardContext{DepositCompleted: true}); err != nil {
			return err
		}
		return stx.UpdateTransaction(tx)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, tx.ID)
	o.emit(domain.EventTransactionInitiated, tx.ID, map[string]interface{}{
		"buyer_agent_id":  tx.BuyerAgentID,
		"seller_agent_id": tx.SellerAgentID,
		"property_id":     tx.PropertyID,
	})
	o.emit(domain.EventEarnestMoneyDeposited, tx.ID, map[string]interface{}{
		"custody_id": tx.CustodyID,
		"amount":     tx.EarnestMoney.String(),
	})
	o.logger.Printf("transaction %s initiated and funded (custody %s)", tx.ID, tx.CustodyID)
	return tx, nil
}

// milestoneID derives the stable custody milestone key for a task type.
func milestoneID(transactionID string, t domain.TaskType) string {
	return custody.IdempotencyKey(transactionID, "release", string(t))
}

// paymentID derives the deterministic payment row ID for a task's release,
// so replays cannot create a second payment.
func paymentID(transactionID string, t domain.TaskType) string {
	return custody.IdempotencyKey(transactionID, "payment", string(t))
}

// CreateVerificationWorkflow materializes the verification tasks, mirrors
// them as custody milestones, and moves FUNDED -> VERIFICATION_IN_PROGRESS.
func (o *Orchestrator) CreateVerificationWorkflow(ctx context.Context, transactionID string, overrides map[domain.TaskType]workflow.Override) ([]domain.VerificationTask, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !o.machine.CanTransition(tx.State, domain.StateVerificationInProgress) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, tx.State, domain.StateVerificationInProgress)
	}

	tasks, err := o.engine.CreateWorkflow(ctx, transactionID, overrides)
	if err != nil {
		return nil, err
	}

	milestones := make([]custody.Milestone, 0, len(tasks))
	for _, task := range tasks {
		if task.PaymentAmount.IsZero() {
			continue
		}
		milestones = append(milestones, custody.Milestone{
			ID:         milestoneID(transactionID, task.Type),
			Amount:     task.PaymentAmount,
			Recipient:  task.AssignedAgentID,
			Conditions: []string{"report_approved:" + string(task.Type)},
		})
	}
	err = o.custodyCall(ctx, func(ctx context.Context) error {
		return o.custody.ConfigureMilestones(ctx, tx.CustodyID, milestones)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: configure milestones: %v", domain.ErrCustody, err)
	}

	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		current, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		if _, err := o.machine.Transition(current, domain.StateVerificationInProgress, statemachine.GuardContext{}); err != nil {
			return err
		}
		return stx.UpdateTransaction(current)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, transactionID)
	o.logger.Printf("workflow created for %s: %d tasks, %d milestones", transactionID, len(tasks), len(milestones))
	return tasks, nil
}

// ProcessVerificationCompletion accepts a report for a task. An APPROVED
// report releases the milestone payment; a payment failure is non-fatal and
// retriable through RetryPayment. When the workflow completes, the state
// advances to VERIFICATION_COMPLETE, and on to SETTLEMENT_PENDING iff every
// report is approved.
func (o *Orchestrator) ProcessVerificationCompletion(ctx context.Context, transactionID string, report *domain.VerificationReport) (*domain.VerificationTask, error) {
	complete, err := o.engine.SubmitReport(ctx, transactionID, report)
	if err != nil {
		return nil, err
	}

	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	var task *domain.VerificationTask
	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		task, err = stx.GetTaskByType(transactionID, report.Type)
		return err
	})
	if err != nil {
		return nil, err
	}

	if o.metrics != nil && task.CompletedAt != nil {
		o.metrics.RecordTaskOutcome(string(task.Type), "completed", task.CompletedAt.Sub(task.AssignedAt).Seconds())
	}

	if report.Status == domain.ReportApproved && task.PaymentAmount.IsPositive() {
		if err := o.releaseTaskPayment(ctx, tx, task); err != nil {
			// Non-fatal: the task stays COMPLETED and the FAILED payment row
			// is retriable by an operator.
			o.logger.Printf("WARN: payment for task %s (%s) failed: %v", task.ID, task.Type, err)
		}
	}

	if complete {
		if err := o.advanceAfterVerification(ctx, transactionID); err != nil {
			return nil, err
		}
	}

	o.invalidate(ctx, transactionID)
	return task, nil
}

// releaseTaskPayment pays the verification milestone for one approved task
// and records the outcome as a payment row (COMPLETED or FAILED).
func (o *Orchestrator) releaseTaskPayment(ctx context.Context, tx *domain.Transaction, task *domain.VerificationTask) error {
	now := o.now().UTC()
	payment := &domain.Payment{
		ID:            paymentID(tx.ID, task.Type),
		TransactionID: tx.ID,
		CustodyID:     tx.CustodyID,
		Type:          domain.PaymentVerification,
		RecipientID:   task.AssignedAgentID,
		Amount:        task.PaymentAmount,
		Status:        domain.PaymentProcessing,
		InitiatedAt:   now,
	}

	var receipt *custody.PaymentReceipt
	callErr := o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		receipt, cerr = o.custody.ReleaseMilestone(ctx, tx.CustodyID, milestoneID(tx.ID, task.Type), task.AssignedAgentID, task.PaymentAmount)
		return cerr
	})

	err := o.store.WithinTx(ctx, tx.ID, func(stx store.Tx) error {
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
	if o.metrics != nil {
		o.metrics.RecordPayment(string(payment.Type), callErr == nil)
	}
	if callErr != nil {
		return fmt.Errorf("%w: release milestone %s: %v", domain.ErrCustody, task.Type, callErr)
	}

	o.emit(domain.EventPaymentReleased, tx.ID, map[string]interface{}{
		"payment_id":   payment.ID,
		"recipient_id": payment.RecipientID,
		"amount":       payment.Amount.String(),
	})
	return nil
}

// advanceAfterVerification applies VERIFICATION_IN_PROGRESS ->
// VERIFICATION_COMPLETE, then -> SETTLEMENT_PENDING iff every report is
// APPROVED. Both transitions are observable audit-wise in the same
// operation.
func (o *Orchestrator) advanceAfterVerification(ctx context.Context, transactionID string) error {
	return o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		tx, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		tasks, err := stx.ListTasks(transactionID)
		if err != nil {
			return err
		}
		allApproved, err := reportsAllApproved(stx, tasks)
		if err != nil {
			return err
		}

		if _, err := o.machine.Transition(tx, domain.StateVerificationComplete, statemachine.GuardContext{
			AllTasksCompleted: workflow.Complete(tasks),
		}); err != nil {
			return err
		}
		if allApproved {
			if _, err := o.machine.Transition(tx, domain.StateSettlementPending, statemachine.GuardContext{
				AllReportsApproved: true,
			}); err != nil {
				return err
			}
		}
		return stx.UpdateTransaction(tx)
	})
}

func reportsAllApproved(stx store.Tx, tasks []domain.VerificationTask) (bool, error) {
	for _, task := range tasks {
		if task.ReportID == "" {
			return false, nil
		}
		report, err := stx.GetReport(task.ReportID)
		if err != nil {
			return false, err
		}
		if report.Status != domain.ReportApproved {
			return false, nil
		}
	}
	return len(tasks) > 0, nil
}

// RetryPayment re-attempts a FAILED verification payment. The milestone key
// is derived from the task, so the custody provider returns the original
// receipt if the earlier attempt actually went through.
func (o *Orchestrator) RetryPayment(ctx context.Context, transactionID, payID string) (*domain.Payment, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	var payment *domain.Payment
	var task *domain.VerificationTask
	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		payments, err := stx.ListPayments(transactionID)
		if err != nil {
			return err
		}
		for i := range payments {
			if payments[i].ID == payID {
				payment = &payments[i]
				break
			}
		}
		if payment == nil {
			return domain.NotFoundf("payment", payID)
		}
		if payment.Status != domain.PaymentFailed {
			return fmt.Errorf("%w: payment %s is %s, not FAILED", domain.ErrInvalidState, payID, payment.Status)
		}
		for _, t := range domain.AllTaskTypes {
			if paymentID(transactionID, t) == payID {
				task, err = stx.GetTaskByType(transactionID, t)
				return err
			}
		}
		return fmt.Errorf("%w: payment %s is not a verification release", domain.ErrValidation, payID)
	})
	if err != nil {
		return nil, err
	}

	var receipt *custody.PaymentReceipt
	err = o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		receipt, cerr = o.custody.ReleaseMilestone(ctx, tx.CustodyID, milestoneID(transactionID, task.Type), task.AssignedAgentID, task.PaymentAmount)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: retry release %s: %v", domain.ErrCustody, task.Type, err)
	}

	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		completed := o.now().UTC()
		payment.Status = domain.PaymentCompleted
		payment.ExternalTxRef = receipt.ExternalTxRef
		payment.CompletedAt = &completed
		if err := stx.UpdatePayment(payment); err != nil {
			return err
		}
		_, err := o.recorder.Record(stx, transactionID, domain.PaymentReleasedPayload{
			PaymentID:   payment.ID,
			PaymentType: payment.Type,
			RecipientID: payment.RecipientID,
			Amount:      payment.Amount,
			Receipt:     receipt.ExternalTxRef,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, transactionID)
	if o.metrics != nil {
		o.metrics.RecordPayment(string(payment.Type), true)
	}
	o.emit(domain.EventPaymentReleased, transactionID, map[string]interface{}{
		"payment_id":   payment.ID,
		"recipient_id": payment.RecipientID,
		"amount":       payment.Amount.String(),
		"retried":      true,
	})
	return payment, nil
}

func (o *Orchestrator) invalidate(ctx context.Context, transactionID string) {
	if o.views != nil {
		o.views.InvalidateTransaction(ctx, transactionID)
	}
}

func (o *Orchestrator) emit(t domain.EventType, transactionID string, data map[string]interface{}) {
	if o.emitter != nil {
		o.emitter.Emit(t, transactionID, data)
	}
}
