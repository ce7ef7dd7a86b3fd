package orchestrator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/deedflow/backend/internal/custody"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/money"
	"github.com/deedflow/backend/internal/statemachine"
	"github.com/deedflow/backend/internal/store"
)

// ClosingCostPolicy computes the closing costs when the caller does not
// supply them.
type ClosingCostPolicy func(price money.Amount, tasks []domain.VerificationTask) money.Amount

// DefaultClosingCosts is the sum of all task payment amounts plus one
// percent of the purchase price.
func DefaultClosingCosts(price money.Amount, tasks []domain.VerificationTask) money.Amount {
	total := money.Zero
	for _, t := range tasks {
		total = total.Add(t.PaymentAmount)
	}
	return total.Add(price.MulRate(money.MustRate("0.01")))
}

// SettlementInput parameterizes a settlement.
type SettlementInput struct {
	BuyerAgentRate  decimal.Decimal
	SellerAgentRate decimal.Decimal

	// ClosingCosts overrides the closing-cost policy when non-nil.
	ClosingCosts *money.Amount

	// ExtraDistributions are additional payout legs carved out of the
	// seller's proceeds (liens, repairs agreed at closing).
	ExtraDistributions []domain.Distribution
}

// SettlementBreakdown is the computed distribution before execution.
type SettlementBreakdown struct {
	TotalAmount           money.Amount          `json:"total_amount"`
	SellerAmount          money.Amount          `json:"seller_amount"`
	BuyerAgentCommission  money.Amount          `json:"buyer_agent_commission"`
	SellerAgentCommission money.Amount          `json:"seller_agent_commission"`
	ClosingCosts          money.Amount          `json:"closing_costs"`
	Distributions         []domain.Distribution `json:"distributions"`
}

// computeSettlement applies the settlement arithmetic. Decimal throughout
// with banker's rounding at 2 digits; a negative seller amount (or a seller
// leg driven negative by extra distributions) is ErrArithmetic.
func (o *Orchestrator) computeSettlement(tx *domain.Transaction, tasks []domain.VerificationTask, in SettlementInput) (*SettlementBreakdown, error) {
	if in.BuyerAgentRate.IsNegative() || in.SellerAgentRate.IsNegative() {
		return nil, fmt.Errorf("%w: commission rates must be non-negative", domain.ErrValidation)
	}

	price := tx.TotalPurchasePrice
	buyerComm := price.MulRate(in.BuyerAgentRate)
	sellerComm := price.MulRate(in.SellerAgentRate)

	var closing money.Amount
	if in.ClosingCosts != nil {
		closing = in.ClosingCosts.Round()
	} else {
		closing = o.closing(price, tasks).Round()
	}

	sellerAmount := price.Sub(buyerComm).Sub(sellerComm).Sub(closing)
	if sellerAmount.IsNegative() {
		return nil, fmt.Errorf("%w: seller amount %s is negative", domain.ErrArithmetic, sellerAmount)
	}

	// Extra distributions come out of the seller's leg; the recorded
	// seller_amount keeps the settlement identity with the purchase price.
	sellerLeg := sellerAmount
	for _, d := range in.ExtraDistributions {
		if !d.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: distribution to %s must be positive", domain.ErrValidation, d.Recipient)
		}
		sellerLeg = sellerLeg.Sub(d.Amount)
	}
	if sellerLeg.IsNegative() {
		return nil, fmt.Errorf("%w: distributions exceed seller proceeds", domain.ErrArithmetic)
	}

	dists := []domain.Distribution{
		{Recipient: "seller", Amount: sellerLeg, Description: "seller proceeds"},
		{Recipient: tx.BuyerAgentID, Amount: buyerComm, Description: "buyer agent commission"},
		{Recipient: tx.SellerAgentID, Amount: sellerComm, Description: "seller agent commission"},
		{Recipient: "closing", Amount: closing, Description: "closing costs"},
	}
	dists = append(dists, in.ExtraDistributions...)

	return &SettlementBreakdown{
		TotalAmount:           price,
		SellerAmount:          sellerAmount,
		BuyerAgentCommission:  buyerComm,
		SellerAgentCommission: sellerComm,
		ClosingCosts:          closing,
		Distributions:         dists,
	}, nil
}

// PreviewSettlement computes the distribution without side effects.
func (o *Orchestrator) PreviewSettlement(ctx context.Context, transactionID string, in SettlementInput) (*SettlementBreakdown, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasks(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return o.computeSettlement(tx, tasks, in)
}

// ExecuteSettlement performs the final distribution. The transaction must be
// SETTLEMENT_PENDING with a fully reconciled audit trail; the custody call
// happens before the commit that records its receipt. Idempotent: a settled
// transaction returns its existing settlement.
func (o *Orchestrator) ExecuteSettlement(ctx context.Context, transactionID string, in SettlementInput) (*domain.Settlement, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.State == domain.StateSettled {
		return o.store.GetSettlement(ctx, transactionID)
	}
	if tx.State != domain.StateSettlementPending {
		return nil, fmt.Errorf("%w: settlement requires SETTLEMENT_PENDING, transaction is %s", domain.ErrInvalidState, tx.State)
	}

	var breakdown *SettlementBreakdown
	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		pending, err := stx.CountPendingAuditEvents(transactionID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d audit events await external confirmation", domain.ErrInvalidState, pending)
		}
		tasks, err := stx.ListTasks(transactionID)
		if err != nil {
			return err
		}
		breakdown, err = o.computeSettlement(tx, tasks, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	legs := make([]custody.SettlementLeg, len(breakdown.Distributions))
	for i, d := range breakdown.Distributions {
		legs[i] = custody.SettlementLeg{Recipient: d.Recipient, Amount: d.Amount, Description: d.Description}
	}
	settlementKey := custody.IdempotencyKey(transactionID, "settlement", "1")

	closingDeposit, err := o.fundClosing(ctx, tx, breakdown.TotalAmount)
	if err != nil {
		return nil, err
	}

	var receipt *custody.SettlementReceipt
	err = o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		receipt, cerr = o.custody.ExecuteSettlement(ctx, tx.CustodyID, settlementKey, legs)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: execute settlement: %v", domain.ErrCustody, err)
	}

	settlement := &domain.Settlement{
		ID:                    settlementKey,
		TransactionID:         transactionID,
		TotalAmount:           breakdown.TotalAmount,
		SellerAmount:          breakdown.SellerAmount,
		BuyerAgentCommission:  breakdown.BuyerAgentCommission,
		SellerAgentCommission: breakdown.SellerAgentCommission,
		ClosingCosts:          breakdown.ClosingCosts,
		Distributions:         breakdown.Distributions,
		ExternalTxRef:         receipt.ExternalTxRef,
		ExecutedAt:            o.now().UTC(),
	}

	err = o.store.WithinTx(ctx, transactionID, func(stx store.Tx) error {
		current, err := stx.GetTransaction(transactionID)
		if err != nil {
			return err
		}
		if current.State != domain.StateSettlementPending {
			return fmt.Errorf("%w: transaction moved to %s during settlement", domain.ErrInvalidState, current.State)
		}
		if err := stx.InsertSettlement(settlement); err != nil {
			return err
		}
		if closingDeposit != nil {
			if err := stx.InsertPayment(closingDeposit); err != nil {
				return err
			}
		}
		if err := o.recordSettlementPayments(stx, current, settlement); err != nil {
			return err
		}
		if _, err := o.recorder.Record(stx, transactionID, domain.SettlementExecutedPayload{
			SettlementID:          settlement.ID,
			SellerAmount:          settlement.SellerAmount,
			BuyerAgentCommission:  settlement.BuyerAgentCommission,
			SellerAgentCommission: settlement.SellerAgentCommission,
			ClosingCosts:          settlement.ClosingCosts,
			Receipt:               settlement.ExternalTxRef,
		}); err != nil {
			return err
		}
		if _, err := o.machine.Transition(current, domain.StateSettled, statemachine.GuardContext{
			SettlementRef: settlement.ExternalTxRef,
		}); err != nil {
			return err
		}
		return stx.UpdateTransaction(current)
	})
	if err != nil {
		return nil, err
	}

	o.invalidate(ctx, transactionID)
	if o.metrics != nil {
		o.metrics.RecordSettlement(settlement.TotalAmount.Decimal().InexactFloat64())
	}
	o.emit(domain.EventSettlementExecuted, transactionID, map[string]interface{}{
		"settlement_id": settlement.ID,
		"seller_amount": settlement.SellerAmount.String(),
		"receipt":       settlement.ExternalTxRef,
	})
	o.logger.Printf("transaction %s settled: seller %s, receipt %s", transactionID, settlement.SellerAmount, settlement.ExternalTxRef)
	return settlement, nil
}

// fundClosing deposits the buyer's closing funds so the custody balance
// covers the full distribution. Idempotent on the deposit key; returns the
// payment row to persist, or nil when the balance already suffices.
func (o *Orchestrator) fundClosing(ctx context.Context, tx *domain.Transaction, required money.Amount) (*domain.Payment, error) {
	var balance money.Amount
	err := o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		balance, cerr = o.custody.GetBalance(ctx, tx.CustodyID)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get balance: %v", domain.ErrCustody, err)
	}
	if !balance.LessThan(required) {
		return nil, nil
	}

	shortfall := required.Sub(balance)
	depositKey := custody.IdempotencyKey(tx.ID, "deposit", "closing-funds")
	var receipt *custody.PaymentReceipt
	err = o.custodyCall(ctx, func(ctx context.Context) error {
		var cerr error
		receipt, cerr = o.custody.Deposit(ctx, tx.CustodyID, depositKey, shortfall)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: deposit closing funds: %v", domain.ErrCustody, err)
	}

	now := o.now().UTC()
	completed := now
	return &domain.Payment{
		ID:            depositKey,
		TransactionID: tx.ID,
		CustodyID:     tx.CustodyID,
		Type:          domain.PaymentEarnestMoney,
		RecipientID:   "escrow",
		Amount:        shortfall,
		Status:        domain.PaymentCompleted,
		ExternalTxRef: receipt.ExternalTxRef,
		InitiatedAt:   now,
		CompletedAt:   &completed,
	}, nil
}

// recordSettlementPayments writes one completed payment row per distribution
// leg, classified by recipient role.
func (o *Orchestrator) recordSettlementPayments(stx store.Tx, tx *domain.Transaction, s *domain.Settlement) error {
	now := s.ExecutedAt
	for i, d := range s.Distributions {
		pType := domain.PaymentSettlement
		switch d.Recipient {
		case tx.BuyerAgentID, tx.SellerAgentID:
			pType = domain.PaymentCommission
		case "closing":
			pType = domain.PaymentClosingCost
		}
		completed := now
		payment := &domain.Payment{
			ID:            custody.IdempotencyKey(tx.ID, "settlement-leg", fmt.Sprintf("%d", i)),
			TransactionID: tx.ID,
			CustodyID:     tx.CustodyID,
			Type:          pType,
			RecipientID:   d.Recipient,
			Amount:        d.Amount,
			Status:        domain.PaymentCompleted,
			ExternalTxRef: s.ExternalTxRef,
			InitiatedAt:   now,
			CompletedAt:   &completed,
		}
		if err := stx.InsertPayment(payment); err != nil {
			return err
		}
	}
	return nil
}
