package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/money"
	"github.com/deedflow/backend/internal/orchestrator"
	"github.com/deedflow/backend/internal/workflow"
)

type initiateRequest struct {
	BuyerAgentID       string          `json:"buyer_agent_id"`
	SellerAgentID      string          `json:"seller_agent_id"`
	PropertyID         string          `json:"property_id"`
	EarnestMoney       string          `json:"earnest_money"`
	TotalPurchasePrice string          `json:"total_purchase_price"`
	TargetClosingDate  time.Time       `json:"target_closing_date"`
	Metadata           domain.Metadata `json:"metadata,omitempty"`
}

// HandleInitiate creates a new escrow transaction.
func HandleInitiate(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req initiateRequest
		if !decodeBody(w, r, &req) {
			return
		}

		earnest, err := money.FromString(req.EarnestMoney)
		if err != nil {
			writeError(w, domain.Validationf("earnest_money: %v", err))
			return
		}
		price, err := money.FromString(req.TotalPurchasePrice)
		if err != nil {
			writeError(w, domain.Validationf("total_purchase_price: %v", err))
			return
		}

		tx, err := o.Initiate(r.Context(), orchestrator.InitiateInput{
			BuyerAgentID:       req.BuyerAgentID,
			SellerAgentID:      req.SellerAgentID,
			PropertyID:         req.PropertyID,
			EarnestMoney:       earnest,
			TotalPurchasePrice: price,
			TargetClosingDate:  req.TargetClosingDate,
			Metadata:           req.Metadata,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
	}
}

// HandleGetTransaction returns the aggregate transaction view.
func HandleGetTransaction(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := o.GetTransactionView(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type workflowOverride struct {
	DeadlineDays  int    `json:"deadline_days,omitempty"`
	PaymentAmount string `json:"payment_amount,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
}

type createWorkflowRequest struct {
	Overrides map[string]workflowOverride `json:"overrides,omitempty"`
}

// HandleCreateWorkflow materializes the verification tasks.
func HandleCreateWorkflow(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createWorkflowRequest
		if r.ContentLength > 0 && !decodeBody(w, r, &req) {
			return
		}

		overrides := make(map[domain.TaskType]workflow.Override, len(req.Overrides))
		for taskType, ov := range req.Overrides {
			out := workflow.Override{DeadlineDays: ov.DeadlineDays, AgentID: ov.AgentID}
			if ov.PaymentAmount != "" {
				amount, err := money.FromString(ov.PaymentAmount)
				if err != nil {
					writeError(w, domain.Validationf("payment_amount for %s: %v", taskType, err))
					return
				}
				out.PaymentAmount = &amount
			}
			overrides[domain.TaskType(taskType)] = out
		}

		tasks, err := o.CreateVerificationWorkflow(r.Context(), mux.Vars(r)["id"], overrides)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"tasks": tasks})
	}
}

// HandleGetWorkflow returns task statuses and deadline breaches.
func HandleGetWorkflow(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := o.GetWorkflowState(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type submitReportRequest struct {
	AgentID       string                 `json:"agent_id"`
	Type          domain.TaskType        `json:"type"`
	Status        domain.ReportStatus    `json:"status"`
	Findings      map[string]interface{} `json:"findings,omitempty"`
	Documents     []string               `json:"documents,omitempty"`
	ReviewerNotes string                 `json:"reviewer_notes,omitempty"`
}

// HandleSubmitReport processes a verification report for a task.
func HandleSubmitReport(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitReportRequest
		if !decodeBody(w, r, &req) {
			return
		}

		task, err := o.ProcessVerificationCompletion(r.Context(), mux.Vars(r)["id"], &domain.VerificationReport{
			AgentID:       req.AgentID,
			Type:          req.Type,
			Status:        req.Status,
			Findings:      req.Findings,
			Documents:     req.Documents,
			ReviewerNotes: req.ReviewerNotes,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// HandleGetReport returns one verification report.
func HandleGetReport(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := o.GetReport(r.Context(), mux.Vars(r)["reportId"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// HandleCheckDeadlines sweeps one transaction for overdue tasks.
func HandleCheckDeadlines(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overdue, err := o.CheckDeadlines(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		if overdue == nil {
			overdue = []workflow.OverdueTask{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"overdue": overdue})
	}
}

// HandleRetryPayment replays a failed verification payment.
func HandleRetryPayment(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		payment, err := o.RetryPayment(r.Context(), vars["id"], vars["paymentId"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payment)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Refund bool   `json:"refund"`
}

// HandleCancel cancels the transaction.
func HandleCancel(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if !decodeBody(w, r, &req) {
			return
		}
		tx, err := o.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason, req.Refund)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

// HandleAuditTrail returns the audit log, joined with reports when
// ?with_reports=true.
func HandleAuditTrail(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withReports := r.URL.Query().Get("with_reports") == "true"
		entries, err := o.GetAuditTrail(r.Context(), mux.Vars(r)["id"], withReports)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []orchestrator.AuditTrailEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
	}
}

// HandleLedger returns the custody account history.
func HandleLedger(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := o.GetLedger(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}
