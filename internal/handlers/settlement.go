package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/money"
	"github.com/deedflow/backend/internal/orchestrator"
)

type settlementRequest struct {
	BuyerAgentRate  string `json:"buyer_agent_rate"`
	SellerAgentRate string `json:"seller_agent_rate"`
	ClosingCosts    string `json:"closing_costs,omitempty"`
	Distributions   []struct {
		Recipient   string `json:"recipient"`
		Amount      string `json:"amount"`
		Description string `json:"description,omitempty"`
	} `json:"distributions,omitempty"`
}

func (req settlementRequest) toInput() (orchestrator.SettlementInput, error) {
	var in orchestrator.SettlementInput

	buyerRate, err := money.Rate(req.BuyerAgentRate)
	if err != nil {
		return in, domain.Validationf("buyer_agent_rate: %v", err)
	}
	sellerRate, err := money.Rate(req.SellerAgentRate)
	if err != nil {
		return in, domain.Validationf("seller_agent_rate: %v", err)
	}
	in.BuyerAgentRate = buyerRate
	in.SellerAgentRate = sellerRate

	if req.ClosingCosts != "" {
		closing, err := money.FromString(req.ClosingCosts)
		if err != nil {
			return in, domain.Validationf("closing_costs: %v", err)
		}
		in.ClosingCosts = &closing
	}
	for _, d := range req.Distributions {
		amount, err := money.FromString(d.Amount)
		if err != nil {
			return in, domain.Validationf("distribution to %s: %v", d.Recipient, err)
		}
		in.ExtraDistributions = append(in.ExtraDistributions, domain.Distribution{
			Recipient:   d.Recipient,
			Amount:      amount,
			Description: d.Description,
		})
	}
	return in, nil
}

// HandlePreviewSettlement computes the distribution without side effects.
func HandlePreviewSettlement(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settlementRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, err := req.toInput()
		if err != nil {
			writeError(w, err)
			return
		}
		preview, err := o.PreviewSettlement(r.Context(), mux.Vars(r)["id"], in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

// HandleExecuteSettlement performs the final distribution.
func HandleExecuteSettlement(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settlementRequest
		if !decodeBody(w, r, &req) {
			return
		}
		in, err := req.toInput()
		if err != nil {
			writeError(w, err)
			return
		}
		settlement, err := o.ExecuteSettlement(r.Context(), mux.Vars(r)["id"], in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settlement)
	}
}
