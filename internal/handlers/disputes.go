package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/orchestrator"
)

type raiseDisputeRequest struct {
	RaisedBy    string   `json:"raised_by"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
}

// HandleRaiseDispute opens a dispute and freezes forward progress.
func HandleRaiseDispute(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req raiseDisputeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := o.RaiseDispute(r.Context(), mux.Vars(r)["id"], orchestrator.DisputeInput{
			RaisedBy:    req.RaisedBy,
			Type:        req.Type,
			Description: req.Description,
			Evidence:    req.Evidence,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

type resolveDisputeRequest struct {
	Resolution string             `json:"resolution"`
	Details    string             `json:"details,omitempty"`
	TaskType   domain.TaskType    `json:"task_type,omitempty"`
	Refund     bool               `json:"refund,omitempty"`
	Settlement *settlementRequest `json:"settlement,omitempty"`
}

// HandleResolveDispute applies one of the four resolution kinds.
func HandleResolveDispute(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveDisputeRequest
		if !decodeBody(w, r, &req) {
			return
		}

		in := orchestrator.ResolveInput{
			Resolution: req.Resolution,
			Details:    req.Details,
			TaskType:   req.TaskType,
			Refund:     req.Refund,
		}
		if req.Settlement != nil {
			settlement, err := req.Settlement.toInput()
			if err != nil {
				writeError(w, err)
				return
			}
			in.Settlement = &settlement
		}

		vars := mux.Vars(r)
		tx, err := o.ResolveDispute(r.Context(), vars["id"], vars["disputeId"], in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}
