package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/deedflow/backend/internal/custody"
)

// custodyWebhook is the provider's callback body. Receipts are advisory;
// the orchestrator already holds authoritative receipts from its own calls,
// so webhook processing is limited to acknowledgement and logging.
type custodyWebhook struct {
	EventType string `json:"event_type"` // deposit.completed, release.completed, settlement.completed
	AccountID string `json:"account_id"`
	Reference string `json:"reference"`
}

// HandleCustodyWebhook verifies the provider's HMAC signature and
// acknowledges the callback. Unsigned or tampered payloads are rejected.
func HandleCustodyWebhook(adapter custody.Adapter) http.HandlerFunc {
	logger := log.New(log.Writer(), "[Webhook] ", log.LstdFlags)
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}

		signature := r.Header.Get("X-Custody-Signature")
		if signature == "" || !adapter.VerifyWebhook(payload, signature) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		var hook custodyWebhook
		if err := json.Unmarshal(payload, &hook); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}

		logger.Printf("custody event %s for account %s (ref %s)", hook.EventType, hook.AccountID, hook.Reference)
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}
