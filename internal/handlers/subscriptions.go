package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/notify"
)

type subscribeRequest struct {
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Secret  string   `json:"secret,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
}

// HandleSubscribe registers a webhook subscription for lifecycle events.
func HandleSubscribe(registry *notify.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscribeRequest
		if !decodeBody(w, r, &req) {
			return
		}

		events := make([]domain.EventType, len(req.Events))
		for i, e := range req.Events {
			events[i] = domain.EventType(e)
		}
		sub := &notify.Subscription{
			ID:        domain.NewID(),
			URL:       req.URL,
			Events:    events,
			Secret:    req.Secret,
			AgentID:   req.AgentID,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := registry.Register(sub); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

// HandleUnsubscribe removes a webhook subscription.
func HandleUnsubscribe(registry *notify.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := registry.Unregister(mux.Vars(r)["subscriptionId"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleListSubscriptions lists registered subscriptions.
func HandleListSubscriptions(registry *notify.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs := registry.ListAll()
		if subs == nil {
			subs = []*notify.Subscription{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
	}
}
