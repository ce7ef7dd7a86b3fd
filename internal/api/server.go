// Package api wires the REST surface, the live event stream, and the
// Prometheus endpoint onto one gorilla/mux router.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deedflow/backend/internal/custody"
	"github.com/deedflow/backend/internal/handlers"
	"github.com/deedflow/backend/internal/notify"
	"github.com/deedflow/backend/internal/orchestrator"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/websocket"
)

// Server exposes the escrow orchestrator over HTTP.
type Server struct {
	orch     *orchestrator.Orchestrator
	custody  custody.Adapter
	registry *notify.Registry
	streamer *websocket.Streamer
	breakers *resilience.Registry

	httpServer *http.Server
	logger     *log.Logger
}

// NewServer assembles the router. Streamer may be nil to disable /ws.
func NewServer(orch *orchestrator.Orchestrator, adapter custody.Adapter, registry *notify.Registry, streamer *websocket.Streamer, breakers *resilience.Registry) *Server {
	return &Server{
		orch:     orch,
		custody:  adapter,
		registry: registry,
		streamer: streamer,
		breakers: breakers,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Transactions
	api.HandleFunc("/transactions", handlers.HandleInitiate(s.orch)).Methods("POST")
	api.HandleFunc("/transactions/{id}", handlers.HandleGetTransaction(s.orch)).Methods("GET")
	api.HandleFunc("/transactions/{id}/cancel", handlers.HandleCancel(s.orch)).Methods("POST")

	// Verification workflow
	api.HandleFunc("/transactions/{id}/workflow", handlers.HandleCreateWorkflow(s.orch)).Methods("POST")
	api.HandleFunc("/transactions/{id}/workflow", handlers.HandleGetWorkflow(s.orch)).Methods("GET")
	api.HandleFunc("/transactions/{id}/reports", handlers.HandleSubmitReport(s.orch)).Methods("POST")
	api.HandleFunc("/transactions/{id}/deadlines", handlers.HandleCheckDeadlines(s.orch)).Methods("GET")
	api.HandleFunc("/reports/{reportId}", handlers.HandleGetReport(s.orch)).Methods("GET")

	// Payments and settlement
	api.HandleFunc("/transactions/{id}/payments/{paymentId}/retry", handlers.HandleRetryPayment(s.orch)).Methods("POST")
	api.HandleFunc("/transactions/{id}/settlement/preview", handlers.HandlePreviewSettlement(s.orch)).Methods("POST")
	api.HandleFunc("/transactions/{id}/settlement", handlers.HandleExecuteSettlement(s.orch)).Methods("POST")

	// Disputes
	api.HandleFunc("/transactions/{id}/disputes", handlers.HandleRaiseDispute(s.orch)).Methods("POST")
	api.HandleFunc("/transactions/{id}/disputes/{disputeId}/resolve", handlers.HandleResolveDispute(s.orch)).Methods("POST")

	// Audit and custody views
	api.HandleFunc("/transactions/{id}/audit", handlers.HandleAuditTrail(s.orch)).Methods("GET")
	api.HandleFunc("/transactions/{id}/ledger", handlers.HandleLedger(s.orch)).Methods("GET")

	// Inbound custody callbacks
	api.HandleFunc("/webhooks/custody", handlers.HandleCustodyWebhook(s.custody)).Methods("POST")

	// Outbound notification subscriptions
	api.HandleFunc("/subscriptions", handlers.HandleSubscribe(s.registry)).Methods("POST")
	api.HandleFunc("/subscriptions", handlers.HandleListSubscriptions(s.registry)).Methods("GET")
	api.HandleFunc("/subscriptions/{subscriptionId}", handlers.HandleUnsubscribe(s.registry)).Methods("DELETE")

	// Live event stream
	if s.streamer != nil {
		r.HandleFunc("/ws", s.streamer.HandleWebSocket)
	}

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
	}
	if s.breakers != nil {
		body["breakers"] = s.breakers.Stats()
	}
	if s.streamer != nil {
		body["stream"] = s.streamer.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Custody-Signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
