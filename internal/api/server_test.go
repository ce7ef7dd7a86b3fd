package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/audit"
	"github.com/deedflow/backend/internal/custody"
	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/engine"
	"github.com/deedflow/backend/internal/notify"
	"github.com/deedflow/backend/internal/orchestrator"
	"github.com/deedflow/backend/internal/resilience"
	"github.com/deedflow/backend/internal/store"
)

type apiEnv struct {
	router *mux.Router
	store  *store.MemoryStore
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	st := store.NewMemoryStore()
	adapter := custody.NewMemoryAdapter("test-secret")
	recorder := audit.NewRecorder()
	breakers := resilience.NewRegistry()
	eng := engine.New(st, recorder, nil, nil)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Custody:  adapter,
		Recorder: recorder,
		Engine:   eng,
		Breakers: breakers,
	})

	server := NewServer(orch, adapter, notify.NewRegistry(), nil, breakers)
	return &apiEnv{router: server.Router(), store: st}
}

func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func initiateBody() map[string]interface{} {
	return map[string]interface{}{
		"buyer_agent_id":       "agent-buyer",
		"seller_agent_id":      "agent-seller",
		"property_id":          "prop-1",
		"earnest_money":        "10000.00",
		"total_purchase_price": "385000.00",
		"target_closing_date":  time.Now().UTC().AddDate(0, 0, 45),
	}
}

func (env *apiEnv) reconcileAudit(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	pending, err := env.store.ListPendingAuditEvents(ctx, 1000)
	require.NoError(t, err)
	for i, e := range pending {
		require.NoError(t, env.store.SetAuditReceipt(ctx, e.ID, fmt.Sprintf("sink-%03d", i), nil))
	}
}

// ============================================================
// Full lifecycle over HTTP
// ============================================================

func TestAPI_FullLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	// Initiate
	rec := env.do(t, http.MethodPost, "/api/v1/transactions", initiateBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tx domain.Transaction
	decode(t, rec, &tx)
	assert.Equal(t, domain.StateFunded, tx.State)
	require.NotEmpty(t, tx.ID)
	base := "/api/v1/transactions/" + tx.ID

	// Create workflow
	rec = env.do(t, http.MethodPost, base+"/workflow", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Tasks []domain.VerificationTask `json:"tasks"`
	}
	decode(t, rec, &created)
	assert.Len(t, created.Tasks, 4)

	// Approve every task in dependency order
	for _, taskType := range domain.AllTaskTypes {
		rec = env.do(t, http.MethodPost, base+"/reports", map[string]interface{}{
			"agent_id": "agent-" + string(taskType),
			"type":     string(taskType),
			"status":   string(domain.ReportApproved),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// Settlement preview
	rates := map[string]interface{}{
		"buyer_agent_rate":  "0.03",
		"seller_agent_rate": "0.03",
	}
	rec = env.do(t, http.MethodPost, base+"/settlement/preview", rates)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview struct {
		SellerAmount string `json:"seller_amount"`
	}
	decode(t, rec, &preview)
	assert.Equal(t, "355950.00", preview.SellerAmount)

	// Settlement requires a reconciled audit trail
	rec = env.do(t, http.MethodPost, base+"/settlement", rates)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	env.reconcileAudit(t)
	rec = env.do(t, http.MethodPost, base+"/settlement", rates)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var settlement domain.Settlement
	decode(t, rec, &settlement)
	assert.NotEmpty(t, settlement.ExternalTxRef)

	// Aggregate view reflects the settled transaction
	rec = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view orchestrator.TransactionView
	decode(t, rec, &view)
	assert.Equal(t, domain.StateSettled, view.Transaction.State)
	require.NotNil(t, view.Settlement)
	assert.Equal(t, 4, view.Progress.Completed)

	// Audit trail is exposed
	rec = env.do(t, http.MethodGet, base+"/audit?with_reports=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Events []orchestrator.AuditTrailEntry `json:"events"`
	}
	decode(t, rec, &trail)
	assert.NotEmpty(t, trail.Events)

	// Custody ledger is exposed
	rec = env.do(t, http.MethodGet, base+"/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// ============================================================
// Error mapping
// ============================================================

func TestAPI_ErrorMapping(t *testing.T) {
	env := newAPIEnv(t)

	// Validation failure -> 400
	body := initiateBody()
	body["earnest_money"] = "not-a-number"
	rec := env.do(t, http.MethodPost, "/api/v1/transactions", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown transaction -> 404
	rec = env.do(t, http.MethodGet, "/api/v1/transactions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Settlement out of state -> 409
	rec = env.do(t, http.MethodPost, "/api/v1/transactions", initiateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var tx domain.Transaction
	decode(t, rec, &tx)
	rec = env.do(t, http.MethodPost, "/api/v1/transactions/"+tx.ID+"/settlement", map[string]interface{}{
		"buyer_agent_rate":  "0.03",
		"seller_agent_rate": "0.03",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// ============================================================
// Disputes over HTTP
// ============================================================

func TestAPI_DisputeRoundTrip(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", initiateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var tx domain.Transaction
	decode(t, rec, &tx)
	base := "/api/v1/transactions/" + tx.ID

	rec = env.do(t, http.MethodPost, base+"/workflow", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/disputes", map[string]interface{}{
		"raised_by":   "agent-buyer",
		"type":        "inspection",
		"description": "inspection findings disputed",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var raised struct {
		Dispute domain.Dispute `json:"dispute"`
	}
	decode(t, rec, &raised)
	require.NotEmpty(t, raised.Dispute.ID)

	rec = env.do(t, http.MethodPost, base+"/disputes/"+raised.Dispute.ID+"/resolve", map[string]interface{}{
		"resolution": "continue",
		"details":    "resolved offline",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view orchestrator.TransactionView
	decode(t, rec, &view)
	assert.Equal(t, domain.StateVerificationInProgress, view.Transaction.State)
}

// ============================================================
// Operational endpoints
// ============================================================

func TestAPI_Health(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "breakers")
}
