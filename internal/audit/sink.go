package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/deedflow/backend/internal/domain"
)

// SinkReceipt is the external sink's acknowledgement of one event.
type SinkReceipt struct {
	ExternalTxRef string `json:"external_tx_ref"`
	BlockNumber   *int64 `json:"block_number,omitempty"`
}

// Sink is the external immutability sink. Submit must be idempotent on the
// event ID.
type Sink interface {
	Submit(ctx context.Context, event *domain.AuditEvent) (*SinkReceipt, error)
}

// HTTPSink posts events to the immutability service as JSON. The service
// deduplicates on event ID and returns the original receipt on replay.
type HTTPSink struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSink creates the production sink client.
func NewHTTPSink(baseURL, apiKey string, timeout time.Duration) *HTTPSink {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Submit(ctx context.Context, event *domain.AuditEvent) (*SinkReceipt, error) {
	body, err := json.Marshal(map[string]interface{}{
		"event_id":       event.ID,
		"transaction_id": event.TransactionID,
		"event_type":     event.Type,
		"content_hash":   event.ContentHash,
		"payload":        event.Payload,
		"timestamp":      event.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode event %s: %v", domain.ErrAuditSink, event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuditSink, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuditSink, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: event %s -> %d", domain.ErrAuditSink, event.ID, resp.StatusCode)
	}

	var receipt SinkReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("%w: decode receipt for %s: %v", domain.ErrAuditSink, event.ID, err)
	}
	if receipt.ExternalTxRef == "" {
		return nil, fmt.Errorf("%w: empty receipt for %s", domain.ErrAuditSink, event.ID)
	}
	return &receipt, nil
}
