// Package audit implements the dual-sink audit log.
//
// Every state-changing operation records a typed event through Recorder,
// which appends to the primary store inside the caller's unit of work. A
// background Reconciler then forwards events to the external immutability
// sink and backfills the receipt. The primary write is authoritative; the
// sink write is asynchronous and never blocks or fails an operation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/store"
)

// Recorder appends audit events to the primary log.
type Recorder struct {
	now   func() time.Time
	newID func() string
}

// NewRecorder creates a Recorder with the production clock and ID source.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now, newID: domain.NewID}
}

// WithClock overrides the event timestamp source (tests).
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record builds the event for payload and appends it within tx. The content
// hash covers transaction ID, event type, serialized payload, and timestamp,
// so any later mutation of the row is detectable.
func (r *Recorder) Record(tx store.Tx, transactionID string, payload domain.EventPayload) (*domain.AuditEvent, error) {
	raw, err := domain.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	ts := r.now().UTC()
	event := &domain.AuditEvent{
		ID:            r.newID(),
		TransactionID: transactionID,
		Type:          payload.EventType(),
		Payload:       raw,
		ContentHash:   ContentHash(transactionID, payload.EventType(), raw, ts),
		Timestamp:     ts,
	}
	if err := tx.AppendAuditEvent(event); err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	return event, nil
}

// ContentHash computes the canonical hash of an event's immutable fields.
func ContentHash(transactionID string, t domain.EventType, payload []byte, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(transactionID))
	h.Write([]byte{0})
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes an event's content hash and compares.
func Verify(e *domain.AuditEvent) bool {
	return ContentHash(e.TransactionID, e.Type, e.Payload, e.Timestamp) == e.ContentHash
}
