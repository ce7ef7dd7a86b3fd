package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Views layers JSON serialization and key policy over a Client. Cache
// failures on the write path are logged and swallowed; the store remains the
// source of truth.
type Views struct {
	client Client
}

// NewViews wraps a client.
func NewViews(client Client) *Views {
	return &Views{client: client}
}

// GetJSON loads key into out. Returns ErrMiss on absence.
func (v *Views) GetJSON(ctx context.Context, key string, out interface{}) error {
	data, err := v.client.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// SetJSON stores value under key. Serialization errors propagate; transport
// errors are logged and dropped.
func (v *Views) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := v.client.Set(ctx, key, data, ttl); err != nil {
		slog.Warn("cache set failed", "key", key, "error", err)
	}
	return nil
}

// InvalidateTransaction drops the transaction and workflow views together.
// Report views are immutable and never invalidated.
func (v *Views) InvalidateTransaction(ctx context.Context, transactionID string) {
	keys := []string{TransactionKey(transactionID), WorkflowKey(transactionID)}
	if err := v.client.Del(ctx, keys...); err != nil {
		slog.Warn("cache invalidation failed", "transaction_id", transactionID, "error", err)
	}
}
