// Package cache provides the read-view cache in front of the store.
//
// The cache holds serialized view snapshots keyed by entity. It is strictly
// an optimization: every cached read has a store fallback, and a cache
// outage degrades to direct reads. Writers invalidate affected keys inside
// the same operation that commits the write.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// View TTLs. Transaction and workflow views change with every operation and
// stay short-lived; reports are immutable after review and can live longer.
const (
	TransactionTTL = 5 * time.Minute
	WorkflowTTL    = 5 * time.Minute
	ReportTTL      = 24 * time.Hour
)

// Key builders.
func TransactionKey(id string) string         { return "transaction:" + id }
func ReportKey(id string) string              { return "report:" + id }
func WorkflowKey(transactionID string) string { return "workflow:" + transactionID }

// Client is the minimal key-value surface the cache needs. Implemented by
// the go-redis adapter in production and MemoryClient in tests and local
// development.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// MemoryClient is the in-memory fallback used when Redis is unavailable.
type MemoryClient struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryClient creates an empty in-memory client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock overrides the expiry clock (tests).
func (m *MemoryClient) WithClock(now func() time.Time) *MemoryClient {
	m.now = now
	return m
}

func (m *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	return nil
}

// Len reports the live entry count (tests).
func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
