package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_SetGetDel(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Del(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryClient_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryClient().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 5*time.Minute))

	now = now.Add(4 * time.Minute)
	_, err := c.Get(ctx, "k")
	require.NoError(t, err, "still fresh")

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss, "expired after TTL")
	assert.Zero(t, c.Len(), "expired entry evicted on read")
}

func TestViews_RoundTripAndInvalidate(t *testing.T) {
	c := NewMemoryClient()
	v := NewViews(c)
	ctx := context.Background()

	type view struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}

	require.NoError(t, v.SetJSON(ctx, TransactionKey("tx-1"), view{ID: "tx-1", State: "FUNDED"}, TransactionTTL))
	require.NoError(t, v.SetJSON(ctx, WorkflowKey("tx-1"), map[string]int{"tasks": 4}, WorkflowTTL))
	require.NoError(t, v.SetJSON(ctx, ReportKey("rep-1"), view{ID: "rep-1"}, ReportTTL))

	var got view
	require.NoError(t, v.GetJSON(ctx, TransactionKey("tx-1"), &got))
	assert.Equal(t, "FUNDED", got.State)

	v.InvalidateTransaction(ctx, "tx-1")

	assert.ErrorIs(t, v.GetJSON(ctx, TransactionKey("tx-1"), &got), ErrMiss)
	var wf map[string]int
	assert.ErrorIs(t, v.GetJSON(ctx, WorkflowKey("tx-1"), &wf), ErrMiss)

	// Report views survive transaction invalidation.
	require.NoError(t, v.GetJSON(ctx, ReportKey("rep-1"), &got))
	assert.Equal(t, "rep-1", got.ID)
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "transaction:tx-1", TransactionKey("tx-1"))
	assert.Equal(t, "report:rep-1", ReportKey("rep-1"))
	assert.Equal(t, "workflow:tx-1", WorkflowKey("tx-1"))
}
