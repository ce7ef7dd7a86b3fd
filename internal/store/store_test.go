package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deedflow/backend/internal/domain"
	"github.com/deedflow/backend/internal/money"
)

func newTransaction(id string) *domain.Transaction {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Transaction{
		ID:                 id,
		BuyerAgentID:       "agent-buyer",
		SellerAgentID:      "agent-seller",
		PropertyID:         "prop-77",
		EarnestMoney:       money.MustParse("10000.00"),
		TotalPurchasePrice: money.MustParse("400000.00"),
		State:              domain.StateInitiated,
		InitiatedAt:        now,
		TargetClosingDate:  now.AddDate(0, 0, 45),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func auditEvent(id, txID string, t domain.EventType) *domain.AuditEvent {
	return &domain.AuditEvent{
		ID:            id,
		TransactionID: txID,
		Type:          t,
		Payload:       json.RawMessage(`{}`),
		ContentHash:   "hash-" + id,
		Timestamp:     time.Now().UTC(),
	}
}

// ============================================================================
// TRANSACTIONAL SEMANTICS
// ============================================================================

func TestWithinTx_CommitVisible(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertTransaction(newTransaction("tx-1"))
	})
	require.NoError(t, err)

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitiated, got.State)
}

func TestWithinTx_ErrorRollsBackEverything(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		if err := tx.InsertTransaction(newTransaction("tx-1")); err != nil {
			return err
		}
		if err := tx.AppendAuditEvent(auditEvent("ev-1", "tx-1", domain.EventTransactionInitiated)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "domain write rolled back")

	events, err := s.ListAuditEvents(ctx, "tx-1")
	require.NoError(t, err)
	assert.Empty(t, events, "audit write rolled back with it")
}

func TestWithinTx_StagedWritesReadBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		if err := tx.InsertTransaction(newTransaction("tx-1")); err != nil {
			return err
		}
		// Uncommitted insert must be visible inside the same unit of work.
		got, err := tx.GetTransaction("tx-1")
		if err != nil {
			return err
		}
		got.State = domain.StateFunded
		return tx.UpdateTransaction(got)
	})
	require.NoError(t, err)

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFunded, got.State)
}

func TestWithinTx_ContextCancelled(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertTransaction(newTransaction("tx-1"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInsertTransaction_DuplicateRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertTransaction(newTransaction("tx-1"))
	}))
	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertTransaction(newTransaction("tx-1"))
	})
	assert.Error(t, err)
}

// ============================================================================
// TASKS
// ============================================================================

func TestTasks_UniquePerTypeAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &domain.VerificationTask{
		ID:              domain.NewID(),
		TransactionID:   "tx-1",
		Type:            domain.TaskTitleSearch,
		AssignedAgentID: "agent-title",
		Status:          domain.TaskAssigned,
		Deadline:        time.Now().AddDate(0, 0, 5),
		PaymentAmount:   money.MustParse("1200.00"),
	}
	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		if err := tx.InsertTransaction(newTransaction("tx-1")); err != nil {
			return err
		}
		return tx.InsertTask(task)
	}))

	// Second task of the same type for the same transaction is rejected.
	dup := *task
	dup.ID = domain.NewID()
	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertTask(&dup)
	})
	assert.Error(t, err)

	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		got, err := tx.GetTaskByType("tx-1", domain.TaskTitleSearch)
		if err != nil {
			return err
		}
		assert.Equal(t, task.ID, got.ID)

		_, err = tx.GetTaskByType("tx-1", domain.TaskLending)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

// ============================================================================
// AUDIT EVENTS
// ============================================================================

func TestAuditEvents_OrderAndPendingCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		if err := tx.InsertTransaction(newTransaction("tx-1")); err != nil {
			return err
		}
		for _, ev := range []*domain.AuditEvent{
			auditEvent("ev-1", "tx-1", domain.EventTransactionInitiated),
			auditEvent("ev-2", "tx-1", domain.EventEarnestMoneyDeposited),
			auditEvent("ev-3", "tx-1", domain.EventTaskAssigned),
		} {
			if err := tx.AppendAuditEvent(ev); err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := s.ListAuditEvents(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "ev-1", events[0].ID)
	assert.Equal(t, "ev-2", events[1].ID)
	assert.Equal(t, "ev-3", events[2].ID)

	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		n, err := tx.CountPendingAuditEvents("tx-1")
		assert.Equal(t, 3, n)
		return err
	}))
}

func TestAuditEvents_ReceiptBackfill(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		if err := tx.InsertTransaction(newTransaction("tx-1")); err != nil {
			return err
		}
		return tx.AppendAuditEvent(auditEvent("ev-1", "tx-1", domain.EventTransactionInitiated))
	}))

	pending, err := s.ListPendingAuditEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	block := int64(42)
	require.NoError(t, s.SetAuditReceipt(ctx, "ev-1", "sink-abc", &block))

	pending, err = s.ListPendingAuditEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	events, err := s.ListAuditEvents(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "sink-abc", events[0].ExternalTxRef)
	require.NotNil(t, events[0].BlockNumber)
	assert.Equal(t, int64(42), *events[0].BlockNumber)
	assert.False(t, events[0].SinkPending())

	assert.ErrorIs(t, s.SetAuditReceipt(ctx, "ev-missing", "x", nil), domain.ErrNotFound)
}

// ============================================================================
// READ ISOLATION
// ============================================================================

func TestReads_ReturnCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertTransaction(newTransaction("tx-1"))
	}))

	a, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	a.State = domain.StateCancelled

	b, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitiated, b.State, "caller mutation must not leak into the store")
}

func TestSettlement_OnePerTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	settlement := &domain.Settlement{
		ID:            domain.NewID(),
		TransactionID: "tx-1",
		TotalAmount:   money.MustParse("400000.00"),
		SellerAmount:  money.MustParse("376000.00"),
		ExecutedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		if err := tx.InsertTransaction(newTransaction("tx-1")); err != nil {
			return err
		}
		return tx.InsertSettlement(settlement)
	}))

	dup := *settlement
	dup.ID = domain.NewID()
	err := s.WithinTx(ctx, "tx-1", func(tx Tx) error {
		return tx.InsertSettlement(&dup)
	})
	assert.Error(t, err)

	got, err := s.GetSettlement(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.ID, got.ID)
}
