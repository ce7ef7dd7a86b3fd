package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/deedflow/backend/internal/domain"
)

// MemoryStore is the in-memory Store used by tests and local development.
// Per-transaction exclusivity comes from named mutexes; atomicity comes from
// staging every write and applying the batch on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	locks sync.Map // transactionID -> *sync.Mutex

	transactions map[string]*domain.Transaction
	tasks        map[string]*domain.VerificationTask
	reports      map[string]*domain.VerificationReport
	payments     map[string]*domain.Payment
	settlements  map[string]*domain.Settlement // keyed by transactionID
	audit        map[string][]*domain.AuditEvent
	auditByID    map[string]*domain.AuditEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*domain.Transaction),
		tasks:        make(map[string]*domain.VerificationTask),
		reports:      make(map[string]*domain.VerificationReport),
		payments:     make(map[string]*domain.Payment),
		settlements:  make(map[string]*domain.Settlement),
		audit:        make(map[string][]*domain.AuditEvent),
		auditByID:    make(map[string]*domain.AuditEvent),
	}
}

func (s *MemoryStore) lockFor(transactionID string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(transactionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// clone deep-copies an entity through JSON so staged writes never alias live
// rows.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	return out
}

type memoryTx struct {
	s *MemoryStore

	// Staged writes, applied on commit.
	transactions map[string]*domain.Transaction
	tasks        map[string]*domain.VerificationTask
	reports      map[string]*domain.VerificationReport
	payments     map[string]*domain.Payment
	settlements  map[string]*domain.Settlement
	auditAppends []*domain.AuditEvent
}

func (s *MemoryStore) WithinTx(ctx context.Context, transactionID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.lockFor(transactionID)
	lock.Lock()
	defer lock.Unlock()

	tx := &memoryTx{
		s:            s,
		transactions: make(map[string]*domain.Transaction),
		tasks:        make(map[string]*domain.VerificationTask),
		reports:      make(map[string]*domain.VerificationReport),
		payments:     make(map[string]*domain.Payment),
		settlements:  make(map[string]*domain.Settlement),
	}

	if err := fn(tx); err != nil {
		return err // staged writes dropped
	}
	if err := ctx.Err(); err != nil {
		return err // cancelled before commit: nothing mutates
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range tx.transactions {
		s.transactions[id] = t
	}
	for id, t := range tx.tasks {
		s.tasks[id] = t
	}
	for id, r := range tx.reports {
		s.reports[id] = r
	}
	for id, p := range tx.payments {
		s.payments[id] = p
	}
	for id, st := range tx.settlements {
		s.settlements[id] = st
	}
	for _, e := range tx.auditAppends {
		s.audit[e.TransactionID] = append(s.audit[e.TransactionID], e)
		s.auditByID[e.ID] = e
	}
	return nil
}

// ---- memoryTx: reads see staged writes first, then committed state ----

func (t *memoryTx) GetTransaction(id string) (*domain.Transaction, error) {
	if staged, ok := t.transactions[id]; ok {
		return clone(staged), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	row, ok := t.s.transactions[id]
	if !ok {
		return nil, domain.NotFoundf("transaction", id)
	}
	return clone(row), nil
}

func (t *memoryTx) InsertTransaction(tr *domain.Transaction) error {
	t.s.mu.RLock()
	_, exists := t.s.transactions[tr.ID]
	t.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: transaction %s already exists", domain.ErrValidation, tr.ID)
	}
	t.transactions[tr.ID] = clone(tr)
	return nil
}

func (t *memoryTx) UpdateTransaction(tr *domain.Transaction) error {
	t.transactions[tr.ID] = clone(tr)
	return nil
}

func (t *memoryTx) InsertTask(task *domain.VerificationTask) error {
	existing, _ := t.GetTaskByType(task.TransactionID, task.Type)
	if existing != nil {
		return fmt.Errorf("%w: task %s already exists for transaction %s", domain.ErrValidation, task.Type, task.TransactionID)
	}
	t.tasks[task.ID] = clone(task)
	return nil
}

func (t *memoryTx) UpdateTask(task *domain.VerificationTask) error {
	t.tasks[task.ID] = clone(task)
	return nil
}

func (t *memoryTx) GetTaskByType(transactionID string, taskType domain.TaskType) (*domain.VerificationTask, error) {
	for _, task := range t.tasks {
		if task.TransactionID == transactionID && task.Type == taskType {
			return clone(task), nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, task := range t.s.tasks {
		if task.TransactionID == transactionID && task.Type == taskType {
			if staged, ok := t.tasks[task.ID]; ok {
				return clone(staged), nil
			}
			return clone(task), nil
		}
	}
	return nil, domain.NotFoundf("task", string(taskType))
}

func (t *memoryTx) ListTasks(transactionID string) ([]domain.VerificationTask, error) {
	seen := make(map[string]*domain.VerificationTask)
	t.s.mu.RLock()
	for id, task := range t.s.tasks {
		if task.TransactionID == transactionID {
			seen[id] = task
		}
	}
	t.s.mu.RUnlock()
	for id, task := range t.tasks {
		if task.TransactionID == transactionID {
			seen[id] = task
		}
	}

	out := make([]domain.VerificationTask, 0, len(seen))
	for _, task := range seen {
		out = append(out, *clone(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (t *memoryTx) InsertReport(r *domain.VerificationReport) error {
	t.reports[r.ID] = clone(r)
	return nil
}

func (t *memoryTx) GetReport(id string) (*domain.VerificationReport, error) {
	if staged, ok := t.reports[id]; ok {
		return clone(staged), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.reports[id]
	if !ok {
		return nil, domain.NotFoundf("report", id)
	}
	return clone(r), nil
}

func (t *memoryTx) InsertPayment(p *domain.Payment) error {
	t.payments[p.ID] = clone(p)
	return nil
}

func (t *memoryTx) UpdatePayment(p *domain.Payment) error {
	t.payments[p.ID] = clone(p)
	return nil
}

func (t *memoryTx) ListPayments(transactionID string) ([]domain.Payment, error) {
	seen := make(map[string]*domain.Payment)
	t.s.mu.RLock()
	for id, p := range t.s.payments {
		if p.TransactionID == transactionID {
			seen[id] = p
		}
	}
	t.s.mu.RUnlock()
	for id, p := range t.payments {
		if p.TransactionID == transactionID {
			seen[id] = p
		}
	}

	out := make([]domain.Payment, 0, len(seen))
	for _, p := range seen {
		out = append(out, *clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (t *memoryTx) InsertSettlement(s *domain.Settlement) error {
	if existing, _ := t.GetSettlement(s.TransactionID); existing != nil {
		return fmt.Errorf("%w: settlement already exists for transaction %s", domain.ErrValidation, s.TransactionID)
	}
	t.settlements[s.TransactionID] = clone(s)
	return nil
}

func (t *memoryTx) GetSettlement(transactionID string) (*domain.Settlement, error) {
	if staged, ok := t.settlements[transactionID]; ok {
		return clone(staged), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	s, ok := t.s.settlements[transactionID]
	if !ok {
		return nil, domain.NotFoundf("settlement", transactionID)
	}
	return clone(s), nil
}

func (t *memoryTx) AppendAuditEvent(e *domain.AuditEvent) error {
	t.auditAppends = append(t.auditAppends, clone(e))
	return nil
}

func (t *memoryTx) ListAuditEvents(transactionID string) ([]domain.AuditEvent, error) {
	t.s.mu.RLock()
	committed := t.s.audit[transactionID]
	out := make([]domain.AuditEvent, 0, len(committed)+len(t.auditAppends))
	for _, e := range committed {
		out = append(out, *clone(e))
	}
	t.s.mu.RUnlock()
	for _, e := range t.auditAppends {
		if e.TransactionID == transactionID {
			out = append(out, *clone(e))
		}
	}
	return out, nil
}

func (t *memoryTx) CountPendingAuditEvents(transactionID string) (int, error) {
	events, err := t.ListAuditEvents(transactionID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range events {
		if e.SinkPending() {
			n++
		}
	}
	return n, nil
}

// ---- top-level reads ----

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.transactions[id]
	if !ok {
		return nil, domain.NotFoundf("transaction", id)
	}
	return clone(row), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, transactionID string) ([]domain.VerificationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.VerificationTask
	for _, task := range s.tasks {
		if task.TransactionID == transactionID {
			out = append(out, *clone(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *MemoryStore) GetReport(ctx context.Context, id string) (*domain.VerificationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, domain.NotFoundf("report", id)
	}
	return clone(r), nil
}

func (s *MemoryStore) ListPayments(ctx context.Context, transactionID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Payment
	for _, p := range s.payments {
		if p.TransactionID == transactionID {
			out = append(out, *clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.Before(out[j].InitiatedAt) })
	return out, nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, transactionID string) (*domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settlements[transactionID]
	if !ok {
		return nil, domain.NotFoundf("settlement", transactionID)
	}
	return clone(st), nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, transactionID string) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.audit[transactionID]
	out := make([]domain.AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, *clone(e))
	}
	return out, nil
}

func (s *MemoryStore) ListPendingAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEvent
	for _, events := range s.audit {
		for _, e := range events {
			if e.SinkPending() {
				out = append(out, *clone(e))
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) SetAuditReceipt(ctx context.Context, eventID, externalTxRef string, blockNumber *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.auditByID[eventID]
	if !ok {
		return domain.NotFoundf("audit event", eventID)
	}
	e.ExternalTxRef = externalTxRef
	e.BlockNumber = blockNumber
	return nil
}
