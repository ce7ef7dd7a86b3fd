package custody

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deedflow/backend/internal/money"
)

// MemoryAdapter is the deterministic in-memory custody adapter used by tests
// and local development. It enforces the same idempotency and balance rules
// as the production provider.
type MemoryAdapter struct {
	mu sync.Mutex

	secret   string
	accounts map[string]*memoryAccount
	byTx     map[string]string // transactionID -> accountID
	seq      int

	// FailReleases makes the next N ReleaseMilestone calls fail with
	// ErrPayment, for retry and breaker tests.
	FailReleases int
	// FailSettlements does the same for ExecuteSettlement.
	FailSettlements int

	now func() time.Time
}

type memoryAccount struct {
	details     AccountDetails
	milestones  []Milestone
	releases    map[string]*PaymentReceipt    // milestoneID -> receipt
	deposits    map[string]*PaymentReceipt    // depositKey -> receipt
	settlements map[string]*SettlementReceipt // settlementKey -> receipt
	history     []LedgerEntry
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter(webhookSecret string) *MemoryAdapter {
	return &MemoryAdapter{
		secret:   webhookSecret,
		accounts: make(map[string]*memoryAccount),
		byTx:     make(map[string]string),
		now:      time.Now,
	}
}

// WithClock injects a clock for tests.
func (m *MemoryAdapter) WithClock(now func() time.Time) *MemoryAdapter {
	m.now = now
	return m
}

func (m *MemoryAdapter) nextRef(kind string) string {
	m.seq++
	return fmt.Sprintf("mem-%s-%06d", kind, m.seq)
}

func (m *MemoryAdapter) CreateAccount(ctx context.Context, transactionID string, initialDeposit money.Amount) (*AccountDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byTx[transactionID]; ok {
		details := m.accounts[id].details
		return &details, nil
	}
	if !initialDeposit.IsPositive() {
		return nil, fmt.Errorf("%w: initial deposit must be positive", ErrPayment)
	}

	id := m.nextRef("acct")
	acct := &memoryAccount{
		details: AccountDetails{
			ID:      id,
			Address: "0x" + SignPayload([]byte(id), m.secret)[:40],
			Balance: initialDeposit,
		},
		releases:    make(map[string]*PaymentReceipt),
		deposits:    make(map[string]*PaymentReceipt),
		settlements: make(map[string]*SettlementReceipt),
	}
	acct.history = append(acct.history, LedgerEntry{
		Kind: "deposit", Amount: initialDeposit, Ref: m.nextRef("dep"), At: m.now().UTC(),
	})
	m.accounts[id] = acct
	m.byTx[transactionID] = id
	return &acct.details, nil
}

func (m *MemoryAdapter) Deposit(ctx context.Context, accountID, depositKey string, amount money.Amount) (*PaymentReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	if r, ok := acct.deposits[depositKey]; ok {
		return r, nil
	}

	acct.details.Balance = acct.details.Balance.Add(amount)
	receipt := &PaymentReceipt{ID: depositKey, ExternalTxRef: m.nextRef("dep"), Status: "COMPLETED"}
	acct.deposits[depositKey] = receipt
	acct.history = append(acct.history, LedgerEntry{
		Kind: "deposit", Amount: amount, Ref: receipt.ExternalTxRef, At: m.now().UTC(),
	})
	return receipt, nil
}

func (m *MemoryAdapter) ConfigureMilestones(ctx context.Context, accountID string, milestones []Milestone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.account(accountID)
	if err != nil {
		return err
	}
	// Declarative: replaces any previous configuration wholesale.
	acct.milestones = append([]Milestone(nil), milestones...)
	return nil
}

func (m *MemoryAdapter) ReleaseMilestone(ctx context.Context, accountID, milestoneID, recipient string, amount money.Amount) (*PaymentReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	if r, ok := acct.releases[milestoneID]; ok {
		return r, nil
	}
	if m.FailReleases > 0 {
		m.FailReleases--
		return nil, fmt.Errorf("%w: provider unavailable", ErrPayment)
	}
	if acct.details.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, acct.details.Balance, amount)
	}

	acct.details.Balance = acct.details.Balance.Sub(amount)
	receipt := &PaymentReceipt{ID: milestoneID, ExternalTxRef: m.nextRef("rel"), Status: "COMPLETED"}
	acct.releases[milestoneID] = receipt
	acct.history = append(acct.history, LedgerEntry{
		Kind: "release", Amount: amount, Recipient: recipient, Ref: receipt.ExternalTxRef, At: m.now().UTC(),
	})
	return receipt, nil
}

func (m *MemoryAdapter) ExecuteSettlement(ctx context.Context, accountID, settlementKey string, legs []SettlementLeg) (*SettlementReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	if r, ok := acct.settlements[settlementKey]; ok {
		return r, nil
	}
	if m.FailSettlements > 0 {
		m.FailSettlements--
		return nil, fmt.Errorf("%w: provider unavailable", ErrPayment)
	}

	// Atomic: validate the whole distribution before moving anything.
	total := money.Zero
	for _, leg := range legs {
		if leg.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: negative leg for %s", ErrPayment, leg.Recipient)
		}
		total = total.Add(leg.Amount)
	}
	if acct.details.Balance.LessThan(total) {
		return nil, fmt.Errorf("%w: have %s, distribution needs %s", ErrInsufficientBalance, acct.details.Balance, total)
	}

	acct.details.Balance = acct.details.Balance.Sub(total)
	receipt := &SettlementReceipt{ID: settlementKey, ExternalTxRef: m.nextRef("stl"), Status: "COMPLETED"}
	acct.settlements[settlementKey] = receipt
	for _, leg := range legs {
		acct.history = append(acct.history, LedgerEntry{
			Kind: "settlement", Amount: leg.Amount, Recipient: leg.Recipient, Ref: receipt.ExternalTxRef, At: m.now().UTC(),
		})
	}
	return receipt, nil
}

func (m *MemoryAdapter) GetBalance(ctx context.Context, accountID string) (money.Amount, error) {
	if err := ctx.Err(); err != nil {
		return money.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.account(accountID)
	if err != nil {
		return money.Zero, err
	}
	return acct.details.Balance, nil
}

func (m *MemoryAdapter) GetHistory(ctx context.Context, accountID string) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]LedgerEntry, len(acct.history))
	copy(out, acct.history)
	return out, nil
}

func (m *MemoryAdapter) VerifyWebhook(payload []byte, signature string) bool {
	return VerifySignature(payload, signature, m.secret)
}

func (m *MemoryAdapter) account(id string) (*memoryAccount, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account %s", ErrPayment, id)
	}
	return acct, nil
}
