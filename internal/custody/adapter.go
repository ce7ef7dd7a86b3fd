// Package custody defines the contract the orchestrator expects from a
// programmable custody provider, plus two adapters: an HTTP client for the
// production provider and a deterministic in-memory adapter for tests.
//
// Every mutating call carries a client-generated idempotency key; replays
// must return the original receipt. Failures propagate — the adapter never
// swallows errors, so the orchestrator can record them.
package custody

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/deedflow/backend/internal/money"
)

// Adapter errors. ErrInsufficientBalance and ErrPayment are wrapped with
// call context by the concrete adapters.
var (
	ErrInsufficientBalance = errors.New("insufficient custody balance")
	ErrPayment             = errors.New("custody payment failed")
)

// AccountDetails describes a custody account.
type AccountDetails struct {
	ID      string       `json:"id"`
	Address string       `json:"address"`
	Balance money.Amount `json:"balance"`
}

// Milestone is a conditional release rule pre-configured on the account.
type Milestone struct {
	ID          string       `json:"id"`
	Amount      money.Amount `json:"amount"`
	Recipient   string       `json:"recipient"`
	Conditions  []string     `json:"conditions,omitempty"`
	AutoRelease bool         `json:"auto_release"`
}

// PaymentReceipt is the provider's acknowledgement of one release.
type PaymentReceipt struct {
	ID            string `json:"id"`
	ExternalTxRef string `json:"external_tx_ref"`
	Status        string `json:"status"`
}

// SettlementLeg is one recipient of the final distribution.
type SettlementLeg struct {
	Recipient   string       `json:"recipient"`
	Amount      money.Amount `json:"amount"`
	Description string       `json:"description,omitempty"`
}

// SettlementReceipt acknowledges the atomic final distribution.
type SettlementReceipt struct {
	ID            string `json:"id"`
	ExternalTxRef string `json:"external_tx_ref"`
	Status        string `json:"status"`
}

// LedgerEntry is one row of the account history.
type LedgerEntry struct {
	Kind      string       `json:"kind"` // deposit, release, settlement
	Amount    money.Amount `json:"amount"`
	Recipient string       `json:"recipient,omitempty"`
	Ref       string       `json:"ref"`
	At        time.Time    `json:"at"`
}

// Adapter is the custody provider contract.
type Adapter interface {
	// CreateAccount creates a custody account and records the initial
	// deposit. Idempotent on transactionID.
	CreateAccount(ctx context.Context, transactionID string, initialDeposit money.Amount) (*AccountDetails, error)

	// Deposit adds funds to an existing account. Idempotent on depositKey.
	Deposit(ctx context.Context, accountID, depositKey string, amount money.Amount) (*PaymentReceipt, error)

	// ConfigureMilestones declaratively replaces the milestone set.
	ConfigureMilestones(ctx context.Context, accountID string, milestones []Milestone) error

	// ReleaseMilestone pays out one milestone. Idempotent on milestoneID:
	// two calls with the same milestoneID return the same receipt.
	ReleaseMilestone(ctx context.Context, accountID, milestoneID, recipient string, amount money.Amount) (*PaymentReceipt, error)

	// ExecuteSettlement performs the atomic multi-recipient distribution.
	// Either every leg succeeds or none does. Idempotent on settlementKey.
	ExecuteSettlement(ctx context.Context, accountID, settlementKey string, legs []SettlementLeg) (*SettlementReceipt, error)

	GetBalance(ctx context.Context, accountID string) (money.Amount, error)
	GetHistory(ctx context.Context, accountID string) ([]LedgerEntry, error)

	// VerifyWebhook checks the HMAC-SHA-256 signature of an inbound webhook
	// in constant time.
	VerifyWebhook(payload []byte, signature string) bool
}

// SignPayload computes the hex HMAC-SHA-256 of payload under secret. Both
// adapters and the provider sign webhooks this way.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares an expected signature in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// IdempotencyKey derives the client key for a custody call from the
// transaction, the operation kind, and the logical step within it.
func IdempotencyKey(transactionID, operation, step string) string {
	sum := sha256.Sum256([]byte(transactionID + "|" + operation + "|" + step))
	return hex.EncodeToString(sum[:16])
}
