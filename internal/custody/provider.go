package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/deedflow/backend/internal/money"
)

// ProviderConfig configures the HTTP custody provider client.
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// ProviderAdapter talks JSON-over-HTTP to the programmable custody provider.
// Idempotency keys travel in the Idempotency-Key header; the provider is
// responsible for returning the original receipt on replay.
type ProviderAdapter struct {
	cfg        ProviderConfig
	httpClient *http.Client
	logger     *log.Logger
}

// NewProviderAdapter creates the production adapter.
func NewProviderAdapter(cfg ProviderConfig) *ProviderAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ProviderAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.New(log.Writer(), "[CustodyProvider] ", log.LstdFlags),
	}
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON request. Non-2xx responses map onto the adapter
// error kinds so the resilience layer can classify them.
func (p *ProviderAdapter) call(ctx context.Context, method, path, idemKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrPayment, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayment, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayment, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var perr providerError
		_ = json.NewDecoder(resp.Body).Decode(&perr)
		if perr.Code == "INSUFFICIENT_BALANCE" {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, perr.Message)
		}
		return fmt.Errorf("%w: %s %s -> %d %s", ErrPayment, method, path, resp.StatusCode, perr.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrPayment, err)
		}
	}
	return nil
}

func (p *ProviderAdapter) CreateAccount(ctx context.Context, transactionID string, initialDeposit money.Amount) (*AccountDetails, error) {
	var details AccountDetails
	err := p.call(ctx, http.MethodPost, "/v1/accounts", IdempotencyKey(transactionID, "create_account", "1"), map[string]interface{}{
		"transaction_id":  transactionID,
		"initial_deposit": initialDeposit,
	}, &details)
	if err != nil {
		return nil, err
	}
	p.logger.Printf("account %s created for transaction %s", details.ID, transactionID)
	return &details, nil
}

func (p *ProviderAdapter) Deposit(ctx context.Context, accountID, depositKey string, amount money.Amount) (*PaymentReceipt, error) {
	var receipt PaymentReceipt
	err := p.call(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/deposits", depositKey, map[string]interface{}{
		"amount": amount,
	}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (p *ProviderAdapter) ConfigureMilestones(ctx context.Context, accountID string, milestones []Milestone) error {
	// PUT: declarative, replaces any previous configuration.
	return p.call(ctx, http.MethodPut, "/v1/accounts/"+accountID+"/milestones", "", map[string]interface{}{
		"milestones": milestones,
	}, nil)
}

func (p *ProviderAdapter) ReleaseMilestone(ctx context.Context, accountID, milestoneID, recipient string, amount money.Amount) (*PaymentReceipt, error) {
	var receipt PaymentReceipt
	err := p.call(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/releases", milestoneID, map[string]interface{}{
		"milestone_id": milestoneID,
		"recipient":    recipient,
		"amount":       amount,
	}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (p *ProviderAdapter) ExecuteSettlement(ctx context.Context, accountID, settlementKey string, legs []SettlementLeg) (*SettlementReceipt, error) {
	var receipt SettlementReceipt
	err := p.call(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/settlement", settlementKey, map[string]interface{}{
		"distributions": legs,
	}, &receipt)
	if err != nil {
		return nil, err
	}
	p.logger.Printf("settlement %s executed on account %s (%d legs)", receipt.ExternalTxRef, accountID, len(legs))
	return &receipt, nil
}

func (p *ProviderAdapter) GetBalance(ctx context.Context, accountID string) (money.Amount, error) {
	var details AccountDetails
	if err := p.call(ctx, http.MethodGet, "/v1/accounts/"+accountID, "", nil, &details); err != nil {
		return money.Zero, err
	}
	return details.Balance, nil
}

func (p *ProviderAdapter) GetHistory(ctx context.Context, accountID string) ([]LedgerEntry, error) {
	var out struct {
		Entries []LedgerEntry `json:"entries"`
	}
	if err := p.call(ctx, http.MethodGet, "/v1/accounts/"+accountID+"/history", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (p *ProviderAdapter) VerifyWebhook(payload []byte, signature string) bool {
	return VerifySignature(payload, signature, p.cfg.WebhookSecret)
}
