// challenge-escrow-system/services/token_ledger_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// TokenLedger is the external ledger the registry coordinates with. The
// registry never holds real balances itself — it only records claims against
// the custody address and reconciles them through this interface.
type TokenLedger interface {
	// TransferFrom pulls amount from owner into spender's balance. The owner
	// must have granted the spender an allowance out-of-band.
	TransferFrom(ctx context.Context, owner, spender string, amount int64) (txID string, err error)
	// Transfer moves amount out of from's balance (custody spends during
	// settlement, authorized by the service token).
	Transfer(ctx context.Context, from, to string, amount int64) (txID string, err error)
	Allowance(ctx context.Context, owner, spender string) (int64, error)
	BalanceOf(ctx context.Context, address string) (int64, error)
}

type TokenLedgerClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewTokenLedgerClient(baseURL, token string) *TokenLedgerClient {
	return &TokenLedgerClient{
		BaseURL: baseURL,
		Token:   token,
		Client: &http.Client{
			// Bounded: a ledger call that hangs past this is classified as a
			// failed transfer, never retried with a fresh pull.
			Timeout: 10 * time.Second,
		},
	}
}

type transferResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"tx_id"`
	Error   string `json:"error,omitempty"`
}

type amountResponse struct {
	Amount int64 `json:"amount"`
}

// TransferFrom calls POST /ledger/transfer-from on the ledger service.
func (c *TokenLedgerClient) TransferFrom(ctx context.Context, owner, spender string, amount int64) (string, error) {
	body := map[string]interface{}{
		"owner":   owner,
		"spender": spender,
		"amount":  amount,
	}
	var out transferResponse
	if err := c.post(ctx, "/ledger/transfer-from", body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !out.Success {
		log.Printf("Ledger rejected transferFrom(%s -> %s, %d): %s", owner, spender, amount, out.Error)
		return "", fmt.Errorf("%w: ledger rejected transfer: %s", ErrTransferFailed, out.Error)
	}
	return out.TxID, nil
}

// Transfer calls POST /ledger/transfer on the ledger service.
func (c *TokenLedgerClient) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	body := map[string]interface{}{
		"from":   from,
		"to":     to,
		"amount": amount,
	}
	var out transferResponse
	if err := c.post(ctx, "/ledger/transfer", body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !out.Success {
		log.Printf("Ledger rejected transfer(%s -> %s, %d): %s", from, to, amount, out.Error)
		return "", fmt.Errorf("%w: ledger rejected transfer: %s", ErrTransferFailed, out.Error)
	}
	return out.TxID, nil
}

func (c *TokenLedgerClient) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	q := url.Values{}
	q.Set("owner", owner)
	q.Set("spender", spender)
	var out amountResponse
	if err := c.get(ctx, "/ledger/allowance", q, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (c *TokenLedgerClient) BalanceOf(ctx context.Context, address string) (int64, error) {
	q := url.Values{}
	q.Set("address", address)
	var out amountResponse
	if err := c.get(ctx, "/ledger/balance", q, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

func (c *TokenLedgerClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Printf("LedgerService %s returned %d: %s", path, resp.StatusCode, string(respBody))
		return fmt.Errorf("ledger service returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(respBody, out)
}

func (c *TokenLedgerClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("failed to parse ledger URL: %w", err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		log.Printf("LedgerService %s returned %d: %s", path, resp.StatusCode, string(respBody))
		return fmt.Errorf("ledger service returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(respBody, out)
}
