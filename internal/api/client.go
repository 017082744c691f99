package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 8 << 20

// Error is a non-2xx response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the REST interface.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g.
// "http://127.0.0.1:8080".
func NewClient(base string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: unsupported scheme %q", base, u.Scheme)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Code, apiErr.Message = er.Error, er.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ClaimAddress issues a deposit address for currency.
func (c *Client) ClaimAddress(ctx context.Context, currency string) (string, error) {
	var out ClaimResponse
	if err := c.do(ctx, http.MethodPost, "/claim-wallet-addr/"+url.PathEscape(currency), nil, &out); err != nil {
		return "", err
	}
	return out.WalletAddress, nil
}

// Reconcile returns the live balances of currency, overwriting cached
// amounts when enforce is set.
func (c *Client) Reconcile(ctx context.Context, currency string, enforce bool) (*ReconcileResponse, error) {
	path := "/reconcile/"
	if enforce {
		path = "/enforce-reconcile/"
	}
	var out ReconcileResponse
	if err := c.do(ctx, http.MethodPost, path+url.PathEscape(currency), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Withdraw requests a withdrawal.
func (c *Client) Withdraw(ctx context.Context, txID, currency, dest string, amount decimal.Decimal) (*WithdrawalResponse, error) {
	var out WithdrawalResponse
	req := WithdrawRequest{TxID: txID, WalletAddr: dest, Amount: amount, Currency: currency}
	if err := c.do(ctx, http.MethodPost, "/withdraw", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WithdrawalStatus returns the status of a withdrawal.
func (c *Client) WithdrawalStatus(ctx context.Context, txID string) (*WithdrawalResponse, error) {
	var out WithdrawalResponse
	if err := c.do(ctx, http.MethodGet, "/withdrawal-status/"+url.PathEscape(txID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
