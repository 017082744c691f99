package api

import "github.com/shopspring/decimal"

// ClaimResponse is returned by POST /claim-wallet-addr/{currency}.
type ClaimResponse struct {
	WalletAddress string `json:"wallet_address"`
}

// ReconcileResponse is returned by the reconcile endpoints.
type ReconcileResponse struct {
	ActualBalances map[string]decimal.Decimal `json:"actual_balances"`
	Drifted        []string                   `json:"drifted,omitempty"`
	InFlight       []string                   `json:"in_flight,omitempty"`
}

// WithdrawRequest is the body of POST /withdraw.
type WithdrawRequest struct {
	TxID       string          `json:"tx_id"`
	WalletAddr string          `json:"wallet_addr"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// WithdrawalResponse is returned by POST /withdraw and
// GET /withdrawal-status/{u_txid}.
type WithdrawalResponse struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeBadRequest     = "bad_request"
	CodeNotFound       = "not_found"
	CodeNotImplemented = "not_implemented"
	CodeUpstream       = "upstream_error"
	CodeInternal       = "internal_error"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
)
