// Package signer produces signatures for prepared transactions. The
// processor never holds keys when it runs against a Remote signer; Local
// signs in-process with an unlocked keyvault.Vault.
package signer

import (
	"context"
	"errors"
)

// JSON-RPC method names served by the signer.
const (
	MethodPing         = "signer_ping"
	MethodSignBitcoin  = "signer_signBitcoin"
	MethodSignEthereum = "signer_signEthereum"
)

// Application error codes carried in JSON-RPC error objects.
const (
	CodeLocked    = -32010
	CodeIntegrity = -32011
	CodeRejected  = -32012
)

// ErrRejected is returned when a request fails the signer's policy checks.
var ErrRejected = errors.New("signing request rejected")

// KeyRef names a derived key by its coordinates.
type KeyRef struct {
	MasterKey string `json:"masterkey"`
	Path      string `json:"path"`
	Index     uint32 `json:"index"`
}

// BitcoinInput describes one input of a prepared transaction. Address is
// the ledger's record of the derived address; the signer re-derives it.
type BitcoinInput struct {
	KeyRef
	Address string `json:"address"`
	Amount  int64  `json:"amount"` // satoshi
}

// BitcoinRequest asks for every input of RawTx to be signed.
type BitcoinRequest struct {
	RawTx  string         `json:"raw_tx"`
	Inputs []BitcoinInput `json:"inputs"`
}

// EthereumRequest asks for an unsigned transfer from Address to be signed.
type EthereumRequest struct {
	KeyRef
	Address string `json:"address"`
	RawTx   string `json:"raw_tx"`
	ChainID string `json:"chain_id"` // decimal
}

// Signer signs prepared transactions and returns the signed hex.
type Signer interface {
	Ping(ctx context.Context) error
	SignBitcoin(ctx context.Context, req *BitcoinRequest) (string, error)
	SignEthereum(ctx context.Context, req *EthereumRequest) (string, error)
}
