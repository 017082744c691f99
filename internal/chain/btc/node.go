// Package btc adapts a bitcoind node to the processor and implements the
// Bitcoin transaction helpers: size and fee estimation, P2PKH signing and
// output inspection.
package btc

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTxNotFound is returned when the node does not know a transaction
// (bitcoind RPC error -5).
var ErrTxNotFound = errors.New("transaction not found")

// Node is the subset of the bitcoind RPC surface the processor uses.
type Node interface {
	GetBlockCount(ctx context.Context) (int64, error)
	ListUnspent(ctx context.Context, minConf int64, addresses []string) ([]Unspent, error)
	EstimateSmartFee(ctx context.Context, targetBlocks int64) (decimal.Decimal, error)
	CreateRawTransaction(ctx context.Context, inputs []Input, outputs []Output) (string, error)
	DecodeRawTransaction(ctx context.Context, rawHex string) (*DecodedTx, error)
	SendRawTransaction(ctx context.Context, rawHex string) (string, error)
	GetTransaction(ctx context.Context, txid string) (*WalletTx, error)
	ListSinceBlock(ctx context.Context, blockHash string, targetConf int64) (*SinceBlock, error)
	GetBlockHeader(ctx context.Context, blockHash string) (*BlockHeader, error)
	ImportMulti(ctx context.Context, reqs []ImportRequest, rescan bool) ([]ImportResult, error)
}

// Unspent is one entry of listunspent.
type Unspent struct {
	TxID          string          `json:"txid"`
	Vout          uint32          `json:"vout"`
	Address       string          `json:"address"`
	ScriptPubKey  string          `json:"scriptPubKey"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
}

// Input references a previous output.
type Input struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Output is one (address, amount) pair. Outputs keep their order in the
// created transaction.
type Output struct {
	Address string
	Amount  decimal.Decimal
}

// DecodedTx is the result of decoderawtransaction.
type DecodedTx struct {
	TxID string       `json:"txid"`
	Vin  []DecodedIn  `json:"vin"`
	Vout []DecodedOut `json:"vout"`
}

// DecodedIn is a decoded transaction input.
type DecodedIn struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// DecodedOut is a decoded transaction output.
type DecodedOut struct {
	Value        decimal.Decimal `json:"value"`
	N            uint32          `json:"n"`
	ScriptPubKey struct {
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

// Address returns the single address paid by the output, handling both
// the current and the pre-22.0 decoderawtransaction formats.
func (o DecodedOut) Address() string {
	if o.ScriptPubKey.Address != "" {
		return o.ScriptPubKey.Address
	}
	if len(o.ScriptPubKey.Addresses) == 1 {
		return o.ScriptPubKey.Addresses[0]
	}
	return ""
}

// WalletTx is the result of gettransaction. Confirmations is nil when the
// node omitted the field.
type WalletTx struct {
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations *int64          `json:"confirmations"`
	BlockHash     string          `json:"blockhash"`
	Hex           string          `json:"hex"`
	Details       []TxDetail      `json:"details"`
}

// TxDetail is one wallet-relevant output of a transaction.
type TxDetail struct {
	Address  string          `json:"address"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Vout     uint32          `json:"vout"`
}

// SinceBlock is the result of listsinceblock.
type SinceBlock struct {
	Transactions []SinceTx `json:"transactions"`
	LastBlock    string    `json:"lastblock"`
}

// SinceTx is one transaction output of listsinceblock.
type SinceTx struct {
	TxID          string          `json:"txid"`
	Address       string          `json:"address"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Vout          uint32          `json:"vout"`
	Confirmations int64           `json:"confirmations"`
	BlockHash     string          `json:"blockhash"`
}

// BlockHeader is the verbose result of getblockheader.
type BlockHeader struct {
	Hash          string `json:"hash"`
	Height        int64  `json:"height"`
	Time          int64  `json:"time"`
	Confirmations int64  `json:"confirmations"`
}

// ImportRequest asks the node wallet to watch an address.
type ImportRequest struct {
	Address   string
	Timestamp int64 // unix seconds; 0 imports as "now"
	Label     string
}

// ImportResult is the per-request result of importmulti.
type ImportResult struct {
	Success bool         `json:"success"`
	Error   *ImportError `json:"error,omitempty"`
}

// ImportError describes why one import request failed.
type ImportError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
