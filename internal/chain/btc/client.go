package btc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/rpcclient"
	"github.com/shopspring/decimal"
)

const (
	rpcInvalidAddressOrKey = -5
	maxConfirmations       = 9999999
)

// Client implements Node over bitcoind JSON-RPC.
type Client struct {
	rpc *rpcclient.Client
}

// NewClient creates a client for a bitcoind endpoint. Credentials may be
// embedded in the URL or given separately.
func NewClient(endpoint, user, password string, timeout time.Duration) (*Client, error) {
	opts := []rpcclient.Option{rpcclient.WithVersion(rpcclient.Version1), rpcclient.WithTimeout(timeout)}
	if user != "" {
		opts = append(opts, rpcclient.WithBasicAuth(user, password))
	}
	c, err := rpcclient.New(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: c}, nil
}

// Endpoint returns the node URL without credentials.
func (c *Client) Endpoint() string {
	return c.rpc.Endpoint()
}

func (c *Client) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	err := c.rpc.Call(ctx, method, params, result)
	var rpcErr *rpcclient.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcInvalidAddressOrKey {
		return fmt.Errorf("%w: %s", ErrTxNotFound, rpcErr.Message)
	}
	if err != nil {
		klog.BTC.Debug().Err(err).Str("method", method).Str("endpoint", c.Endpoint()).Msg("RPC call failed")
		return fmt.Errorf("bitcoind %s: %w", method, err)
	}
	return nil
}

// GetBlockCount returns the height of the best chain.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.call(ctx, "getblockcount", &n)
	return n, err
}

// ListUnspent lists wallet outputs with at least minConf confirmations
// paying any of addresses.
func (c *Client) ListUnspent(ctx context.Context, minConf int64, addresses []string) ([]Unspent, error) {
	if addresses == nil {
		addresses = []string{}
	}
	var out []Unspent
	err := c.call(ctx, "listunspent", &out, minConf, maxConfirmations, addresses)
	return out, err
}

// EstimateSmartFee returns the fee rate in BTC/kvB for confirmation within
// targetBlocks.
func (c *Client) EstimateSmartFee(ctx context.Context, targetBlocks int64) (decimal.Decimal, error) {
	var res struct {
		FeeRate *decimal.Decimal `json:"feerate"`
		Errors  []string         `json:"errors"`
	}
	if err := c.call(ctx, "estimatesmartfee", &res, targetBlocks); err != nil {
		return decimal.Zero, err
	}
	if res.FeeRate == nil || !res.FeeRate.IsPositive() {
		return decimal.Zero, fmt.Errorf("bitcoind estimatesmartfee: no estimate %v", res.Errors)
	}
	return *res.FeeRate, nil
}

// orderedOutputs marshals outputs as an array of single-key objects so the
// node keeps their order.
type orderedOutputs []Output

func (o orderedOutputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, out := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		addr, err := json.Marshal(out.Address)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "{%s:%s}", addr, out.Amount.StringFixed(8))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// CreateRawTransaction builds an unsigned transaction.
func (c *Client) CreateRawTransaction(ctx context.Context, inputs []Input, outputs []Output) (string, error) {
	var raw string
	err := c.call(ctx, "createrawtransaction", &raw, inputs, orderedOutputs(outputs))
	return raw, err
}

// DecodeRawTransaction decodes a serialized transaction.
func (c *Client) DecodeRawTransaction(ctx context.Context, rawHex string) (*DecodedTx, error) {
	var tx DecodedTx
	if err := c.call(ctx, "decoderawtransaction", &tx, rawHex); err != nil {
		return nil, err
	}
	return &tx, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its txid.
func (c *Client) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	var txid string
	err := c.call(ctx, "sendrawtransaction", &txid, rawHex)
	return txid, err
}

// GetTransaction returns a wallet transaction, including watch-only ones.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*WalletTx, error) {
	var tx WalletTx
	if err := c.call(ctx, "gettransaction", &tx, txid, true); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListSinceBlock lists wallet transactions since blockHash. An empty hash
// lists from genesis. LastBlock is the block targetConf deep from the tip.
func (c *Client) ListSinceBlock(ctx context.Context, blockHash string, targetConf int64) (*SinceBlock, error) {
	var res SinceBlock
	if err := c.call(ctx, "listsinceblock", &res, blockHash, targetConf, true); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBlockHeader returns the header of blockHash.
func (c *Client) GetBlockHeader(ctx context.Context, blockHash string) (*BlockHeader, error) {
	var h BlockHeader
	if err := c.call(ctx, "getblockheader", &h, blockHash, true); err != nil {
		return nil, err
	}
	return &h, nil
}

// ImportMulti registers watch-only addresses with the node wallet.
func (c *Client) ImportMulti(ctx context.Context, reqs []ImportRequest, rescan bool) ([]ImportResult, error) {
	type scriptPubKey struct {
		Address string `json:"address"`
	}
	type importReq struct {
		ScriptPubKey scriptPubKey `json:"scriptPubKey"`
		Timestamp    interface{}  `json:"timestamp"`
		WatchOnly    bool         `json:"watchonly"`
		Label        string       `json:"label,omitempty"`
	}
	params := make([]importReq, len(reqs))
	for i, r := range reqs {
		var ts interface{} = "now"
		if r.Timestamp > 0 {
			ts = r.Timestamp
		}
		params[i] = importReq{
			ScriptPubKey: scriptPubKey{Address: r.Address},
			Timestamp:    ts,
			WatchOnly:    true,
			Label:        r.Label,
		}
	}
	var res []ImportResult
	err := c.call(ctx, "importmulti", &res, params, map[string]bool{"rescan": rescan})
	if err == nil && len(res) != len(reqs) {
		return nil, fmt.Errorf("bitcoind importmulti: %d results for %d requests", len(res), len(reqs))
	}
	return res, err
}

var _ Node = (*Client)(nil)
