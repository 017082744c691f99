// Package chaintest provides in-memory Bitcoin and Ethereum nodes for
// package tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

type btcOutput struct {
	address string
	value   int64
	spent   bool
}

type btcTx struct {
	txid    string
	hex     string
	height  int64 // 0 while in the mempool
	outputs []btcOutput
}

// BTCNode is a fake bitcoind. Blocks have hashes "block-<height>"; every
// mempool transaction is mined into the next block.
type BTCNode struct {
	mu      sync.Mutex
	params  *chaincfg.Params
	height  int64
	txs     map[string]*btcTx
	order   []string
	watched map[string]bool

	// FeeRate is returned by EstimateSmartFee, in BTC/kvB.
	FeeRate decimal.Decimal
	// Errors injects a failure per method name.
	Errors map[string]error
	// OmitConfirmations makes GetTransaction drop the confirmations field.
	OmitConfirmations map[string]bool
	// ImportFailures makes ImportMulti fail for an address.
	ImportFailures map[string]bool

	Sent     []string
	Imported []btc.ImportRequest
}

// NewBTCNode returns a fake node at height 100 on params.
func NewBTCNode(params *chaincfg.Params) *BTCNode {
	return &BTCNode{
		params:            params,
		height:            100,
		txs:               make(map[string]*btcTx),
		watched:           make(map[string]bool),
		FeeRate:           decimal.RequireFromString("0.0001"),
		Errors:            make(map[string]error),
		OmitConfirmations: make(map[string]bool),
		ImportFailures:    make(map[string]bool),
	}
}

// BlockHash returns the fake hash of height.
func BlockHash(height int64) string {
	return fmt.Sprintf("block-%d", height)
}

func (n *BTCNode) fail(method string) error {
	if err := n.Errors[method]; err != nil {
		return fmt.Errorf("bitcoind %s: %w", method, err)
	}
	return nil
}

func (n *BTCNode) confirmations(tx *btcTx) int64 {
	if tx.height == 0 {
		return 0
	}
	return n.height - tx.height + 1
}

// Receive puts a transaction paying amount to address in the mempool and
// returns its txid.
func (n *BTCNode) Receive(address string, amount decimal.Decimal) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	sat, err := types.SatoshiFromBTC(amount)
	if err != nil {
		panic(err)
	}
	txid := chainhash.DoubleHashH([]byte(fmt.Sprintf("rx-%d-%s-%s", len(n.order), address, amount))).String()
	n.add(&btcTx{txid: txid, outputs: []btcOutput{{address: address, value: sat}}})
	return txid
}

func (n *BTCNode) add(tx *btcTx) {
	n.txs[tx.txid] = tx
	n.order = append(n.order, tx.txid)
}

// Mine mines count blocks. Mempool transactions go into the first one.
func (n *BTCNode) Mine(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < count; i++ {
		n.height++
		for _, tx := range n.txs {
			if tx.height == 0 {
				tx.height = n.height
			}
		}
	}
}

// Drop removes a transaction as if a reorg had evicted it.
func (n *BTCNode) Drop(txid string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.txs, txid)
}

// Height returns the tip height.
func (n *BTCNode) Height() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

// Watched reports whether address was imported.
func (n *BTCNode) Watched(address string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watched[address]
}

// GetBlockCount implements btc.Node.
func (n *BTCNode) GetBlockCount(context.Context) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("getblockcount"); err != nil {
		return 0, err
	}
	return n.height, nil
}

// ListUnspent implements btc.Node.
func (n *BTCNode) ListUnspent(_ context.Context, minConf int64, addresses []string) ([]btc.Unspent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("listunspent"); err != nil {
		return nil, err
	}
	filter := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		filter[a] = true
	}
	var out []btc.Unspent
	for _, txid := range n.order {
		tx, ok := n.txs[txid]
		if !ok {
			continue
		}
		conf := n.confirmations(tx)
		if conf < minConf {
			continue
		}
		for vout, o := range tx.outputs {
			if o.spent || (len(filter) > 0 && !filter[o.address]) {
				continue
			}
			out = append(out, btc.Unspent{
				TxID:          tx.txid,
				Vout:          uint32(vout),
				Address:       o.address,
				Amount:        types.BTCFromSatoshi(o.value),
				Confirmations: conf,
			})
		}
	}
	return out, nil
}

// EstimateSmartFee implements btc.Node.
func (n *BTCNode) EstimateSmartFee(context.Context, int64) (decimal.Decimal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("estimatesmartfee"); err != nil {
		return decimal.Zero, err
	}
	return n.FeeRate, nil
}

// CreateRawTransaction implements btc.Node.
func (n *BTCNode) CreateRawTransaction(_ context.Context, inputs []btc.Input, outputs []btc.Output) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("createrawtransaction"); err != nil {
		return "", err
	}
	tx := wire.NewMsgTx(2)
	for _, in := range inputs {
		h, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return "", err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(h, in.Vout), nil, nil))
	}
	for _, out := range outputs {
		addr, err := btcutil.DecodeAddress(out.Address, n.params)
		if err != nil {
			return "", err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", err
		}
		sat, err := types.SatoshiFromBTC(out.Amount)
		if err != nil {
			return "", err
		}
		tx.AddTxOut(wire.NewTxOut(sat, script))
	}
	return btc.EncodeTx(tx)
}

// DecodeRawTransaction implements btc.Node.
func (n *BTCNode) DecodeRawTransaction(_ context.Context, rawHex string) (*btc.DecodedTx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("decoderawtransaction"); err != nil {
		return nil, err
	}
	tx, err := btc.DecodeTx(rawHex)
	if err != nil {
		return nil, err
	}
	out := &btc.DecodedTx{TxID: tx.TxHash().String()}
	for _, in := range tx.TxIn {
		out.Vin = append(out.Vin, btc.DecodedIn{TxID: in.PreviousOutPoint.Hash.String(), Vout: in.PreviousOutPoint.Index})
	}
	for i, o := range tx.TxOut {
		d := btc.DecodedOut{Value: types.BTCFromSatoshi(o.Value), N: uint32(i)}
		if _, addrs, _, err := txscript.ExtractPkScriptAddrs(o.PkScript, n.params); err == nil && len(addrs) == 1 {
			d.ScriptPubKey.Address = addrs[0].EncodeAddress()
		}
		out.Vout = append(out.Vout, d)
	}
	return out, nil
}

// SendRawTransaction implements btc.Node. Inputs must be unspent outputs
// known to the node and every input must carry a signature script.
func (n *BTCNode) SendRawTransaction(_ context.Context, rawHex string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("sendrawtransaction"); err != nil {
		return "", err
	}
	tx, err := btc.DecodeTx(rawHex)
	if err != nil {
		return "", err
	}
	for _, in := range tx.TxIn {
		if len(in.SignatureScript) == 0 {
			return "", fmt.Errorf("bitcoind sendrawtransaction: input not signed")
		}
		prev, ok := n.txs[in.PreviousOutPoint.Hash.String()]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.outputs) || prev.outputs[in.PreviousOutPoint.Index].spent {
			return "", fmt.Errorf("bitcoind sendrawtransaction: missing inputs")
		}
	}
	for _, in := range tx.TxIn {
		n.txs[in.PreviousOutPoint.Hash.String()].outputs[in.PreviousOutPoint.Index].spent = true
	}
	rec := &btcTx{txid: tx.TxHash().String(), hex: rawHex}
	for _, o := range tx.TxOut {
		var addr string
		if _, addrs, _, err := txscript.ExtractPkScriptAddrs(o.PkScript, n.params); err == nil && len(addrs) == 1 {
			addr = addrs[0].EncodeAddress()
		}
		rec.outputs = append(rec.outputs, btcOutput{address: addr, value: o.Value})
	}
	n.add(rec)
	n.Sent = append(n.Sent, rawHex)
	return rec.txid, nil
}

// GetTransaction implements btc.Node.
func (n *BTCNode) GetTransaction(_ context.Context, txid string) (*btc.WalletTx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("gettransaction"); err != nil {
		return nil, err
	}
	tx, ok := n.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", btc.ErrTxNotFound, txid)
	}
	out := &btc.WalletTx{TxID: txid, Hex: tx.hex}
	if !n.OmitConfirmations[txid] {
		c := n.confirmations(tx)
		out.Confirmations = &c
	}
	if tx.height > 0 {
		out.BlockHash = BlockHash(tx.height)
	}
	for vout, o := range tx.outputs {
		out.Details = append(out.Details, btc.TxDetail{
			Address: o.address, Category: "receive", Amount: types.BTCFromSatoshi(o.value), Vout: uint32(vout),
		})
	}
	return out, nil
}

// ListSinceBlock implements btc.Node. Only outputs to watched addresses are
// reported, like a watch-only wallet.
func (n *BTCNode) ListSinceBlock(_ context.Context, blockHash string, targetConf int64) (*btc.SinceBlock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("listsinceblock"); err != nil {
		return nil, err
	}
	var since int64
	if blockHash != "" {
		if _, err := fmt.Sscanf(blockHash, "block-%d", &since); err != nil {
			return nil, fmt.Errorf("bitcoind listsinceblock: unknown block %s", blockHash)
		}
	}
	res := &btc.SinceBlock{}
	for _, txid := range n.order {
		tx, ok := n.txs[txid]
		if !ok || (tx.height != 0 && tx.height <= since) {
			continue
		}
		for vout, o := range tx.outputs {
			if !n.watched[o.address] {
				continue
			}
			st := btc.SinceTx{
				TxID: txid, Address: o.address, Category: "receive",
				Amount: types.BTCFromSatoshi(o.value), Vout: uint32(vout),
				Confirmations: n.confirmations(tx),
			}
			if tx.height > 0 {
				st.BlockHash = BlockHash(tx.height)
			}
			res.Transactions = append(res.Transactions, st)
		}
	}
	last := n.height - targetConf + 1
	if last < 0 {
		last = 0
	}
	res.LastBlock = BlockHash(last)
	return res, nil
}

// GetBlockHeader implements btc.Node.
func (n *BTCNode) GetBlockHeader(_ context.Context, blockHash string) (*btc.BlockHeader, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("getblockheader"); err != nil {
		return nil, err
	}
	var h int64
	if _, err := fmt.Sscanf(blockHash, "block-%d", &h); err != nil || h > n.height {
		return nil, fmt.Errorf("%w: block %s", btc.ErrTxNotFound, blockHash)
	}
	return &btc.BlockHeader{Hash: blockHash, Height: h, Confirmations: n.height - h + 1}, nil
}

// ImportMulti implements btc.Node.
func (n *BTCNode) ImportMulti(_ context.Context, reqs []btc.ImportRequest, _ bool) ([]btc.ImportResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("importmulti"); err != nil {
		return nil, err
	}
	res := make([]btc.ImportResult, len(reqs))
	for i, r := range reqs {
		n.Imported = append(n.Imported, r)
		if n.ImportFailures[r.Address] {
			res[i].Error = &btc.ImportError{Code: -4, Message: "import failed"}
			continue
		}
		n.watched[r.Address] = true
		res[i].Success = true
	}
	return res, nil
}

var _ btc.Node = (*BTCNode)(nil)
