package withdraw

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/olegvg/cryptoms/internal/alert"
	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/signer"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

// NewBitcoin creates an orchestrator that spends UTXOs of the master
// key's addresses on one bitcoind instance.
func NewBitcoin(l *ledger.Ledger, node btc.Node, s signer.Signer, params *chaincfg.Params, cfg Config) (*Orchestrator, error) {
	if node == nil || params == nil {
		return nil, fmt.Errorf("bitcoin withdrawals require a node and chain parameters")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("bitcoin withdrawals require an instance name")
	}
	o, err := newOrchestrator(types.BTC, l, s, cfg)
	if err != nil {
		return nil, err
	}
	o.chain = &bitcoinChain{o: o, node: node, params: params}
	return o, nil
}

type bitcoinChain struct {
	o      *Orchestrator
	node   btc.Node
	params *chaincfg.Params
}

func (b *bitcoinChain) validateDestination(addr string) (string, error) {
	if err := btc.ValidateAddress(addr, b.params); err != nil {
		return "", err
	}
	return addr, nil
}

// candidates returns the funding addresses ordered by descending cached
// balance, at most MaxInputs+1 of them.
func (b *bitcoinChain) candidates(dest string) ([]*ledger.Address, error) {
	yes := true
	all, err := b.o.ledger.Addresses(types.BTC, ledger.AddressFilter{MasterKey: b.o.cfg.MasterKey, Populated: &yes})
	if err != nil {
		return nil, err
	}
	var out []*ledger.Address
	for _, a := range all {
		if a.Instance == b.o.cfg.Instance && a.Address != dest {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Index < out[j].Index
	})
	if len(out) > b.o.cfg.MaxInputs+1 {
		out = out[:b.o.cfg.MaxInputs+1]
	}
	return out, nil
}

func (b *bitcoinChain) unspent(ctx context.Context, addrs []string) ([]btc.Unspent, decimal.Decimal, error) {
	if len(addrs) == 0 {
		return nil, decimal.Zero, nil
	}
	utxos, err := b.node.ListUnspent(ctx, b.o.cfg.SpendConfirmations, addrs)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("listunspent: %w", err)
	}
	total := decimal.Zero
	for _, u := range utxos {
		total = total.Add(u.Amount)
	}
	return utxos, total, nil
}

func (b *bitcoinChain) available(ctx context.Context, addrs []string) (decimal.Decimal, error) {
	_, total, err := b.unspent(ctx, addrs)
	return total, err
}

func (b *bitcoinChain) execute(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error) {
	o := b.o
	cands, err := b.candidates(w.Destination)
	if err != nil {
		return w, err
	}
	if len(cands) < 2 {
		return o.fail(w, fmt.Errorf("%w: no source and change addresses", ErrInsufficientFunds))
	}
	change := cands[len(cands)-1]
	cands = cands[:len(cands)-1]

	rate, err := b.node.EstimateSmartFee(ctx, o.cfg.FeeTarget)
	if err != nil {
		return o.fail(w, fmt.Errorf("estimate fee: %w", err))
	}
	projected := types.BTCFromSatoshi(btc.FeeFor(rate, btc.TxSize(len(cands), 2)))

	var (
		selected []*ledger.Address
		cached   = decimal.Zero
	)
	for _, c := range cands {
		if cached.GreaterThanOrEqual(w.Amount.Add(projected)) || !c.Amount.IsPositive() {
			break
		}
		selected = append(selected, c)
		cached = cached.Add(c.Amount)
	}
	if cached.LessThan(w.Amount.Add(projected)) {
		return o.fail(w, fmt.Errorf("%w: have %s, need %s plus fee %s", ErrInsufficientFunds, cached, w.Amount, projected))
	}

	bySource := make(map[string]*ledger.Address, len(selected))
	sources := make([]string, len(selected))
	for i, a := range selected {
		bySource[a.Address] = a
		sources[i] = a.Address
	}
	utxos, total, err := b.unspent(ctx, sources)
	if err != nil {
		return o.fail(w, err)
	}
	// One source address can hold several outputs.
	feeSat := btc.FeeFor(rate, btc.TxSize(len(utxos), 2))
	amountSat, err := types.SatoshiFromBTC(w.Amount)
	if err != nil {
		return o.fail(w, err)
	}
	totalSat, err := types.SatoshiFromBTC(total)
	if err != nil {
		return o.fail(w, err)
	}
	if totalSat < amountSat+feeSat {
		return o.fail(w, fmt.Errorf("%w: node reports %s on the sources, need %s plus fee %s",
			ErrInsufficientFunds, total, w.Amount, types.BTCFromSatoshi(feeSat)))
	}

	outputs := []btc.Output{{Address: w.Destination, Amount: w.Amount}}
	changeSat := totalSat - amountSat - feeSat
	hasChange := changeSat >= btc.DustLimit
	if hasChange {
		outputs = append(outputs, btc.Output{Address: change.Address, Amount: types.BTCFromSatoshi(changeSat)})
	} else {
		feeSat += changeSat
	}

	inputs := make([]btc.Input, len(utxos))
	signIn := make([]signer.BitcoinInput, len(utxos))
	for i, u := range utxos {
		src, ok := bySource[u.Address]
		if !ok {
			return o.fail(w, fmt.Errorf("%w: listunspent returned foreign address %s", ErrInconsistent, u.Address))
		}
		sat, err := types.SatoshiFromBTC(u.Amount)
		if err != nil {
			return o.fail(w, err)
		}
		inputs[i] = btc.Input{TxID: u.TxID, Vout: u.Vout}
		signIn[i] = signer.BitcoinInput{
			KeyRef:  signer.KeyRef{MasterKey: src.MasterKey, Path: src.Path, Index: src.Index},
			Address: src.Address,
			Amount:  sat,
		}
	}

	raw, err := b.node.CreateRawTransaction(ctx, inputs, outputs)
	if err != nil {
		return o.fail(w, fmt.Errorf("createrawtransaction: %w", err))
	}
	if err := b.checkBuilt(ctx, raw, inputs, outputs); err != nil {
		return o.fail(w, err)
	}
	signed, err := o.signer.SignBitcoin(ctx, &signer.BitcoinRequest{RawTx: raw, Inputs: signIn})
	if err != nil {
		return o.fail(w, fmt.Errorf("sign: %w", err))
	}
	txid, err := btc.TxID(signed)
	if err != nil {
		return o.fail(w, err)
	}

	prepared, err := o.ledger.UpdateWithdrawal(types.BTC, w.ID, func(w *ledger.Withdrawal) error {
		w.PreparedTxID = txid
		w.PreparedTx = signed
		w.Sources = sources
		w.Fee = types.BTCFromSatoshi(feeSat)
		if hasChange {
			w.ChangeAddress = change.Address
		}
		return nil
	})
	if err != nil {
		return w, fmt.Errorf("record prepared transaction: %w", err)
	}
	w = prepared

	// The node may have accepted the transaction before failing. Only a
	// definite not-found lets the withdrawal fail; any other outcome holds
	// the sources as spent.
	var unknown error
	sent, sendErr := b.node.SendRawTransaction(ctx, signed)
	if sendErr != nil {
		_, gerr := b.node.GetTransaction(ctx, txid)
		switch {
		case gerr == nil:
		case errors.Is(gerr, btc.ErrTxNotFound):
			return o.fail(w, fmt.Errorf("sendrawtransaction: %w", sendErr))
		default:
			unknown = fmt.Errorf("%w: txid %s: send failed (%v) and lookup failed (%v)",
				ErrUnrecordedBroadcast, txid, sendErr, gerr)
		}
		sent = txid
	}
	if sent != txid {
		o.escalate(ctx, alert.KindInconsistent, w,
			fmt.Errorf("%w: node returned txid %s for prepared %s", ErrInconsistent, sent, txid))
	}

	var cl *ledger.ChangeLog
	if hasChange {
		cl = &ledger.ChangeLog{Address: change.Address}
	}
	rec, err := o.ledger.RecordBroadcast(types.BTC, w.ID, sent, sources, cl)
	if err != nil {
		return w, o.escalate(ctx, alert.KindUnrecordedBroadcast, w,
			fmt.Errorf("%w: txid %s: %v", ErrUnrecordedBroadcast, sent, err))
	}
	if unknown != nil {
		return rec, o.escalate(ctx, alert.KindUnrecordedBroadcast, rec, unknown)
	}
	return rec, nil
}

// rebroadcast resends the prepared transaction of w when the node does not
// know it.
func (b *bitcoinChain) rebroadcast(ctx context.Context, w *ledger.Withdrawal, txid string) error {
	if w.PreparedTx == "" || w.PreparedTxID != txid {
		return fmt.Errorf("%w: broadcast transaction %s unknown to the node", ErrInconsistent, txid)
	}
	if _, err := b.node.SendRawTransaction(ctx, w.PreparedTx); err != nil {
		return fmt.Errorf("%w: transaction %s unknown to the node and rebroadcast failed: %v", ErrInconsistent, txid, err)
	}
	b.o.logger.Warn().Str("id", w.ID.String()).Str("txid", txid).Msg("Rebroadcast withdrawal transaction")
	return nil
}

// checkBuilt decodes the node-built transaction and compares it with what
// was asked for.
func (b *bitcoinChain) checkBuilt(ctx context.Context, raw string, inputs []btc.Input, outputs []btc.Output) error {
	dec, err := b.node.DecodeRawTransaction(ctx, raw)
	if err != nil {
		return fmt.Errorf("decoderawtransaction: %w", err)
	}
	if len(dec.Vin) != len(inputs) || len(dec.Vout) != len(outputs) {
		return fmt.Errorf("%w: built %d inputs and %d outputs, want %d and %d",
			ErrInconsistent, len(dec.Vin), len(dec.Vout), len(inputs), len(outputs))
	}
	for i, out := range outputs {
		got := dec.Vout[i]
		if got.Address() != out.Address || !got.Value.Equal(out.Amount) {
			return fmt.Errorf("%w: output %d pays %s %s, want %s %s",
				ErrInconsistent, i, got.Value, got.Address(), out.Amount, out.Address)
		}
	}
	return nil
}

func (b *bitcoinChain) check(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error) {
	if len(w.TxIDs) != 1 {
		return w, fmt.Errorf("%w: bitcoin withdrawal has %d txids", ErrInconsistent, len(w.TxIDs))
	}
	txid := w.TxIDs[0]
	tx, err := b.node.GetTransaction(ctx, txid)
	if errors.Is(err, btc.ErrTxNotFound) {
		return w, b.rebroadcast(ctx, w, txid)
	}
	if err != nil {
		return w, fmt.Errorf("gettransaction: %w", err)
	}
	if tx.Confirmations == nil {
		return w, fmt.Errorf("%w: transaction %s has no confirmations field", ErrInconsistent, txid)
	}
	conf := *tx.Confirmations
	if conf < 0 {
		return w, fmt.Errorf("%w: transaction %s conflicted at depth %d", ErrInconsistent, txid, conf)
	}
	if conf < b.o.cfg.Confirmations {
		return w, nil
	}

	change := decimal.Zero
	if w.ChangeAddress != "" {
		sat, found, err := btc.OutputValue(tx.Hex, w.ChangeAddress, b.params)
		if err != nil {
			return w, fmt.Errorf("read change output: %w", err)
		}
		if !found {
			return w, fmt.Errorf("%w: transaction %s does not pay change address %s", ErrInconsistent, txid, w.ChangeAddress)
		}
		change = types.BTCFromSatoshi(sat)
	}
	if _, err := b.o.ledger.CompleteWithdrawal(types.BTC, w.ID, change); err != nil {
		return w, err
	}
	return b.o.ledger.Withdrawal(w.ID)
}
