package withdraw

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/olegvg/cryptoms/internal/alert"
	"github.com/olegvg/cryptoms/internal/chain/eth"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/signer"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

// NewEthereum creates an orchestrator that sends plain value transfers
// from the master key's addresses, one transaction per source.
func NewEthereum(l *ledger.Ledger, node eth.Node, s signer.Signer, cfg Config) (*Orchestrator, error) {
	if node == nil {
		return nil, fmt.Errorf("ethereum withdrawals require a node")
	}
	o, err := newOrchestrator(types.ETH, l, s, cfg)
	if err != nil {
		return nil, err
	}
	o.chain = &ethereumChain{o: o, node: node}
	return o, nil
}

type ethereumChain struct {
	o    *Orchestrator
	node eth.Node
}

func (e *ethereumChain) validateDestination(addr string) (string, error) {
	if err := eth.ValidateAddress(addr); err != nil {
		return "", err
	}
	return eth.NormalizeAddress(addr), nil
}

func (e *ethereumChain) available(ctx context.Context, addrs []string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, a := range addrs {
		bal, err := e.node.BalanceAt(ctx, common.HexToAddress(a), nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("balance of %s: %w", a, err)
		}
		total = total.Add(types.EtherFromWei(bal))
	}
	return total, nil
}

// plannedLeg is one transfer before it is sent.
type plannedLeg struct {
	source *ledger.Address
	amount decimal.Decimal
}

// plan picks sources smallest spendable balance first. A source's
// spendable balance is its cached amount less what pending legs reserve,
// and it must exceed the per-transaction fee.
func (e *ethereumChain) plan(w *ledger.Withdrawal, fee decimal.Decimal) ([]plannedLeg, decimal.Decimal, error) {
	o := e.o
	addrs, err := o.ledger.Addresses(types.ETH, ledger.AddressFilter{MasterKey: o.cfg.MasterKey})
	if err != nil {
		return nil, decimal.Zero, err
	}
	reserved, err := o.ledger.Reserved(types.ETH)
	if err != nil {
		return nil, decimal.Zero, err
	}
	type candidate struct {
		addr      *ledger.Address
		spendable decimal.Decimal
	}
	var cands []candidate
	for _, a := range addrs {
		if a.Address == w.Destination {
			continue
		}
		sp := a.Amount.Sub(reserved[a.Address])
		if sp.GreaterThan(fee) {
			cands = append(cands, candidate{a, sp})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if c := cands[i].spendable.Cmp(cands[j].spendable); c != 0 {
			return c < 0
		}
		return cands[i].addr.Index < cands[j].addr.Index
	})

	remaining := w.Amount
	covered := decimal.Zero
	var legs []plannedLeg
	for _, c := range cands {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(c.spendable.Sub(fee), remaining)
		legs = append(legs, plannedLeg{source: c.addr, amount: take})
		remaining = remaining.Sub(take)
		covered = covered.Add(take)
	}
	return legs, covered, nil
}

func (e *ethereumChain) execute(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error) {
	o := e.o
	gasPrice, err := e.node.SuggestGasPrice(ctx)
	if err != nil {
		return o.fail(w, fmt.Errorf("suggest gas price: %w", err))
	}
	feeWei := eth.TransferFee(gasPrice)
	fee := types.EtherFromWei(feeWei)

	legs, covered, err := e.plan(w, fee)
	if err != nil {
		return w, err
	}
	if covered.LessThan(w.Amount) {
		return o.fail(w, fmt.Errorf("%w: spendable %s after fees of %s each, need %s", ErrInsufficientFunds, covered, fee, w.Amount))
	}

	chainID, err := e.node.ChainID(ctx)
	if err != nil {
		return o.fail(w, fmt.Errorf("chain id: %w", err))
	}
	values := make([]*big.Int, len(legs))
	for i, l := range legs {
		value, err := types.WeiFromEther(l.amount)
		if err != nil {
			return o.fail(w, err)
		}
		values[i] = value
		bal, err := e.node.BalanceAt(ctx, common.HexToAddress(l.source.Address), nil)
		if err != nil {
			return o.fail(w, fmt.Errorf("balance of %s: %w", l.source.Address, err))
		}
		if need := new(big.Int).Add(value, feeWei); bal.Cmp(need) < 0 {
			return o.fail(w, fmt.Errorf("%w: node reports %s on %s, need %s",
				ErrInsufficientFunds, types.EtherFromWei(bal), l.source.Address, types.EtherFromWei(need)))
		}
	}

	for i, l := range legs {
		sent, err := e.send(ctx, w, l, values[i], gasPrice, chainID)
		if err != nil {
			if i == 0 {
				return o.fail(w, err)
			}
			partial := fmt.Errorf("sent %d of %d legs: %w", i, len(legs), err)
			o.escalate(ctx, alert.KindPartialWithdrawal, w, partial)
			updated, uerr := o.ledger.UpdateWithdrawal(types.ETH, w.ID, func(w *ledger.Withdrawal) error {
				w.Reason = partial.Error()
				return nil
			})
			if uerr != nil {
				return w, uerr
			}
			return updated, nil
		}
		updated, err := o.ledger.AddLeg(types.ETH, w.ID, ledger.Leg{
			TxID:   sent.txid,
			Source: l.source.Address,
			Amount: l.amount,
			MaxFee: fee,
			Nonce:  sent.nonce,
			Raw:    sent.raw,
		})
		if err != nil {
			return w, o.escalate(ctx, alert.KindUnrecordedBroadcast, w,
				fmt.Errorf("%w: txid %s: %v", ErrUnrecordedBroadcast, sent.txid, err))
		}
		w = updated
		if sent.unknown != nil {
			// The leg stays reserved; later legs wait for an operator.
			if i+1 < len(legs) {
				w, err = o.ledger.UpdateWithdrawal(types.ETH, w.ID, func(w *ledger.Withdrawal) error {
					w.Reason = fmt.Sprintf("sent %d of %d legs", i+1, len(legs))
					return nil
				})
				if err != nil {
					return updated, err
				}
			}
			return w, o.escalate(ctx, alert.KindUnrecordedBroadcast, w, sent.unknown)
		}
	}
	return w, nil
}

// sentLeg is a leg the node accepted, or may have accepted when unknown
// is set.
type sentLeg struct {
	txid    string
	nonce   uint64
	raw     string
	unknown error
}

// send builds, signs and broadcasts one leg. A send error fails the leg
// only when the node then says it does not know the transaction.
func (e *ethereumChain) send(ctx context.Context, w *ledger.Withdrawal, l plannedLeg, value, gasPrice, chainID *big.Int) (*sentLeg, error) {
	from := common.HexToAddress(l.source.Address)
	nonce, err := e.node.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce of %s: %w", l.source.Address, err)
	}
	raw, err := eth.EncodeTx(eth.NewTransfer(nonce, w.Destination, value, gasPrice))
	if err != nil {
		return nil, err
	}
	signedHex, err := e.o.signer.SignEthereum(ctx, &signer.EthereumRequest{
		KeyRef:  signer.KeyRef{MasterKey: l.source.MasterKey, Path: l.source.Path, Index: l.source.Index},
		Address: l.source.Address,
		RawTx:   raw,
		ChainID: chainID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	signed, err := eth.DecodeTx(signedHex)
	if err != nil {
		return nil, err
	}
	if sender, err := eth.Sender(signed, chainID); err != nil || sender != l.source.Address {
		return nil, fmt.Errorf("%w: signed transaction is not from %s", ErrInconsistent, l.source.Address)
	}
	out := &sentLeg{txid: signed.Hash().Hex(), nonce: nonce, raw: signedHex}
	if serr := e.node.SendTransaction(ctx, signed); serr != nil {
		_, _, gerr := e.node.TransactionByHash(ctx, signed.Hash())
		switch {
		case gerr == nil:
		case errors.Is(gerr, ethereum.NotFound):
			return nil, fmt.Errorf("send transaction: %w", serr)
		default:
			out.unknown = fmt.Errorf("%w: txid %s: send failed (%v) and lookup failed (%v)",
				ErrUnrecordedBroadcast, out.txid, serr, gerr)
		}
	}
	return out, nil
}

// rebroadcast resends a leg the node does not know.
func (e *ethereumChain) rebroadcast(ctx context.Context, w *ledger.Withdrawal, leg ledger.Leg) error {
	if leg.Raw == "" {
		return fmt.Errorf("%w: leg %s unknown to the node", ErrInconsistent, leg.TxID)
	}
	tx, err := eth.DecodeTx(leg.Raw)
	if err != nil || tx.Hash().Hex() != leg.TxID {
		return fmt.Errorf("%w: stored transaction of leg %s does not match its txid", ErrInconsistent, leg.TxID)
	}
	if err := e.node.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("%w: leg %s unknown to the node and rebroadcast failed: %v", ErrInconsistent, leg.TxID, err)
	}
	e.o.logger.Warn().Str("id", w.ID.String()).Str("txid", leg.TxID).Msg("Rebroadcast withdrawal leg")
	return nil
}

func (e *ethereumChain) check(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error) {
	latest, err := e.node.BlockNumber(ctx)
	if err != nil {
		return w, fmt.Errorf("block number: %w", err)
	}
	legs := append([]ledger.Leg(nil), w.Legs...)
	for _, leg := range legs {
		if leg.Confirmed {
			continue
		}
		hash := common.HexToHash(leg.TxID)
		receipt, err := e.node.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			if _, _, terr := e.node.TransactionByHash(ctx, hash); errors.Is(terr, ethereum.NotFound) {
				if err := e.rebroadcast(ctx, w, leg); err != nil {
					return w, err
				}
			} else if terr != nil {
				return w, fmt.Errorf("transaction by hash: %w", terr)
			}
			continue
		}
		if err != nil {
			return w, fmt.Errorf("transaction receipt: %w", err)
		}
		if eth.Confirmations(latest, receipt.BlockNumber.Uint64()) < e.o.cfg.Confirmations {
			continue
		}
		fee := leg.MaxFee
		if receipt.EffectiveGasPrice != nil {
			fee = types.EtherFromWei(new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed)))
		}
		reverted := receipt.Status == gethtypes.ReceiptStatusFailed
		updated, err := e.o.ledger.ConfirmLeg(types.ETH, w.ID, leg.TxID, fee, reverted)
		if err != nil {
			return w, err
		}
		w = updated
		if reverted {
			e.o.logger.Warn().Str("id", w.ID.String()).Str("txid", leg.TxID).Msg("Withdrawal leg reverted")
		}
	}
	return w, nil
}
