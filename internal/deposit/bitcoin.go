package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/pkg/types"
)

// NewBitcoin creates a monitor over a bitcoind wallet that watches the
// issued addresses.
func NewBitcoin(l *ledger.Ledger, node btc.Node, cfg Config) (*Monitor, error) {
	if node == nil {
		return nil, fmt.Errorf("bitcoin deposit monitor requires a node")
	}
	m, err := newMonitor(types.BTC, l, cfg)
	if err != nil {
		return nil, err
	}
	m.src = &bitcoinSource{m: m, node: node}
	return m, nil
}

type bitcoinSource struct {
	m    *Monitor
	node btc.Node
}

func (s *bitcoinSource) scan(ctx context.Context, conf int64) ([]Observation, *ledger.Watermark, error) {
	m := s.m
	wm, _, err := m.ledger.Watermark(types.BTC, m.cfg.Instance, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("load watermark: %w", err)
	}
	// An empty hash lists the whole wallet history.
	since, err := s.node.ListSinceBlock(ctx, wm.BlockHash, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("listsinceblock: %w", err)
	}

	yes := true
	addrs, err := m.ledger.Addresses(types.BTC, ledger.AddressFilter{Populated: &yes})
	if err != nil {
		return nil, nil, err
	}
	known := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a.Instance == m.cfg.Instance {
			known[a.Address] = true
		}
	}

	var raw []Observation
	for _, tx := range since.Transactions {
		if tx.Category != "receive" || tx.Confirmations < conf || !known[tx.Address] {
			continue
		}
		change, err := m.ledger.IsChange(tx.TxID)
		if err != nil {
			return nil, nil, err
		}
		if change {
			continue
		}
		raw = append(raw, Observation{
			Address:       tx.Address,
			TxID:          tx.TxID,
			Amount:        tx.Amount,
			Confirmations: tx.Confirmations,
		})
	}

	if since.LastBlock == "" || since.LastBlock == wm.BlockHash {
		return raw, nil, nil
	}
	hdr, err := s.node.GetBlockHeader(ctx, since.LastBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("getblockheader %s: %w", since.LastBlock, err)
	}
	return raw, &ledger.Watermark{
		Instance:      m.cfg.Instance,
		Confirmations: conf,
		BlockHash:     since.LastBlock,
		Height:        hdr.Height,
	}, nil
}

func (s *bitcoinSource) state(ctx context.Context, d *ledger.Deposit) (txState, error) {
	tx, err := s.node.GetTransaction(ctx, d.TxID)
	if errors.Is(err, btc.ErrTxNotFound) {
		return txState{gone: true}, nil
	}
	if err != nil {
		return txState{}, fmt.Errorf("gettransaction: %w", err)
	}
	if tx.Confirmations == nil {
		return txState{}, fmt.Errorf("gettransaction %s: confirmations missing", d.TxID)
	}
	// bitcoind reports a conflicted transaction with negative depth.
	if *tx.Confirmations < 0 {
		return txState{gone: true}, nil
	}
	return txState{confirmations: *tx.Confirmations}, nil
}
