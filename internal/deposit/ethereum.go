package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/olegvg/cryptoms/internal/chain/eth"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/pkg/types"
)

const defaultMaxBlocks = 500

// NewEthereum creates a monitor that walks Ethereum blocks looking for
// value transfers to issued addresses.
func NewEthereum(l *ledger.Ledger, node eth.Node, cfg Config) (*Monitor, error) {
	if node == nil {
		return nil, fmt.Errorf("ethereum deposit monitor requires a node")
	}
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = defaultMaxBlocks
	}
	m, err := newMonitor(types.ETH, l, cfg)
	if err != nil {
		return nil, err
	}
	m.src = &ethereumSource{m: m, node: node}
	return m, nil
}

type ethereumSource struct {
	m    *Monitor
	node eth.Node
}

// scan walks blocks after the watermark up to the newest block with conf
// confirmations. Without a watermark it starts at the first block not
// older than the oldest issued address.
func (s *ethereumSource) scan(ctx context.Context, conf int64) ([]Observation, *ledger.Watermark, error) {
	m := s.m
	addrs, err := m.ledger.Addresses(types.ETH, ledger.AddressFilter{})
	if err != nil {
		return nil, nil, err
	}
	if len(addrs) == 0 {
		return nil, nil, nil
	}
	known := make(map[string]bool, len(addrs))
	earliest := addrs[0].CreatedAt
	for _, a := range addrs {
		known[eth.NormalizeAddress(a.Address)] = true
		if a.CreatedAt.Before(earliest) {
			earliest = a.CreatedAt
		}
	}

	wm, ok, err := m.ledger.Watermark(types.ETH, m.cfg.Instance, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("load watermark: %w", err)
	}
	var (
		from   uint64
		parent common.Hash
	)
	if ok {
		if from, parent, err = s.resume(ctx, wm); err != nil {
			return nil, nil, err
		}
	} else {
		ts := earliest.Unix()
		if ts < 0 {
			ts = 0
		}
		from, err = eth.FindBlockByTime(ctx, s.node, uint64(ts))
		if err != nil {
			return nil, nil, fmt.Errorf("find start block: %w", err)
		}
	}

	latest, err := s.node.BlockNumber(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("block number: %w", err)
	}
	if latest+1 < uint64(conf) {
		return nil, nil, nil
	}
	to := latest + 1 - uint64(conf)
	if from > to {
		return nil, nil, nil
	}
	if to-from+1 > m.cfg.MaxBlocks {
		to = from + m.cfg.MaxBlocks - 1
	}

	var raw []Observation
	last := parent
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		block, err := s.node.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", n, err)
		}
		if last != (common.Hash{}) && block.ParentHash() != last {
			// The next pass rewinds.
			return nil, nil, fmt.Errorf("block %d does not extend %s: chain reorganized during scan", n, last.Hex())
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() <= 0 {
				continue
			}
			addr := eth.NormalizeAddress(tx.To().Hex())
			if !known[addr] {
				continue
			}
			raw = append(raw, Observation{
				Address:       addr,
				TxID:          tx.Hash().Hex(),
				Amount:        types.EtherFromWei(tx.Value()),
				Confirmations: eth.Confirmations(latest, n),
			})
		}
		last = block.Hash()
	}
	return raw, &ledger.Watermark{
		Instance:      m.cfg.Instance,
		Confirmations: conf,
		BlockHash:     last.Hex(),
		Height:        int64(to),
	}, nil
}

// resume returns the first block to scan after wm and the hash it must
// extend. When the node no longer has wm.BlockHash at its height the
// watermark is rewound by the completion depth and rescanned from there.
func (s *ethereumSource) resume(ctx context.Context, wm ledger.Watermark) (uint64, common.Hash, error) {
	m := s.m
	height := uint64(wm.Height)
	header, err := s.node.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	switch {
	case err == nil && header.Hash().Hex() == wm.BlockHash:
		return height + 1, header.Hash(), nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return 0, common.Hash{}, fmt.Errorf("header %d: %w", height, err)
	}

	latest, err := s.node.BlockNumber(ctx)
	if err != nil {
		return 0, common.Hash{}, fmt.Errorf("block number: %w", err)
	}
	var base uint64
	if depth := uint64(m.cfg.Confirmations); height > depth {
		base = height - depth
	}
	if base > latest {
		base = latest
	}
	header, err = s.node.HeaderByNumber(ctx, new(big.Int).SetUint64(base))
	if err != nil {
		return 0, common.Hash{}, fmt.Errorf("header %d: %w", base, err)
	}
	rewound := ledger.Watermark{
		Instance:      wm.Instance,
		Confirmations: wm.Confirmations,
		BlockHash:     header.Hash().Hex(),
		Height:        int64(base),
	}
	if err := m.ledger.RewindWatermark(types.ETH, rewound); err != nil {
		return 0, common.Hash{}, fmt.Errorf("rewind watermark: %w", err)
	}
	m.logger.Warn().
		Int64("height", wm.Height).
		Str("block", wm.BlockHash).
		Int64("rewound_to", rewound.Height).
		Msg("Scan watermark left the chain, rewinding")
	return base + 1, header.Hash(), nil
}

func (s *ethereumSource) state(ctx context.Context, d *ledger.Deposit) (txState, error) {
	hash := common.HexToHash(d.TxID)
	receipt, err := s.node.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, err := s.node.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return txState{gone: true}, nil
		}
		if err != nil {
			return txState{}, fmt.Errorf("transaction by hash: %w", err)
		}
		if pending {
			return txState{}, nil
		}
		return txState{}, fmt.Errorf("transaction %s mined without a receipt", d.TxID)
	}
	if err != nil {
		return txState{}, fmt.Errorf("transaction receipt: %w", err)
	}
	if receipt.Status == 0 {
		return txState{gone: true}, nil
	}
	latest, err := s.node.BlockNumber(ctx)
	if err != nil {
		return txState{}, fmt.Errorf("block number: %w", err)
	}
	return txState{confirmations: eth.Confirmations(latest, receipt.BlockNumber.Uint64())}, nil
}
