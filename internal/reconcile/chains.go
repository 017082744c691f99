package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/chain/eth"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// NewBitcoin creates a service that sums unspent outputs per address.
func NewBitcoin(l *ledger.Ledger, node btc.Node, cfg Config) (*Service, error) {
	if node == nil {
		return nil, fmt.Errorf("bitcoin reconciliation requires a node")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("bitcoin reconciliation requires an instance name")
	}
	s := newService(types.BTC, l, cfg)
	s.src = &bitcoinBalances{node: node, minConf: s.cfg.Confirmations}
	return s, nil
}

type bitcoinBalances struct {
	node    btc.Node
	minConf int64
}

func (b *bitcoinBalances) live(ctx context.Context, addrs []*ledger.Address) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}
	list := make([]string, len(addrs))
	for i, a := range addrs {
		list[i] = a.Address
		out[a.Address] = decimal.Zero
	}
	utxos, err := b.node.ListUnspent(ctx, b.minConf, list)
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}
	for _, u := range utxos {
		if _, ok := out[u.Address]; ok {
			out[u.Address] = out[u.Address].Add(u.Amount)
		}
	}
	return out, nil
}

// NewEthereum creates a service that reads account balances at the block
// where funds reach the completion depth.
func NewEthereum(l *ledger.Ledger, node eth.Node, cfg Config) (*Service, error) {
	if node == nil {
		return nil, fmt.Errorf("ethereum reconciliation requires a node")
	}
	s := newService(types.ETH, l, cfg)
	s.src = &ethereumBalances{node: node, conf: s.cfg.Confirmations, limit: s.cfg.Parallelism}
	return s, nil
}

type ethereumBalances struct {
	node  eth.Node
	conf  int64
	limit int
}

func (e *ethereumBalances) live(ctx context.Context, addrs []*ledger.Address) (map[string]decimal.Decimal, error) {
	latest, err := e.node.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	at := new(big.Int)
	if depth := uint64(e.conf - 1); latest >= depth {
		at.SetUint64(latest - depth)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]decimal.Decimal, len(addrs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for _, a := range addrs {
		addr := a.Address
		g.Go(func() error {
			bal, err := e.node.BalanceAt(gctx, common.HexToAddress(addr), at)
			if err != nil {
				return fmt.Errorf("balance of %s: %w", addr, err)
			}
			mu.Lock()
			out[addr] = types.EtherFromWei(bal)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
