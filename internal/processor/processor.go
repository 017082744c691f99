// Package processor composes the per-currency services.
//
// Processor is a closed variant: only Bitcoin and Ethereum implement it,
// and Set.For maps every supported currency to exactly one of them.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/address"
	"github.com/olegvg/cryptoms/internal/deposit"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/reconcile"
	"github.com/olegvg/cryptoms/internal/withdraw"
	"github.com/olegvg/cryptoms/pkg/types"
)

// ErrUnsupportedCurrency is returned for a known currency that is not
// enabled in this process.
var ErrUnsupportedCurrency = errors.New("currency not enabled")

// Pass is one periodic background task.
type Pass struct {
	Name string
	Run  func(ctx context.Context) error
}

// Processor serves one currency.
type Processor interface {
	Currency() types.Currency
	// ClaimAddress issues the next deposit address.
	ClaimAddress(ctx context.Context) (*ledger.Address, error)
	// Withdraw executes a withdrawal request once.
	Withdraw(ctx context.Context, req withdraw.Request) (*ledger.Withdrawal, error)
	// Reconcile compares cached balances with the chain.
	Reconcile(ctx context.Context, enforce bool) (*reconcile.Result, error)
	// Passes lists the background tasks of this currency.
	Passes() []Pass

	sealed()
}

// Services are the building blocks shared by both implementations.
type Services struct {
	Addresses   *address.Service
	Deposits    *deposit.Monitor
	Withdrawals *withdraw.Orchestrator
	Reconciler  *reconcile.Service
}

func (s *Services) validate(c types.Currency) error {
	if s.Addresses == nil || s.Deposits == nil || s.Withdrawals == nil || s.Reconciler == nil {
		return fmt.Errorf("%s processor requires every service", c)
	}
	for _, got := range []types.Currency{s.Deposits.Currency(), s.Withdrawals.Currency(), s.Reconciler.Currency()} {
		if got != c {
			return fmt.Errorf("%s processor given a %s service", c, got)
		}
	}
	return nil
}

func (s *Services) ClaimAddress(ctx context.Context) (*ledger.Address, error) {
	return s.Addresses.ClaimNext(ctx)
}

func (s *Services) Withdraw(ctx context.Context, req withdraw.Request) (*ledger.Withdrawal, error) {
	return s.Withdrawals.Withdraw(ctx, req)
}

func (s *Services) Reconcile(ctx context.Context, enforce bool) (*reconcile.Result, error) {
	return s.Reconciler.Reconcile(ctx, enforce)
}

func (s *Services) depositPass(ctx context.Context) error {
	_, err := s.Deposits.Pass(ctx)
	return err
}

func (s *Services) withdrawalPass(ctx context.Context) error {
	_, err := s.Withdrawals.Pass(ctx)
	return err
}

// Bitcoin is the UTXO processor.
type Bitcoin struct {
	Services
}

// NewBitcoin checks svc and returns the Bitcoin processor.
func NewBitcoin(svc Services) (*Bitcoin, error) {
	if err := svc.validate(types.BTC); err != nil {
		return nil, err
	}
	return &Bitcoin{Services: svc}, nil
}

func (*Bitcoin) Currency() types.Currency { return types.BTC }

// Passes retries failed watch imports before scanning so that a fresh
// address's deposits are visible to the node.
func (b *Bitcoin) Passes() []Pass {
	return []Pass{
		{Name: "btc-import", Run: func(ctx context.Context) error {
			_, err := b.Addresses.PopulatePending(ctx)
			return err
		}},
		{Name: "btc-deposits", Run: b.depositPass},
		{Name: "btc-withdrawals", Run: b.withdrawalPass},
	}
}

func (*Bitcoin) sealed() {}

// Ethereum is the account-model processor.
type Ethereum struct {
	Services
}

// NewEthereum checks svc and returns the Ethereum processor.
func NewEthereum(svc Services) (*Ethereum, error) {
	if err := svc.validate(types.ETH); err != nil {
		return nil, err
	}
	return &Ethereum{Services: svc}, nil
}

func (*Ethereum) Currency() types.Currency { return types.ETH }

func (e *Ethereum) Passes() []Pass {
	return []Pass{
		{Name: "eth-deposits", Run: e.depositPass},
		{Name: "eth-withdrawals", Run: e.withdrawalPass},
	}
}

func (*Ethereum) sealed() {}

// Set holds the enabled processors.
type Set struct {
	ledger *ledger.Ledger
	btc    *Bitcoin
	eth    *Ethereum
}

// NewSet builds a set; either processor may be nil when disabled.
func NewSet(l *ledger.Ledger, btc *Bitcoin, eth *Ethereum) *Set {
	return &Set{ledger: l, btc: btc, eth: eth}
}

// For returns the processor of c.
func (s *Set) For(c types.Currency) (Processor, error) {
	switch c {
	case types.BTC:
		if s.btc != nil {
			return s.btc, nil
		}
	case types.ETH:
		if s.eth != nil {
			return s.eth, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownCurrency, c)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, c)
}

// Enabled lists the enabled processors in currency order.
func (s *Set) Enabled() []Processor {
	var out []Processor
	for _, c := range types.Currencies {
		if p, err := s.For(c); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Withdrawal looks up a withdrawal by u_txid in any currency.
func (s *Set) Withdrawal(id uuid.UUID) (*ledger.Withdrawal, error) {
	return s.ledger.Withdrawal(id)
}

// Passes lists the background tasks of every enabled processor.
func (s *Set) Passes() []Pass {
	var out []Pass
	for _, p := range s.Enabled() {
		out = append(out, p.Passes()...)
	}
	return out
}
