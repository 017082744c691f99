// Package reconcile compares cached address balances with the chain.
//
// The live view counts only funds at the completion depth, the same depth
// at which deposits are credited, so a settled address reconciles to
// zero drift. Enforcing overwrites cached amounts with the live view,
// except on addresses that still have a PENDING deposit, an unconfirmed
// withdrawal leg, or that fund or receive the change of a PENDING Bitcoin
// withdrawal: those settle through the ledger and would otherwise be
// counted twice.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/olegvg/cryptoms/internal/ledger"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config tunes a Service.
type Config struct {
	// MasterKey restricts reconciliation to one wallet. Empty covers all.
	MasterKey string
	// Instance restricts Bitcoin addresses to those imported on it.
	Instance string
	// Confirmations is the depth funds must reach to count. Zero uses the
	// currency default.
	Confirmations int64
	// Parallelism bounds concurrent Ethereum balance queries. Zero uses 8.
	Parallelism int
}

// Result is the outcome of one reconciliation.
type Result struct {
	// Balances is the chain-derived amount of every reconciled address.
	Balances map[string]decimal.Decimal
	// Drifted lists addresses whose cached amount differed.
	Drifted []string
	// InFlight lists drifted addresses left untouched by enforcement.
	InFlight []string
	// Enforced reports whether cached amounts were overwritten.
	Enforced bool
}

// balances is the chain-specific half of a Service.
type balances interface {
	live(ctx context.Context, addrs []*ledger.Address) (map[string]decimal.Decimal, error)
}

// Service reconciles one currency.
type Service struct {
	currency types.Currency
	cfg      Config
	ledger   *ledger.Ledger
	src      balances
	logger   zerolog.Logger
}

func newService(c types.Currency, l *ledger.Ledger, cfg Config) *Service {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = c.DefaultConfirmations()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &Service{
		currency: c,
		cfg:      cfg,
		ledger:   l,
		logger:   klog.WithCurrency(klog.Reconcile, c.String()),
	}
}

// Currency returns the reconciled currency.
func (s *Service) Currency() types.Currency { return s.currency }

func (s *Service) addresses() ([]*ledger.Address, error) {
	all, err := s.ledger.Addresses(s.currency, ledger.AddressFilter{MasterKey: s.cfg.MasterKey})
	if err != nil {
		return nil, err
	}
	if s.cfg.Instance == "" {
		return all, nil
	}
	var out []*ledger.Address
	for _, a := range all {
		if a.Instance == s.cfg.Instance {
			out = append(out, a)
		}
	}
	return out, nil
}

// inFlight returns the addresses whose cached amount is still due to move
// through the ledger.
func (s *Service) inFlight() (map[string]bool, error) {
	out := make(map[string]bool)
	pending, err := s.ledger.Deposits(s.currency, ledger.DepositFilter{Status: types.DepositPending})
	if err != nil {
		return nil, err
	}
	for _, d := range pending {
		out[d.Address] = true
	}
	reserved, err := s.ledger.Reserved(s.currency)
	if err != nil {
		return nil, err
	}
	for a := range reserved {
		out[a] = true
	}
	if s.currency != types.BTC {
		return out, nil
	}
	// A broadcast Bitcoin withdrawal zeroed its sources and credits its
	// change on completion.
	withdrawals, err := s.ledger.Withdrawals(s.currency, ledger.WithdrawalFilter{Status: types.WithdrawalPending})
	if err != nil {
		return nil, err
	}
	for _, w := range withdrawals {
		for _, a := range w.Sources {
			out[a] = true
		}
		if w.ChangeAddress != "" {
			out[w.ChangeAddress] = true
		}
	}
	return out, nil
}

// Reconcile reads the live balance of every tracked address and compares
// it with the cached amount. With enforce set the cached amounts of
// drifted, settled addresses are overwritten. The live view is returned
// either way.
func (s *Service) Reconcile(ctx context.Context, enforce bool) (*Result, error) {
	addrs, err := s.addresses()
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	live, err := s.src.live(ctx, addrs)
	if err != nil {
		return nil, err
	}
	busy, err := s.inFlight()
	if err != nil {
		return nil, err
	}

	res := &Result{Balances: make(map[string]decimal.Decimal, len(addrs))}
	update := make(map[string]decimal.Decimal)
	for _, a := range addrs {
		amt := live[a.Address]
		res.Balances[a.Address] = amt
		if amt.Equal(a.Amount) {
			continue
		}
		res.Drifted = append(res.Drifted, a.Address)
		if busy[a.Address] {
			res.InFlight = append(res.InFlight, a.Address)
			continue
		}
		update[a.Address] = amt
		s.logger.Warn().
			Str("address", a.Address).
			Str("cached", a.Amount.String()).
			Str("live", amt.String()).
			Msg("Balance drift")
	}
	sort.Strings(res.Drifted)
	sort.Strings(res.InFlight)
	metrics.ReconcileDrift.WithLabelValues(s.currency.String()).Set(float64(len(res.Drifted)))

	if enforce && len(update) > 0 {
		if err := s.ledger.SetAmounts(s.currency, update); err != nil {
			return nil, fmt.Errorf("enforce balances: %w", err)
		}
		res.Enforced = true
		s.logger.Info().Int("updated", len(update)).Int("in_flight", len(res.InFlight)).Msg("Balances enforced")
	}
	return res, nil
}
