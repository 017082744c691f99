// Package withdraw executes outgoing transfers.
//
// A withdrawal is keyed by the caller's u_txid. Its row is inserted as a
// FAILED placeholder before any chain traffic, so a repeated request
// returns the recorded status instead of executing again. The row becomes
// PENDING only once a transaction is accepted by the node, and later
// status checks complete it.
//
// Bitcoin spends whole addresses and zeroes their cached balances at
// broadcast. Ethereum debits each source when its transaction confirms;
// until then the leg's amount plus its maximum fee is reserved.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/alert"
	"github.com/olegvg/cryptoms/internal/ledger"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/olegvg/cryptoms/internal/signer"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRequest is returned for a malformed withdrawal request.
	// No row is recorded.
	ErrInvalidRequest = errors.New("invalid withdrawal request")

	// ErrInsufficientFunds is the failure reason when the sources cannot
	// cover the amount and fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSelfPayment is the failure reason when the destination is one of
	// our own addresses.
	ErrSelfPayment = errors.New("destination is a managed address")

	// ErrInconsistent is returned when the node's view of a broadcast
	// transaction cannot be reconciled with the ledger.
	ErrInconsistent = errors.New("inconsistent transaction state")

	// ErrUnrecordedBroadcast is returned when a transaction was accepted by
	// the node but the ledger could not record it. Funds may have moved.
	ErrUnrecordedBroadcast = errors.New("broadcast transaction not recorded")
)

// Request asks for amount to be sent to destination.
type Request struct {
	ID          uuid.UUID
	Destination string
	Amount      decimal.Decimal
}

// Config tunes an Orchestrator.
type Config struct {
	// MasterKey is the funding wallet.
	MasterKey string
	// Instance restricts Bitcoin sources to addresses imported on it.
	Instance string
	// Confirmations is the completion depth. Zero uses the currency
	// default.
	Confirmations int64
	// FeeTarget is the Bitcoin fee estimation target in blocks. Zero
	// uses 5.
	FeeTarget int64
	// MaxInputs caps the Bitcoin source addresses of one transaction.
	// One more candidate is reserved as the change address. Zero uses 10.
	MaxInputs int
	// SpendConfirmations is the minimum depth of spent outputs. Zero uses
	// Confirmations.
	SpendConfirmations int64
	// Alerts receives escalations. Nil logs them.
	Alerts alert.Reporter
}

func (c *Config) setDefaults(cur types.Currency) {
	if c.Confirmations == 0 {
		c.Confirmations = cur.DefaultConfirmations()
	}
	if c.FeeTarget == 0 {
		c.FeeTarget = 5
	}
	if c.MaxInputs == 0 {
		c.MaxInputs = 10
	}
	if c.SpendConfirmations == 0 {
		c.SpendConfirmations = c.Confirmations
	}
	if c.Alerts == nil {
		c.Alerts = alert.NewLog()
	}
}

// chain is the currency-specific half of an Orchestrator.
type chain interface {
	validateDestination(addr string) (string, error)
	execute(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error)
	check(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error)
	available(ctx context.Context, addrs []string) (decimal.Decimal, error)
}

// Orchestrator runs the withdrawals of one currency.
type Orchestrator struct {
	currency types.Currency
	cfg      Config
	ledger   *ledger.Ledger
	signer   signer.Signer
	chain    chain

	// mu serializes source selection through broadcast so two
	// withdrawals never pick the same funds.
	mu     sync.Mutex
	logger zerolog.Logger
}

func newOrchestrator(c types.Currency, l *ledger.Ledger, s signer.Signer, cfg Config) (*Orchestrator, error) {
	if s == nil {
		return nil, fmt.Errorf("%s withdrawals require a signer", c)
	}
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("%s withdrawals require a master key", c)
	}
	cfg.setDefaults(c)
	return &Orchestrator{
		currency: c,
		cfg:      cfg,
		ledger:   l,
		signer:   s,
		logger:   klog.WithCurrency(klog.Withdraw, c.String()),
	}, nil
}

// Currency returns the orchestrated currency.
func (o *Orchestrator) Currency() types.Currency { return o.currency }

// Withdraw executes req once. A request whose id was seen before returns
// the recorded withdrawal unchanged, whatever its status. Business
// failures such as insufficient funds or a node error before broadcast
// return a FAILED withdrawal and a nil error.
func (o *Orchestrator) Withdraw(ctx context.Context, req Request) (*ledger.Withdrawal, error) {
	start := time.Now()
	if req.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: tx_id is required", ErrInvalidRequest)
	}
	if w, err := o.ledger.Withdrawal(req.ID); err == nil {
		o.logger.Debug().Str("id", req.ID.String()).Str("status", string(w.Status)).Msg("Repeated withdrawal request")
		return w, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	if err := types.ValidateAmount(o.currency, req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	dest, err := o.chain.validateDestination(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	own, err := o.ledger.HasAddress(o.currency, dest)
	if err != nil {
		return nil, err
	}
	if own {
		o.logger.Warn().Str("id", req.ID.String()).Str("destination", dest).Msg("Refused withdrawal to a managed address")
		metrics.Withdrawals.WithLabelValues(o.currency.String(), string(types.WithdrawalFailed)).Inc()
		return &ledger.Withdrawal{
			ID:          req.ID,
			Currency:    o.currency,
			Destination: dest,
			Amount:      req.Amount,
			Status:      types.WithdrawalFailed,
			Reason:      ErrSelfPayment.Error(),
		}, nil
	}

	w := &ledger.Withdrawal{
		ID:          req.ID,
		Currency:    o.currency,
		Destination: dest,
		Amount:      req.Amount,
		Status:      types.WithdrawalFailed,
	}
	if err := o.ledger.InsertWithdrawal(w); err != nil {
		if errors.Is(err, ledger.ErrDuplicateWithdrawal) {
			// A concurrent request with the same id won.
			return o.ledger.Withdrawal(req.ID)
		}
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	o.mu.Lock()
	out, err := o.chain.execute(ctx, w)
	o.mu.Unlock()
	if out != nil {
		metrics.Withdrawals.WithLabelValues(o.currency.String(), string(out.Status)).Inc()
		if out.Status == types.WithdrawalPending {
			metrics.BroadcastLatency.WithLabelValues(o.currency.String()).Observe(time.Since(start).Seconds())
			o.logger.Info().
				Str("id", out.ID.String()).
				Strs("txids", out.TxIDs).
				Str("amount", out.Amount.String()).
				Str("destination", out.Destination).
				Msg("Withdrawal broadcast")
		}
	}
	return out, err
}

// fail records cause as the reason of a FAILED withdrawal.
func (o *Orchestrator) fail(w *ledger.Withdrawal, cause error) (*ledger.Withdrawal, error) {
	o.logger.Warn().Err(cause).Str("id", w.ID.String()).Msg("Withdrawal failed")
	updated, err := o.ledger.UpdateWithdrawal(o.currency, w.ID, func(w *ledger.Withdrawal) error {
		w.Reason = cause.Error()
		return nil
	})
	if err != nil {
		return w, fmt.Errorf("record failure of %s: %w", w.ID, err)
	}
	return updated, nil
}

// escalate reports err to operators and returns it.
func (o *Orchestrator) escalate(ctx context.Context, kind string, w *ledger.Withdrawal, err error) error {
	o.cfg.Alerts.Report(ctx, kind, err, alert.Fields{
		"currency":   o.currency.String(),
		"withdrawal": w.ID.String(),
	})
	return err
}

// ValidateSources reports whether the spendable funds the node holds on
// addrs cover required. The boundary is inclusive.
func (o *Orchestrator) ValidateSources(ctx context.Context, addrs []string, required decimal.Decimal) (bool, decimal.Decimal, error) {
	total, err := o.chain.available(ctx, addrs)
	if err != nil {
		return false, decimal.Zero, err
	}
	return total.GreaterThanOrEqual(required), total, nil
}

// CheckStatus advances a PENDING withdrawal from the node's view of its
// transactions. Node errors are returned and never fail the withdrawal.
func (o *Orchestrator) CheckStatus(ctx context.Context, w *ledger.Withdrawal) (*ledger.Withdrawal, error) {
	if w.Status != types.WithdrawalPending {
		return w, nil
	}
	out, err := o.chain.check(ctx, w)
	if errors.Is(err, ErrInconsistent) {
		o.escalate(ctx, alert.KindInconsistent, w, err)
	}
	if err != nil {
		return w, fmt.Errorf("check withdrawal %s: %w", w.ID, err)
	}
	if out.Status != w.Status {
		metrics.WithdrawalTransitions.WithLabelValues(o.currency.String(), string(out.Status)).Inc()
		o.logger.Info().
			Str("id", out.ID.String()).
			Str("status", string(out.Status)).
			Msg("Withdrawal settled")
	}
	return out, nil
}

// PassResult counts what one Pass did.
type PassResult struct {
	Checked   int
	Completed int
	Cancelled int
}

// Pass checks every PENDING withdrawal. Failures are joined.
func (o *Orchestrator) Pass(ctx context.Context) (PassResult, error) {
	var (
		res  PassResult
		errs []error
	)
	pending, err := o.ledger.Withdrawals(o.currency, ledger.WithdrawalFilter{Status: types.WithdrawalPending})
	if err != nil {
		return res, fmt.Errorf("list pending withdrawals: %w", err)
	}
	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		out, err := o.CheckStatus(ctx, w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch out.Status {
		case types.WithdrawalCompleted:
			res.Completed++
		case types.WithdrawalCancelled:
			res.Cancelled++
		}
	}
	return res, errors.Join(errs...)
}
