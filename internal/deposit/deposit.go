// Package deposit detects incoming transfers to issued addresses and
// drives them to a final status.
//
// Each pass first re-checks every PENDING deposit against the node, then
// scans for new transfers at one confirmation. Scans resume from a
// watermark kept per (instance, confirmations), so views at different
// depths progress independently. A deposit is credited to its address
// exactly once, by the PENDING -> COMPLETED transition.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/olegvg/cryptoms/internal/ledger"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrConfirmations is returned by Scan for a depth below one. Unconfirmed
// transfers are never reported.
var ErrConfirmations = errors.New("confirmations must be at least 1")

// Observation is one transfer to an issued address, aggregated over all of
// the transaction's outputs paying that address.
type Observation struct {
	Address       string
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
}

// txState is what the node currently says about a recorded deposit.
type txState struct {
	gone          bool
	confirmations int64
}

// source is the chain-specific half of a Monitor.
type source interface {
	// scan returns the observations and the watermark to store once they
	// are recorded; wm is nil when there is nothing to advance.
	scan(ctx context.Context, conf int64) (obs []Observation, wm *ledger.Watermark, err error)
	state(ctx context.Context, d *ledger.Deposit) (txState, error)
}

// Config tunes a Monitor.
type Config struct {
	// Instance names the node the watermark belongs to.
	Instance string
	// Confirmations is the depth at which a deposit completes. Zero uses
	// the currency default.
	Confirmations int64
	// MaxBlocks caps the blocks one Ethereum scan walks. Zero uses 500.
	MaxBlocks uint64
}

// Monitor watches one currency.
type Monitor struct {
	currency types.Currency
	cfg      Config
	ledger   *ledger.Ledger
	src      source
	logger   zerolog.Logger
}

func newMonitor(c types.Currency, l *ledger.Ledger, cfg Config) (*Monitor, error) {
	if cfg.Instance == "" {
		return nil, fmt.Errorf("deposit monitor requires an instance name")
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = c.DefaultConfirmations()
	}
	if cfg.Confirmations < 1 {
		return nil, ErrConfirmations
	}
	return &Monitor{
		currency: c,
		cfg:      cfg,
		ledger:   l,
		logger:   klog.WithCurrency(klog.Deposit, c.String()),
	}, nil
}

// Currency returns the monitored currency.
func (m *Monitor) Currency() types.Currency { return m.currency }

// Threshold returns the completion depth.
func (m *Monitor) Threshold() int64 { return m.cfg.Confirmations }

// Scan reports transfers with at least conf confirmations seen since the
// (instance, conf) watermark and advances the watermark.
func (m *Monitor) Scan(ctx context.Context, conf int64) ([]Observation, error) {
	obs, wm, err := m.scan(ctx, conf)
	if err != nil {
		return nil, err
	}
	if wm != nil {
		if err := m.advance(*wm); err != nil {
			return nil, err
		}
	}
	return obs, nil
}

func (m *Monitor) scan(ctx context.Context, conf int64) ([]Observation, *ledger.Watermark, error) {
	if conf < 1 {
		return nil, nil, ErrConfirmations
	}
	obs, wm, err := m.src.scan(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	obs = aggregate(obs)
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].TxID != obs[j].TxID {
			return obs[i].TxID < obs[j].TxID
		}
		return obs[i].Address < obs[j].Address
	})
	return obs, wm, nil
}

// ReconcileStatus re-queries a deposit's transaction. A transaction the
// node no longer knows is cancelled; one at or above the threshold is
// completed and credited. The resulting status is returned.
func (m *Monitor) ReconcileStatus(ctx context.Context, d *ledger.Deposit) (types.DepositStatus, error) {
	if d.Status != types.DepositPending {
		return d.Status, nil
	}
	st, err := m.src.state(ctx, d)
	if err != nil {
		return d.Status, fmt.Errorf("deposit %s (%s): %w", d.ID, d.TxID, err)
	}
	switch {
	case st.gone:
		return m.cancel(d)
	case st.confirmations >= m.cfg.Confirmations:
		return m.complete(d)
	default:
		return types.DepositPending, nil
	}
}

func (m *Monitor) complete(d *ledger.Deposit) (types.DepositStatus, error) {
	moved, err := m.ledger.CompleteDeposit(m.currency, d.ID)
	if err != nil {
		return d.Status, err
	}
	if moved {
		metrics.DepositTransitions.WithLabelValues(m.currency.String(), string(types.DepositCompleted)).Inc()
		m.logger.Info().
			Str("txid", d.TxID).
			Str("address", d.Address).
			Str("amount", d.Amount.String()).
			Msg("Deposit completed")
	}
	return types.DepositCompleted, nil
}

func (m *Monitor) cancel(d *ledger.Deposit) (types.DepositStatus, error) {
	moved, err := m.ledger.CancelDeposit(m.currency, d.ID)
	if err != nil {
		return d.Status, err
	}
	if moved {
		metrics.DepositTransitions.WithLabelValues(m.currency.String(), string(types.DepositCancelled)).Inc()
		m.logger.Warn().
			Str("txid", d.TxID).
			Str("address", d.Address).
			Msg("Deposit vanished from chain, cancelled")
	}
	return types.DepositCancelled, nil
}

// PassResult counts what one Pass did.
type PassResult struct {
	Observed  int
	Completed int
	Cancelled int
}

// Pass reconciles every PENDING deposit, then records new deposits seen at
// one confirmation. Deposits already past the threshold complete at once.
// The watermark moves only after every new deposit is recorded. A failure
// on one deposit does not stop the others; all failures are joined into
// the returned error.
func (m *Monitor) Pass(ctx context.Context) (PassResult, error) {
	var (
		res      PassResult
		errs     []error
		unstored bool
	)
	pending, err := m.ledger.Deposits(m.currency, ledger.DepositFilter{Status: types.DepositPending})
	if err != nil {
		return res, fmt.Errorf("list pending deposits: %w", err)
	}
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		st, err := m.ReconcileStatus(ctx, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.count(st)
	}

	obs, wm, err := m.scan(ctx, 1)
	if err != nil {
		errs = append(errs, fmt.Errorf("scan: %w", err))
		return res, errors.Join(errs...)
	}
	for _, o := range obs {
		d := &ledger.Deposit{
			Currency: m.currency,
			Address:  o.Address,
			TxID:     o.TxID,
			Amount:   o.Amount,
			Status:   types.DepositPending,
		}
		inserted, err := m.ledger.InsertDeposit(d)
		if err != nil {
			unstored = true
			errs = append(errs, fmt.Errorf("record deposit %s: %w", o.TxID, err))
			continue
		}
		if !inserted {
			continue
		}
		res.Observed++
		metrics.DepositsObserved.WithLabelValues(m.currency.String()).Inc()
		m.logger.Info().
			Str("txid", o.TxID).
			Str("address", o.Address).
			Str("amount", o.Amount.String()).
			Int64("confirmations", o.Confirmations).
			Msg("Deposit observed")
		if o.Confirmations >= m.cfg.Confirmations {
			st, err := m.complete(d)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.count(st)
		}
	}
	if wm != nil && !unstored {
		if err := m.advance(*wm); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (r *PassResult) count(st types.DepositStatus) {
	switch st {
	case types.DepositCompleted:
		r.Completed++
	case types.DepositCancelled:
		r.Cancelled++
	}
}

// advance persists the watermark and publishes its height.
func (m *Monitor) advance(wm ledger.Watermark) error {
	advanced, err := m.ledger.AdvanceWatermark(m.currency, wm)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	if advanced {
		metrics.ScanHeight.WithLabelValues(m.currency.String(), strconv.FormatInt(wm.Confirmations, 10)).Set(float64(wm.Height))
		m.logger.Debug().
			Int64("height", wm.Height).
			Str("block", wm.BlockHash).
			Int64("confirmations", wm.Confirmations).
			Msg("Scan watermark advanced")
	}
	return nil
}

// aggregate sums amounts per (address, txid), keeping the lowest
// confirmation count seen.
func aggregate(in []Observation) []Observation {
	type k struct{ addr, txid string }
	idx := make(map[k]int)
	var out []Observation
	for _, o := range in {
		key := k{o.Address, o.TxID}
		if i, ok := idx[key]; ok {
			out[i].Amount = out[i].Amount.Add(o.Amount)
			if o.Confirmations < out[i].Confirmations {
				out[i].Confirmations = o.Confirmations
			}
			continue
		}
		idx[key] = len(out)
		out = append(out, o)
	}
	return out
}
