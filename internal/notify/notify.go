// Package notify delivers deposit and withdrawal callbacks.
//
// Every unacknowledged row is POSTed to the callback endpoint on each
// pass. A row is acknowledged only on HTTP 200 or 201 and only if its
// status did not change while the request was in flight, so delivery is
// at least once and the consumer dedupes by tx_id.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/olegvg/cryptoms/internal/ledger"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrRejected is returned when the endpoint answers with a status other
// than 200 or 201.
var ErrRejected = errors.New("callback rejected")

// Config tunes a Dispatcher.
type Config struct {
	// DepositURL and WithdrawalURL receive the callbacks. Either may be
	// empty to disable that kind.
	DepositURL    string
	WithdrawalURL string
	// Currencies lists the namespaces to dispatch. Empty means all.
	Currencies []types.Currency
	// Retries bounds attempts after the first one per request. Zero uses 10.
	Retries uint64
	// Timeout bounds one HTTP attempt. Zero uses 10s.
	Timeout time.Duration
	// InitialInterval and MaxInterval shape the exponential backoff
	// between attempts. Zero uses 200ms and 5s.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Client overrides the HTTP client.
	Client *http.Client
}

// DepositPayload is the body of a deposit callback.
type DepositPayload struct {
	TxID       string          `json:"tx_id"`
	WalletAddr string          `json:"wallet_addr"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   types.Currency  `json:"currency"`
	Status     string          `json:"status"`
}

// WithdrawalPayload is the body of a withdrawal callback.
type WithdrawalPayload struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}

// Dispatcher sends callbacks for unacknowledged rows.
type Dispatcher struct {
	cfg    Config
	ledger *ledger.Ledger
	client *http.Client
	logger zerolog.Logger
}

// New creates a dispatcher.
func New(l *ledger.Ledger, cfg Config) (*Dispatcher, error) {
	if cfg.DepositURL == "" && cfg.WithdrawalURL == "" {
		return nil, fmt.Errorf("notification dispatcher requires a callback url")
	}
	if cfg.Retries == 0 {
		cfg.Retries = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = types.Currencies
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{cfg: cfg, ledger: l, client: client, logger: klog.Notify}, nil
}

// PassResult counts what one Pass did.
type PassResult struct {
	Attempted    int
	Acknowledged int
	// Stale counts delivered callbacks whose row changed status in the
	// meantime. They are sent again on the next pass.
	Stale int
}

// Pass delivers every pending callback once. Delivery failures are joined
// into the returned error; the rows stay unacknowledged.
func (d *Dispatcher) Pass(ctx context.Context) (PassResult, error) {
	var (
		res  PassResult
		errs []error
	)
	for _, c := range d.cfg.Currencies {
		if d.cfg.DepositURL != "" {
			if err := d.deposits(ctx, c, &res); err != nil {
				errs = append(errs, err)
			}
		}
		if d.cfg.WithdrawalURL != "" {
			if err := d.withdrawals(ctx, c, &res); err != nil {
				errs = append(errs, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return res, errors.Join(errs...)
}

func (d *Dispatcher) deposits(ctx context.Context, c types.Currency, res *PassResult) error {
	rows, err := d.ledger.Deposits(c, ledger.DepositFilter{Unacked: true})
	if err != nil {
		return fmt.Errorf("list %s deposits: %w", c, err)
	}
	var errs []error
	for _, dep := range rows {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		err := d.post(ctx, "deposit", d.cfg.DepositURL, DepositPayload{
			TxID:       dep.ID.String(),
			WalletAddr: dep.Address,
			Amount:     dep.Amount,
			Currency:   c,
			Status:     string(dep.Status),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("deposit %s: %w", dep.ID, err))
			continue
		}
		acked, err := d.ledger.AcknowledgeDeposit(c, dep.ID, dep.Status)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.count(res, acked)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) withdrawals(ctx context.Context, c types.Currency, res *PassResult) error {
	rows, err := d.ledger.Withdrawals(c, ledger.WithdrawalFilter{Unacked: true})
	if err != nil {
		return fmt.Errorf("list %s withdrawals: %w", c, err)
	}
	var errs []error
	for _, w := range rows {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		err := d.post(ctx, "withdrawal", d.cfg.WithdrawalURL, WithdrawalPayload{
			TxID:   w.ID.String(),
			Status: string(w.Status),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("withdrawal %s: %w", w.ID, err))
			continue
		}
		acked, err := d.ledger.AcknowledgeWithdrawal(c, w.ID, w.Status)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.count(res, acked)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) count(res *PassResult, acked bool) {
	if acked {
		res.Acknowledged++
	} else {
		res.Stale++
	}
}

// post delivers one callback with bounded retries. Server errors and
// transport failures are retried; any other non-acknowledging status is
// final for this pass.
func (d *Dispatcher) post(ctx context.Context, kind, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialInterval
	eb.MaxInterval = d.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, d.cfg.Retries), ctx)

	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
		}
	}
	onRetry := func(err error, wait time.Duration) {
		d.logger.Debug().Err(err).Str("kind", kind).Dur("wait", wait).Msg("Retrying callback")
	}

	if err := backoff.RetryNotify(attempt, policy, onRetry); err != nil {
		metrics.NotificationsSent.WithLabelValues(kind, "failed").Inc()
		d.logger.Warn().Err(err).Str("kind", kind).Str("url", url).Msg("Callback not delivered")
		return err
	}
	metrics.NotificationsSent.WithLabelValues(kind, "delivered").Inc()
	return nil
}
