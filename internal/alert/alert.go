// Package alert escalates faults that need an operator: broadcasts that
// could not be recorded, inconsistent chain answers and integrity
// failures.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/rs/zerolog"
)

// Fields carries context for an alert, such as the withdrawal id.
type Fields map[string]string

// Reporter delivers alerts. Report never fails the caller's operation.
type Reporter interface {
	Report(ctx context.Context, kind string, err error, fields Fields)
}

// Kinds of alert.
const (
	KindUnrecordedBroadcast = "unrecorded_broadcast"
	KindInconsistent        = "inconsistent"
	KindPartialWithdrawal   = "partial_withdrawal"
	KindIntegrity           = "integrity"
	KindPass                = "pass"
)

// Log reports alerts to the process log at error level.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log reporter.
func NewLog() *Log {
	return &Log{logger: klog.WithComponent("alert")}
}

// Report implements Reporter.
func (l *Log) Report(_ context.Context, kind string, err error, fields Fields) {
	metrics.Alerts.WithLabelValues(kind).Inc()
	ev := l.logger.Error().Err(err).Str("kind", kind)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("Operator alert")
}

// Webhook posts alerts as JSON to an operator endpoint and logs them. A
// failed delivery is logged, never retried.
type Webhook struct {
	url    string
	client *http.Client
	log    *Log
}

// NewWebhook creates a webhook reporter.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, log: NewLog()}
}

type payload struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Fields  Fields    `json:"fields,omitempty"`
	Time    time.Time `json:"time"`
}

// Report implements Reporter.
func (w *Webhook) Report(ctx context.Context, kind string, err error, fields Fields) {
	w.log.Report(ctx, kind, err, fields)
	if sendErr := w.send(ctx, kind, err, fields); sendErr != nil {
		w.log.logger.Warn().Err(sendErr).Str("kind", kind).Msg("Alert webhook delivery failed")
	}
}

func (w *Webhook) send(ctx context.Context, kind string, err error, fields Fields) error {
	body, mErr := json.Marshal(payload{Kind: kind, Message: errString(err), Fields: fields, Time: time.Now().UTC()})
	if mErr != nil {
		return mErr
	}
	req, rErr := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if rErr != nil {
		return rErr
	}
	req.Header.Set("Content-Type", "application/json")
	resp, dErr := w.client.Do(req)
	if dErr != nil {
		return dErr
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Recorder keeps alerts in memory. Tests use it to assert escalations.
type Recorder struct {
	mu     sync.Mutex
	Alerts []Alert
}

// Alert is one recorded alert.
type Alert struct {
	Kind   string
	Err    error
	Fields Fields
}

// Report implements Reporter.
func (r *Recorder) Report(_ context.Context, kind string, err error, fields Fields) {
	metrics.Alerts.WithLabelValues(kind).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, Alert{Kind: kind, Err: err, Fields: fields})
}

// Has reports whether an alert of kind wrapping target was recorded.
func (r *Recorder) Has(kind string, target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.Alerts {
		if a.Kind == kind && (target == nil || errors.Is(a.Err, target)) {
			return true
		}
	}
	return false
}

// Len returns the number of recorded alerts.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Alerts)
}

var (
	_ Reporter = (*Log)(nil)
	_ Reporter = (*Webhook)(nil)
	_ Reporter = (*Recorder)(nil)
)
