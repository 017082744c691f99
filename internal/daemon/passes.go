package daemon

import (
	"context"
	"net/url"
	"time"

	"github.com/olegvg/cryptoms/internal/alert"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/internal/metrics"
	"github.com/olegvg/cryptoms/internal/processor"
)

// runLoop runs p immediately and then every PassInterval until the daemon
// stops. Passes are independent; a slow one never delays another.
func (d *Daemon) runLoop(p processor.Pass) {
	ticker := time.NewTicker(d.cfg.PassInterval)
	defer ticker.Stop()

	d.runPass(d.ctx, p)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runPass(d.ctx, p)
		}
	}
}

// runPass runs p once. A failure is counted and escalated; the next tick
// retries.
func (d *Daemon) runPass(ctx context.Context, p processor.Pass) error {
	defer klog.Benchmark(p.Name + " pass")()
	start := time.Now()
	err := p.Run(ctx)
	metrics.PassLatency.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.PassErrors.WithLabelValues(p.Name).Inc()
	d.alerts.Report(ctx, alert.KindPass, err, alert.Fields{"pass": p.Name})
	return err
}

// RunPasses runs every background pass once, in order, and returns the
// first error. The periodic loops started by Start are unaffected.
func (d *Daemon) RunPasses(ctx context.Context) error {
	var first error
	for _, p := range d.passes {
		if err := d.runPass(ctx, p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// splitCredentials strips user info from a node URL.
func splitCredentials(raw string) (endpoint, user, password string) {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw, "", ""
	}
	user = u.User.Username()
	password, _ = u.User.Password()
	u.User = nil
	return u.String(), user, password
}
