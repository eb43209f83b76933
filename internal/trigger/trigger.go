// Package trigger contains the thin adapters that invoke the coordinator's
// sweep: a periodic ticker, connectivity edges, and an optional asynq nudge
// from sibling processes. All of them are best-effort and at-least-once; the
// coordinator's single-flight guard makes redundant invocations harmless.
package trigger

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/marketsnap/snapsync/internal/connectivity"
)

// SweepFunc runs one sweep. Implementations swallow their own errors;
// triggers only know "sweep ran".
type SweepFunc func(ctx context.Context)

// Ticker invokes the sweep on a fixed interval, plus once at startup so a
// queue populated while the daemon was down drains immediately.
type Ticker struct {
	interval time.Duration
	sweep    SweepFunc
	logger   *log.Logger
}

// NewTicker constructs a periodic trigger.
func NewTicker(interval time.Duration, sweep SweepFunc, logger *log.Logger) *Ticker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[trigger] ", log.LstdFlags)
	}
	return &Ticker{interval: interval, sweep: sweep, logger: logger}
}

// Run blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	t.sweep(ctx)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// OnOnline invokes the sweep whenever the monitor reports a transition to
// online — the moment queued snaps captured offline become uploadable.
type OnOnline struct {
	monitor *connectivity.Monitor
	sweep   SweepFunc
	logger  *log.Logger
}

// NewOnOnline constructs a connectivity-edge trigger.
func NewOnOnline(monitor *connectivity.Monitor, sweep SweepFunc, logger *log.Logger) *OnOnline {
	if logger == nil {
		logger = log.New(os.Stderr, "[trigger] ", log.LstdFlags)
	}
	return &OnOnline{monitor: monitor, sweep: sweep, logger: logger}
}

// Run blocks until ctx is cancelled.
func (o *OnOnline) Run(ctx context.Context) {
	ch := o.monitor.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-ch:
			if !ok {
				return
			}
			if state != connectivity.Online {
				continue
			}
			o.logger.Printf("connectivity restored, sweeping")
			o.sweep(ctx)
		}
	}
}
