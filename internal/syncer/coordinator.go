// Package syncer decides when and which queued snaps to attempt. It enforces
// single-flight sweeps, per-snap retry backoff and the process-wide auth
// pause, and reconciles every outcome back into the queue store.
package syncer

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketsnap/snapsync/internal/model"
	"github.com/marketsnap/snapsync/internal/uploader"
)

// Store is the slice of the queue store the coordinator needs.
type Store interface {
	ListPending(ctx context.Context) ([]model.QueuedSnap, error)
	MarkUploading(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Release(ctx context.Context, id string) error
	Counts(ctx context.Context, maxAttempts int) (model.QueueStatus, error)
}

// Uploader performs one upload attempt for one claimed snap.
type Uploader interface {
	Upload(ctx context.Context, snap model.QueuedSnap, creds model.Credentials) error
}

// Config tunes the retry policy. The numbers were tuned in the field, not
// derived; treat them as knobs.
type Config struct {
	// BackoffBase is the wait after the first failure; each further failure
	// doubles it up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxAttempts is how many failures a snap gets before it stops being
	// swept automatically and waits for a manual retry or discard.
	MaxAttempts int
	// Clock is injectable for deterministic tests. Defaults to time.Now.
	Clock func() time.Time
	// JitterFrac returns a value in [-0.1, 0.1] applied to each backoff so
	// a queue of snaps failing together does not retry in lockstep.
	// Injectable for tests; defaults to a rand-based implementation.
	JitterFrac func() float64
	Logger     *log.Logger
}

// SweepResult summarizes one sweep for logging and tests. Triggers only ever
// learn that the sweep ran; errors stay inside.
type SweepResult struct {
	// Ran is false when another sweep was already in flight and this
	// trigger was coalesced away.
	Ran        bool
	Attempted  int
	Succeeded  int
	Failed     int
	AuthPaused bool
}

// Coordinator orchestrates sweeps. Safe for concurrent use; concurrent
// Sweep calls coalesce to one.
type Coordinator struct {
	store    Store
	uploader Uploader
	cfg      Config
	logger   *log.Logger

	inFlight   atomic.Bool
	authPaused atomic.Bool

	credMu sync.Mutex
	creds  model.Credentials

	subMu sync.Mutex
	subs  []chan model.QueueStatus
}

// New constructs a Coordinator.
func New(store Store, up Uploader, cfg Config) *Coordinator {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.JitterFrac == nil {
		cfg.JitterFrac = func() float64 { return (rand.Float64() - 0.5) / 5 }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Coordinator{store: store, uploader: up, cfg: cfg, logger: cfg.Logger}
}

// SetCredentials installs fresh upload credentials and lifts the auth pause.
func (c *Coordinator) SetCredentials(creds model.Credentials) {
	c.credMu.Lock()
	c.creds = creds
	c.credMu.Unlock()
	if c.authPaused.CompareAndSwap(true, false) {
		c.logger.Printf("credentials refreshed, sync resumed")
	}
}

// AuthPaused reports whether sync is waiting on re-authentication.
func (c *Coordinator) AuthPaused() bool {
	return c.authPaused.Load()
}

// Sweep attempts every eligible queued snap, strictly sequentially and in
// enqueue order. It is the single entry point for every trigger and is safe
// to invoke redundantly: a sweep already in flight makes this call a no-op.
//
// One snap's failure never aborts the rest of the sweep, with one exception:
// an auth failure stops the pass immediately, since every further attempt
// would burn retries against the same dead credentials.
func (c *Coordinator) Sweep(ctx context.Context) (res SweepResult) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return SweepResult{Ran: false}
	}
	defer c.inFlight.Store(false)
	defer func() {
		// Triggers must never observe a panic from a sweep.
		if r := recover(); r != nil {
			c.logger.Printf("sweep panic recovered: %v", r)
			res.Ran = true
		}
	}()

	res.Ran = true
	if c.authPaused.Load() {
		res.AuthPaused = true
		return res
	}

	snaps, err := c.store.ListPending(ctx)
	if err != nil {
		c.logger.Printf("sweep could not list queue: %v", err)
		return res
	}
	creds := c.credentials()
	now := c.cfg.Clock()

	for _, snap := range snaps {
		if snap.RetryCount >= c.cfg.MaxAttempts {
			continue
		}
		if !c.eligible(snap, now) {
			continue
		}
		if err := c.store.MarkUploading(ctx, snap.ID); err != nil {
			c.logger.Printf("snap %s: claim failed: %v", snap.ID, err)
			continue
		}
		res.Attempted++

		err := c.uploader.Upload(ctx, snap, creds)
		switch {
		case err == nil:
			if err := c.store.MarkDone(ctx, snap.ID); err != nil {
				c.logger.Printf("snap %s: uploaded but not cleared: %v", snap.ID, err)
			} else {
				res.Succeeded++
			}
		case uploader.IsAuth(err):
			// Put the snap back untouched and stop the pass. The user's
			// retry budget is not spent on an app-level auth problem.
			if relErr := c.store.Release(ctx, snap.ID); relErr != nil {
				c.logger.Printf("snap %s: release failed: %v", snap.ID, relErr)
			}
			c.authPaused.Store(true)
			res.AuthPaused = true
			c.logger.Printf("sync paused pending re-authentication: %v", err)
			c.publishStatus(ctx)
			return res
		default:
			res.Failed++
			c.logger.Printf("snap %s: attempt %d failed: %v", snap.ID, snap.RetryCount+1, err)
			if mfErr := c.store.MarkFailed(ctx, snap.ID, err.Error()); mfErr != nil {
				c.logger.Printf("snap %s: record failure: %v", snap.ID, mfErr)
			}
		}
	}

	if res.Attempted > 0 {
		c.logger.Printf("sweep done: attempted=%d succeeded=%d failed=%d", res.Attempted, res.Succeeded, res.Failed)
	}
	c.publishStatus(ctx)
	return res
}

// Status reports queue totals for UI badges.
func (c *Coordinator) Status(ctx context.Context) (model.QueueStatus, error) {
	return c.store.Counts(ctx, c.cfg.MaxAttempts)
}

// SubscribeStatus returns a feed of queue totals, emitted after each sweep.
// Sends never block; slow consumers miss intermediate updates.
func (c *Coordinator) SubscribeStatus() <-chan model.QueueStatus {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ch := make(chan model.QueueStatus, 1)
	c.subs = append(c.subs, ch)
	return ch
}

func (c *Coordinator) publishStatus(ctx context.Context) {
	c.subMu.Lock()
	subs := c.subs
	c.subMu.Unlock()
	if len(subs) == 0 {
		return
	}
	status, err := c.store.Counts(ctx, c.cfg.MaxAttempts)
	if err != nil {
		c.logger.Printf("status publish skipped: %v", err)
		return
	}
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (c *Coordinator) credentials() model.Credentials {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	return c.creds
}

// eligible reports whether the snap's backoff window has elapsed.
func (c *Coordinator) eligible(snap model.QueuedSnap, now time.Time) bool {
	if snap.LastAttemptAt.IsZero() {
		return true
	}
	wait := Backoff(c.cfg.BackoffBase, c.cfg.BackoffCap, snap.RetryCount)
	wait += time.Duration(float64(wait) * c.cfg.JitterFrac())
	return now.Sub(snap.LastAttemptAt) >= wait
}

// Backoff computes the deterministic wait before attempt retries+1:
// min(cap, base << retries). Jitter is applied separately by the caller.
func Backoff(base, cap time.Duration, retries int) time.Duration {
	if retries <= 0 {
		return base
	}
	// Guard the shift: past 30 doublings any realistic base exceeds the cap.
	if retries > 30 {
		return cap
	}
	d := base << uint(retries)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
