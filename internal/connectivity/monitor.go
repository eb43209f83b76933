// Package connectivity derives a debounced online/offline signal from a
// pluggable reachability probe.
package connectivity

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// State is the published reachability signal.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Probe answers whether the network currently looks reachable. It must be
// cheap; the monitor calls it on every poll.
type Probe func(ctx context.Context) bool

// TCPProbe dials addr and treats a successful connection as online.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Config tunes the monitor's polling and debouncing.
type Config struct {
	// Interval is how often the probe runs.
	Interval time.Duration
	// Stability is how long a raw flip must hold before the published
	// state changes. Keeps flapping links from thrashing consumers.
	Stability time.Duration
	Logger    *log.Logger
}

// Monitor polls the probe and publishes debounced transitions. Consumers
// must tolerate missed transitions: correctness only depends on Current()
// eventually answering the true state, not on observing every edge.
type Monitor struct {
	probe  Probe
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	state    State
	raw      State
	rawSince time.Time
	subs     []chan State
}

// NewMonitor creates a monitor. The initial published state is offline
// until the first stable probe result says otherwise.
func NewMonitor(probe Probe, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Stability <= 0 {
		cfg.Stability = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		probe:  probe,
		cfg:    cfg,
		logger: cfg.Logger,
		state:  Offline,
		raw:    Offline,
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.sample(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sample(ctx, now)
		}
	}
}

// Current returns the last published state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel of state transitions. Sends never block: a
// slow consumer simply misses intermediate edges, which the contract allows.
func (m *Monitor) Subscribe() <-chan State {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan State, 1)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Monitor) sample(ctx context.Context, now time.Time) {
	observed := Offline
	if m.probe(ctx) {
		observed = Online
	}

	m.mu.Lock()
	if observed != m.raw {
		m.raw = observed
		m.rawSince = now
	}
	var flip State
	if m.raw != m.state && now.Sub(m.rawSince) >= m.cfg.Stability {
		m.state = m.raw
		flip = m.state
	}
	subs := m.subs
	m.mu.Unlock()

	if flip == "" {
		return
	}
	m.logger.Printf("connectivity is now %s", flip)
	for _, ch := range subs {
		select {
		case ch <- flip:
		default:
		}
	}
}
