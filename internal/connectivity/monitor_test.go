package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// samples drive the monitor directly so debouncing is tested against a
// fabricated clock instead of real sleeps.
func TestMonitorDebouncesFlaps(t *testing.T) {
	ctx := context.Background()
	online := false
	probe := func(context.Context) bool { return online }
	m := NewMonitor(probe, Config{Interval: time.Second, Stability: 2 * time.Second})
	ch := m.Subscribe()

	base := time.Now()
	m.sample(ctx, base)
	require.Equal(t, Offline, m.Current())

	// Raw state flips online but has not been stable long enough.
	online = true
	m.sample(ctx, base.Add(1*time.Second))
	require.Equal(t, Offline, m.Current())
	m.sample(ctx, base.Add(2*time.Second))
	require.Equal(t, Offline, m.Current())

	// Held past the stability window: the flip publishes.
	m.sample(ctx, base.Add(3500*time.Millisecond))
	require.Equal(t, Online, m.Current())
	select {
	case got := <-ch:
		require.Equal(t, Online, got)
	default:
		t.Fatal("expected a published transition")
	}

	// A short offline blip never reaches subscribers.
	online = false
	m.sample(ctx, base.Add(4*time.Second))
	online = true
	m.sample(ctx, base.Add(5*time.Second))
	m.sample(ctx, base.Add(10*time.Second))
	require.Equal(t, Online, m.Current())
	select {
	case got := <-ch:
		t.Fatalf("unexpected transition %s", got)
	default:
	}
}

func TestMonitorPublishesOfflineAfterStableLoss(t *testing.T) {
	ctx := context.Background()
	online := true
	m := NewMonitor(func(context.Context) bool { return online }, Config{Interval: time.Second, Stability: 2 * time.Second})

	base := time.Now()
	m.sample(ctx, base)
	m.sample(ctx, base.Add(3*time.Second))
	require.Equal(t, Online, m.Current())

	online = false
	m.sample(ctx, base.Add(4*time.Second))
	m.sample(ctx, base.Add(7*time.Second))
	require.Equal(t, Offline, m.Current())
}

func TestSubscribeNeverBlocksPublisher(t *testing.T) {
	ctx := context.Background()
	online := true
	m := NewMonitor(func(context.Context) bool { return online }, Config{Interval: time.Second, Stability: time.Second})
	// Never drained on purpose.
	_ = m.Subscribe()

	base := time.Now()
	for i := 0; i < 10; i++ {
		m.sample(ctx, base.Add(time.Duration(i)*2*time.Second))
		online = !online
	}
}
