package syncer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketsnap/snapsync/internal/model"
	"github.com/marketsnap/snapsync/internal/store"
	"github.com/marketsnap/snapsync/internal/uploader"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

type fakeUploader struct {
	mu       sync.Mutex
	calls    []string
	failWith func(snap model.QueuedSnap) error
	started  chan string
	release  chan struct{}
}

func (f *fakeUploader) Upload(_ context.Context, snap model.QueuedSnap, _ model.Credentials) error {
	f.mu.Lock()
	f.calls = append(f.calls, snap.ID)
	fail := f.failWith
	f.mu.Unlock()
	if f.started != nil {
		f.started <- snap.ID
	}
	if f.release != nil {
		<-f.release
	}
	if fail != nil {
		return fail(snap)
	}
	return nil
}

func (f *fakeUploader) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueSnap(t *testing.T, s *store.Store, filter model.FilterType) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "capture.jpg")
	content := append(append([]byte{}, jpegHeader...), bytes.Repeat([]byte{0xCD}, 32)...)
	require.NoError(t, os.WriteFile(src, content, 0o600))
	id, err := s.Enqueue(context.Background(), src, model.MediaPhoto, "", filter, "vendor-1")
	require.NoError(t, err)
	return id
}

func noJitter() float64 { return 0 }

func validCreds() model.Credentials {
	return model.Credentials{UserID: "vendor-1", Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
}

func newCoordinator(s *store.Store, up Uploader, clock func() time.Time) *Coordinator {
	c := New(s, up, Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		MaxAttempts: 5,
		Clock:       clock,
		JitterFrac:  noJitter,
	})
	c.SetCredentials(validCreds())
	return c
}

func TestSweepUploadsInEnqueueOrder(t *testing.T) {
	s := newTestStore(t)
	up := &fakeUploader{}
	c := newCoordinator(s, up, time.Now)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueueSnap(t, s, model.FilterNone))
		time.Sleep(2 * time.Millisecond)
	}

	res := c.Sweep(ctx)
	require.True(t, res.Ran)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 3, res.Succeeded)
	require.Equal(t, ids, up.callIDs())

	// Successful snaps are deleted, not retained.
	snaps, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestSweepSingleFlight(t *testing.T) {
	s := newTestStore(t)
	up := &fakeUploader{started: make(chan string), release: make(chan struct{})}
	c := newCoordinator(s, up, time.Now)
	ctx := context.Background()

	enqueueSnap(t, s, model.FilterNone)

	done := make(chan SweepResult, 1)
	go func() { done <- c.Sweep(ctx) }()
	<-up.started

	// While the first sweep is mid-upload, further triggers coalesce away.
	second := c.Sweep(ctx)
	require.False(t, second.Ran)

	close(up.release)
	first := <-done
	require.True(t, first.Ran)
	require.Equal(t, 1, first.Succeeded)
	require.Len(t, up.callIDs(), 1)
}

func TestSweepRespectsBackoff(t *testing.T) {
	s := newTestStore(t)
	up := &fakeUploader{failWith: func(model.QueuedSnap) error {
		return errors.New("connection reset")
	}}
	now := time.Now()
	clock := func() time.Time { return now }
	c := newCoordinator(s, up, clock)
	ctx := context.Background()

	id := enqueueSnap(t, s, model.FilterNone)

	res := c.Sweep(ctx)
	require.Equal(t, 1, res.Failed)

	// Immediately after the failure the snap is inside its backoff window.
	now = time.Now()
	res = c.Sweep(ctx)
	require.True(t, res.Ran)
	require.Zero(t, res.Attempted)

	// Past the window it becomes eligible again.
	now = time.Now().Add(time.Minute)
	res = c.Sweep(ctx)
	require.Equal(t, 1, res.Attempted)

	snap, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, snap.RetryCount)
}

func TestSweepStopsAtAttemptBudget(t *testing.T) {
	s := newTestStore(t)
	up := &fakeUploader{failWith: func(model.QueuedSnap) error {
		return errors.New("payload rejected")
	}}
	now := time.Now()
	c := New(s, up, Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
		MaxAttempts: 2,
		Clock:       func() time.Time { return now },
		JitterFrac:  noJitter,
	})
	c.SetCredentials(validCreds())
	ctx := context.Background()

	enqueueSnap(t, s, model.FilterNone)

	for i := 0; i < 2; i++ {
		res := c.Sweep(ctx)
		require.Equal(t, 1, res.Attempted)
		now = now.Add(time.Hour)
	}

	// Budget exhausted: the snap waits for manual action instead of burning
	// more attempts.
	res := c.Sweep(ctx)
	require.Zero(t, res.Attempted)

	counts, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, model.QueueStatus{Exhausted: 1}, counts)
}

func TestSweepAuthFailurePausesEverything(t *testing.T) {
	s := newTestStore(t)
	up := &fakeUploader{failWith: func(model.QueuedSnap) error {
		return &uploader.Error{Kind: uploader.KindAuth, Op: "check credentials", Err: errors.New("token expired")}
	}}
	c := newCoordinator(s, up, time.Now)
	ctx := context.Background()

	a := enqueueSnap(t, s, model.FilterNone)
	time.Sleep(2 * time.Millisecond)
	b := enqueueSnap(t, s, model.FilterNone)

	res := c.Sweep(ctx)
	require.True(t, res.AuthPaused)
	// Only the first snap was attempted; B saw no network call at all.
	require.Equal(t, []string{a}, up.callIDs())

	for _, id := range []string{a, b} {
		snap, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 0, snap.RetryCount, "auth failures must not charge the retry budget")
		require.NotEqual(t, model.StatusUploading, snap.Status)
	}

	// Subsequent sweeps are no-ops until credentials are refreshed.
	res = c.Sweep(ctx)
	require.True(t, res.Ran)
	require.True(t, res.AuthPaused)
	require.Len(t, up.callIDs(), 1)

	up.mu.Lock()
	up.failWith = nil
	up.mu.Unlock()
	c.SetCredentials(validCreds())
	res = c.Sweep(ctx)
	require.False(t, res.AuthPaused)
	require.Equal(t, 2, res.Succeeded)
}

func TestSweepIsolatesPerSnapFailures(t *testing.T) {
	s := newTestStore(t)
	var poison string
	up := &fakeUploader{}
	up.failWith = func(snap model.QueuedSnap) error {
		if snap.ID == poison {
			return errors.New("bad payload")
		}
		return nil
	}
	c := newCoordinator(s, up, time.Now)
	ctx := context.Background()

	enqueueSnap(t, s, model.FilterNone)
	time.Sleep(2 * time.Millisecond)
	poison = enqueueSnap(t, s, model.FilterNone)
	time.Sleep(2 * time.Millisecond)
	enqueueSnap(t, s, model.FilterNone)

	res := c.Sweep(ctx)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)

	remaining, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, poison, remaining[0].ID)
}

func TestSweepPublishesQueueStatus(t *testing.T) {
	s := newTestStore(t)
	up := &fakeUploader{}
	c := newCoordinator(s, up, time.Now)
	ctx := context.Background()

	ch := c.SubscribeStatus()
	enqueueSnap(t, s, model.FilterNone)
	c.Sweep(ctx)

	select {
	case status := <-ch:
		require.Equal(t, model.QueueStatus{}, status)
	default:
		t.Fatal("expected a status update after the sweep")
	}
}

func TestFilterSurvivesQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	var got model.FilterType
	up := &fakeUploader{failWith: func(snap model.QueuedSnap) error {
		got = snap.Filter
		return nil
	}}
	c := newCoordinator(s, up, time.Now)

	enqueueSnap(t, s, model.FilterWarm)
	res := c.Sweep(context.Background())
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, model.FilterWarm, got)
}

func TestBackoffMonotonicUpToCap(t *testing.T) {
	base, cap := 2*time.Second, 5*time.Minute
	prev := time.Duration(0)
	for retries := 0; retries <= 40; retries++ {
		d := Backoff(base, cap, retries)
		require.GreaterOrEqual(t, d, prev, "retries=%d", retries)
		require.LessOrEqual(t, d, cap, "retries=%d", retries)
		prev = d
	}
	require.Equal(t, cap, Backoff(base, cap, 40))
	require.Equal(t, base, Backoff(base, cap, 0))
}
