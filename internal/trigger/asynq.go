package trigger

import (
	"context"

	"github.com/hibiken/asynq"
)

const (
	// SweepTask nudges the daemon to run a sweep. Other processes on the
	// device (e.g. the capture app after a burst of enqueues) post it
	// instead of waiting for the next ticker interval.
	SweepTask = "sync:sweep"
)

// EnqueueSweep posts a sweep nudge. The task carries no payload; it only
// exists to wake the daemon, and the coordinator coalesces duplicates.
func EnqueueSweep(ctx context.Context, client *asynq.Client) error {
	task := asynq.NewTask(SweepTask, nil)
	_, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	return err
}

// Handler registers the sweep nudge handler. A nudge never fails: the sweep
// reports its own outcome through the queue store, not through asynq.
func Handler(sweep SweepFunc) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(SweepTask, func(ctx context.Context, _ *asynq.Task) error {
		sweep(ctx)
		return nil
	})
	return mux
}
