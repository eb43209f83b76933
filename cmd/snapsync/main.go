// Command snapsync is the operator CLI for the local snap queue: enqueue
// captured media, inspect queue state, run a one-shot sweep, and resolve
// snaps that exhausted their retries.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/marketsnap/snapsync/internal/config"
	"github.com/marketsnap/snapsync/internal/model"
	"github.com/marketsnap/snapsync/internal/store"
	"github.com/marketsnap/snapsync/internal/syncer"
	"github.com/marketsnap/snapsync/internal/trigger"
	"github.com/marketsnap/snapsync/internal/uploader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "snapsync: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapsync",
		Short: "MarketSnap offline media queue",
		Long: `snapsync manages the local offline-first snap queue: media captured by the
vendor app is quarantined and queued here, then uploaded by syncd (or a
one-shot "snapsync sweep") once the network allows.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newEnqueueCmd(),
		newStatusCmd(),
		newSweepCmd(),
		newRetryCmd(),
		newDiscardCmd(),
		newSessionCmd(),
		newNudgeCmd(),
	)
	return cmd
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DataDir, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func newEnqueueCmd() *cobra.Command {
	var (
		caption   string
		filter    string
		mediaType string
		owner     string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Queue a captured photo or video for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if owner == "" {
				owner = cfg.OwnerID
			}
			id, err := st.Enqueue(cmd.Context(), args[0], model.MediaType(mediaType), caption, model.FilterType(filter), owner)
			if errors.Is(err, store.ErrCapacity) {
				return fmt.Errorf("device is out of space; free storage and retry")
			}
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&caption, "caption", "", "Optional caption")
	cmd.Flags().StringVar(&filter, "filter", "", "Capture-time filter (warm, cool, mono, faded)")
	cmd.Flags().StringVar(&mediaType, "type", "", "photo or video (sniffed from the file when omitted)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner id (defaults to SNAPSYNC_OWNER_ID)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue totals and per-snap state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			counts, err := st.Counts(ctx, cfg.MaxAttempts)
			if err != nil {
				return err
			}
			snaps, err := st.List(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(struct {
					Counts model.QueueStatus  `json:"counts"`
					Snaps  []model.QueuedSnap `json:"snaps"`
				}{counts, snaps})
			}
			fmt.Printf("pending=%d failed=%d exhausted=%d\n", counts.Pending, counts.Failed, counts.Exhausted)
			for _, snap := range snaps {
				line := fmt.Sprintf("%s  %-9s  %s  retries=%d", snap.ID, snap.Status, snap.MediaType, snap.RetryCount)
				if snap.LastError != "" {
					line += "  last error: " + snap.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable output")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sync sweep against the remote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			blobs, err := uploader.NewMinioBlobs(cfg)
			if err != nil {
				return err
			}
			if err := blobs.EnsureBucket(ctx); err != nil {
				return err
			}
			docs, err := uploader.ConnectDocs(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer docs.Close()
			if err := docs.EnsureSchema(ctx); err != nil {
				return err
			}

			worker := uploader.New(blobs, docs, cfg.UploadTimeout, nil)
			coord := syncer.New(st, worker, syncer.Config{
				BackoffBase: cfg.BackoffBase,
				BackoffCap:  cfg.BackoffCap,
				MaxAttempts: cfg.MaxAttempts,
			})
			coord.SetCredentials(model.Credentials{
				UserID:    cfg.OwnerID,
				Token:     cfg.AuthToken,
				ExpiresAt: time.Now().Add(cfg.TokenTTL),
			})
			res := coord.Sweep(ctx)
			fmt.Printf("attempted=%d succeeded=%d failed=%d\n", res.Attempted, res.Succeeded, res.Failed)
			if res.AuthPaused {
				return fmt.Errorf("sync paused: credentials rejected, re-authenticate and retry")
			}
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed snap with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Requeue(cmd.Context(), args[0])
		},
	}
}

func newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a queued snap and its quarantined media",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Discard(cmd.Context(), args[0])
		},
	}
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the cached sign-in snapshot",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the cached session, if any",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, st, err := openStore()
				if err != nil {
					return err
				}
				defer st.Close()
				session, err := st.LoadSession(cmd.Context(), cfg.SessionTTL)
				if err != nil {
					return err
				}
				if session == nil {
					fmt.Println("no cached session")
					return nil
				}
				return json.NewEncoder(os.Stdout).Encode(session)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Forget the cached session (sign out)",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, st, err := openStore()
				if err != nil {
					return err
				}
				defer st.Close()
				return st.ClearSession(cmd.Context())
			},
		},
	)
	return cmd
}

func newNudgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nudge",
		Short: "Ask a running syncd (via Redis) to sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return fmt.Errorf("SNAPSYNC_REDIS_ADDR is not set; the nudge trigger is disabled")
			}
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer client.Close()
			return trigger.EnqueueSweep(cmd.Context(), client)
		},
	}
}
