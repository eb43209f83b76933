// Command syncd is the background sync daemon: it owns the connectivity
// monitor and the sweep triggers, and drains the local snap queue to the
// remote service whenever the network allows.
package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/marketsnap/snapsync/internal/config"
	"github.com/marketsnap/snapsync/internal/connectivity"
	"github.com/marketsnap/snapsync/internal/model"
	"github.com/marketsnap/snapsync/internal/store"
	"github.com/marketsnap/snapsync/internal/syncer"
	"github.com/marketsnap/snapsync/internal/trigger"
	"github.com/marketsnap/snapsync/internal/uploader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := store.Open(cfg.DataDir, nil)
	if err != nil {
		log.Fatalf("open queue store: %v", err)
	}
	defer st.Close()

	blobs, err := uploader.NewMinioBlobs(cfg)
	if err != nil {
		log.Fatalf("init blob storage: %v", err)
	}
	docs, err := uploader.ConnectDocs(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect snap documents: %v", err)
	}
	defer docs.Close()

	// Remote bootstrap is best-effort: the daemon may well start offline,
	// and the first successful sweep needs these anyway.
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Printf("bucket check deferred (offline?): %v", err)
	}
	if err := docs.EnsureSchema(ctx); err != nil {
		log.Printf("schema check deferred (offline?): %v", err)
	}

	worker := uploader.New(blobs, docs, cfg.UploadTimeout, nil)
	coord := syncer.New(st, worker, syncer.Config{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		MaxAttempts: cfg.MaxAttempts,
	})
	if cfg.OwnerID == "" || cfg.AuthToken == "" {
		log.Printf("no upload credentials configured; sync pauses on first attempt")
	}
	coord.SetCredentials(model.Credentials{
		UserID:    cfg.OwnerID,
		Token:     cfg.AuthToken,
		ExpiresAt: time.Now().Add(cfg.TokenTTL),
	})

	monitor := connectivity.NewMonitor(
		connectivity.TCPProbe(cfg.S3Endpoint, 3*time.Second),
		connectivity.Config{Interval: cfg.ProbeInterval, Stability: cfg.StabilityWindow},
	)
	sweep := trigger.SweepFunc(func(ctx context.Context) { coord.Sweep(ctx) })

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(monitor.Run)
	run(trigger.NewTicker(cfg.SweepInterval, sweep, nil).Run)
	run(trigger.NewOnOnline(monitor, sweep, nil).Run)

	if cfg.RedisAddr != "" {
		srv := asynq.NewServer(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, asynq.Config{Concurrency: 1})
		go func() {
			<-ctx.Done()
			srv.Shutdown()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(trigger.Handler(sweep)); err != nil {
				log.Printf("sweep nudge listener stopped: %v", err)
			}
		}()
	}

	log.Printf("syncd running, data dir %s", cfg.DataDir)
	<-ctx.Done()
	wg.Wait()
	log.Printf("syncd stopped")
}
