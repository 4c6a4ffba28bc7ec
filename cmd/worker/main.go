// Package main is the entry point for the sequencer background worker.
// It releases expired reservations and keeps sequence definitions in sync with
// the configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"sequencer/internal/app"
	"sequencer/internal/config"
	appctx "sequencer/internal/core/context"
	"sequencer/internal/infrastructure/lock"
	"sequencer/pkg/logger"
)

const sweepLockName = "reservation-sweep"

func main() {
	_ = godotenv.Load()

	configPath := getEnv("SEQUENCER_CONFIG", "")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appctx.WithActor(ctx, &appctx.Actor{ID: appctx.SystemActor, Source: "worker"})

	log.Infow("starting sequencer worker", "backend", cfg.Storage.Backend, "sweep_interval", cfg.Worker.SweepInterval)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize engine", "error", err)
	}
	if err := a.Migrate(ctx); err != nil {
		log.Fatalw("failed to migrate schema", "error", err)
	}
	defs, err := cfg.Definitions()
	if err != nil {
		log.Fatalw("invalid sequence definitions", "error", err)
	}
	if err := a.Sync(ctx, defs); err != nil {
		log.Errorw("some sequence definitions were not applied", "error", err)
	}

	locker, closeLocker, err := a.Locker()
	if err != nil {
		log.Fatalw("failed to connect to redis", "error", err)
	}

	w := NewWorker(a, locker, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.RunSweeper(gctx)
		return nil
	})
	if configPath != "" && cfg.Worker.Reload {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			log.Fatalw("failed to watch config", "error", err)
		}
		watcher.OnChange = func(next *config.Config) { w.Reload(gctx, next) }
		watcher.OnError = func(err error) {
			log.Warnw("config reload failed; keeping current definitions", "error", err)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker stopped with error", "error", err)
	}

	log.Info("shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Close(shutdownCtx)
	if err := closeLocker(); err != nil {
		log.Warnw("failed to close locker", "error", err)
	}
	log.Info("worker stopped")
}

// Worker runs the periodic reservation sweep.
type Worker struct {
	app    *app.App
	locker lock.Locker
	log    *logger.Logger
}

func NewWorker(a *app.App, locker lock.Locker, log *logger.Logger) *Worker {
	return &Worker{
		app:    a,
		locker: locker,
		log:    log.WithComponent("worker"),
	}
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (w *Worker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(w.app.Config.Worker.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs one pass under the sweep lock. Another instance holding the lock
// means the pass is skipped.
func (w *Worker) sweep(ctx context.Context) {
	lease, err := w.locker.TryAcquire(ctx, sweepLockName, w.app.Config.Redis.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		w.log.Debug("sweep skipped: another instance holds the lock")
		return
	}
	if err != nil {
		w.log.Errorw("failed to acquire sweep lock", "error", err)
		return
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			w.log.Warnw("failed to release sweep lock", "error", err)
		}
	}()

	// The lease is extended between pages so a long backlog cannot outlive it.
	sweepCtx := appctx.EnsureTrace(ctx)
	released, err := w.app.Engine.SweepExpired(sweepCtx, func(ctx context.Context, _ int) error {
		if err := lease.Extend(ctx); err != nil {
			return fmt.Errorf("extend sweep lock: %w", err)
		}
		return nil
	})
	if err != nil {
		w.log.WithContext(sweepCtx).Errorw("reservation sweep failed", "error", err)
		return
	}
	if released > 0 {
		w.log.WithContext(sweepCtx).Infow("released expired reservations", "count", released)
	}
}

// Reload applies the definitions of a changed configuration file.
func (w *Worker) Reload(ctx context.Context, cfg *config.Config) {
	defs, err := cfg.Definitions()
	if err != nil {
		w.log.Warnw("reloaded config is invalid", "error", err)
		return
	}
	if err := w.app.Sync(appctx.EnsureTrace(ctx), defs); err != nil {
		w.log.Errorw("failed to apply reloaded definitions", "error", err)
		return
	}
	w.log.Infow("sequence definitions reloaded", "count", len(defs))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
