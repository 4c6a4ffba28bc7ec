// Package app wires the engine from configuration for the command line tools.
package app

import (
	"context"
	"errors"
	"fmt"

	"sequencer/internal/config"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/generator"
	"sequencer/internal/domain/reservation"
	"sequencer/internal/domain/sequence"
	"sequencer/internal/infrastructure/lock"
	"sequencer/internal/infrastructure/storage/memory"
	"sequencer/internal/infrastructure/storage/postgres"
	"sequencer/pkg/logger"
)

// App holds the engine and the resources it was built on.
type App struct {
	Config *config.Config
	Engine *generator.Engine
	Store  sequence.Store

	// History is set when audit events are persisted in PostgreSQL.
	History *postgres.AuditSink

	log     *logger.Logger
	pool    *postgres.Pool
	async   *audit.AsyncSink
	pgStore *postgres.Store
}

// New connects the configured backend and builds the engine.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		poolCfg := postgres.DefaultPoolConfig(cfg.Storage.DSN)
		if cfg.Storage.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Storage.MaxConns
		}
		if cfg.Storage.MinConns > 0 {
			poolCfg.MinConns = cfg.Storage.MinConns
		}
		pool, err := postgres.NewPool(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.pgStore = postgres.NewStore(pool, postgres.TxOptions{
			LockTimeout:      cfg.Storage.LockTimeout,
			StatementTimeout: cfg.Storage.StatementTimeout,
		})
		a.Store = a.pgStore
		log.Infow("postgres storage connected", "max_conns", poolCfg.MaxConns)
	default:
		a.Store = memory.New()
		log.Info("in-memory storage selected; state is lost on exit")
	}

	sink, err := a.buildSink(cfg.Audit)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	resCfg := reservation.DefaultConfig()
	if cfg.Worker.SweepBatch > 0 {
		resCfg.SweepBatch = cfg.Worker.SweepBatch
	}

	a.Engine = generator.NewEngine(a.Store, generator.Options{
		Sink:         sink,
		Logger:       log,
		Reservations: resCfg,
	})
	return a, nil
}

func (a *App) buildSink(cfg config.AuditConfig) (audit.Sink, error) {
	var sink audit.Sink = audit.NewLogSink(a.log)
	if cfg.Sink == "postgres" {
		pgSink, err := postgres.NewAuditSink(a.pgStore, cfg.CompressThreshold)
		if err != nil {
			return nil, fmt.Errorf("audit sink: %w", err)
		}
		a.History = pgSink
		sink = audit.MultiSink{pgSink, sink}
	}
	if !cfg.Async {
		return sink, nil
	}

	asyncCfg := audit.DefaultAsyncConfig()
	asyncCfg.BufferSize = cfg.BufferSize
	asyncCfg.BatchSize = cfg.BatchSize
	asyncCfg.FlushInterval = cfg.FlushInterval
	a.async = audit.NewAsyncSink(sink, asyncCfg, a.log)
	return a.async, nil
}

// Migrate creates the PostgreSQL schema. It is a no-op for the memory backend.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		return nil
	}
	return a.pgStore.Migrate(ctx)
}

// Sync applies every configured sequence definition to the store.
func (a *App) Sync(ctx context.Context, defs []*sequence.Sequence) error {
	var errs []error
	for _, def := range defs {
		result, err := a.Engine.Apply(ctx, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", def.Key, err))
			continue
		}
		if result != generator.ApplyUnchanged {
			a.log.Infow("sequence definition applied", "sequence", def.Key.String(), "result", string(result))
		}
	}
	return errors.Join(errs...)
}

// Locker returns a Redis locker when Redis is configured and a process-local one
// otherwise.
func (a *App) Locker() (lock.Locker, func() error, error) {
	if a.Config.Redis.Address == "" {
		return lock.NewLocalLocker(), func() error { return nil }, nil
	}
	redisCfg := lock.DefaultRedisConfig(a.Config.Redis.Address)
	redisCfg.Password = a.Config.Redis.Password
	redisCfg.Database = a.Config.Redis.Database
	if a.Config.Redis.Prefix != "" {
		redisCfg.Prefix = a.Config.Redis.Prefix
	}
	locker, err := lock.NewRedisLocker(redisCfg)
	if err != nil {
		return nil, nil, err
	}
	return locker, locker.Close, nil
}

// Close drains buffered audit events and closes the pool.
func (a *App) Close(ctx context.Context) {
	if a.async != nil {
		if err := a.async.Close(ctx); err != nil {
			a.log.Errorw("audit drain failed", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.LogStats(ctx)
		a.pool.Close()
	}
}
