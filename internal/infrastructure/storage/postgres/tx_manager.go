package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sequencer/internal/core/tx"
	"sequencer/pkg/logger"
)

var tracer = otel.Tracer("sequencer/postgres")

var _ tx.Manager = (*TxManager)(nil)

// TxOptions configures the transactions of a TxManager.
type TxOptions struct {
	// LockTimeout bounds the wait for a counter row lock. A caller blocked longer
	// gets a database error instead of queueing indefinitely behind a stuck holder.
	LockTimeout time.Duration
	// StatementTimeout bounds every other statement.
	StatementTimeout time.Duration
}

// DefaultTxOptions returns production defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		LockTimeout:      10 * time.Second,
		StatementTimeout: 30 * time.Second,
	}
}

// TxManager runs read committed transactions on a pool and carries the active one
// in the context. Read committed is enough: every critical section is serialized
// by the counter row lock.
type TxManager struct {
	pool *pgxpool.Pool
	opts TxOptions
}

// NewTxManager creates a transaction manager with DefaultTxOptions.
func NewTxManager(pool *Pool) *TxManager {
	return &TxManager{pool: pool.Pool, opts: DefaultTxOptions()}
}

// WithOptions returns a copy of m using opts.
func (m *TxManager) WithOptions(opts TxOptions) *TxManager {
	return &TxManager{pool: m.pool, opts: opts}
}

type txKey struct{}

// Tx is the transaction carried in a context.
type Tx struct {
	pgx.Tx
	startedAt time.Time
}

// RunInTransaction executes fn within a transaction. A transaction already in ctx
// is joined, so a reservation and the generations it triggers commit together.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "postgres.transaction",
		trace.WithAttributes(attribute.String("db.system", "postgresql")))
	defer span.End()

	if err := m.run(ctx, fn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	pgTx, err := m.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if stmt := timeoutStatement(m.opts); stmt != "" {
		if _, err := pgTx.Exec(ctx, stmt); err != nil {
			_ = pgTx.Rollback(context.Background())
			return fmt.Errorf("set transaction timeouts: %w", err)
		}
	}

	t := &Tx{Tx: pgTx, startedAt: time.Now()}
	txCtx := context.WithValue(ctx, txKey{}, t)

	defer func() {
		if p := recover(); p != nil {
			_ = pgTx.Rollback(context.Background())
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		// Background context: the rollback must complete even if ctx was cancelled,
		// otherwise the counter row stays locked until the connection is reaped.
		if rbErr := pgTx.Rollback(context.Background()); rbErr != nil {
			logger.Error(ctx, "rollback failed", "error", rbErr, "original_error", err)
		}
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("tx.duration_ms", time.Since(t.startedAt).Milliseconds()))
	return nil
}

// timeoutStatement renders the SET LOCAL statements for opts; empty when no
// timeout is configured.
func timeoutStatement(opts TxOptions) string {
	var stmt string
	if opts.LockTimeout > 0 {
		stmt += fmt.Sprintf("SET LOCAL lock_timeout = '%dms';", opts.LockTimeout.Milliseconds())
	}
	if opts.StatementTimeout > 0 {
		stmt += fmt.Sprintf("SET LOCAL statement_timeout = '%dms';", opts.StatementTimeout.Milliseconds())
	}
	return stmt
}

// GetTx returns the current transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok {
		return t
	}
	return nil
}

// Querier is implemented by both the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// GetQuerier returns the transaction in ctx, or the pool outside a transaction.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.pool
}
