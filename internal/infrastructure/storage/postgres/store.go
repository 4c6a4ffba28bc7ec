package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/sequence"
)

//go:embed schema.sql
var schema string

// Table names.
const (
	tableSequences    = "seq_sequences"
	tableCounters     = "seq_counters"
	tableVersions     = "seq_versions"
	tableGaps         = "seq_gaps"
	tableReservations = "seq_reservations"
	tableAudit        = "seq_audit"
)

// psql is the squirrel builder with PostgreSQL placeholders.
var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Store implements sequence.Store on PostgreSQL.
type Store struct {
	*TxManager
}

var _ sequence.Store = (*Store)(nil)

// NewStore creates a Store on pool.
func NewStore(pool *Pool, opts TxOptions) *Store {
	return &Store{TxManager: NewTxManager(pool).WithOptions(opts)}
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Sequences implements sequence.Store.
func (s *Store) Sequences() sequence.Repository { return &sequenceRepo{db: s.TxManager} }

// Counters implements sequence.Store.
func (s *Store) Counters() sequence.CounterStore { return &counterRepo{db: s.TxManager} }

// Gaps implements sequence.Store.
func (s *Store) Gaps() sequence.GapStore { return &gapRepo{db: s.TxManager} }

// Versions implements sequence.Store.
func (s *Store) Versions() sequence.VersionStore { return &versionRepo{db: s.TxManager} }

// Reservations implements sequence.Store.
func (s *Store) Reservations() sequence.ReservationStore {
	return &reservationRepo{db: s.TxManager}
}

// keyEq filters rows by sequence key.
func keyEq(key sequence.Key) squirrel.Eq {
	return squirrel.Eq{"name": key.Name, "scope": key.Scope}
}

// exec builds and runs a statement, returning the number of affected rows.
func exec(ctx context.Context, q Querier, op string, b squirrel.Sqlizer) (int64, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", op, err)
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, dbError(op, err)
	}
	return tag.RowsAffected(), nil
}

// get scans one row into dst. found is false when no row matched.
func get(ctx context.Context, q Querier, op string, dst any, b squirrel.Sqlizer) (found bool, err error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return false, fmt.Errorf("build %s: %w", op, err)
	}
	if err := pgxscan.Get(ctx, q, dst, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return false, nil
		}
		return false, dbError(op, err)
	}
	return true, nil
}

// list scans every row into dst, a pointer to a slice.
func list(ctx context.Context, q Querier, op string, dst any, b squirrel.Sqlizer) error {
	sql, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	if err := pgxscan.Select(ctx, q, dst, sql, args...); err != nil {
		return dbError(op, err)
	}
	return nil
}

// dbError maps driver errors onto the error taxonomy.
func dbError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperror.NewConflict("record already exists").
				WithDetail("operation", op).
				WithDetail("constraint", pgErr.ConstraintName).
				WithCause(err)
		case "23503":
			return apperror.NewNotFound("sequence", pgErr.Detail).WithCause(err)
		case "55P03":
			return apperror.NewDatabase(op, err).WithDetail("reason", "lock wait timed out")
		}
	}
	return apperror.NewDatabase(op, err)
}

// requireTx returns an error when ctx carries no transaction.
func (m *TxManager) requireTx(ctx context.Context, op string) error {
	if m.GetTx(ctx) == nil {
		return fmt.Errorf("%s: transaction required", op)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
