package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/apperror"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/sequence"
)

var testKey = sequence.NewKey("invoice", "kyiv")

func testEvent(payload map[string]any) audit.Event {
	return audit.Event{
		ID:      uuid.NewString(),
		Type:    audit.EventNumberGenerated,
		Key:     testKey,
		Actor:   "system",
		Outcome: audit.OutcomeSuccess,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

func TestLockCounterQuery(t *testing.T) {
	sql, args, err := lockCounterQuery(testKey).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM seq_counters")
	assert.Contains(t, sql, "WHERE name = $1 AND scope = $2")
	assert.True(t, strings.HasSuffix(sql, "FOR UPDATE"))
	assert.Equal(t, []any{"invoice", "kyiv"}, args)
}

func TestIncrementQuery(t *testing.T) {
	sql, args, err := incrementQuery(testKey, 5).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "UPDATE seq_counters SET current_value = current_value + $1")
	assert.Contains(t, sql, "RETURNING current_value")
	assert.Equal(t, []any{int64(5), "invoice", "kyiv"}, args)
}

func TestNextGapQuery(t *testing.T) {
	sql, args, err := nextGapQuery(testKey).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "FROM seq_gaps")
	assert.Contains(t, sql, "filled = $3")
	assert.Contains(t, sql, "ORDER BY id LIMIT 1")
	assert.Equal(t, []any{"invoice", "kyiv", false}, args)
}

func TestExpiredQuery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		limit     int
		wantLimit bool
	}{
		{"paged", 100, true},
		{"unbounded", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := expiredQuery(now, tt.limit).ToSql()
			require.NoError(t, err)

			assert.Contains(t, sql, "SELECT id FROM seq_reservations")
			assert.Contains(t, sql, "status = $1")
			assert.Contains(t, sql, "expires_at <= $2")
			assert.Contains(t, sql, "ORDER BY expires_at")
			if tt.wantLimit {
				assert.Contains(t, sql, "LIMIT 100")
			} else {
				assert.NotContains(t, sql, "LIMIT")
			}
			assert.Equal(t, []any{"active", now}, args)
		})
	}
}

func TestLockReservationQuerySkipsLocked(t *testing.T) {
	sql, args, err := lockReservationQuery("r-1").ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE id = $1 AND status = $2")
	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.Equal(t, []any{"r-1", "active"}, args)
}

func TestDBErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "seq_sequences_pkey"}, apperror.CodeConflict},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, apperror.CodeNotFound},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, apperror.CodeDatabase},
		{"other", &pgconn.PgError{Code: "57014"}, apperror.CodeDatabase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dbError("op", tt.err)
			assert.True(t, apperror.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestTimeoutStatement(t *testing.T) {
	tests := []struct {
		name string
		opts TxOptions
		want string
	}{
		{"defaults", DefaultTxOptions(), "SET LOCAL lock_timeout = '10000ms';SET LOCAL statement_timeout = '30000ms';"},
		{"lock only", TxOptions{LockTimeout: 250 * time.Millisecond}, "SET LOCAL lock_timeout = '250ms';"},
		{"none", TxOptions{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, timeoutStatement(tt.opts))
		})
	}
}

func TestAuditSinkCompression(t *testing.T) {
	sink, err := NewAuditSink(&Store{TxManager: &TxManager{}}, 64)
	require.NoError(t, err)

	small, err := sink.encode(testEvent(map[string]any{"number": "INV-1"}))
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, small.CompressionAlgo)
	assert.Nil(t, small.PayloadCompressed)

	big := make(map[string]any)
	for i := 0; i < 20; i++ {
		big[string(rune('a'+i))] = "some repeated payload text"
	}
	row, err := sink.encode(testEvent(big))
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, row.CompressionAlgo)
	assert.Nil(t, row.Payload)

	decoded, err := sink.decode(row)
	require.NoError(t, err)
	assert.Equal(t, "some repeated payload text", decoded.Payload["c"])
	assert.Equal(t, testKey, decoded.Key)
}
