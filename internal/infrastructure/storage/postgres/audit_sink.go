package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"sequencer/internal/core/id"
	"sequencer/internal/domain/audit"
	"sequencer/internal/domain/sequence"
)

// CompressionAlgo specifies the compression algorithm of a stored payload.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the payload size above which payloads are compressed.
const DefaultCompressThreshold = 10 * 1024

// AuditSink writes audit events to seq_audit. Inside a transaction the insert
// joins it, so a compliance event commits or rolls back with its change.
type AuditSink struct {
	db                *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

var (
	_ audit.Sink      = (*AuditSink)(nil)
	_ audit.BatchSink = (*AuditSink)(nil)
)

// NewAuditSink creates an audit sink. A threshold <= 0 uses DefaultCompressThreshold.
func NewAuditSink(store *Store, compressThreshold int) (*AuditSink, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if compressThreshold <= 0 {
		compressThreshold = DefaultCompressThreshold
	}
	return &AuditSink{
		db:                store.TxManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: compressThreshold,
	}, nil
}

// auditRow is the stored form of an event.
type auditRow struct {
	ID string `db:"id"`
	KeyColumns
	EventType         string          `db:"event_type"`
	Actor             string          `db:"actor"`
	Outcome           string          `db:"outcome"`
	Payload           json.RawMessage `db:"payload"`
	PayloadCompressed []byte          `db:"payload_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

// encode converts e, compressing payloads larger than the threshold.
func (s *AuditSink) encode(e audit.Event) (auditRow, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return auditRow{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	row := auditRow{
		ID:              e.ID,
		KeyColumns:      keyColumnsOf(e.Key),
		EventType:       string(e.Type),
		Actor:           e.Actor,
		Outcome:         string(e.Outcome),
		Payload:         payload,
		CompressionAlgo: CompressionNone,
		CreatedAt:       e.At,
	}
	if len(payload) > s.compressThreshold {
		row.PayloadCompressed = s.encoder.EncodeAll(payload, nil)
		row.Payload = nil
		row.CompressionAlgo = CompressionZstd
	}
	return row, nil
}

func (s *AuditSink) insert(e audit.Event) (string, []any, error) {
	row, err := s.encode(e)
	if err != nil {
		return "", nil, err
	}
	eventID, err := id.Parse(row.ID)
	if err != nil {
		return "", nil, fmt.Errorf("audit event id: %w", err)
	}
	return psql.Insert(tableAudit).
		Columns("id", "event_type", "name", "scope", "actor", "outcome",
			"payload", "payload_compressed", "compression_algo", "created_at").
		Values(eventID, row.EventType, row.Name, row.Scope, row.Actor, row.Outcome,
			row.Payload, row.PayloadCompressed, row.CompressionAlgo, row.CreatedAt).
		ToSql()
}

// Record implements audit.Sink.
func (s *AuditSink) Record(ctx context.Context, e audit.Event) error {
	sql, args, err := s.insert(e)
	if err != nil {
		return err
	}
	if _, err := s.db.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return dbError("record audit event", err)
	}
	return nil
}

// RecordBatch implements audit.BatchSink with a single round-trip.
func (s *AuditSink) RecordBatch(ctx context.Context, events []audit.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		sql, args, err := s.insert(e)
		if err != nil {
			return err
		}
		batch.Queue(sql, args...)
	}

	results := s.db.GetQuerier(ctx).SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return dbError("record audit batch", err)
		}
	}
	return nil
}

// History returns the newest events of key, payloads decompressed.
func (s *AuditSink) History(ctx context.Context, key sequence.Key, limit int) ([]audit.Event, error) {
	q := psql.Select("id::text AS id", "name", "scope", "event_type", "actor", "outcome",
		"payload", "payload_compressed", "compression_algo", "created_at").
		From(tableAudit).
		Where(keyEq(key)).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	var rows []auditRow
	if err := list(ctx, s.db.GetQuerier(ctx), "audit history", &rows, q); err != nil {
		return nil, err
	}

	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		e, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *AuditSink) decode(row auditRow) (audit.Event, error) {
	payload := row.Payload
	if row.CompressionAlgo == CompressionZstd && len(row.PayloadCompressed) > 0 {
		decompressed, err := s.decoder.DecodeAll(row.PayloadCompressed, nil)
		if err != nil {
			return audit.Event{}, fmt.Errorf("decompress audit payload: %w", err)
		}
		payload = decompressed
	}

	e := audit.Event{
		ID:      row.ID,
		Type:    audit.EventType(row.EventType),
		Key:     row.key(),
		Actor:   row.Actor,
		Outcome: audit.Outcome(row.Outcome),
		At:      row.CreatedAt,
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal audit payload: %w", err)
		}
	}
	return e, nil
}
