package audit

import (
	"context"
	"sync"
	"time"

	"sequencer/pkg/logger"
)

// AsyncConfig tunes AsyncSink buffering.
type AsyncConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// WriteTimeout bounds a single flush to the underlying sink.
	WriteTimeout time.Duration
	// Retries is how many times a failed flush is retried before the events are
	// logged at error level.
	Retries int
}

// DefaultAsyncConfig returns sensible defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		BufferSize:    1024,
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
		Retries:       3,
	}
}

// AsyncSink buffers routine events and writes them to the next sink in batches.
//
// Compliance events bypass the buffer. When the buffer is full, or after Close,
// Record falls back to a synchronous write, so an accepted event is never dropped.
type AsyncSink struct {
	next Sink
	cfg  AsyncConfig
	log  *logger.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

// NewAsyncSink starts the background writer. Call Close to flush and stop it.
func NewAsyncSink(next Sink, cfg AsyncConfig, log *logger.Logger) *AsyncSink {
	def := DefaultAsyncConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	s := &AsyncSink{
		next:   next,
		cfg:    cfg,
		log:    log.WithComponent("audit_async"),
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record implements Sink.
func (s *AsyncSink) Record(ctx context.Context, e Event) error {
	if Compliance(e.Type) {
		return s.next.Record(ctx, e)
	}

	s.mu.RLock()
	if !s.closed {
		select {
		case s.events <- e:
			s.mu.RUnlock()
			return nil
		default:
		}
	}
	s.mu.RUnlock()

	return s.next.Record(ctx, e)
}

// Pending returns the number of buffered events.
func (s *AsyncSink) Pending() int {
	return len(s.events)
}

// Close stops accepting buffered events and waits until the buffer is flushed
// or ctx is done.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.cfg.BatchSize)
	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *AsyncSink) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if err = s.write(batch); err == nil {
			return
		}
		s.log.Warnw("audit flush failed", "attempt", attempt+1, "events", len(batch), "error", err)
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}

	// The sink keeps refusing; the log is the last durable place left.
	for _, e := range batch {
		s.log.Errorw("audit event not persisted",
			"event_id", e.ID,
			"type", e.Type,
			"sequence", e.Key.String(),
			"actor", e.Actor,
			"outcome", e.Outcome,
			"payload", e.Payload,
			"at", e.At,
			"error", err,
		)
	}
}

func (s *AsyncSink) write(batch []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if bs, ok := s.next.(BatchSink); ok {
		return bs.RecordBatch(ctx, batch)
	}
	for _, e := range batch {
		if err := s.next.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

var _ Sink = (*AsyncSink)(nil)
