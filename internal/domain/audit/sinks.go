package audit

import (
	"context"
	"errors"
	"sync"

	"sequencer/pkg/logger"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a sink on top of log.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("audit")}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e Event) error {
	s.log.WithContext(ctx).Infow("audit event",
		"event_id", e.ID,
		"type", e.Type,
		"sequence", e.Key.Name,
		"scope", e.Key.Scope,
		"actor", e.Actor,
		"outcome", e.Outcome,
		"payload", e.Payload,
		"at", e.At,
	)
	return nil
}

// MemorySink keeps events in memory. It is used by tests and the in-process backend.
type MemorySink struct {
	mu     sync.Mutex
	events []Event

	// RecordFunc, when set, is called before the event is stored; a returned error
	// rejects the event.
	RecordFunc func(ctx context.Context, e Event) error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (s *MemorySink) Record(ctx context.Context, e Event) error {
	if s.RecordFunc != nil {
		if err := s.RecordFunc(ctx, e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// RecordBatch implements BatchSink.
func (s *MemorySink) RecordBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := s.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of the given type.
func (s *MemorySink) ByType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

// Record implements Sink. Every sink receives the event even if an earlier one fails.
func (m MultiSink) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordBatch implements BatchSink, passing the batch whole to sinks that take
// batches and event by event to the rest.
func (m MultiSink) RecordBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, s := range m {
		if bs, ok := s.(BatchSink); ok {
			if err := bs.RecordBatch(ctx, events); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, e := range events {
			if err := s.Record(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Ensure interface compliance at compile time.
var (
	_ Sink      = (*LogSink)(nil)
	_ BatchSink = (*MemorySink)(nil)
	_ BatchSink = MultiSink(nil)
)
