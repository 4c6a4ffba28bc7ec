// Package audit defines the engine's audit sink contract and the events it emits.
//
// The engine calls the sink once per meaningful event. Compliance events (manual
// counter overrides and lock status changes) are always delivered synchronously;
// routine events may be buffered by AsyncSink but are never dropped.
package audit

import (
	"context"
	"time"

	appctx "sequencer/internal/core/context"
	"sequencer/internal/core/id"
	"sequencer/internal/domain/sequence"
	"sequencer/pkg/logger"
)

// EventType names an audited occurrence.
type EventType string

const (
	EventPatternCreated        EventType = "pattern_created"
	EventPatternModified       EventType = "pattern_modified"
	EventPatternVersionCreated EventType = "pattern_version_created"
	EventCounterReset          EventType = "counter_reset"
	EventCounterOverridden     EventType = "counter_overridden"
	EventExhaustionThreshold   EventType = "exhaustion_threshold_reached"
	EventNumberGenerated       EventType = "number_generated"
	EventGapRecorded           EventType = "gap_recorded"
	EventGapReclaimed          EventType = "gap_reclaimed"
	EventGapsCleared           EventType = "gaps_cleared"
	EventLockStatusChanged     EventType = "lock_status_changed"
	EventReservationCreated    EventType = "reservation_created"
	EventReservationFinalized  EventType = "reservation_finalized"
	EventReservationReleased   EventType = "reservation_released"
	EventReservationExpired    EventType = "reservation_expired"
)

// Compliance reports whether events of this type must be written synchronously.
func Compliance(t EventType) bool {
	return t == EventCounterOverridden || t == EventLockStatusChanged
}

// Outcome of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	Key     sequence.Key   `json:"key"`
	Actor   string         `json:"actor"`
	Outcome Outcome        `json:"outcome"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent builds a successful event stamped with the actor from ctx.
func NewEvent(ctx context.Context, typ EventType, key sequence.Key, payload map[string]any) Event {
	return Event{
		ID:      id.NewString(),
		Type:    typ,
		Key:     key,
		Actor:   appctx.GetActorID(ctx),
		Outcome: OutcomeSuccess,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Failed marks the event as describing a failed attempt and attaches the error.
func (e Event) Failed(err error) Event {
	e.Outcome = OutcomeFailure
	if e.Payload == nil {
		e.Payload = make(map[string]any, 1)
	}
	if err != nil {
		e.Payload["error"] = err.Error()
	}
	return e
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// BatchSink is implemented by sinks that can persist several events at once.
type BatchSink interface {
	Sink
	RecordBatch(ctx context.Context, events []Event) error
}

// Emit records every event, continuing past failures, and returns the first error.
func Emit(ctx context.Context, sink Sink, events ...Event) error {
	var first error
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Publish records events after the state they describe has been committed. A sink
// failure cannot undo the commit, so it is logged with the full event instead of
// being returned.
func Publish(ctx context.Context, sink Sink, log *logger.Logger, events ...Event) {
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil {
			log.WithContext(ctx).Errorw("audit event not recorded",
				"event_id", e.ID,
				"type", e.Type,
				"sequence", e.Key.String(),
				"payload", e.Payload,
				"error", err,
			)
		}
	}
}
