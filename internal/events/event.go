// Package events implements the analytics pipeline: callers enqueue
// evaluation, identify and custom events without blocking; a single
// dispatcher goroutine summarizes, deduplicates and buffers them; flushes
// ship JSON payloads to the events service with bounded retry.
package events

import (
	"time"

	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
)

// Event is one analytics occurrence recorded by the client.
type Event interface {
	base() BaseEvent
}

// BaseEvent carries the fields shared by all event types.
type BaseEvent struct {
	CreationDate time.Time
	Context      evalcontext.Context
}

// FeatureRequestEvent records one flag evaluation. It always feeds the
// summary counters; it additionally becomes a full "feature" or "debug"
// output event depending on the flag's tracking settings.
type FeatureRequestEvent struct {
	BaseEvent
	FlagKey   string
	Version   *int
	Variation *int
	Value     any
	Default   any
	Reason    evaluation.Reason
	// PrereqOf is set when this evaluation happened only because the flag
	// is a prerequisite of another flag.
	PrereqOf string
	// TrackEvents requests a full event per evaluation.
	TrackEvents bool
	// DebugEventsUntilDate requests debug events until the given time.
	DebugEventsUntilDate time.Time
	// IncludeReason adds the evaluation reason to the output event.
	IncludeReason bool
}

// IdentifyEvent announces a context to the events service.
type IdentifyEvent struct {
	BaseEvent
}

// CustomEvent records an application-defined occurrence, optionally with a
// data payload and a numeric metric value.
type CustomEvent struct {
	BaseEvent
	Key         string
	Data        any
	MetricValue *float64
}

func (e FeatureRequestEvent) base() BaseEvent { return e.BaseEvent }
func (e IdentifyEvent) base() BaseEvent       { return e.BaseEvent }
func (e CustomEvent) base() BaseEvent         { return e.BaseEvent }

// toMillis converts to the epoch-millisecond timestamps used on the wire.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
