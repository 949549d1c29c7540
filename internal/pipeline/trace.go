package pipeline

import "time"

// TraceStatus is the state machine of a Trace: running -> {succeeded,
// denied, errored}.
type TraceStatus string

const (
	TraceRunning   TraceStatus = "running"
	TraceSucceeded TraceStatus = "succeeded"
	TraceDenied    TraceStatus = "denied"
	TraceErrored   TraceStatus = "errored"
)

// SpanStatus mirrors TraceStatus for an individual script execution.
type SpanStatus string

const (
	SpanRunning   SpanStatus = "running"
	SpanSucceeded SpanStatus = "succeeded"
	SpanDenied    SpanStatus = "denied"
	SpanErrored   SpanStatus = "errored"
)

// Trace is one hook dispatch's audit record (§3 Trace).
type Trace struct {
	ID             string
	TriggerEvent   HookName
	Status         TraceStatus
	StartedAt      time.Time
	EndedAt        time.Time
	DurationMs     int64
	UserID         string
	ContextSnapshot map[string]any
	ResultData      map[string]any
}

// Span is one script execution within a layer (§3 Span).
type Span struct {
	TraceID       string
	ParentSpanID  string
	ScriptID      string
	LayerIndex    int
	ParallelIndex int
	Status        SpanStatus
	StartedAt     time.Time
	EndedAt       time.Time
	Attributes    map[string]any
}

// Store persists Traces and Spans, and supports the batch cleanup of §4.6.
type Store interface {
	SaveTrace(t *Trace) error
	SaveSpan(s *Span) error
	PurgeOlderThan(cutoff time.Time) (int, error)
}
