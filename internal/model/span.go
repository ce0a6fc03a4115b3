// Package model defines the span, trace, and checkpoint value types shared
// by the tracer, the storage layer, and the replay engine. All types here
// are plain values with no behavior beyond derived accessors — once a span
// is handed to the buffer it is treated as immutable.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpanKind is the OTEL-aligned categorization of a traced operation.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus is the execution status of a span.
type SpanStatus string

const (
	SpanStatusUnset SpanStatus = "unset"
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)

// NewID returns a 32-character lowercase hex identifier.
// Used for trace, span, and checkpoint IDs.
func NewID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:])
}

// SpanEvent is a point-in-time event within a span's lifetime.
// Append-only while the span is open; frozen at span close.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanLink is a non-owning causal reference to a span, possibly in a
// different trace. It never implies lifetime or aggregation.
type SpanLink struct {
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PolicyDecision is a decision record attached to a span by an external
// policy engine. The tracing core stores and returns these verbatim and
// never interprets their contents.
type PolicyDecision struct {
	PolicyName string         `json:"policy_name"`
	Decision   string         `json:"decision"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Snapshot is a bounded capture of a span input or output value.
// When Captured is false, Reason explains why the value was not stored
// (size ceiling exceeded, or an unexpected capture failure).
type Snapshot struct {
	Captured  bool   `json:"captured"`
	Data      string `json:"data,omitempty"` // serialization envelope, see internal/serialization
	SizeBytes int    `json:"size_bytes,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Type      string `json:"type,omitempty"` // Go type name of the original value
}

// Span is one timed, named unit of traced work with an optional parent.
type Span struct {
	TraceID      string  `json:"trace_id"`
	SpanID       string  `json:"span_id"`
	ParentSpanID *string `json:"parent_span_id,omitempty"` // nil only for a trace root

	Name string   `json:"name"`
	Kind SpanKind `json:"kind"`

	StartTimeNS int64  `json:"start_time_ns"`
	EndTimeNS   *int64 `json:"end_time_ns,omitempty"` // nil while the span is open

	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []SpanEvent    `json:"events,omitempty"`
	Links      []SpanLink     `json:"links,omitempty"`

	Status          SpanStatus `json:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	ErrorStacktrace *string    `json:"error_stacktrace,omitempty"`

	InputSnapshot  *Snapshot `json:"input_snapshot,omitempty"`
	OutputSnapshot *Snapshot `json:"output_snapshot,omitempty"`

	PolicyDecisions []PolicyDecision `json:"policy_decisions,omitempty"`

	InstrumentationName    string `json:"instrumentation_name"`
	InstrumentationVersion string `json:"instrumentation_version"`
}

// Duration returns the span duration and true if the span has ended.
// Duration is always derived, never stored.
func (s *Span) Duration() (time.Duration, bool) {
	if s.EndTimeNS == nil {
		return 0, false
	}
	return time.Duration(*s.EndTimeNS - s.StartTimeNS), true
}

// IsRoot reports whether the span is a trace root.
func (s *Span) IsRoot() bool {
	return s.ParentSpanID == nil
}
