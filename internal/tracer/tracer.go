// Package tracer creates spans and manages their lifecycle. Parent/child
// nesting is carried through context.Context — each Start derives a child
// context holding the new span, so nesting is correct per execution
// context without explicit parent passing and without global mutable
// state. Contexts are never shared across goroutines by this package.
package tracer

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/serialization"
)

// SpanSink receives completed spans. The provider wires the shared buffer
// here; a tracer without a sink collects spans in memory for standalone
// and test use.
type SpanSink interface {
	Add(span model.Span)
}

// Tracer is the primary API for creating spans within one trace.
// Tracers with different names are independent namespaces; tracers built
// by the same provider share a single sink.
type Tracer struct {
	name                   string
	instrumentationName    string
	instrumentationVersion string
	traceID                string
	sink                   SpanSink
	maxSnapshotBytes       int

	mu        sync.Mutex
	collected []model.Span // standalone mode only (sink == nil)
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithTraceID sets the trace identifier instead of generating one.
func WithTraceID(traceID string) Option {
	return func(t *Tracer) { t.traceID = traceID }
}

// WithSink routes completed spans to the given sink instead of the
// internal in-memory list.
func WithSink(sink SpanSink) Option {
	return func(t *Tracer) { t.sink = sink }
}

// WithVersion sets the instrumentation version recorded on every span.
func WithVersion(version string) Option {
	return func(t *Tracer) { t.instrumentationVersion = version }
}

// WithMaxSnapshotBytes overrides the snapshot size ceiling for spans
// created by this tracer.
func WithMaxSnapshotBytes(n int) Option {
	return func(t *Tracer) { t.maxSnapshotBytes = n }
}

// New creates a Tracer. name doubles as the instrumentation name.
func New(name string, opts ...Option) *Tracer {
	t := &Tracer{
		name:                   name,
		instrumentationName:    name,
		instrumentationVersion: "0.1.0",
	}
	for _, fn := range opts {
		fn(t)
	}
	if t.traceID == "" {
		t.traceID = model.NewID()
	}
	return t
}

// Name returns the tracer name.
func (t *Tracer) Name() string { return t.name }

// TraceID returns the trace identifier all spans from this tracer share.
func (t *Tracer) TraceID() string { return t.traceID }

type ctxKey struct{}

// SpanFromContext returns the active span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	s, _ := ctx.Value(ctxKey{}).(*ActiveSpan)
	return s
}

// ContextWithSpan returns a child context carrying the given span.
func ContextWithSpan(ctx context.Context, s *ActiveSpan) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// StartOption configures a span at creation time.
type StartOption func(*model.Span)

// WithKind sets the span kind (default internal).
func WithKind(kind model.SpanKind) StartOption {
	return func(s *model.Span) { s.Kind = kind }
}

// WithAttributes merges initial attributes into the span.
func WithAttributes(attrs map[string]any) StartOption {
	return func(s *model.Span) {
		if s.Attributes == nil {
			s.Attributes = make(map[string]any, len(attrs))
		}
		for k, v := range attrs {
			s.Attributes[k] = v
		}
	}
}

// Start opens a span. The parent is the span carried by ctx, if any; the
// returned context carries the new span and should be passed to nested
// operations. Callers must call End exactly once on the returned span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...StartOption) (context.Context, *ActiveSpan) {
	span := model.Span{
		TraceID:                t.traceID,
		SpanID:                 model.NewID(),
		Name:                   name,
		Kind:                   model.SpanKindInternal,
		StartTimeNS:            time.Now().UnixNano(),
		Status:                 model.SpanStatusUnset,
		Attributes:             map[string]any{},
		InstrumentationName:    t.instrumentationName,
		InstrumentationVersion: t.instrumentationVersion,
	}
	if parent := SpanFromContext(ctx); parent != nil {
		parentID := parent.SpanID()
		span.ParentSpanID = &parentID
	}
	for _, fn := range opts {
		fn(&span)
	}

	active := &ActiveSpan{tracer: t, span: span}
	return ContextWithSpan(ctx, active), active
}

// finish receives a completed span from an ActiveSpan.
func (t *Tracer) finish(span model.Span) {
	if t.sink != nil {
		t.sink.Add(span)
		return
	}
	t.mu.Lock()
	t.collected = append(t.collected, span)
	t.mu.Unlock()
}

// CollectedSpans returns a copy of the spans finished in standalone mode.
// Always empty when the tracer is wired to a sink.
func (t *Tracer) CollectedSpans() []model.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Span, len(t.collected))
	copy(out, t.collected)
	return out
}

// Reset clears the standalone span list. Used for test isolation.
func (t *Tracer) Reset() {
	t.mu.Lock()
	t.collected = nil
	t.mu.Unlock()
}

// ActiveSpan is the mutable handle for a span that is still open. All
// methods are safe for use from the goroutine that owns the span; an
// ActiveSpan must not be shared across goroutines.
type ActiveSpan struct {
	tracer *Tracer

	mu    sync.Mutex
	span  model.Span
	ended bool
}

// SpanID returns the span identifier.
func (s *ActiveSpan) SpanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.span.SpanID
}

// Span returns a copy of the span in its current state.
func (s *ActiveSpan) Span() model.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.span
}

// SetAttribute sets one attribute. No-op after End.
func (s *ActiveSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.Attributes[key] = value
}

// AddEvent appends a timestamped event. No-op after End — events freeze at
// span close.
func (s *ActiveSpan) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.Events = append(s.span.Events, model.SpanEvent{
		Name:       name,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	})
}

// AddLink appends a causal reference to a span in another trace.
func (s *ActiveSpan) AddLink(traceID, spanID string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.Links = append(s.span.Links, model.SpanLink{
		TraceID:    traceID,
		SpanID:     spanID,
		Attributes: attrs,
	})
}

// RecordDecision attaches a policy decision produced by an external policy
// engine. The record is stored verbatim and never interpreted.
func (s *ActiveSpan) RecordDecision(d model.PolicyDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.PolicyDecisions = append(s.span.PolicyDecisions, d)
}

// SetInput captures a bounded snapshot of the operation's input.
func (s *ActiveSpan) SetInput(v any) {
	snap := serialization.Capture(v, s.tracer.maxSnapshotBytes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.InputSnapshot = &snap
}

// SetOutput captures a bounded snapshot of the operation's output.
func (s *ActiveSpan) SetOutput(v any) {
	snap := serialization.Capture(v, s.tracer.maxSnapshotBytes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.OutputSnapshot = &snap
}

// End finalizes the span and hands it to the sink. A nil err marks the
// span ok; a non-nil err marks it failed and records the message and the
// current stack. End is idempotent — only the first call takes effect.
// Callers propagate err themselves; End never swallows or rethrows it.
func (s *ActiveSpan) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true

	end := time.Now().UnixNano()
	if end < s.span.StartTimeNS {
		end = s.span.StartTimeNS // clock adjustment; a span never ends before it starts
	}
	s.span.EndTimeNS = &end

	if err != nil {
		s.span.Status = model.SpanStatusError
		msg := err.Error()
		stack := string(debug.Stack())
		s.span.ErrorMessage = &msg
		s.span.ErrorStacktrace = &stack
	} else {
		s.span.Status = model.SpanStatusOK
	}
	done := s.span
	s.mu.Unlock()

	s.tracer.finish(done)
}
