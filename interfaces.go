package clearstone

import (
	"context"
	"time"

	"github.com/clearstone-ai/clearstone/internal/agent"
	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/replay"
	"github.com/clearstone-ai/clearstone/internal/tracer"
)

// Tracer creates spans. Obtain one from Provider.GetTracer.
type Tracer = tracer.Tracer

// ActiveSpan is the mutable handle for a span that is still open.
type ActiveSpan = tracer.ActiveSpan

// TracerOption configures a tracer at creation time.
type TracerOption = tracer.Option

// StartOption configures a span at creation time.
type StartOption = tracer.StartOption

// Public span construction options, re-exported for call sites that only
// import the root package.
var (
	WithTraceID    = tracer.WithTraceID
	WithKind       = tracer.WithKind
	WithAttributes = tracer.WithAttributes
)

// Span kinds, re-exported from the model.
const (
	SpanKindInternal = model.SpanKindInternal
	SpanKindClient   = model.SpanKindClient
	SpanKindServer   = model.SpanKindServer
	SpanKindProducer = model.SpanKindProducer
	SpanKindConsumer = model.SpanKindConsumer
)

// SpanFromContext returns the active span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	return tracer.SpanFromContext(ctx)
}

// AgentFactory constructs a blank agent instance for rehydration.
type AgentFactory = agent.Factory

// StateExporter is required for an agent to be checkpointable.
type StateExporter = agent.StateExporter

// StateImporter restores an agent's state during rehydration. Optional:
// agents without it are restored by direct field assignment.
type StateImporter = agent.StateImporter

// Operable exposes named operations for replay.
type Operable = agent.Operable

// ReplayEngine drives replayed operations on a rehydrated agent.
type ReplayEngine = replay.Engine

// ExhaustedError reports a mocked target invoked more times than recorded
// responses exist during a replay.
type ExhaustedError = replay.ExhaustedError

// ReplayCall routes an external call through the replay interception
// point: answered from the recording inside a session that mocks target,
// executed live otherwise. Agent operations route every designated
// external call (LLM invocations, tool calls) through this.
func ReplayCall(ctx context.Context, target string, live func(context.Context) (any, error)) (any, error) {
	return replay.Call(ctx, target, live)
}

// ReplayNow returns the current time, pinned to the checkpoint's capture
// instant inside a replay session.
func ReplayNow(ctx context.Context) time.Time {
	return replay.Now(ctx)
}

// ReplayFloat64 returns a random draw in [0, 1), pinned to a constant
// inside a replay session.
func ReplayFloat64(ctx context.Context) float64 {
	return replay.Float64(ctx)
}
