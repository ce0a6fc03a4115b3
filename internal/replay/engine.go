// Package replay rehydrates agents from checkpoints and re-executes their
// operations deterministically: wall clock pinned to the capture instant,
// randomness pinned, and designated external calls answered from the
// recorded trace instead of being made live.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/clearstone-ai/clearstone/internal/agent"
	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/serialization"
)

// TraceSource supplies the full trace a checkpoint was captured from.
// Satisfied by storage.TraceStore. When absent, the engine falls back to
// the spans embedded in the checkpoint itself.
type TraceSource interface {
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)
}

// Engine holds one rehydrated agent and drives replayed operations on it.
type Engine struct {
	ckpt   model.Checkpoint
	agent  any
	source TraceSource
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTraceSource makes the engine load the full trace from source instead
// of relying on the spans embedded in the checkpoint.
func WithTraceSource(s TraceSource) Option {
	return func(e *Engine) { e.source = s }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine rehydrates the checkpointed agent: the registry resolves the
// class path to a factory, a blank instance is constructed, and the saved
// state is restored into it. Agents implementing agent.StateImporter
// restore themselves; otherwise state is assigned field-by-field through
// a JSON round trip.
func NewEngine(ckpt model.Checkpoint, registry *agent.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{ckpt: ckpt, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}

	factory, ok := registry.Resolve(ckpt.AgentClassPath)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnresolved, ckpt.AgentClassPath)
	}
	ag := factory()

	state, err := decodeState(ckpt.AgentState)
	if err != nil {
		return nil, err
	}
	if err := restoreState(ag, state); err != nil {
		return nil, fmt.Errorf("replay: restore state for %q: %w", ckpt.AgentClassPath, err)
	}

	e.agent = ag
	e.logger.Info("replay: agent rehydrated",
		"class_path", ckpt.AgentClassPath,
		"checkpoint_id", ckpt.CheckpointID,
		"trace_id", ckpt.TraceID,
	)
	return e, nil
}

// Agent returns the rehydrated agent instance.
func (e *Engine) Agent() any { return e.agent }

func decodeState(envelope string) (map[string]any, error) {
	v, err := serialization.Deserialize(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateDecode, err)
	}
	state, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: state is %T, want map", ErrStateDecode, v)
	}
	return state, nil
}

func restoreState(ag any, state map[string]any) error {
	if imp, ok := ag.(agent.StateImporter); ok {
		return imp.ImportState(state)
	}
	// No importer: assign exported fields through a JSON round trip.
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, ag)
}

// StartDebuggingSession re-executes one named operation on the rehydrated
// agent inside a deterministic session. mockConfig maps span categories
// (matched against recorded span names, kinds, and span_type attributes)
// to the call targets they answer for; each matched span's captured output
// becomes one recorded response, replayed in trace order.
//
// A mocked target invoked past its recorded responses fails the operation
// with an ExhaustedError rather than falling back to a live call.
func (e *Engine) StartDebuggingSession(ctx context.Context, operation string, mockConfig map[string]string, args ...any) (any, error) {
	op, ok := e.agent.(agent.Operable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotOperable, e.agent)
	}

	spans, err := e.recordedSpans(ctx)
	if err != nil {
		return nil, err
	}

	queues := buildQueues(spans, mockConfig)
	for category, target := range mockConfig {
		n := len(queues[target])
		if n == 0 {
			e.logger.Warn("replay: no recorded responses for mocked target",
				"category", category, "target", target)
			continue
		}
		e.logger.Info("replay: mock queue prepared",
			"category", category, "target", target, "responses", n)
	}

	session := newSession(time.Unix(0, e.ckpt.TimestampNS), queues)
	e.logger.Info("replay: session started",
		"operation", operation,
		"checkpoint_id", e.ckpt.CheckpointID,
		"pinned_time", session.now,
	)

	result, err := op.RunOperation(withSession(ctx, session), operation, args...)
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		e.logger.Error("replay: diverged from recording",
			"operation", operation,
			"target", exhausted.Target,
			"call", exhausted.Call,
			"recorded", exhausted.Recorded,
		)
	}
	return result, err
}

// recordedSpans returns the spans the session replays from, in trace
// order. The configured trace source wins; without one the checkpoint's
// embedded ancestry plus capture span is used.
func (e *Engine) recordedSpans(ctx context.Context) ([]model.Span, error) {
	var spans []model.Span
	if e.source != nil {
		trace, err := e.source.GetTrace(ctx, e.ckpt.TraceID)
		if err != nil {
			return nil, fmt.Errorf("replay: load trace %q: %w", e.ckpt.TraceID, err)
		}
		spans = trace.Spans
	} else {
		spans = append(spans, e.ckpt.UpstreamSpans...)
		spans = append(spans, e.ckpt.CurrentSpan)
	}

	sorted := append([]model.Span(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTimeNS < sorted[j].StartTimeNS
	})
	return sorted, nil
}

// buildQueues turns the captured outputs of matching spans into FIFO
// response queues keyed by target. A span contributes at most one response
// per target, even when several categories mapped to that target match it.
// Outputs that no longer decode become in-queue errors so the failure
// surfaces at the exact replayed call.
func buildQueues(spans []model.Span, mockConfig map[string]string) map[string][]response {
	categoriesByTarget := make(map[string][]string, len(mockConfig))
	for category, target := range mockConfig {
		categoriesByTarget[target] = append(categoriesByTarget[target], category)
	}

	queues := make(map[string][]response, len(categoriesByTarget))
	for target := range categoriesByTarget {
		queues[target] = nil
	}

	for _, span := range spans {
		for target, categories := range categoriesByTarget {
			if !spanMatchesAny(span, categories) {
				continue
			}
			snap := span.OutputSnapshot
			if snap == nil || !snap.Captured {
				continue
			}
			v, err := serialization.Deserialize(snap.Data)
			if err != nil {
				queues[target] = append(queues[target], response{
					err: fmt.Errorf("replay: recorded output of span %q: %w", span.SpanID, err),
				})
				continue
			}
			queues[target] = append(queues[target], response{value: v})
		}
	}
	return queues
}

func spanMatchesAny(span model.Span, categories []string) bool {
	for _, c := range categories {
		if spanMatches(span, c) {
			return true
		}
	}
	return false
}

// spanMatches reports whether a span belongs to a mock category: its name
// starts with the category, its span_type attribute equals it, or its
// kind equals it.
func spanMatches(span model.Span, category string) bool {
	if strings.HasPrefix(span.Name, category) {
		return true
	}
	if st, ok := span.Attributes["span_type"].(string); ok && st == category {
		return true
	}
	return strings.EqualFold(string(span.Kind), category)
}
