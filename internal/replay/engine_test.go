package replay_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstone-ai/clearstone/internal/agent"
	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/replay"
	"github.com/clearstone-ai/clearstone/internal/serialization"
)

// pricer restores itself through ImportState and answers questions through
// a mocked LLM target.
type pricer struct {
	Region string
	Budget float64
}

func (p *pricer) ExportState() (map[string]any, error) {
	return map[string]any{"region": p.Region, "budget": p.Budget}, nil
}

func (p *pricer) ImportState(state map[string]any) error {
	if r, ok := state["region"].(string); ok {
		p.Region = r
	}
	if b, ok := state["budget"].(float64); ok {
		p.Budget = b
	}
	return nil
}

func (p *pricer) RunOperation(ctx context.Context, name string, args ...any) (any, error) {
	switch name {
	case "ask":
		return replay.Call(ctx, "openai.chat", func(context.Context) (any, error) {
			return "LIVE", nil
		})
	case "ask_twice":
		first, err := replay.Call(ctx, "openai.chat", nil)
		if err != nil {
			return nil, err
		}
		second, err := replay.Call(ctx, "openai.chat", nil)
		if err != nil {
			return nil, err
		}
		return []any{first, second}, nil
	case "clock":
		return replay.Now(ctx), nil
	case "roll":
		return replay.Float64(ctx), nil
	}
	return nil, fmt.Errorf("unknown operation %q", name)
}

// plainAgent has no ImportState; state restores through its JSON tags.
type plainAgent struct {
	Counter int `json:"counter"`
}

func (p *plainAgent) RunOperation(ctx context.Context, name string, args ...any) (any, error) {
	return p.Counter, nil
}

type inert struct{}

func newRegistry(t *testing.T) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("finops.Pricer", func() any { return &pricer{} }))
	require.NoError(t, reg.Register("finops.Plain", func() any { return &plainAgent{} }))
	require.NoError(t, reg.Register("finops.Inert", func() any { return &inert{} }))
	return reg
}

func ptr[T any](v T) *T { return &v }

// llmSpan is a recorded client span whose captured output answers a
// mocked call during replay.
func llmSpan(spanID string, start int64, output any) model.Span {
	return model.Span{
		TraceID:      "t1",
		SpanID:       spanID,
		ParentSpanID: ptr("root"),
		Name:         "llm.chat_completion",
		Kind:         model.SpanKindClient,
		StartTimeNS:  start,
		OutputSnapshot: &model.Snapshot{
			Captured: true,
			Data:     serialization.Serialize(output),
		},
	}
}

func pricerCheckpoint(upstream ...model.Span) model.Checkpoint {
	return model.Checkpoint{
		CheckpointID:   "ckpt_1",
		TraceID:        "t1",
		SpanID:         "cur",
		TimestampNS:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		AgentState:     serialization.Serialize(map[string]any{"region": "eu-west-1", "budget": 250.0}),
		AgentClassPath: "finops.Pricer",
		CurrentSpan:    model.Span{TraceID: "t1", SpanID: "cur", Name: "agent.decide", StartTimeNS: 900},
		UpstreamSpans:  upstream,
	}
}

func TestNewEngineRestoresViaImporter(t *testing.T) {
	eng, err := replay.NewEngine(pricerCheckpoint(), newRegistry(t))
	require.NoError(t, err)

	ag, ok := eng.Agent().(*pricer)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", ag.Region)
	assert.Equal(t, 250.0, ag.Budget)
}

func TestNewEngineRestoresViaFields(t *testing.T) {
	ckpt := pricerCheckpoint()
	ckpt.AgentClassPath = "finops.Plain"
	ckpt.AgentState = serialization.Serialize(map[string]any{"counter": 7})

	eng, err := replay.NewEngine(ckpt, newRegistry(t))
	require.NoError(t, err)

	ag, ok := eng.Agent().(*plainAgent)
	require.True(t, ok)
	assert.Equal(t, 7, ag.Counter)
}

func TestNewEngineUnknownClassPath(t *testing.T) {
	ckpt := pricerCheckpoint()
	ckpt.AgentClassPath = "finops.Ghost"
	_, err := replay.NewEngine(ckpt, newRegistry(t))
	require.ErrorIs(t, err, replay.ErrUnresolved)
}

func TestNewEngineBadState(t *testing.T) {
	ckpt := pricerCheckpoint()
	ckpt.AgentState = "{{not an envelope"
	_, err := replay.NewEngine(ckpt, newRegistry(t))
	require.ErrorIs(t, err, replay.ErrStateDecode)

	ckpt.AgentState = serialization.Serialize("just a string")
	_, err = replay.NewEngine(ckpt, newRegistry(t))
	require.ErrorIs(t, err, replay.ErrStateDecode)
}

func TestSessionAnswersFromRecording(t *testing.T) {
	ckpt := pricerCheckpoint(llmSpan("s1", 100, "recorded answer"))
	eng, err := replay.NewEngine(ckpt, newRegistry(t))
	require.NoError(t, err)

	result, err := eng.StartDebuggingSession(context.Background(), "ask",
		map[string]string{"llm": "openai.chat"})
	require.NoError(t, err)
	assert.Equal(t, "recorded answer", result, "mocked call must answer from the trace, not live")
}

func TestSessionExhaustsRecording(t *testing.T) {
	ckpt := pricerCheckpoint(llmSpan("s1", 100, "only one"))
	eng, err := replay.NewEngine(ckpt, newRegistry(t))
	require.NoError(t, err)

	_, err = eng.StartDebuggingSession(context.Background(), "ask_twice",
		map[string]string{"llm": "openai.chat"})
	var exhausted *replay.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "openai.chat", exhausted.Target)
	assert.Equal(t, 2, exhausted.Call)
	assert.Equal(t, 1, exhausted.Recorded)
}

func TestSessionReplaysInTraceOrder(t *testing.T) {
	// Deliberately out of order in the checkpoint; replay must follow
	// start time.
	ckpt := pricerCheckpoint(
		llmSpan("late", 500, "second"),
		llmSpan("early", 100, "first"),
	)
	eng, err := replay.NewEngine(ckpt, newRegistry(t))
	require.NoError(t, err)

	result, err := eng.StartDebuggingSession(context.Background(), "ask_twice",
		map[string]string{"llm": "openai.chat"})
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, result)
}

func TestOverlappingCategoriesEnqueueSpanOnce(t *testing.T) {
	// "llm" matches the span by name prefix and "client" by kind; both map
	// to the same target, so the recorded output must be queued only once.
	ckpt := pricerCheckpoint(llmSpan("s1", 100, "single answer"))
	eng, err := replay.NewEngine(ckpt, newRegistry(t))
	require.NoError(t, err)

	_, err = eng.StartDebuggingSession(context.Background(), "ask_twice",
		map[string]string{"llm": "openai.chat", "client": "openai.chat"})
	var exhausted *replay.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Recorded)
	assert.Equal(t, 2, exhausted.Call)
}

func TestSessionPinsClockAndRandomness(t *testing.T) {
	eng, err := replay.NewEngine(pricerCheckpoint(), newRegistry(t))
	require.NoError(t, err)

	got, err := eng.StartDebuggingSession(context.Background(), "clock", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.(time.Time).UTC())

	roll, err := eng.StartDebuggingSession(context.Background(), "roll", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, roll)
}

func TestSessionUsesTraceSource(t *testing.T) {
	// The checkpoint embeds nothing usable; the source supplies the span.
	eng, err := replay.NewEngine(pricerCheckpoint(), newRegistry(t),
		replay.WithTraceSource(fakeSource{trace: model.Trace{
			TraceID: "t1",
			Spans:   []model.Span{llmSpan("s1", 100, "from source")},
		}}),
		replay.WithLogger(slog.Default()),
	)
	require.NoError(t, err)

	result, err := eng.StartDebuggingSession(context.Background(), "ask",
		map[string]string{"llm": "openai.chat"})
	require.NoError(t, err)
	assert.Equal(t, "from source", result)
}

func TestSessionTraceSourceFailure(t *testing.T) {
	eng, err := replay.NewEngine(pricerCheckpoint(), newRegistry(t),
		replay.WithTraceSource(fakeSource{err: errors.New("db down")}))
	require.NoError(t, err)

	_, err = eng.StartDebuggingSession(context.Background(), "ask",
		map[string]string{"llm": "openai.chat"})
	require.ErrorContains(t, err, "db down")
}

func TestSessionRejectsNonOperableAgent(t *testing.T) {
	ckpt := pricerCheckpoint()
	ckpt.AgentClassPath = "finops.Inert"
	ckpt.AgentState = serialization.Serialize(map[string]any{})

	eng, err := replay.NewEngine(ckpt, newRegistry(t))
	require.NoError(t, err)

	_, err = eng.StartDebuggingSession(context.Background(), "ask", nil)
	require.ErrorIs(t, err, replay.ErrNotOperable)
}

func TestUnmockedCallRunsLive(t *testing.T) {
	eng, err := replay.NewEngine(pricerCheckpoint(), newRegistry(t))
	require.NoError(t, err)

	result, err := eng.StartDebuggingSession(context.Background(), "ask", nil)
	require.NoError(t, err)
	assert.Equal(t, "LIVE", result)
}

func TestCallOutsideSession(t *testing.T) {
	result, err := replay.Call(context.Background(), "anything",
		func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

type fakeSource struct {
	trace model.Trace
	err   error
}

func (f fakeSource) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	if f.err != nil {
		return model.Trace{}, f.err
	}
	return f.trace, nil
}
