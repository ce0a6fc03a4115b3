package checkpoint_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstone-ai/clearstone/internal/agent"
	"github.com/clearstone-ai/clearstone/internal/checkpoint"
	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/serialization"
)

type analyst struct {
	Findings []string
	Budget   float64
}

func (a *analyst) ExportState() (map[string]any, error) {
	return map[string]any{"findings": a.Findings, "budget": a.Budget}, nil
}

type opaque struct{} // no state export

func ptr[T any](v T) *T { return &v }

func chainTrace() model.Trace {
	// s1 (root) → s2 → s3
	return model.Trace{
		TraceID:    "t1",
		RootSpanID: "s1",
		Spans: []model.Span{
			{TraceID: "t1", SpanID: "s1", Name: "agent.run", StartTimeNS: 100},
			{TraceID: "t1", SpanID: "s2", ParentSpanID: ptr("s1"), Name: "agent.think", StartTimeNS: 200},
			{TraceID: "t1", SpanID: "s3", ParentSpanID: ptr("s2"), Name: "tool.calc", StartTimeNS: 300},
		},
	}
}

func newManager(t *testing.T) (*checkpoint.Manager, *agent.Registry) {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("examples/finops.Analyst", func() any { return &analyst{} }))
	m, err := checkpoint.NewManager(t.TempDir(), "0.1.0", reg, slog.Default())
	require.NoError(t, err)
	return m, reg
}

func TestCreateBuildsRootFirstAncestry(t *testing.T) {
	m, _ := newManager(t)
	ag := &analyst{Findings: []string{"overprovisioned"}, Budget: 12.5}

	ckpt, err := m.Create(ag, chainTrace(), "s3")
	require.NoError(t, err)

	assert.Equal(t, "t1", ckpt.TraceID)
	assert.Equal(t, "s3", ckpt.SpanID)
	assert.Equal(t, "tool.calc", ckpt.CurrentSpan.Name)
	assert.Equal(t, "examples/finops.Analyst", ckpt.AgentClassPath)
	assert.NotZero(t, ckpt.TimestampNS)

	require.Len(t, ckpt.UpstreamSpans, 2)
	assert.Equal(t, "s1", ckpt.UpstreamSpans[0].SpanID, "chain must be root-first")
	assert.Equal(t, "s2", ckpt.UpstreamSpans[1].SpanID)

	state, err := serialization.Deserialize(ckpt.AgentState)
	require.NoError(t, err)
	m2, ok := state.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 12.5, m2["budget"])
}

func TestCreateAtRootHasNoAncestors(t *testing.T) {
	m, _ := newManager(t)
	ckpt, err := m.Create(&analyst{}, chainTrace(), "s1")
	require.NoError(t, err)
	assert.Empty(t, ckpt.UpstreamSpans)
}

func TestCreateRejectsUnknownSpan(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Create(&analyst{}, chainTrace(), "nope")
	require.ErrorIs(t, err, checkpoint.ErrSpanNotFound)
}

func TestCreateRejectsAgentWithoutStateExport(t *testing.T) {
	m, reg := newManager(t)
	require.NoError(t, reg.Register("examples/opaque.Agent", func() any { return &opaque{} }))
	_, err := m.Create(&opaque{}, chainTrace(), "s1")
	require.ErrorIs(t, err, checkpoint.ErrNotCheckpointable)
}

func TestCreateRejectsUnregisteredAgent(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Create(&struct{ analyst }{}, chainTrace(), "s1")
	require.ErrorIs(t, err, checkpoint.ErrUnregistered)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	m, _ := newManager(t)
	ckpt, err := m.Create(&analyst{Budget: 3}, chainTrace(), "s3")
	require.NoError(t, err)

	path := m.Path(ckpt)
	assert.Equal(t, "t1_"+ckpt.CheckpointID+".ckpt", filepath.Base(path))

	loaded, err := m.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ckpt, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Load(filepath.Join(t.TempDir(), "nope.ckpt"))
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestLoadCorruptFile(t *testing.T) {
	m, _ := newManager(t)
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("{{not json"), 0o644))
	_, err := m.Load(path)
	require.ErrorIs(t, err, checkpoint.ErrCorrupt)
}
