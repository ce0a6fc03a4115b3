package storage_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traces.db")
	store, err := storage.NewSQLiteStore(context.Background(), path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func ptr[T any](v T) *T { return &v }

func testSpan(traceID, spanID string, parent *string, start int64) model.Span {
	end := start + int64(5*time.Millisecond)
	return model.Span{
		TraceID:                traceID,
		SpanID:                 spanID,
		ParentSpanID:           parent,
		Name:                   "agent.step",
		Kind:                   model.SpanKindInternal,
		StartTimeNS:            start,
		EndTimeNS:              &end,
		Status:                 model.SpanStatusOK,
		Attributes:             map[string]any{"step": spanID},
		InstrumentationName:    "test",
		InstrumentationVersion: "0.1.0",
	}
}

func TestWriteAndGetTrace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root := testSpan("t1", "s1", nil, 100)
	child := testSpan("t1", "s2", ptr("s1"), 200)
	child.Events = []model.SpanEvent{{Name: "retry", Timestamp: time.Now().UTC().Truncate(time.Second)}}
	child.Links = []model.SpanLink{{TraceID: "other", SpanID: "x1"}}
	child.PolicyDecisions = []model.PolicyDecision{{PolicyName: "budget", Decision: "allow"}}
	child.InputSnapshot = &model.Snapshot{Captured: true, Data: `{"__type__":"json","value":1}`, SizeBytes: 27}

	// Written out of order; GetTrace must order by start time.
	require.NoError(t, store.WriteSpans(ctx, []model.Span{child, root}))

	trace, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trace.Spans, 2)
	assert.Equal(t, "s1", trace.Spans[0].SpanID)
	assert.Equal(t, "s2", trace.Spans[1].SpanID)
	assert.Equal(t, "s1", trace.RootSpanID)
	assert.Equal(t, int64(100), trace.StartTimeNS)
	require.NotNil(t, trace.EndTimeNS)

	got := trace.Spans[1]
	require.Len(t, got.Events, 1)
	assert.Equal(t, "retry", got.Events[0].Name)
	require.Len(t, got.Links, 1)
	assert.Equal(t, "other", got.Links[0].TraceID)
	require.Len(t, got.PolicyDecisions, 1)
	assert.Equal(t, "allow", got.PolicyDecisions[0].Decision)
	require.NotNil(t, got.InputSnapshot)
	assert.True(t, got.InputSnapshot.Captured)
	require.NotNil(t, got.ParentSpanID)
	assert.Equal(t, "s1", *got.ParentSpanID)
}

func TestGetTraceNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTrace(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIdempotentUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	span := testSpan("t1", "s1", nil, 100)
	span.Attributes["version"] = "first"
	require.NoError(t, store.WriteSpans(ctx, []model.Span{span}))

	span.Attributes["version"] = "second"
	span.Status = model.SpanStatusError
	span.ErrorMessage = ptr("boom")
	require.NoError(t, store.WriteSpans(ctx, []model.Span{span}))

	trace, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trace.Spans, 1, "same span id must overwrite, not duplicate")
	assert.Equal(t, "second", trace.Spans[0].Attributes["version"])
	assert.Equal(t, model.SpanStatusError, trace.Spans[0].Status)
	require.NotNil(t, trace.Spans[0].ErrorMessage)
	assert.Equal(t, "boom", *trace.Spans[0].ErrorMessage)
}

func TestBatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	good := testSpan("t1", "s1", nil, 100)
	bad := testSpan("t1", "s2", nil, 200)
	bad.Attributes["handle"] = make(chan int) // cannot be encoded to a JSON column

	require.Error(t, store.WriteSpans(ctx, []model.Span{good, bad}))

	// Nothing from the failed batch may be visible.
	_, err := store.GetTrace(ctx, "t1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOpenSpanPersists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	span := testSpan("t1", "s1", nil, 100)
	span.EndTimeNS = nil
	span.Status = model.SpanStatusUnset
	require.NoError(t, store.WriteSpans(ctx, []model.Span{span}))

	trace, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, trace.Spans[0].EndTimeNS)
	assert.Nil(t, trace.EndTimeNS, "trace end is undefined while a span is open")
}

func TestTracesAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteSpans(ctx, []model.Span{
		testSpan("t1", "s1", nil, 100),
		testSpan("t2", "s2", nil, 100),
	}))

	trace, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trace.Spans, 1)
	assert.Equal(t, "s1", trace.Spans[0].SpanID)
}

func TestEmptyWriteIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WriteSpans(context.Background(), nil))
}
