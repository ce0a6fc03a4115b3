package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstone-ai/clearstone/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestAncestorsRootFirst(t *testing.T) {
	tr := model.Trace{
		TraceID: "t1",
		Spans: []model.Span{
			{SpanID: "a"},
			{SpanID: "b", ParentSpanID: ptr("a")},
			{SpanID: "c", ParentSpanID: ptr("b")},
		},
	}

	chain := tr.Ancestors("c")
	require.Len(t, chain, 2)
	assert.Equal(t, "a", chain[0].SpanID)
	assert.Equal(t, "b", chain[1].SpanID)

	assert.Empty(t, tr.Ancestors("a"), "root has no ancestors")
	assert.Nil(t, tr.Ancestors("missing"))
}

func TestAncestorsStopsAtBrokenLink(t *testing.T) {
	tr := model.Trace{
		TraceID: "t1",
		Spans: []model.Span{
			{SpanID: "b", ParentSpanID: ptr("gone")},
			{SpanID: "c", ParentSpanID: ptr("b")},
		},
	}

	chain := tr.Ancestors("c")
	require.Len(t, chain, 1)
	assert.Equal(t, "b", chain[0].SpanID)
}

func TestAncestorsTerminatesOnCyclicLinks(t *testing.T) {
	// a → b → c → a can only come from corrupt store data; the walk must
	// still terminate with a bounded chain.
	tr := model.Trace{
		TraceID: "t1",
		Spans: []model.Span{
			{SpanID: "a", ParentSpanID: ptr("c")},
			{SpanID: "b", ParentSpanID: ptr("a")},
			{SpanID: "c", ParentSpanID: ptr("b")},
		},
	}

	chain := tr.Ancestors("c")
	assert.LessOrEqual(t, len(chain), len(tr.Spans))
}

func TestSpanDuration(t *testing.T) {
	open := model.Span{StartTimeNS: 100}
	_, ok := open.Duration()
	assert.False(t, ok)

	closed := model.Span{StartTimeNS: 100, EndTimeNS: ptr(int64(350))}
	d, ok := closed.Duration()
	require.True(t, ok)
	assert.EqualValues(t, 250, d)
}

func TestNewIDShape(t *testing.T) {
	id := model.NewID()
	assert.Len(t, id, 32)
	assert.NotEqual(t, id, model.NewID())
}
