// Package storage persists spans and reconstructs traces. Two backends
// implement TraceStore: an embedded SQLite database (the default, suitable
// for local agent development) and PostgreSQL for shared deployments.
//
// Both use the same flat span table keyed by span_id, indexed by trace_id
// and start_time_ns. Writes are batched, transactional, and idempotent —
// re-writing a span id overwrites the previous row (last write wins),
// which makes buffer retries safe.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clearstone-ai/clearstone/internal/model"
)

// ErrNotFound is returned when a requested trace does not exist.
var ErrNotFound = errors.New("storage: not found")

// TraceStore is a durable, queryable span store.
type TraceStore interface {
	// WriteSpans persists a batch atomically: either every span in the
	// batch lands or none do.
	WriteSpans(ctx context.Context, spans []model.Span) error

	// GetTrace loads every persisted span with the given trace id, ordered
	// by start time, and reconstructs the trace. Returns ErrNotFound when
	// no spans exist for the id.
	GetTrace(ctx context.Context, traceID string) (model.Trace, error)

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}

// spanRow is the flat wire form of a span in either backend. Structured
// fields travel as JSON text columns.
type spanRow struct {
	SpanID                 string
	TraceID                string
	ParentSpanID           *string
	Name                   string
	Kind                   string
	StartTimeNS            int64
	EndTimeNS              *int64
	Status                 string
	AttributesJSON         *string
	EventsJSON             *string
	LinksJSON              *string
	PolicyDecisionsJSON    *string
	InputSnapshotJSON      *string
	OutputSnapshotJSON     *string
	ErrorMessage           *string
	ErrorStacktrace        *string
	InstrumentationName    string
	InstrumentationVersion string
}

func toRow(s model.Span) (spanRow, error) {
	row := spanRow{
		SpanID:                 s.SpanID,
		TraceID:                s.TraceID,
		ParentSpanID:           s.ParentSpanID,
		Name:                   s.Name,
		Kind:                   string(s.Kind),
		StartTimeNS:            s.StartTimeNS,
		EndTimeNS:              s.EndTimeNS,
		Status:                 string(s.Status),
		ErrorMessage:           s.ErrorMessage,
		ErrorStacktrace:        s.ErrorStacktrace,
		InstrumentationName:    s.InstrumentationName,
		InstrumentationVersion: s.InstrumentationVersion,
	}

	var err error
	if row.AttributesJSON, err = marshalColumn(s.Attributes, len(s.Attributes) > 0); err != nil {
		return spanRow{}, fmt.Errorf("storage: encode attributes for span %s: %w", s.SpanID, err)
	}
	if row.EventsJSON, err = marshalColumn(s.Events, len(s.Events) > 0); err != nil {
		return spanRow{}, fmt.Errorf("storage: encode events for span %s: %w", s.SpanID, err)
	}
	if row.LinksJSON, err = marshalColumn(s.Links, len(s.Links) > 0); err != nil {
		return spanRow{}, fmt.Errorf("storage: encode links for span %s: %w", s.SpanID, err)
	}
	if row.PolicyDecisionsJSON, err = marshalColumn(s.PolicyDecisions, len(s.PolicyDecisions) > 0); err != nil {
		return spanRow{}, fmt.Errorf("storage: encode policy decisions for span %s: %w", s.SpanID, err)
	}
	if row.InputSnapshotJSON, err = marshalColumn(s.InputSnapshot, s.InputSnapshot != nil); err != nil {
		return spanRow{}, fmt.Errorf("storage: encode input snapshot for span %s: %w", s.SpanID, err)
	}
	if row.OutputSnapshotJSON, err = marshalColumn(s.OutputSnapshot, s.OutputSnapshot != nil); err != nil {
		return spanRow{}, fmt.Errorf("storage: encode output snapshot for span %s: %w", s.SpanID, err)
	}
	return row, nil
}

func marshalColumn(v any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func (r spanRow) toSpan() (model.Span, error) {
	s := model.Span{
		SpanID:                 r.SpanID,
		TraceID:                r.TraceID,
		ParentSpanID:           r.ParentSpanID,
		Name:                   r.Name,
		Kind:                   model.SpanKind(r.Kind),
		StartTimeNS:            r.StartTimeNS,
		EndTimeNS:              r.EndTimeNS,
		Status:                 model.SpanStatus(r.Status),
		ErrorMessage:           r.ErrorMessage,
		ErrorStacktrace:        r.ErrorStacktrace,
		InstrumentationName:    r.InstrumentationName,
		InstrumentationVersion: r.InstrumentationVersion,
	}

	if err := unmarshalColumn(r.AttributesJSON, &s.Attributes); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode attributes for span %s: %w", r.SpanID, err)
	}
	if err := unmarshalColumn(r.EventsJSON, &s.Events); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode events for span %s: %w", r.SpanID, err)
	}
	if err := unmarshalColumn(r.LinksJSON, &s.Links); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode links for span %s: %w", r.SpanID, err)
	}
	if err := unmarshalColumn(r.PolicyDecisionsJSON, &s.PolicyDecisions); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode policy decisions for span %s: %w", r.SpanID, err)
	}
	if err := unmarshalColumn(r.InputSnapshotJSON, &s.InputSnapshot); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode input snapshot for span %s: %w", r.SpanID, err)
	}
	if err := unmarshalColumn(r.OutputSnapshotJSON, &s.OutputSnapshot); err != nil {
		return model.Span{}, fmt.Errorf("storage: decode output snapshot for span %s: %w", r.SpanID, err)
	}
	if s.Attributes == nil {
		s.Attributes = map[string]any{}
	}
	return s, nil
}

func unmarshalColumn(col *string, dst any) error {
	if col == nil || *col == "" {
		return nil
	}
	return json.Unmarshal([]byte(*col), dst)
}

// buildTrace assembles a Trace from spans already ordered by start time.
// Trace-level agent metadata is not stored per-span and is left empty —
// it is not needed for replay matching. Identity and timing fields are
// derived from the span rows.
func buildTrace(traceID string, spans []model.Span) model.Trace {
	t := model.Trace{
		TraceID: traceID,
		Spans:   spans,
	}
	if len(spans) == 0 {
		return t
	}
	t.StartTimeNS = spans[0].StartTimeNS
	var latestEnd *int64
	for _, s := range spans {
		if s.ParentSpanID == nil && t.RootSpanID == "" {
			t.RootSpanID = s.SpanID
		}
		if s.EndTimeNS != nil && (latestEnd == nil || *s.EndTimeNS > *latestEnd) {
			end := *s.EndTimeNS
			latestEnd = &end
		}
	}
	t.EndTimeNS = latestEnd
	return t
}
