package model

// Trace is the ordered set of spans produced by one end-to-end agent
// execution, plus trace-level metadata. Spans are kept in the order they
// were inserted or queried; every span must share TraceID.
//
// Parent links are not validated at write time (a child span may be
// persisted before its ancestors land), but lineage reconstruction relies
// on every non-nil ParentSpanID resolving within the trace once it is
// complete.
type Trace struct {
	TraceID    string `json:"trace_id"`
	RootSpanID string `json:"root_span_id"`
	Spans      []Span `json:"spans"`

	AgentID      string         `json:"agent_id,omitempty"`
	AgentVersion string         `json:"agent_version,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	StartTimeNS  int64          `json:"start_time_ns"`
	EndTimeNS    *int64         `json:"end_time_ns,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SpanByID returns the span with the given ID and true if present.
func (t *Trace) SpanByID(spanID string) (Span, bool) {
	for _, s := range t.Spans {
		if s.SpanID == spanID {
			return s, true
		}
	}
	return Span{}, false
}

// Ancestors returns the ancestor chain of the given span, ordered
// root-first (furthest ancestor at index 0, immediate parent last).
// The walk stops at the first parent link that does not resolve within
// the trace, so a trace with missing ancestors yields a partial chain.
// It is also bounded by the span count, so corrupt data with cyclic
// parent links yields a partial chain instead of looping forever.
func (t *Trace) Ancestors(spanID string) []Span {
	byID := make(map[string]Span, len(t.Spans))
	for _, s := range t.Spans {
		byID[s.SpanID] = s
	}

	var chain []Span
	target, ok := byID[spanID]
	if !ok {
		return nil
	}
	current := target.ParentSpanID
	for depth := 0; current != nil && depth < len(t.Spans); depth++ {
		parent, ok := byID[*current]
		if !ok {
			break
		}
		chain = append([]Span{parent}, chain...)
		current = parent.ParentSpanID
	}
	return chain
}
