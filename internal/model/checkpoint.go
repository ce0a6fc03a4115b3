package model

// Checkpoint is a durable point-in-time capture of an agent's state plus
// its exact position and causal ancestry within a trace. Created by the
// checkpoint manager, immutable thereafter, loaded read-only by the replay
// engine.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"` // point of capture
	TimestampNS  int64  `json:"timestamp_ns"`

	// AgentState is a serialization envelope (see internal/serialization)
	// holding the agent's exported state.
	AgentState string `json:"agent_state"`

	// AgentClassPath identifies the agent's implementation type in the
	// replay registry, e.g. "finops/autopilot.Analyzer".
	AgentClassPath string `json:"agent_class_path"`

	CurrentSpan   Span   `json:"current_span"`
	UpstreamSpans []Span `json:"upstream_spans"` // root-first ancestor chain

	GoVersion         string `json:"go_version"`
	ClearstoneVersion string `json:"clearstone_version"`
}
