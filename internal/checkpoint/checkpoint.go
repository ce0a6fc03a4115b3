// Package checkpoint captures point-in-time snapshots of an agent's state
// and its position within a trace, and persists them as one file per
// checkpoint for later replay.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/clearstone-ai/clearstone/internal/agent"
	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/serialization"
)

var (
	// ErrSpanNotFound is returned when the capture span is not in the trace.
	ErrSpanNotFound = errors.New("checkpoint: span not found in trace")

	// ErrNotCheckpointable is returned when the agent does not expose
	// state extraction (agent.StateExporter).
	ErrNotCheckpointable = errors.New("checkpoint: agent does not export state")

	// ErrUnregistered is returned when the agent's type has no class path
	// in the registry, so a later rehydration could never resolve it.
	ErrUnregistered = errors.New("checkpoint: agent type not registered")

	// ErrNotFound is returned when a checkpoint file does not exist.
	ErrNotFound = errors.New("checkpoint: file not found")

	// ErrCorrupt is returned when a checkpoint file cannot be decoded.
	ErrCorrupt = errors.New("checkpoint: corrupt file")
)

// fileDoc is the on-disk checkpoint document: plain metadata, the capture
// span and its ancestry in structured form, and the agent state as an
// opaque serialization envelope.
type fileDoc struct {
	Metadata      fileMeta     `json:"metadata"`
	CurrentSpan   model.Span   `json:"current_span"`
	UpstreamSpans []model.Span `json:"upstream_spans"`
	AgentState    string       `json:"agent_state"`
}

type fileMeta struct {
	CheckpointID      string `json:"checkpoint_id"`
	TraceID           string `json:"trace_id"`
	SpanID            string `json:"span_id"`
	TimestampNS       int64  `json:"timestamp_ns"`
	AgentClassPath    string `json:"agent_class_path"`
	GoVersion         string `json:"go_version"`
	ClearstoneVersion string `json:"clearstone_version"`
}

// Manager creates, persists, and loads checkpoints.
type Manager struct {
	dir      string
	version  string // library version stamped into checkpoints
	registry *agent.Registry
	logger   *slog.Logger
}

// NewManager creates a Manager writing checkpoint files under dir,
// creating the directory if needed.
func NewManager(dir, version string, registry *agent.Registry, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}
	return &Manager{dir: dir, version: version, registry: registry, logger: logger}, nil
}

// Create captures a checkpoint of ag at the given span within trace and
// persists it. The span must exist in the trace and the agent must expose
// state extraction and be registered for rehydration.
func (m *Manager) Create(ag any, trace model.Trace, spanID string) (model.Checkpoint, error) {
	target, ok := trace.SpanByID(spanID)
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w: span %q in trace %q", ErrSpanNotFound, spanID, trace.TraceID)
	}

	exporter, ok := ag.(agent.StateExporter)
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w: %T", ErrNotCheckpointable, ag)
	}
	classPath, ok := m.registry.NameFor(ag)
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("%w: %T", ErrUnregistered, ag)
	}

	state, err := exporter.ExportState()
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: export state: %w", err)
	}

	ckpt := model.Checkpoint{
		CheckpointID:      "ckpt_" + model.NewID(),
		TraceID:           trace.TraceID,
		SpanID:            spanID,
		TimestampNS:       time.Now().UnixNano(),
		AgentState:        serialization.Serialize(state),
		AgentClassPath:    classPath,
		CurrentSpan:       target,
		UpstreamSpans:     trace.Ancestors(spanID),
		GoVersion:         runtime.Version(),
		ClearstoneVersion: m.version,
	}

	if err := m.save(ckpt); err != nil {
		return model.Checkpoint{}, err
	}
	m.logger.Info("checkpoint: created",
		"checkpoint_id", ckpt.CheckpointID,
		"trace_id", ckpt.TraceID,
		"span", target.Name,
		"upstream_spans", len(ckpt.UpstreamSpans),
	)
	return ckpt, nil
}

// Path returns the file path a checkpoint is stored at.
func (m *Manager) Path(ckpt model.Checkpoint) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s.ckpt", ckpt.TraceID, ckpt.CheckpointID))
}

func (m *Manager) save(ckpt model.Checkpoint) error {
	doc := fileDoc{
		Metadata: fileMeta{
			CheckpointID:      ckpt.CheckpointID,
			TraceID:           ckpt.TraceID,
			SpanID:            ckpt.SpanID,
			TimestampNS:       ckpt.TimestampNS,
			AgentClassPath:    ckpt.AgentClassPath,
			GoVersion:         ckpt.GoVersion,
			ClearstoneVersion: ckpt.ClearstoneVersion,
		},
		CurrentSpan:   ckpt.CurrentSpan,
		UpstreamSpans: ckpt.UpstreamSpans,
		AgentState:    ckpt.AgentState,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", ckpt.CheckpointID, err)
	}
	if err := os.WriteFile(m.Path(ckpt), data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", ckpt.CheckpointID, err)
	}
	return nil
}

// Load reads a checkpoint file back. Returns ErrNotFound when the path
// does not exist and ErrCorrupt when the payload cannot be decoded.
func (m *Manager) Load(path string) (model.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return model.Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if doc.Metadata.CheckpointID == "" || doc.Metadata.TraceID == "" {
		return model.Checkpoint{}, fmt.Errorf("%w: %s: missing metadata", ErrCorrupt, path)
	}

	return model.Checkpoint{
		CheckpointID:      doc.Metadata.CheckpointID,
		TraceID:           doc.Metadata.TraceID,
		SpanID:            doc.Metadata.SpanID,
		TimestampNS:       doc.Metadata.TimestampNS,
		AgentState:        doc.AgentState,
		AgentClassPath:    doc.Metadata.AgentClassPath,
		CurrentSpan:       doc.CurrentSpan,
		UpstreamSpans:     doc.UpstreamSpans,
		GoVersion:         doc.Metadata.GoVersion,
		ClearstoneVersion: doc.Metadata.ClearstoneVersion,
	}, nil
}
