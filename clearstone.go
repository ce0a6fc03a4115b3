// Package clearstone is the public API for embedding the Clearstone agent
// observability and time-travel-replay library.
//
// Applications construct one Provider, take tracers from it, and shut it
// down on exit:
//
//	cs, err := clearstone.New(
//	    clearstone.WithVersion(version),
//	    clearstone.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer cs.Shutdown(context.Background())
//
//	tr := cs.GetTracer("billing-agent")
//	ctx, span := tr.Start(ctx, "agent.plan")
//	defer span.End(nil)
//
// The import graph enforces a strict no-cycle rule: clearstone (root)
// imports internal/*, but internal/* never imports clearstone (root).
package clearstone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joho/godotenv"

	"github.com/clearstone-ai/clearstone/internal/agent"
	"github.com/clearstone-ai/clearstone/internal/checkpoint"
	"github.com/clearstone-ai/clearstone/internal/config"
	"github.com/clearstone-ai/clearstone/internal/model"
	"github.com/clearstone-ai/clearstone/internal/replay"
	"github.com/clearstone-ai/clearstone/internal/service/trace"
	"github.com/clearstone-ai/clearstone/internal/storage"
	"github.com/clearstone-ai/clearstone/internal/telemetry"
	"github.com/clearstone-ai/clearstone/internal/tracer"
)

// Provider owns the tracing pipeline: the trace store, the span buffer,
// the agent registry, and every tracer handed out. Construct with New(),
// stop with Shutdown().
type Provider struct {
	cfg          config.Config
	store        storage.TraceStore
	buf          *trace.Buffer
	registry     *agent.Registry
	ckptMgr      *checkpoint.Manager
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	mu      sync.Mutex
	tracers map[string]*tracer.Tracer
	closed  bool
}

// New initialises the library: loads configuration, opens the trace store
// (Postgres when a database URL is configured, embedded SQLite otherwise),
// starts the span buffer, and wires telemetry. The returned Provider is
// ready for GetTracer immediately.
func New(opts ...Option) (*Provider, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.checkpointDir != "" {
		cfg.CheckpointDir = o.checkpointDir
	}
	if o.spanBufferSize > 0 {
		cfg.SpanBufferSize = o.spanBufferSize
	}
	if o.spanFlushInterval > 0 {
		cfg.SpanFlushInterval = o.spanFlushInterval
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("clearstone starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var store storage.TraceStore
	if cfg.DatabaseURL != "" {
		store, err = storage.NewPostgresStore(context.Background(), cfg.DatabaseURL, logger)
	} else {
		store, err = storage.NewSQLiteStore(context.Background(), cfg.DatabasePath, logger)
	}
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	registry := agent.NewRegistry()

	ckptMgr, err := checkpoint.NewManager(cfg.CheckpointDir, version, registry, logger)
	if err != nil {
		_ = store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	buf := trace.NewBuffer(store, logger, cfg.SpanBufferSize, cfg.SpanFlushInterval)
	buf.Start(context.Background())

	return &Provider{
		cfg:          cfg,
		store:        store,
		buf:          buf,
		registry:     registry,
		ckptMgr:      ckptMgr,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		tracers:      make(map[string]*tracer.Tracer),
	}, nil
}

// GetTracer returns the tracer registered under name, creating it on first
// use. Tracers share the provider's span buffer; each name gets its own
// trace identifier.
func (p *Provider) GetTracer(name string, opts ...TracerOption) *Tracer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tracers[name]; ok {
		return t
	}

	base := []tracer.Option{
		tracer.WithSink(p.buf),
		tracer.WithVersion(p.version),
		tracer.WithMaxSnapshotBytes(p.cfg.MaxSnapshotBytes),
	}
	t := tracer.New(name, append(base, opts...)...)
	p.tracers[name] = t
	return t
}

// RegisterAgent binds a class path to an agent factory so checkpoints of
// that agent type can be created and later rehydrated. Register every
// checkpointable agent type at startup.
func (p *Provider) RegisterAgent(classPath string, factory AgentFactory) error {
	return p.registry.Register(classPath, agent.Factory(factory))
}

// CreateCheckpoint captures the agent's state at the given span of a
// stored trace and persists it as a checkpoint file. The span buffer is
// flushed first so recently ended spans are part of the ancestry.
func (p *Provider) CreateCheckpoint(ctx context.Context, ag any, traceID, spanID string) (model.Checkpoint, error) {
	p.buf.Flush(ctx)
	tr, err := p.store.GetTrace(ctx, traceID)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("clearstone: load trace %q: %w", traceID, err)
	}
	return p.ckptMgr.Create(ag, tr, spanID)
}

// LoadCheckpoint reads a checkpoint file from disk.
func (p *Provider) LoadCheckpoint(path string) (model.Checkpoint, error) {
	return p.ckptMgr.Load(path)
}

// CheckpointPath returns the file path a checkpoint is stored at.
func (p *Provider) CheckpointPath(ckpt model.Checkpoint) string {
	return p.ckptMgr.Path(ckpt)
}

// NewReplayEngine rehydrates the checkpointed agent using the provider's
// registry and trace store.
func (p *Provider) NewReplayEngine(ckpt model.Checkpoint) (*replay.Engine, error) {
	return replay.NewEngine(ckpt, p.registry,
		replay.WithTraceSource(p.store),
		replay.WithLogger(p.logger),
	)
}

// GetTrace reads a stored trace back, flushing the span buffer first so
// recently ended spans are visible.
func (p *Provider) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	p.buf.Flush(ctx)
	return p.store.GetTrace(ctx, traceID)
}

// Flush synchronously writes out all buffered spans.
func (p *Provider) Flush(ctx context.Context) {
	p.buf.Flush(ctx)
}

// Shutdown drains the span buffer, closes the trace store, and shuts down
// telemetry. Idempotent; the provider is unusable afterwards.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("clearstone shutting down")

	p.buf.Drain(ctx)
	if dropped := p.buf.DroppedSpans(); dropped > 0 {
		p.logger.Warn("clearstone: spans were dropped during this run", "dropped", dropped)
	}

	var firstErr error
	if err := p.store.Close(ctx); err != nil {
		p.logger.Error("store close error", "error", err)
		firstErr = err
	}
	if err := p.otelShutdown(context.Background()); err != nil {
		p.logger.Error("telemetry shutdown error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	p.logger.Info("clearstone stopped")
	return firstErr
}
