package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearstone-ai/clearstone/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS spans (
    span_id TEXT PRIMARY KEY,
    trace_id TEXT NOT NULL,
    parent_span_id TEXT,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    start_time_ns BIGINT NOT NULL,
    end_time_ns BIGINT,
    status TEXT NOT NULL,
    attributes_json TEXT,
    events_json TEXT,
    links_json TEXT,
    policy_decisions_json TEXT,
    input_snapshot_json TEXT,
    output_snapshot_json TEXT,
    error_message TEXT,
    error_stacktrace TEXT,
    instrumentation_name TEXT NOT NULL,
    instrumentation_version TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_start_time ON spans(start_time_ns);
`

const postgresUpsert = `
INSERT INTO spans (
    span_id, trace_id, parent_span_id, name, kind,
    start_time_ns, end_time_ns, status,
    attributes_json, events_json, links_json, policy_decisions_json,
    input_snapshot_json, output_snapshot_json,
    error_message, error_stacktrace,
    instrumentation_name, instrumentation_version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (span_id) DO UPDATE SET
    trace_id = EXCLUDED.trace_id,
    parent_span_id = EXCLUDED.parent_span_id,
    name = EXCLUDED.name,
    kind = EXCLUDED.kind,
    start_time_ns = EXCLUDED.start_time_ns,
    end_time_ns = EXCLUDED.end_time_ns,
    status = EXCLUDED.status,
    attributes_json = EXCLUDED.attributes_json,
    events_json = EXCLUDED.events_json,
    links_json = EXCLUDED.links_json,
    policy_decisions_json = EXCLUDED.policy_decisions_json,
    input_snapshot_json = EXCLUDED.input_snapshot_json,
    output_snapshot_json = EXCLUDED.output_snapshot_json,
    error_message = EXCLUDED.error_message,
    error_stacktrace = EXCLUDED.error_stacktrace,
    instrumentation_name = EXCLUDED.instrumentation_name,
    instrumentation_version = EXCLUDED.instrumentation_version
`

const postgresSelectTrace = `
SELECT span_id, trace_id, parent_span_id, name, kind,
       start_time_ns, end_time_ns, status,
       attributes_json, events_json, links_json, policy_decisions_json,
       input_snapshot_json, output_snapshot_json,
       error_message, error_stacktrace,
       instrumentation_name, instrumentation_version
FROM spans WHERE trace_id = $1 ORDER BY start_time_ns
`

// PostgresStore persists spans to PostgreSQL for shared deployments where
// multiple agent processes write into one trace database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at dsn, verifies connectivity,
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// WriteSpans upserts the batch inside one transaction, retrying on
// transient serialization/deadlock failures.
func (s *PostgresStore) WriteSpans(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}

	rows := make([]spanRow, len(spans))
	for i, span := range spans {
		row, err := toRow(span)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	return withRetry(ctx, s.logger, 3, 50*time.Millisecond, func() error {
		return s.writeRows(ctx, rows)
	})
}

func (s *PostgresStore) writeRows(ctx context.Context, rows []spanRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin write tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(postgresUpsert,
			r.SpanID, r.TraceID, r.ParentSpanID, r.Name, r.Kind,
			r.StartTimeNS, r.EndTimeNS, r.Status,
			r.AttributesJSON, r.EventsJSON, r.LinksJSON, r.PolicyDecisionsJSON,
			r.InputSnapshotJSON, r.OutputSnapshotJSON,
			r.ErrorMessage, r.ErrorStacktrace,
			r.InstrumentationName, r.InstrumentationVersion,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: send span batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit write tx: %w", err)
	}
	return nil
}

// GetTrace loads all spans for traceID ordered by start time.
func (s *PostgresStore) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	rows, err := s.pool.Query(ctx, postgresSelectTrace, traceID)
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: query trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var r spanRow
		if err := rows.Scan(
			&r.SpanID, &r.TraceID, &r.ParentSpanID, &r.Name, &r.Kind,
			&r.StartTimeNS, &r.EndTimeNS, &r.Status,
			&r.AttributesJSON, &r.EventsJSON, &r.LinksJSON, &r.PolicyDecisionsJSON,
			&r.InputSnapshotJSON, &r.OutputSnapshotJSON,
			&r.ErrorMessage, &r.ErrorStacktrace,
			&r.InstrumentationName, &r.InstrumentationVersion,
		); err != nil {
			return model.Trace{}, fmt.Errorf("storage: scan span row: %w", err)
		}
		span, err := r.toSpan()
		if err != nil {
			return model.Trace{}, err
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return model.Trace{}, fmt.Errorf("storage: iterate trace %s: %w", traceID, err)
	}
	if len(spans) == 0 {
		return model.Trace{}, fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
	}

	return buildTrace(traceID, spans), nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
