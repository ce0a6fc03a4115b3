package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/clearstone-ai/clearstone/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spans (
    span_id TEXT PRIMARY KEY,
    trace_id TEXT NOT NULL,
    parent_span_id TEXT,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    start_time_ns INTEGER NOT NULL,
    end_time_ns INTEGER,
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

const sqliteUpsert = `
INSERT INTO spans (
    span_id, trace_id, parent_span_id, name, kind,
    start_time_ns, end_time_ns, status,
    attributes_json, events_json, links_json, policy_decisions_json,
    input_snapshot_json, output_snapshot_json,
    error_message, error_stacktrace,
    instrumentation_name, instrumentation_version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(span_id) DO UPDATE SET
    trace_id = excluded.trace_id,
    parent_span_id = excluded.parent_span_id,
    name = excluded.name,
    kind = excluded.kind,
    start_time_ns = excluded.start_time_ns,
    end_time_ns = excluded.end_time_ns,
    status = excluded.status,
    attributes_json = excluded.attributes_json,
    events_json = excluded.events_json,
    links_json = excluded.links_json,
    policy_decisions_json = excluded.policy_decisions_json,
    input_snapshot_json = excluded.input_snapshot_json,
    output_snapshot_json = excluded.output_snapshot_json,
    error_message = excluded.error_message,
    error_stacktrace = excluded.error_stacktrace,
    instrumentation_name = excluded.instrumentation_name,
    instrumentation_version = excluded.instrumentation_version
`

const sqliteSelectTrace = `
SELECT span_id, trace_id, parent_span_id, name, kind,
       start_time_ns, end_time_ns, status,
       attributes_json, events_json, links_json, policy_decisions_json,
       input_snapshot_json, output_snapshot_json,
       error_message, error_stacktrace,
       instrumentation_name, instrumentation_version
FROM spans WHERE trace_id = ? ORDER BY start_time_ns
`

// SQLiteStore persists spans to an embedded SQLite database. WAL journal
// mode keeps concurrent readers cheap while the buffer's single background
// writer flushes batches.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// WriteSpans upserts the batch inside one transaction.
func (s *SQLiteStore) WriteSpans(ctx context.Context, spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("storage: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		row, err := toRow(span)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			row.SpanID, row.TraceID, row.ParentSpanID, row.Name, row.Kind,
			row.StartTimeNS, row.EndTimeNS, row.Status,
			row.AttributesJSON, row.EventsJSON, row.LinksJSON, row.PolicyDecisionsJSON,
			row.InputSnapshotJSON, row.OutputSnapshotJSON,
			row.ErrorMessage, row.ErrorStacktrace,
			row.InstrumentationName, row.InstrumentationVersion,
		); err != nil {
			return fmt.Errorf("storage: upsert span %s: %w", span.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit write tx: %w", err)
	}
	return nil
}

// GetTrace loads all spans for traceID ordered by start time.
func (s *SQLiteStore) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectTrace, traceID)
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

// Close closes the underlying database handle.
func (s *SQLiteStore) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("storage: close sqlite: %w", err)
	}
	return nil
}
