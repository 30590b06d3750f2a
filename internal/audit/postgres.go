package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/agentmesh/internal/apperr"
)

// PostgresSink persists audit events to a Postgres table via a
// connection pool, shared across every coordinator process instance
// that appends to the audit log concurrently.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the audit schema exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.Internal("connecting to audit database", err)
	}

	sink := &PostgresSink{pool: pool}
	if err := sink.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		detail JSONB NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_agent_id ON audit_events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return apperr.Internal("initializing audit schema", err)
	}
	return nil
}

// Write inserts events inside one transaction, one INSERT per event.
func (s *PostgresSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := make([][]interface{}, 0, len(events))
	for _, evt := range events {
		detail := evt.Detail
		if detail == nil {
			detail = map[string]interface{}{}
		}
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return apperr.Internal(fmt.Sprintf("serializing audit event %q detail", evt.ID), err)
		}
		batch = append(batch, []interface{}{evt.ID, evt.Type, evt.AgentID, evt.Resource, evt.OccurredAt, string(detailJSON)})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Internal("starting audit write transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range batch {
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_events (id, type, agent_id, resource, occurred_at, detail)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, row...)
		if err != nil {
			return apperr.Internal("inserting audit event batch", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal("committing audit write transaction", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// QueryFilters narrows a historical audit query.
type QueryFilters struct {
	Type     string
	AgentID  string
	Resource string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Query returns events matching filters, most recent first.
func (s *PostgresSink) Query(ctx context.Context, filters QueryFilters) ([]Event, error) {
	query := `SELECT id, type, agent_id, resource, occurred_at, detail FROM audit_events WHERE 1=1`
	args := []interface{}{}
	argN := 0
	next := func() int {
		argN++
		return argN
	}

	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", next())
		args = append(args, filters.Type)
	}
	if filters.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", next())
		args = append(args, filters.AgentID)
	}
	if filters.Resource != "" {
		query += fmt.Sprintf(" AND resource = $%d", next())
		args = append(args, filters.Resource)
	}
	if !filters.Since.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", next())
		args = append(args, filters.Since)
	}
	if !filters.Until.IsZero() {
		query += fmt.Sprintf(" AND occurred_at <= $%d", next())
		args = append(args, filters.Until)
	}

	query += " ORDER BY occurred_at DESC"

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", next())
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal("querying audit events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		var detailJSON string
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.AgentID, &evt.Resource, &evt.OccurredAt, &detailJSON); err != nil {
			return nil, apperr.Internal("scanning audit event row", err)
		}
		if detailJSON != "" {
			if err := json.Unmarshal([]byte(detailJSON), &evt.Detail); err != nil {
				return nil, apperr.Internal(fmt.Sprintf("deserializing audit event %q detail", evt.ID), err)
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterating audit event rows", err)
	}
	return out, nil
}
