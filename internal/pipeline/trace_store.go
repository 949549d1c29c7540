package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresTraceStore persists Traces and Spans via database/sql + lib/pq,
// grounded on the same $N-parameterized query style as authz's
// PostgresTupleStore.
type PostgresTraceStore struct {
	db *sql.DB
}

// NewPostgresTraceStore constructs a PostgresTraceStore.
func NewPostgresTraceStore(db *sql.DB) *PostgresTraceStore {
	return &PostgresTraceStore{db: db}
}

func (s *PostgresTraceStore) SaveTrace(t *Trace) error {
	snapshot, err := json.Marshal(t.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("pipeline: marshal trace context snapshot: %w", err)
	}
	result, err := json.Marshal(t.ResultData)
	if err != nil {
		return fmt.Errorf("pipeline: marshal trace result data: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO traces (id, trigger_event, status, started_at, ended_at, duration_ms, user_id, context_snapshot, result_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms, result_data = EXCLUDED.result_data
	`, t.ID, string(t.TriggerEvent), string(t.Status), t.StartedAt, t.EndedAt, t.DurationMs, t.UserID, snapshot, result)
	return err
}

func (s *PostgresTraceStore) SaveSpan(sp *Span) error {
	attrs, err := json.Marshal(sp.Attributes)
	if err != nil {
		return fmt.Errorf("pipeline: marshal span attributes: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
		INSERT INTO spans (trace_id, parent_span_id, script_id, layer_index, parallel_index, status, started_at, ended_at, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (trace_id, script_id, layer_index, parallel_index) DO UPDATE SET
			status = EXCLUDED.status, ended_at = EXCLUDED.ended_at, attributes = EXCLUDED.attributes
	`, sp.TraceID, sp.ParentSpanID, sp.ScriptID, sp.LayerIndex, sp.ParallelIndex, string(sp.Status), sp.StartedAt, sp.EndedAt, attrs)
	return err
}

// PurgeOlderThan deletes traces (and, via FK cascade, their spans) with
// startedAt <= cutoff, implementing §4.6's Cleanup batch purge.
func (s *PostgresTraceStore) PurgeOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(context.Background(), `DELETE FROM traces WHERE started_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
