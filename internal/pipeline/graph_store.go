package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// PostgresGraphStore loads the Pipeline Graph and its Scripts from Postgres
// via database/sql + lib/pq, compiling one ExecutionPlan per trigger the
// same way MemoryGraphStore does, and caches the compiled result until the
// next Refresh. Grounded on the same load-then-compile shape as
// MemoryGraphStore, with persistence added per the PostgresTraceStore/
// PostgresTupleStore query style.
type PostgresGraphStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache *MemoryGraphStore
}

// NewPostgresGraphStore constructs a PostgresGraphStore. Call Refresh before
// first use; GetScript/GetPlan return an error until a graph is loaded.
func NewPostgresGraphStore(db *sql.DB) *PostgresGraphStore {
	return &PostgresGraphStore{db: db}
}

// Refresh reloads the graph, nodes, edges, and scripts from Postgres and
// recompiles every trigger's plan. Call it on startup and after any
// script/graph mutation.
func (s *PostgresGraphStore) Refresh(ctx context.Context) error {
	graph, scripts, err := s.load(ctx)
	if err != nil {
		return err
	}
	cache, err := NewMemoryGraphStore(graph, scripts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

func (s *PostgresGraphStore) load(ctx context.Context) (*Graph, map[string]*Script, error) {
	scripts, err := s.loadScripts(ctx)
	if err != nil {
		return nil, nil, err
	}
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return nil, nil, err
	}
	edges, err := s.loadEdges(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &Graph{Nodes: nodes, Edges: edges}, scripts, nil
}

func (s *PostgresGraphStore) loadScripts(ctx context.Context) (map[string]*Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, config, created_by, created_at, updated_at FROM pipeline_scripts
	`)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load scripts: %w", err)
	}
	defer rows.Close()

	scripts := make(map[string]*Script)
	for rows.Next() {
		var sc Script
		var config []byte
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Code, &config, &sc.CreatedBy, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pipeline: scan script: %w", err)
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &sc.Config); err != nil {
				return nil, fmt.Errorf("pipeline: unmarshal script config: %w", err)
			}
		}
		scripts[sc.ID] = &sc
	}
	return scripts, rows.Err()
}

func (s *PostgresGraphStore) loadNodes(ctx context.Context) (map[string]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, hook, mode, script_id FROM pipeline_nodes`)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]Node)
	for rows.Next() {
		var n Node
		var kind string
		var hook, mode, scriptID sql.NullString
		if err := rows.Scan(&n.ID, &kind, &hook, &mode, &scriptID); err != nil {
			return nil, fmt.Errorf("pipeline: scan node: %w", err)
		}
		n.Kind = NodeKind(kind)
		n.Hook = HookName(hook.String)
		n.Mode = HookMode(mode.String)
		n.ScriptID = scriptID.String
		nodes[n.ID] = n
	}
	return nodes, rows.Err()
}

func (s *PostgresGraphStore) loadEdges(ctx context.Context) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_node, to_node FROM pipeline_edges`)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			return nil, fmt.Errorf("pipeline: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// GetScript implements ScriptLoader over the cached compile.
func (s *PostgresGraphStore) GetScript(ctx context.Context, id string) (*Script, error) {
	cache, err := s.cached()
	if err != nil {
		return nil, err
	}
	return cache.GetScript(ctx, id)
}

// GetPlan implements PlanProvider over the cached compile.
func (s *PostgresGraphStore) GetPlan(ctx context.Context, hook HookName) (*ExecutionPlan, error) {
	cache, err := s.cached()
	if err != nil {
		return nil, err
	}
	return cache.GetPlan(ctx, hook)
}

func (s *PostgresGraphStore) cached() (*MemoryGraphStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil {
		return nil, fmt.Errorf("pipeline: graph store not loaded, call Refresh first")
	}
	return s.cache, nil
}
