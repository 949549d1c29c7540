package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// MemoryGraphStore is an in-memory ScriptLoader + PlanProvider backed by a
// single Pipeline Graph and its compiled plans, one per trigger node. It is
// the engine's working cache: plans are compiled once when the store is
// built, never recomputed per-dispatch.
type MemoryGraphStore struct {
	mu      sync.RWMutex
	graph   *Graph
	scripts map[string]*Script
	plans   map[HookName]*ExecutionPlan
}

// NewMemoryGraphStore builds a store from an initial graph and script set,
// compiling one plan per trigger node up front.
func NewMemoryGraphStore(graph *Graph, scripts map[string]*Script) (*MemoryGraphStore, error) {
	s := &MemoryGraphStore{
		graph:   graph,
		scripts: scripts,
		plans:   make(map[HookName]*ExecutionPlan),
	}
	if err := s.recompile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryGraphStore) recompile() error {
	plans := make(map[HookName]*ExecutionPlan)
	for id, node := range s.graph.Nodes {
		if node.Kind != NodeTrigger {
			continue
		}
		plan, err := Compile(s.graph, id)
		if err != nil {
			return fmt.Errorf("pipeline: compiling trigger %q: %w", id, err)
		}
		plans[node.Hook] = plan
	}
	s.plans = plans
	return nil
}

// GetScript implements ScriptLoader.
func (s *MemoryGraphStore) GetScript(_ context.Context, id string) (*Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	script, ok := s.scripts[id]
	if !ok {
		return nil, fmt.Errorf("pipeline: script %q not found", id)
	}
	return script, nil
}

// GetPlan implements PlanProvider. A hook with no trigger wired to it
// compiles to an empty plan: dispatch succeeds trivially with zero layers.
func (s *MemoryGraphStore) GetPlan(_ context.Context, hook HookName) (*ExecutionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if plan, ok := s.plans[hook]; ok {
		return plan, nil
	}
	mode, ok := ModeFor(hook)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown hook %q", hook)
	}
	return &ExecutionPlan{Hook: hook, Mode: mode}, nil
}

// UpsertScript replaces a script's code. The graph's topology is unaffected
// by a script body change, so plans are not recompiled; this only updates
// the script table.
func (s *MemoryGraphStore) UpsertScript(script *Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[script.ID] = script
}
