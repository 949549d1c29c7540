package pipeline

import (
	"fmt"
	"sort"
)

// ErrCycleDetected is returned when the subgraph reachable from a trigger is
// not a DAG — it should never happen for a graph that satisfies invariant
// I4, but the compiler does not trust stored data blindly.
var ErrCycleDetected = fmt.Errorf("pipeline: cycle detected in reachable script subgraph")

// ErrChainTooDeep is returned when compiling a trigger's subgraph would
// require more than MaxChainDepth layers.
var ErrChainTooDeep = fmt.Errorf("pipeline: execution plan exceeds MAX_CHAIN_DEPTH layers")

// ErrTriggerNotFound is returned when triggerID does not name a trigger node.
var ErrTriggerNotFound = fmt.Errorf("pipeline: trigger node not found")

// Compile builds the ExecutionPlan for the trigger node triggerID within g.
//
// Algorithm (§4.2): BFS from the trigger, retaining only script nodes;
// in-degrees are computed restricted to the reachable scripts, with edges
// from the trigger itself seeding layer 0 without contributing to in-degree;
// Kahn's algorithm then produces the layer sequence.
func Compile(g *Graph, triggerID string) (*ExecutionPlan, error) {
	trigger, ok := g.Nodes[triggerID]
	if !ok || trigger.Kind != NodeTrigger {
		return nil, ErrTriggerNotFound
	}

	reachable := reachableScripts(g, triggerID)
	indegree := make(map[string]int, len(reachable))
	adjacency := make(map[string][]string, len(reachable))
	for id := range reachable {
		indegree[id] = 0
	}
	for _, e := range g.Edges {
		if e.From == triggerID {
			// Layer-0 seed: does not contribute to in-degree.
			continue
		}
		if _, fromReachable := reachable[e.From]; !fromReachable {
			continue
		}
		if _, toReachable := reachable[e.To]; !toReachable {
			continue
		}
		indegree[e.To]++
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	var layers [][]string
	remaining := len(reachable)
	assigned := make(map[string]bool, len(reachable))

	for remaining > 0 {
		var layer []string
		for id := range reachable {
			if assigned[id] {
				continue
			}
			if indegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, ErrCycleDetected
		}
		if len(layers) >= MaxChainDepth {
			return nil, ErrChainTooDeep
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, id := range layer {
			assigned[id] = true
			remaining--
			for _, next := range adjacency[id] {
				indegree[next]--
			}
		}
	}

	plan := &ExecutionPlan{Hook: trigger.Hook, Mode: trigger.Mode, Layers: make([][]string, len(layers))}
	for i, layer := range layers {
		ids := make([]string, len(layer))
		for j, nodeID := range layer {
			ids[j] = g.Nodes[nodeID].ScriptID
		}
		plan.Layers[i] = ids
	}
	return plan, nil
}

// reachableScripts performs the BFS of step 1: traverse from the trigger
// over the whole graph, collecting every script-kind node encountered.
func reachableScripts(g *Graph, triggerID string) map[string]struct{} {
	visited := map[string]struct{}{triggerID: {}}
	reachable := make(map[string]struct{})
	queue := []string{triggerID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.outEdges(cur) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			if node, ok := g.Nodes[next]; ok && node.Kind == NodeScript {
				reachable[next] = struct{}{}
			}
			queue = append(queue, next)
		}
	}
	return reachable
}
