package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func chainGraph(depth int) *Graph {
	g := &Graph{Nodes: map[string]Node{
		"trigger": {ID: "trigger", Kind: NodeTrigger, Hook: "before_signin", Mode: ModeBlocking},
	}}
	prev := "trigger"
	for i := 0; i < depth; i++ {
		id := fmt.Sprintf("s%d", i)
		g.Nodes[id] = Node{ID: id, Kind: NodeScript, ScriptID: id}
		g.Edges = append(g.Edges, Edge{From: prev, To: id})
		prev = id
	}
	return g
}

func TestCompile_ExactlyMaxChainDepthAccepted(t *testing.T) {
	g := chainGraph(MaxChainDepth)
	plan, err := Compile(g, "trigger")
	require.NoError(t, err)
	require.Len(t, plan.Layers, MaxChainDepth)
}

func TestCompile_OneMoreThanMaxChainDepthRejected(t *testing.T) {
	g := chainGraph(MaxChainDepth + 1)
	_, err := Compile(g, "trigger")
	require.ErrorIs(t, err, ErrChainTooDeep)
}

func TestCompile_CycleDetected(t *testing.T) {
	g := &Graph{Nodes: map[string]Node{
		"trigger": {ID: "trigger", Kind: NodeTrigger, Hook: "before_signin", Mode: ModeBlocking},
		"a":       {ID: "a", Kind: NodeScript, ScriptID: "a"},
		"b":       {ID: "b", Kind: NodeScript, ScriptID: "b"},
	}, Edges: []Edge{
		{From: "trigger", To: "a"},
		{From: "a", To: "b"},
		{From: "b", To: "a"},
	}}
	_, err := Compile(g, "trigger")
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestCompile_ParallelLayerIsSortedDeterministically(t *testing.T) {
	g := &Graph{Nodes: map[string]Node{
		"trigger": {ID: "trigger", Kind: NodeTrigger, Hook: "before_signin", Mode: ModeBlocking},
		"b":       {ID: "b", Kind: NodeScript, ScriptID: "b"},
		"a":       {ID: "a", Kind: NodeScript, ScriptID: "a"},
	}, Edges: []Edge{
		{From: "trigger", To: "b"},
		{From: "trigger", To: "a"},
	}}
	plan, err := Compile(g, "trigger")
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, []string{"a", "b"}, plan.Layers[0])
}

func TestCompile_TriggerNotFound(t *testing.T) {
	g := &Graph{Nodes: map[string]Node{}}
	_, err := Compile(g, "missing")
	require.ErrorIs(t, err, ErrTriggerNotFound)
}
