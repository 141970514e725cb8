package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string) GraphNode {
	return GraphNode{ID: id, Labels: []string{"Fact"}, Properties: map[string]any{"text": id}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxBranches = 2
	cfg.MinActivation = 0.01
	return cfg
}

func TestNewTraversalStateSeedsFrontierAndVisited(t *testing.T) {
	seed := node("seed")
	state := NewTraversalState(seed, 0.9, testConfig())

	require.Len(t, state.Frontier(), 1)
	assert.Equal(t, "seed", state.Frontier()[0].NodeID)
	assert.Equal(t, 0.9, state.Frontier()[0].Activation)
	_, visited := state.Visited()["seed"]
	assert.True(t, visited)
	assert.Equal(t, 0, state.Depth())
}

func TestAdvancePerParentBranchLimit(t *testing.T) {
	state := NewTraversalState(node("seed"), 1.0, testConfig())

	candidates := []ExpansionCandidate{
		{ParentID: "seed", NeighborNode: node("a"), TransferEnergy: 0.9},
		{ParentID: "seed", NeighborNode: node("b"), TransferEnergy: 0.8},
		{ParentID: "seed", NeighborNode: node("c"), TransferEnergy: 0.7}, // beyond MaxBranches=2
	}
	state.Advance(candidates)

	require.Len(t, state.Frontier(), 2)
	ids := []string{state.Frontier()[0].NodeID, state.Frontier()[1].NodeID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.Equal(t, 1, state.Depth())
}

func TestAdvanceCrossParentArbitrationKeepsHighestEnergy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBranches = 5
	state := NewTraversalState(node("seed"), 1.0, cfg)
	// Manufacture two frontier parents feeding the same neighbor.
	state.frontier = []FrontierNode{
		{NodeID: "p1", Node: node("p1"), Activation: 1.0},
		{NodeID: "p2", Node: node("p2"), Activation: 1.0},
	}
	state.visited = map[string]struct{}{"p1": {}, "p2": {}}

	candidates := []ExpansionCandidate{
		{ParentID: "p1", NeighborNode: node("shared"), TransferEnergy: 0.5},
		{ParentID: "p2", NeighborNode: node("shared"), TransferEnergy: 0.8},
	}
	state.Advance(candidates)

	require.Len(t, state.Frontier(), 1)
	assert.Equal(t, "shared", state.Frontier()[0].NodeID)
	assert.Equal(t, 0.8, state.Frontier()[0].Activation)
	assert.Equal(t, "p2", state.Frontier()[0].Path.Steps[0].FromNode.ID)
}

func TestAdvanceDropsBelowMinActivation(t *testing.T) {
	cfg := testConfig()
	cfg.MinActivation = 0.5
	state := NewTraversalState(node("seed"), 1.0, cfg)

	state.Advance([]ExpansionCandidate{
		{ParentID: "seed", NeighborNode: node("weak"), TransferEnergy: 0.1},
	})

	assert.Empty(t, state.Frontier())
}

func TestAdvanceDeadEndCompletesPath(t *testing.T) {
	state := NewTraversalState(node("seed"), 1.0, testConfig())
	state.Advance([]ExpansionCandidate{
		{ParentID: "seed", NeighborNode: node("a"), TransferEnergy: 0.5},
	})
	require.Len(t, state.Frontier(), 1)

	// Second round returns nothing: "a" is a dead end.
	state.Advance(nil)
	assert.Empty(t, state.Frontier())
	require.Len(t, state.CompletedPaths(), 1)
	assert.Equal(t, "a", state.CompletedPaths()[0].Steps[0].ToNode.ID)
}

func TestFinalizeRemainingFoldsLiveFrontierIntoCompletedPaths(t *testing.T) {
	state := NewTraversalState(node("seed"), 1.0, testConfig())
	state.Advance([]ExpansionCandidate{
		{ParentID: "seed", NeighborNode: node("a"), TransferEnergy: 0.5},
	})
	require.Len(t, state.Frontier(), 1)

	state.FinalizeRemaining()
	assert.Empty(t, state.Frontier())
	require.Len(t, state.CompletedPaths(), 1)
}

func TestPathNeverRevisitsAVisitedNode(t *testing.T) {
	state := NewTraversalState(node("seed"), 1.0, testConfig())
	state.Advance([]ExpansionCandidate{
		{ParentID: "seed", NeighborNode: node("a"), TransferEnergy: 0.5},
	})
	require.Len(t, state.Frontier(), 1)

	// The connector layer excludes visited ids, so "seed" is not offered
	// again as a neighbor of "a"; Advance itself does not filter visited
	// ids. This round offers only the fresh node "b", which must grow the
	// visited set by exactly one and leave no node repeated in a path.
	before := len(state.Visited())
	state.Advance([]ExpansionCandidate{
		{ParentID: "a", NeighborNode: node("b"), TransferEnergy: 0.4},
	})
	assert.Equal(t, before+1, len(state.Visited()))

	seen := map[string]bool{}
	for _, path := range append(state.CompletedPaths(), pathsFromFrontier(state.Frontier())...) {
		for _, step := range path.Steps {
			assert.False(t, seen[step.ToNode.ID], "node %s visited twice in a path", step.ToNode.ID)
			seen[step.ToNode.ID] = true
		}
	}
}

func pathsFromFrontier(frontier []FrontierNode) []GraphPath {
	paths := make([]GraphPath, 0, len(frontier))
	for _, f := range frontier {
		paths = append(paths, f.Path)
	}
	return paths
}
