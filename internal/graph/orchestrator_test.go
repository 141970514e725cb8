package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeStore is an in-memory GraphStore for exercising the orchestrator
// without a live DGraph instance.
type fakeStore struct {
	nodes     map[string]GraphNode
	edges     map[string][]ExpansionCandidate // keyed by parent id
	fetchErrs map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:     map[string]GraphNode{},
		edges:     map[string][]ExpansionCandidate{},
		fetchErrs: map[string]error{},
	}
}

func (f *fakeStore) addEdge(from, to string, energy float64, tags []string) {
	if _, ok := f.nodes[to]; !ok {
		f.nodes[to] = node(to)
	}
	f.edges[from] = append(f.edges[from], ExpansionCandidate{
		ParentID:       from,
		NeighborNode:   f.nodes[to],
		Edge:           GraphEdge{SourceID: from, TargetID: to, Type: "RELATES", Tags: tags},
		TransferEnergy: energy,
	})
}

func (f *fakeStore) FetchSeed(ctx context.Context, nodeID string) (SeedFetchResult, error) {
	if err, ok := f.fetchErrs[nodeID]; ok {
		return SeedFetchResult{}, err
	}
	n, ok := f.nodes[nodeID]
	if !ok {
		return SeedFetchResult{Found: false}, nil
	}
	return SeedFetchResult{Node: &n, Found: true}, nil
}

func (f *fakeStore) ExpandFrontier(ctx context.Context, frontier []FrontierInput, visited map[string]struct{}, queryTags []string, tagSimFloor, minActivation float64) ([]ExpansionCandidate, error) {
	var out []ExpansionCandidate
	for _, fr := range frontier {
		for _, cand := range f.edges[fr.NodeID] {
			if _, skip := visited[cand.NeighborNode.ID]; skip {
				continue
			}
			out = append(out, cand)
		}
	}
	return out, nil
}

func TestEngineExploreSeedNotFound(t *testing.T) {
	store := newFakeStore()
	engine, err := NewEngine(store, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	results, err := engine.Explore(context.Background(), []SeedInput{{NodeID: "missing", Score: 0.5}}, nil)
	require.NoError(t, err)

	result := <-results
	assert.Equal(t, TerminatedSeedNotFound, result.TerminatedReason)
	assert.Nil(t, result.SeedNode)
}

func TestEngineExploreFindsPaths(t *testing.T) {
	store := newFakeStore()
	store.nodes["seed"] = node("seed")
	store.addEdge("seed", "a", 0.5, []string{"work"})
	store.addEdge("a", "b", 0.3, []string{"work"})

	engine, err := NewEngine(store, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	results, err := engine.Explore(context.Background(), []SeedInput{{NodeID: "seed", Score: 1.0}}, []string{"work"})
	require.NoError(t, err)

	result := <-results
	assert.Equal(t, TerminatedNoMorePaths, result.TerminatedReason)
	require.NotEmpty(t, result.Paths)
	assert.Equal(t, "b", result.Paths[0].Steps[len(result.Paths[0].Steps)-1].ToNode.ID)
}

func TestEngineExploreRunsSeedsConcurrentlyAndIndependently(t *testing.T) {
	store := newFakeStore()
	store.nodes["ok"] = node("ok")
	store.addEdge("ok", "ok-neighbor", 0.5, nil)
	store.fetchErrs["bad"] = &TransientError{Op: "fetch_seed", Err: assertError{"boom"}}

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	engine, err := NewEngine(store, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	seeds := []SeedInput{{NodeID: "ok", Score: 0.9}, {NodeID: "bad", Score: 0.5}}
	results, err := engine.Explore(context.Background(), seeds, nil)
	require.NoError(t, err)

	byID := map[string]RetrievalResult{}
	for r := range results {
		byID[r.Seed.NodeID] = r
	}
	require.Len(t, byID, 2)
	assert.Equal(t, TerminatedNoMorePaths, byID["ok"].TerminatedReason)
	assert.Nil(t, byID["ok"].Err)
	assert.Equal(t, TerminatedCancelled, byID["bad"].TerminatedReason)
	assert.Error(t, byID["bad"].Err)
}

func TestEngineExploreRejectsEmptySeeds(t *testing.T) {
	store := newFakeStore()
	engine, err := NewEngine(store, DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = engine.Explore(context.Background(), nil, nil)
	assert.True(t, IsPrecondition(err))
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
