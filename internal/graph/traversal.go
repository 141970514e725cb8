package graph

import "sort"

// TraversalState is the per-seed bookkeeping for one spreading-activation
// exploration: the live frontier, the visited set that makes the BFS
// monotone, and the paths that have stopped extending. It holds no
// reference to a Connector — the orchestrator drives the round-trip to the
// graph store and feeds the results back in via Advance.
type TraversalState struct {
	seedNode       GraphNode
	frontier       []FrontierNode
	visited        map[string]struct{}
	completedPaths []GraphPath
	depth          int
	config         Config
}

// NewTraversalState seeds a traversal with a single frontier entry: the
// seed node itself, at its upstream similarity score, with an empty path.
func NewTraversalState(seedNode GraphNode, seedScore float64, config Config) *TraversalState {
	return &TraversalState{
		seedNode: seedNode,
		frontier: []FrontierNode{{
			NodeID:     seedNode.ID,
			Node:       seedNode,
			Activation: seedScore,
		}},
		visited: map[string]struct{}{seedNode.ID: {}},
		config:  config,
	}
}

// Depth returns the number of expansion rounds completed so far.
func (s *TraversalState) Depth() int { return s.depth }

// Frontier returns the live frontier entering the next round.
func (s *TraversalState) Frontier() []FrontierNode { return s.frontier }

// Visited returns the set of node ids already placed on a path. Callers
// must treat it as read-only.
func (s *TraversalState) Visited() map[string]struct{} { return s.visited }

// CompletedPaths returns every path that has stopped extending so far.
func (s *TraversalState) CompletedPaths() []GraphPath { return s.completedPaths }

// AtMaxDepth reports whether another round would exceed the configured
// depth bound.
func (s *TraversalState) AtMaxDepth() bool { return s.depth >= s.config.MaxDepth }

// BuildFrontierInputs projects the live frontier down to what the
// connector needs to expand it: each node's id and current activation.
func (s *TraversalState) BuildFrontierInputs() []FrontierInput {
	inputs := make([]FrontierInput, len(s.frontier))
	for i, f := range s.frontier {
		inputs[i] = FrontierInput{NodeID: f.NodeID, Activation: f.Activation}
	}
	return inputs
}

// claim is the surviving candidate for one neighbor node, after per-parent
// branch limiting but before it has been installed as a frontier entry.
type claim struct {
	cand   ExpansionCandidate
	parent FrontierNode
}

// Advance consumes one round's batched expansion candidates and installs
// the next frontier. The steps, in order:
//
//  1. Group candidates by parent and keep each parent's top MaxBranches by
//     transfer energy — the per-parent branching bound.
//  2. Drop anything not strictly greater than MinActivation (the connector
//     already applies this bound, but Advance enforces it too so the
//     invariant holds regardless of the GraphStore implementation feeding
//     it).
//  3. Resolve cross-parent claims on the same neighbor: only the highest
//     transfer-energy claim survives, ties broken by the lexically
//     smaller parent id so the outcome is reproducible.
//  4. Any frontier node that did not win a claim is a dead end — its
//     accumulated path (if it has at least one step) is complete.
//
// The new frontier, each entry carrying the winning step appended to its
// parent's path, becomes the input to the next round.
func (s *TraversalState) Advance(candidates []ExpansionCandidate) {
	s.depth++

	byParent := make(map[string][]ExpansionCandidate, len(s.frontier))
	for _, c := range candidates {
		byParent[c.ParentID] = append(byParent[c.ParentID], c)
	}
	parentByID := make(map[string]FrontierNode, len(s.frontier))
	for _, f := range s.frontier {
		parentByID[f.NodeID] = f
	}

	claims := make(map[string]claim)
	for parentID, group := range byParent {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].TransferEnergy > group[j].TransferEnergy
		})
		if len(group) > s.config.MaxBranches {
			group = group[:s.config.MaxBranches]
		}
		parent := parentByID[parentID]
		for _, c := range group {
			if c.TransferEnergy <= s.config.MinActivation {
				continue
			}
			existing, ok := claims[c.NeighborNode.ID]
			if !ok ||
				c.TransferEnergy > existing.cand.TransferEnergy ||
				(c.TransferEnergy == existing.cand.TransferEnergy && c.ParentID < existing.cand.ParentID) {
				claims[c.NeighborNode.ID] = claim{cand: c, parent: parent}
			}
		}
	}

	wonParent := make(map[string]bool, len(claims))
	for _, cl := range claims {
		wonParent[cl.cand.ParentID] = true
	}
	for _, f := range s.frontier {
		if !wonParent[f.NodeID] && len(f.Path.Steps) > 0 {
			s.completedPaths = append(s.completedPaths, f.Path)
		}
	}

	neighborIDs := make([]string, 0, len(claims))
	for id := range claims {
		neighborIDs = append(neighborIDs, id)
	}
	sort.Strings(neighborIDs)

	next := make([]FrontierNode, 0, len(claims))
	for _, id := range neighborIDs {
		cl := claims[id]
		step := GraphStep{
			FromNode:       cl.parent.Node,
			ToNode:         cl.cand.NeighborNode,
			Edge:           cl.cand.Edge,
			TransferEnergy: cl.cand.TransferEnergy,
		}
		path := GraphPath{Steps: append(append([]GraphStep{}, cl.parent.Path.Steps...), step)}
		s.visited[id] = struct{}{}
		next = append(next, FrontierNode{
			NodeID:     id,
			Node:       cl.cand.NeighborNode,
			Activation: cl.cand.TransferEnergy,
			Path:       path,
		})
	}
	s.frontier = next
}

// FinalizeRemaining folds whatever is left on the frontier into the
// completed path set. Call it once the loop stops, whether because the
// frontier ran dry or the depth bound was hit.
func (s *TraversalState) FinalizeRemaining() {
	for _, f := range s.frontier {
		if len(f.Path.Steps) > 0 {
			s.completedPaths = append(s.completedPaths, f.Path)
		}
	}
	s.frontier = nil
}
