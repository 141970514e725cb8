package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reflective-memory-kernel/internal/jsonx"
)

// relatesPredicate is the single symmetric edge predicate every traversal
// moves across. A typed, per-relation predicate schema (the kind a richer
// knowledge graph would use) would need a closed relation vocabulary known
// up front; the retrieval core treats edge semantics as an opaque,
// caller-supplied tag set instead, so one predicate carries all of them.
const relatesPredicate = "relates"

// GraphStore is the read-only surface the traversal engine drives. *Connector
// is the production implementation against DGraph; tests substitute a fake.
type GraphStore interface {
	FetchSeed(ctx context.Context, nodeID string) (SeedFetchResult, error)
	ExpandFrontier(ctx context.Context, frontier []FrontierInput, visited map[string]struct{}, queryTags []string, tagSimFloor, minActivation float64) ([]ExpansionCandidate, error)
}

// ConnectorConfig configures the DGraph connection the Connector dials.
type ConnectorConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultConnectorConfig returns sensible defaults.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Connector is the read-only DGraph gateway the traversal engine drives: it
// fetches seed nodes and expands a whole frontier round in one batched
// query, never caching degree or any other query-time value.
type Connector struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewConnector dials DGraph with retry-and-backoff and installs the RELATES
// schema if it is not already present.
func NewConnector(ctx context.Context, cfg ConnectorConfig, logger *zap.Logger) (*Connector, error) {
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to DGraph, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, &TransientError{Op: "dial", Err: fmt.Errorf("after %d attempts: %w", cfg.MaxRetries, err)}
	}

	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	c := &Connector{conn: conn, dg: dg, logger: logger}

	if err := c.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("graph connector ready", zap.String("address", cfg.Address))
	return c, nil
}

// Close releases the underlying gRPC connection.
func (c *Connector) Close() error {
	return c.conn.Close()
}

func (c *Connector) initSchema(ctx context.Context) error {
	schema := `
		id: string @index(exact, term) .
		label: string @index(exact) .
		relates: [uid] @reverse .
	`
	return c.dg.Alter(ctx, &api.Operation{Schema: schema})
}

// FetchSeed looks up a single node by its stable id. Found is false, with a
// nil error, when the node simply does not exist.
func (c *Connector) FetchSeed(ctx context.Context, nodeID string) (SeedFetchResult, error) {
	query := `query Seed($id: string) {
		node(func: eq(id, $id)) {
			uid
			id
			label
			expand(_all_)
		}
	}`
	vars := map[string]string{"$id": nodeID}

	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return SeedFetchResult{}, &TransientError{Op: "fetch_seed", Err: err}
	}

	var parsed struct {
		Node []map[string]any `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &parsed); err != nil {
		return SeedFetchResult{}, &MalformedRecordError{Msg: fmt.Sprintf("fetch_seed: %v", err)}
	}
	if len(parsed.Node) == 0 {
		return SeedFetchResult{Found: false}, nil
	}

	node, err := nodeFromRecord(parsed.Node[0])
	if err != nil {
		return SeedFetchResult{}, &MalformedRecordError{Msg: fmt.Sprintf("fetch_seed %q: %v", nodeID, err)}
	}
	return SeedFetchResult{Node: &node, Found: true}, nil
}

// ExpandFrontier looks up, for every node in frontier at once, its degree
// and its RELATES neighbors that are not already in visited, and returns
// them as scored candidates whose transfer_energy is strictly greater than
// minActivation — a candidate at or below the bound is never emitted.
// Degree is read fresh from the store on every call; nothing about it is
// cached between rounds or between seeds.
//
// DQL has no general set-intersection primitive, so the per-edge tag_sim
// and transfer-energy arithmetic is finished in Go immediately after the
// query returns rather than inside the query itself — the same split the
// teacher's own spreading-activation query uses for its decay formula
// (facets come back raw; the activation math happens in Go).
func (c *Connector) ExpandFrontier(ctx context.Context, frontier []FrontierInput, visited map[string]struct{}, queryTags []string, tagSimFloor, minActivation float64) ([]ExpansionCandidate, error) {
	if len(frontier) == 0 {
		return nil, nil
	}

	query, vars := buildExpandQuery(frontier, visited)
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, &TransientError{Op: "expand_frontier", Err: err}
	}

	var parsed map[string][]map[string]any
	if err := jsonx.Unmarshal(resp.Json, &parsed); err != nil {
		return nil, &MalformedRecordError{Msg: fmt.Sprintf("expand_frontier: %v", err)}
	}

	var candidates []ExpansionCandidate
	for i, f := range frontier {
		blockKey := fmt.Sprintf("p%d", i)
		rows := parsed[blockKey]
		if len(rows) == 0 {
			continue
		}
		block := rows[0]

		neighbors := extractNeighbors(block, relatesPredicate)
		neighbors = append(neighbors, extractNeighbors(block, "rev_"+relatesPredicate)...)

		degree := len(neighbors)
		if degree == 0 {
			continue
		}
		sqrtDeg := math.Sqrt(float64(degree))

		for _, nb := range neighbors {
			if _, skip := visited[nb.node.ID]; skip {
				continue
			}
			tagSim := TagSim(nb.tags, queryTags, tagSimFloor)
			transfer := (f.Activation * nb.weight / sqrtDeg) * tagSim
			if transfer <= minActivation {
				continue
			}
			candidates = append(candidates, ExpansionCandidate{
				ParentID:     f.NodeID,
				NeighborNode: nb.node,
				Edge: GraphEdge{
					SourceID:   f.NodeID,
					TargetID:   nb.node.ID,
					Type:       "RELATES",
					Properties: nb.node.Properties,
					Weight:     nb.weight,
					Tags:       nb.tags,
				},
				TransferEnergy: transfer,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].TransferEnergy > candidates[j].TransferEnergy
	})
	return candidates, nil
}

// buildExpandQuery renders one DQL query with a named block per frontier
// node, batching what would otherwise be len(frontier) round trips.
// Visited ids are embedded as a literal exclusion filter on the id
// predicate so the store
// never ships an already-seen neighbor back across the wire.
func buildExpandQuery(frontier []FrontierInput, visited map[string]struct{}) (string, map[string]string) {
	visitedIDs := make([]string, 0, len(visited))
	for id := range visited {
		visitedIDs = append(visitedIDs, id)
	}
	sort.Strings(visitedIDs)

	var b strings.Builder
	vars := make(map[string]string, len(frontier))
	b.WriteString("query Expand(")
	for i := range frontier {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$p%d: string", i)
	}
	b.WriteString(") {\n")

	exclude := ""
	if len(visitedIDs) > 0 {
		exclude = fmt.Sprintf(" @filter(NOT anyofterms(id, %q))", strings.Join(visitedIDs, " "))
	}

	for i := range frontier {
		vars[fmt.Sprintf("$p%d", i)] = frontier[i].NodeID
		fmt.Fprintf(&b, `  p%d(func: eq(id, $p%d)) {
    uid
    relates @facets(weight, tags)%s {
      uid
      id
      label
      expand(_all_)
    }
    rev_relates: ~relates @facets(weight, tags)%s {
      uid
      id
      label
      expand(_all_)
    }
  }
`, i, i, exclude, exclude)
	}
	b.WriteString("}")
	return b.String(), vars
}

type neighborRecord struct {
	node   GraphNode
	weight float64
	tags   []string
}

// extractNeighbors reads the array at key (e.g. "relates" or "rev_relates")
// out of a decoded query block, including its per-edge facets, which
// DGraph names "<predicate>|<facet>" regardless of any block-level alias.
func extractNeighbors(block map[string]any, key string) []neighborRecord {
	raw, ok := block[key].([]any)
	if !ok {
		return nil
	}

	facetPrefix := relatesPredicate

	out := make([]neighborRecord, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		node, err := nodeFromRecord(m)
		if err != nil {
			continue
		}

		weight := DefaultEdgeWeight
		if w, ok := m[facetPrefix+"|weight"].(float64); ok {
			weight = w
		}
		var tags []string
		if t, ok := m[facetPrefix+"|tags"].(string); ok && t != "" {
			tags = strings.Split(t, ",")
		}

		out = append(out, neighborRecord{node: node, weight: weight, tags: tags})
	}
	return out
}

// nodeFromRecord builds a GraphNode from one decoded DQL record, lifting
// the reserved id/label/uid keys out and leaving everything expand(_all_)
// surfaced as the free-form property bag.
func nodeFromRecord(m map[string]any) (GraphNode, error) {
	id, _ := m["id"].(string)
	if id == "" {
		return GraphNode{}, &MalformedRecordError{Msg: "node record missing id"}
	}

	var labels []string
	switch v := m["label"].(type) {
	case string:
		if v != "" {
			labels = []string{v}
		}
	case []any:
		for _, l := range v {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	props := make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case "uid", "id", "label", "dgraph.type",
			relatesPredicate, "rev_" + relatesPredicate:
			continue
		}
		if strings.Contains(k, "|") {
			continue // facet key belonging to an edge, not a node property
		}
		props[k] = v
	}

	return GraphNode{ID: id, Labels: labels, Properties: props}, nil
}

