package graph

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// escapeReplacer decodes the common escape sequences that show up in text
// pulled out of a JSON-sourced property bag, so rendered output reads as
// prose rather than as an encoded string.
var escapeReplacer = strings.NewReplacer(
	`\n`, "\n",
	`\t`, "\t",
	`\r`, "\r",
	`\"`, `"`,
	`\\`, `\`,
)

func decodeEscapes(s string) string {
	return escapeReplacer.Replace(s)
}

func round(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

// truncateWords keeps the first n whitespace-separated tokens of s,
// appending an ellipsis when anything was cut.
func truncateWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return s
	}
	return strings.Join(fields[:n], " ") + "…"
}

// VisualizationOutput is the force-directed-renderer shape: one entry per
// unique node id and one per unique (source_id, target_id) edge pair.
type VisualizationOutput struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
}

// ToVisualization flattens every retained path into a deduplicated node/
// edge set. Deduplication is by id alone; the first occurrence encountered
// (seed first, then each path in order) wins.
func ToVisualization(result RetrievalResult) VisualizationOutput {
	return VisualizationOutput{
		Nodes: nodeAttributes(result),
		Edges: edgeAttributes(result),
	}
}

// nodeAttributes builds one flattened attribute map per unique node id:
// id, label (first of labels), is_seed, the node's own properties, and
// retrieval_activation (the seed's score for the seed node, otherwise the
// transfer_energy that first reached it).
func nodeAttributes(result RetrievalResult) []map[string]any {
	type firstSeen struct {
		node       GraphNode
		activation float64
	}
	seen := make(map[string]firstSeen)
	seedID := ""

	if result.SeedNode != nil {
		seedID = result.SeedNode.ID
		seen[seedID] = firstSeen{node: *result.SeedNode, activation: result.Seed.Score}
	}
	for _, path := range result.Paths {
		for _, step := range path.Steps {
			id := step.ToNode.ID
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = firstSeen{node: step.ToNode, activation: step.TransferEnergy}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		fs := seen[id]
		m := make(map[string]any, len(fs.node.Properties)+4)
		for k, v := range fs.node.Properties {
			m[k] = v
		}
		m["id"] = fs.node.ID
		label := ""
		if len(fs.node.Labels) > 0 {
			label = fs.node.Labels[0]
		}
		m["label"] = label
		m["is_seed"] = id == seedID
		m["retrieval_activation"] = fs.activation
		nodes = append(nodes, m)
	}
	return nodes
}

// edgeAttributes builds one flattened attribute map per unique
// (source_id, target_id) pair, in the orientation the path traversed it.
func edgeAttributes(result RetrievalResult) []map[string]any {
	type edgeKey struct{ source, target string }
	type firstSeen struct {
		step GraphStep
	}
	seen := make(map[edgeKey]firstSeen)
	var order []edgeKey

	for _, path := range result.Paths {
		for _, step := range path.Steps {
			key := edgeKey{step.FromNode.ID, step.ToNode.ID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = firstSeen{step: step}
			order = append(order, key)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].source != order[j].source {
			return order[i].source < order[j].source
		}
		return order[i].target < order[j].target
	})

	edges := make([]map[string]any, 0, len(order))
	for _, key := range order {
		step := seen[key].step
		edge := step.Edge

		m := make(map[string]any, len(edge.Properties)+6)
		for k, v := range edge.Properties {
			m[k] = v
		}
		m["source"] = key.source
		m["target"] = key.target
		if edgeID, ok := edge.Properties["edge_id"].(string); ok && edgeID != "" {
			m["edge_id"] = edgeID
		}
		m["weight"] = round(edge.Weight, 2)
		m["transfer_energy"] = round(step.TransferEnergy, 3)
		m["tags"] = edge.Tags
		if text, ok := edge.Properties["text"].(string); ok && text != "" {
			m["text"] = decodeEscapes(text)
		}
		edges = append(edges, m)
	}
	return edges
}

// NodeAndEdgeAttributes mirrors VisualizationOutput under the key names
// to_llm_context uses.
type NodeAndEdgeAttributes struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
}

// LLMContextOutput is the prose rendering meant to be dropped straight
// into a language model's context window, alongside the same flattened
// attribute bundle to_visualization produces.
type LLMContextOutput struct {
	Paths                 []string              `json:"paths"`
	NodeAndEdgeAttributes NodeAndEdgeAttributes `json:"node_and_edge_attributes"`
}

// ToLLMContext renders one path string per retained path, most-energetic
// first, each rendered "Path N: [SEED] (Label Id: "text…") -> [EdgeId
// "text" weight=X.XX activation_score=Y.YYY] -> (Label Id: "text…") -> ...".
func ToLLMContext(result RetrievalResult) LLMContextOutput {
	out := LLMContextOutput{
		NodeAndEdgeAttributes: NodeAndEdgeAttributes{
			Nodes: nodeAttributes(result),
			Edges: edgeAttributes(result),
		},
	}
	if len(result.Paths) == 0 {
		return out
	}

	paths := append([]GraphPath(nil), result.Paths...)
	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].MaxTransferEnergy() > paths[j].MaxTransferEnergy()
	})

	out.Paths = make([]string, len(paths))
	for i, path := range paths {
		out.Paths[i] = fmt.Sprintf("Path %d: %s", i+1, renderPath(path))
	}
	return out
}

// renderPath renders the seed-and-hops text for one path. The from-node is
// only ever rendered once, ahead of the [SEED] marker's first hop; every
// subsequent node rendered is a step's to-node.
func renderPath(path GraphPath) string {
	var b strings.Builder
	b.WriteString("[SEED] ")
	b.WriteString(renderNode(path.Steps[0].FromNode))
	for _, step := range path.Steps {
		b.WriteString(" -> ")
		b.WriteString(renderEdge(step))
		b.WriteString(" -> ")
		b.WriteString(renderNode(step.ToNode))
	}
	return b.String()
}

// renderNode renders "(Label Id: "first 12 words…")". Node text is
// truncated; an absent text property renders as an empty quoted string.
func renderNode(n GraphNode) string {
	label := ""
	if len(n.Labels) > 0 {
		label = n.Labels[0]
	}
	text, _ := n.Properties["text"].(string)
	return fmt.Sprintf("(%s %s: %q)", label, n.ID, truncateWords(text, 12))
}

// renderEdge renders "[EdgeId "full text, untruncated" weight=X.XX
// activation_score=Y.YYY]". Edge text is never truncated.
func renderEdge(step GraphStep) string {
	edgeID, _ := step.Edge.Properties["edge_id"].(string)
	text, _ := step.Edge.Properties["text"].(string)
	return fmt.Sprintf("[%s %q weight=%.2f activation_score=%.3f]",
		edgeID, decodeEscapes(text), step.Edge.Weight, step.TransferEnergy)
}

// DebugQueriesOutput reconstructs, as readable graph-query text, the path
// patterns a reviewer would need to run to reproduce each retained path by
// hand. This is not a query the connector itself ever issues — the
// contract is textual reconstructability, not execution.
type DebugQueriesOutput struct {
	PathsCombined   string   `json:"paths_combined"`
	IndividualPaths []string `json:"individual_paths"`
}

// ToDebugQueries renders one match-pattern query per retained path, using
// literal node-id aliases n{k}_0, n{k}_1, … returning path variable p{k},
// plus one combined query joining every path pattern in a single
// multi-match statement.
func ToDebugQueries(result RetrievalResult) DebugQueriesOutput {
	var individual []string
	var patterns []string
	var returns []string

	for k, path := range result.Paths {
		if len(path.Steps) == 0 {
			continue
		}
		pattern := buildPathPattern(path, k)
		individual = append(individual, fmt.Sprintf("MATCH p%d = %s RETURN p%d", k, pattern, k))
		patterns = append(patterns, fmt.Sprintf("p%d = %s", k, pattern))
		returns = append(returns, fmt.Sprintf("p%d", k))
	}

	var combined string
	if len(patterns) > 0 {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		buf.WriteString("MATCH ")
		buf.WriteString(strings.Join(patterns, ", "))
		buf.WriteString(" RETURN ")
		buf.WriteString(strings.Join(returns, ", "))
		combined = buf.String()
	}

	return DebugQueriesOutput{PathsCombined: combined, IndividualPaths: individual}
}

// buildPathPattern renders the k-th path as a chain of node/edge patterns:
// (n{k}_0 {id: "..."})-[:RELATES]->(n{k}_1 {id: "..."})-> ... .
func buildPathPattern(path GraphPath, k int) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "(n%d_0 {id: %s})", k, quoteLiteral(path.Steps[0].FromNode.ID))
	for i, step := range path.Steps {
		fmt.Fprintf(buf, "-[:RELATES]->(n%d_%d {id: %s})", k, i+1, quoteLiteral(step.ToNode.ID))
	}
	return buf.String()
}

// quoteLiteral wraps id in double quotes, escaping backslash and
// double-quote so the literal round-trips back to the original id.
func quoteLiteral(id string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(id)
	return `"` + escaped + `"`
}
