// Package graph holds the technique-flow graph and its wire codec.
//
// A flow graph is a set of nodes (techniques, positions, notes) placed on a
// free-floating canvas and a set of directed edges between them. The graph has
// been persisted in two incompatible shapes over time; see codec.go for how
// both are read and how the canonical shape is always written back.
package graph

import "fmt"

// Defaults applied when a stored graph omits a field.
const (
	DefaultNodeKind = "technique"
	DefaultEdgeKind = "default"
	DefaultX        = 160
	DefaultY        = 200
)

// Node is a single vertex on the flow canvas.
type Node struct {
	ID                string
	Kind              string
	Label             string
	LinkedTechniqueID string
	X                 float64
	Y                 float64
}

// Edge connects two nodes of the same graph.
type Edge struct {
	ID           string
	SourceNodeID string
	TargetNodeID string
	Label        string
	EdgeKind     string
}

// Graph is the decoded, in-memory form of a flow graph.
//
// Graph implements json.Marshaler and json.Unmarshaler through the codec, so a
// Flow record that embeds a Graph is upgraded to the canonical wire shape the
// first time it is re-saved.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// MarshalJSON encodes the graph in the canonical schema.
func (g Graph) MarshalJSON() ([]byte, error) {
	return Encode(g)
}

// UnmarshalJSON decodes either schema. It only fails on malformed JSON.
func (g *Graph) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*g = decoded
	return nil
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Validate reports duplicate ids and edges whose endpoints are missing.
func (g Graph) Validate() error {
	nodes := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id is required")
		}
		if nodes[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		nodes[n.ID] = true
	}

	edges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			return fmt.Errorf("edge id is required")
		}
		if edges[e.ID] {
			return fmt.Errorf("duplicate edge id %q", e.ID)
		}
		edges[e.ID] = true
		if !nodes[e.SourceNodeID] {
			return fmt.Errorf("edge %q references unknown source node %q", e.ID, e.SourceNodeID)
		}
		if !nodes[e.TargetNodeID] {
			return fmt.Errorf("edge %q references unknown target node %q", e.ID, e.TargetNodeID)
		}
	}
	return nil
}

// Normalize drops nodes without ids, duplicate nodes and edges, and edges
// that point at nodes not present in the graph. Missing kinds get defaults.
// The first occurrence of a duplicated id wins.
func Normalize(g Graph) Graph {
	var out Graph

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		if n.Kind == "" {
			n.Kind = DefaultNodeKind
		}
		out.Nodes = append(out.Nodes, n)
	}

	seenEdges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if !seen[e.SourceNodeID] || !seen[e.TargetNodeID] {
			continue
		}
		if e.ID == "" {
			e.ID = e.SourceNodeID + "->" + e.TargetNodeID
		}
		if seenEdges[e.ID] {
			continue
		}
		seenEdges[e.ID] = true
		if e.EdgeKind == "" {
			e.EdgeKind = DefaultEdgeKind
		}
		out.Edges = append(out.Edges, e)
	}

	return out
}
