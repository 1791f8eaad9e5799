package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeError is returned by Decode when the input is not valid JSON.
// A well-formed document never produces a DecodeError, whatever its shape.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("graph: malformed document: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Canonical wire schema.
//
//	{"nodes":[{"id","kind","position":{"x","y"},"data":{"label","kind","linkedTechniqueId"}}],
//	 "edges":[{"id","source","target","kind","data":{"label","edgeKind"}}]}
type wireGraph struct {
	Nodes []wireNode `json:"nodes"`
	Edges []wireEdge `json:"edges"`
}

type wireNode struct {
	ID       string       `json:"id"`
	Kind     string       `json:"kind"`
	Position wirePosition `json:"position"`
	Data     wireNodeData `json:"data"`
}

type wirePosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type wireNodeData struct {
	Label             string `json:"label"`
	Kind              string `json:"kind"`
	LinkedTechniqueID string `json:"linkedTechniqueId,omitempty"`
}

type wireEdge struct {
	ID     string       `json:"id"`
	Source string       `json:"source"`
	Target string       `json:"target"`
	Kind   string       `json:"kind"`
	Data   wireEdgeData `json:"data"`
}

type wireEdgeData struct {
	Label    string `json:"label,omitempty"`
	EdgeKind string `json:"edgeKind"`
}

// Encode always writes the canonical schema.
func Encode(g Graph) ([]byte, error) {
	w := wireGraph{
		Nodes: make([]wireNode, 0, len(g.Nodes)),
		Edges: make([]wireEdge, 0, len(g.Edges)),
	}

	for _, n := range g.Nodes {
		kind := n.Kind
		if kind == "" {
			kind = DefaultNodeKind
		}
		w.Nodes = append(w.Nodes, wireNode{
			ID:       n.ID,
			Kind:     kind,
			Position: wirePosition{X: n.X, Y: n.Y},
			Data: wireNodeData{
				Label:             n.Label,
				Kind:              kind,
				LinkedTechniqueID: n.LinkedTechniqueID,
			},
		})
	}

	for _, e := range g.Edges {
		kind := e.EdgeKind
		if kind == "" {
			kind = DefaultEdgeKind
		}
		w.Edges = append(w.Edges, wireEdge{
			ID:     e.ID,
			Source: e.SourceNodeID,
			Target: e.TargetNodeID,
			Kind:   kind,
			Data:   wireEdgeData{Label: e.Label, EdgeKind: kind},
		})
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	return data, nil
}

// Decode reads a graph in either the canonical or the legacy schema.
//
// The document is resolved to exactly one variant: if every node carries a
// nested position object and every edge a data object it is canonical,
// otherwise it is read as legacy (flattened positionX/positionY, unnamespaced
// type fields). Unknown shapes yield an empty graph. Edges with dangling
// endpoints are dropped.
func Decode(data []byte) (Graph, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return Graph{}, &DecodeError{Err: err}
	}

	obj, ok := root.(map[string]any)
	if !ok {
		return Graph{}, nil
	}

	nodes, _ := obj["nodes"].([]any)
	edges, _ := obj["edges"].([]any)

	if isCanonical(nodes, edges) {
		return Normalize(decodeCanonical(nodes, edges)), nil
	}
	return Normalize(decodeLegacy(nodes, edges)), nil
}

func isCanonical(nodes, edges []any) bool {
	if len(nodes) == 0 && len(edges) == 0 {
		return false
	}
	for _, raw := range nodes {
		n, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := n["position"].(map[string]any); !ok {
			return false
		}
	}
	for _, raw := range edges {
		e, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := e["data"].(map[string]any); !ok {
			return false
		}
	}
	return true
}

func decodeCanonical(nodes, edges []any) Graph {
	var g Graph

	for _, raw := range nodes {
		n := raw.(map[string]any)
		pos := n["position"].(map[string]any)
		data, _ := n["data"].(map[string]any)

		x, ok := number(pos, "x")
		if !ok {
			x = DefaultX
		}
		y, ok := number(pos, "y")
		if !ok {
			y = DefaultY
		}

		kind := str(data, "kind")
		if kind == "" {
			kind = str(n, "kind")
		}

		g.Nodes = append(g.Nodes, Node{
			ID:                str(n, "id"),
			Kind:              kind,
			Label:             str(data, "label"),
			LinkedTechniqueID: str(data, "linkedTechniqueId"),
			X:                 x,
			Y:                 y,
		})
	}

	for _, raw := range edges {
		e := raw.(map[string]any)
		data := e["data"].(map[string]any)

		kind := str(data, "edgeKind")
		if kind == "" {
			kind = str(e, "kind")
		}

		g.Edges = append(g.Edges, Edge{
			ID:           str(e, "id"),
			SourceNodeID: str(e, "source"),
			TargetNodeID: str(e, "target"),
			Label:        str(data, "label"),
			EdgeKind:     kind,
		})
	}

	return g
}

func decodeLegacy(nodes, edges []any) Graph {
	var g Graph

	for _, raw := range nodes {
		n, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		x, ok := number(n, "positionX")
		if !ok {
			x = DefaultX
		}
		y, ok := number(n, "positionY")
		if !ok {
			y = DefaultY
		}

		g.Nodes = append(g.Nodes, Node{
			ID:                str(n, "id"),
			Kind:              str(n, "type"),
			Label:             nodeField(n, "label"),
			LinkedTechniqueID: nodeField(n, "linkedTechniqueId"),
			X:                 x,
			Y:                 y,
		})
	}

	for _, raw := range edges {
		e, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		source := str(e, "source")
		if source == "" {
			source = str(e, "sourceNodeId")
		}
		target := str(e, "target")
		if target == "" {
			target = str(e, "targetNodeId")
		}

		g.Edges = append(g.Edges, Edge{
			ID:           str(e, "id"),
			SourceNodeID: source,
			TargetNodeID: target,
			Label:        str(e, "label"),
			EdgeKind:     str(e, "type"),
		})
	}

	return g
}

// nodeField reads a legacy node field, falling back to the node's data
// object where some clients kept it.
func nodeField(n map[string]any, key string) string {
	if v := str(n, key); v != "" {
		return v
	}
	if data, ok := n["data"].(map[string]any); ok {
		return str(data, key)
	}
	return ""
}

// str reads a string field, accepting numeric ids written by older clients.
func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// number reads a finite coordinate. NaN and infinities count as missing
// since they cannot be encoded again.
func number(m map[string]any, key string) (float64, bool) {
	var f float64
	switch v := m[key].(type) {
	case float64:
		f = v
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
