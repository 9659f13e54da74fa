package flowop

import (
	"fmt"
	"sort"
)

// TargetNotFoundError is returned when an operation references a node or edge
// that does not exist in the document.
type TargetNotFoundError struct {
	Kind string // "node" or "edge"
	ID   string
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Graph is an in-memory flow document. Edge payloads keep their endpoints
// under FieldSource and FieldTarget.
type Graph struct {
	Nodes map[string]Payload `json:"nodes"`
	Edges map[string]Payload `json:"edges"`
}

func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]Payload), Edges: make(map[string]Payload)}
}

func (g *Graph) Clone() *Graph {
	out := NewGraph()
	for id, p := range g.Nodes {
		out.Nodes[id] = p.Clone()
	}
	for id, p := range g.Edges {
		out.Edges[id] = p.Clone()
	}
	return out
}

// NodeIDs returns node ids in sorted order.
func (g *Graph) NodeIDs() []string { return sortedKeys(g.Nodes) }

// EdgeIDs returns edge ids in sorted order.
func (g *Graph) EdgeIDs() []string { return sortedKeys(g.Edges) }

func sortedKeys(m map[string]Payload) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply mutates the graph. Adds are upserts, deletes of missing targets are
// no-ops, and updates or edges pointing at missing targets fail with a
// *TargetNotFoundError. Deleting a node removes the edges attached to it.
func (g *Graph) Apply(op Operation) error {
	switch op.Type {
	case KindNoop:
		return nil

	case KindAddNode:
		g.Nodes[op.TargetID] = Merge(g.Nodes[op.TargetID], op.Payload)

	case KindUpdateNode:
		cur, ok := g.Nodes[op.TargetID]
		if !ok {
			return &TargetNotFoundError{Kind: "node", ID: op.TargetID}
		}
		g.Nodes[op.TargetID] = Merge(cur, op.Payload)

	case KindDeleteNode:
		delete(g.Nodes, op.TargetID)
		for id, e := range g.Edges {
			if e.String(FieldSource) == op.TargetID || e.String(FieldTarget) == op.TargetID {
				delete(g.Edges, id)
			}
		}

	case KindAddEdge:
		next := Merge(g.Edges[op.TargetID], op.Payload)
		if err := g.checkEndpoints(next); err != nil {
			return err
		}
		g.Edges[op.TargetID] = next

	case KindUpdateEdge:
		cur, ok := g.Edges[op.TargetID]
		if !ok {
			return &TargetNotFoundError{Kind: "edge", ID: op.TargetID}
		}
		next := Merge(cur, op.Payload)
		if err := g.checkEndpoints(next); err != nil {
			return err
		}
		g.Edges[op.TargetID] = next

	case KindDeleteEdge:
		delete(g.Edges, op.TargetID)

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

func (g *Graph) checkEndpoints(edge Payload) error {
	for _, key := range []string{FieldSource, FieldTarget} {
		id := edge.String(key)
		if _, ok := g.Nodes[id]; !ok {
			return &TargetNotFoundError{Kind: "node", ID: id}
		}
	}
	return nil
}
