// Package flowop describes structural edits to a flow document (a graph of
// nodes and edges) and the log entries that order them.
package flowop

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindAddNode    Kind = "add_node"
	KindUpdateNode Kind = "update_node"
	KindDeleteNode Kind = "delete_node"
	KindAddEdge    Kind = "add_edge"
	KindUpdateEdge Kind = "update_edge"
	KindDeleteEdge Kind = "delete_edge"
	// KindNoop is a valid transform result meaning "nothing to apply".
	KindNoop Kind = "noop"
)

// Edge payloads name their endpoints under these keys.
const (
	FieldSource = "source"
	FieldTarget = "target"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Payload holds the node or edge fields carried by an operation.
type Payload map[string]any

// Clone copies nested maps and slices so callers never share mutable state.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return map[string]any(Payload(x).Clone())
	case Payload:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Merge returns base overlaid with override; fields of override win.
func Merge(base, override Payload) Payload {
	if base == nil && override == nil {
		return nil
	}
	out := base.Clone()
	if out == nil {
		out = make(Payload, len(override))
	}
	for k, v := range override {
		out[k] = cloneValue(v)
	}
	return out
}

// String reads a string field, returning "" when absent or of another type.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Operation is a single structural edit. Values are treated as immutable:
// every transformation returns a new Operation.
type Operation struct {
	Type         Kind    `json:"type"`
	TargetID     string  `json:"targetId,omitempty"`
	Payload      Payload `json:"payload,omitempty"`
	AuthorID     string  `json:"authorId"`
	BaseSequence uint64  `json:"baseSequence"`
}

// Noop builds the "nothing to do" operation for author at base.
func Noop(authorID string, base uint64) Operation {
	return Operation{Type: KindNoop, AuthorID: authorID, BaseSequence: base}
}

func (op Operation) IsNoop() bool { return op.Type == KindNoop }

func (op Operation) IsNodeOp() bool {
	switch op.Type {
	case KindAddNode, KindUpdateNode, KindDeleteNode:
		return true
	}
	return false
}

func (op Operation) IsEdgeOp() bool {
	switch op.Type {
	case KindAddEdge, KindUpdateEdge, KindDeleteEdge:
		return true
	}
	return false
}

// Endpoints returns the source and target node ids of an edge payload.
func (op Operation) Endpoints() (source, target string) {
	return op.Payload.String(FieldSource), op.Payload.String(FieldTarget)
}

// Clone returns a deep copy.
func (op Operation) Clone() Operation {
	op.Payload = op.Payload.Clone()
	return op
}

// With returns a copy of op with a different type, target and payload.
func (op Operation) With(kind Kind, targetID string, payload Payload) Operation {
	return Operation{
		Type:         kind,
		TargetID:     targetID,
		Payload:      payload,
		AuthorID:     op.AuthorID,
		BaseSequence: op.BaseSequence,
	}
}

// Validate checks the shape of an operation received from a client.
func (op Operation) Validate() error {
	switch op.Type {
	case KindNoop:
		return nil
	case KindAddNode, KindUpdateNode, KindDeleteNode,
		KindUpdateEdge, KindDeleteEdge:
	case KindAddEdge:
		src, dst := op.Endpoints()
		if src == "" || dst == "" {
			return fmt.Errorf("%w: add_edge %q requires source and target", ErrInvalidOperation, op.TargetID)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.TargetID == "" {
		return fmt.Errorf("%w: %s without targetId", ErrInvalidOperation, op.Type)
	}
	return nil
}

// Entry is one applied operation in a document's log. Entries are never
// mutated after they are appended.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	AuthorID  string    `json:"authorId"`
	Operation Operation `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}
