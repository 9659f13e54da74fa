// Package ot rebases flow operations computed against a stale base onto the
// current document state.
package ot

import (
	"fmt"

	"flowcollab/backend/internal/ot/flowop"
)

// Disambiguate builds the id given to an added node or edge whose id was
// already claimed by the concurrent entry at sequence seq. The author and the
// claiming sequence make it unique per document without consulting a clock.
func Disambiguate(id, authorID string, seq uint64) string {
	return fmt.Sprintf("%s_%s_%d", id, authorID, seq)
}

// Rebase transforms op against every concurrent entry in ascending sequence
// order, folding the result forward. The bool reports whether any rule
// changed the operation.
func Rebase(op flowop.Operation, concurrent []flowop.Entry) (flowop.Operation, bool) {
	out := op
	changed := false
	for _, entry := range concurrent {
		var c bool
		out, c = TransformPair(out, entry)
		changed = changed || c
		if out.IsNoop() {
			// noop is a fixed point
			break
		}
	}
	return out, changed
}

// TransformPair rewrites op so it applies after the already-logged entry.
// It is a pure function of its inputs.
func TransformPair(op flowop.Operation, against flowop.Entry) (flowop.Operation, bool) {
	c := against.Operation
	if op.IsNoop() || c.IsNoop() {
		return op, false
	}

	switch op.Type {
	case flowop.KindAddNode:
		if c.Type == flowop.KindAddNode && c.TargetID == op.TargetID {
			return resolveAddCollision(op, against, flowop.KindUpdateNode), true
		}

	case flowop.KindUpdateNode:
		if c.TargetID != op.TargetID {
			break
		}
		switch c.Type {
		case flowop.KindUpdateNode:
			return op.With(op.Type, op.TargetID, flowop.Merge(c.Payload, op.Payload)), true
		case flowop.KindDeleteNode:
			// recreate the node so the edit survives
			return op.With(flowop.KindAddNode, op.TargetID, flowop.Merge(c.Payload, op.Payload)), true
		}

	case flowop.KindDeleteNode:
		if c.Type == flowop.KindDeleteNode && c.TargetID == op.TargetID {
			return flowop.Noop(op.AuthorID, op.BaseSequence), true
		}

	case flowop.KindAddEdge:
		switch c.Type {
		case flowop.KindDeleteNode:
			src, dst := op.Endpoints()
			if c.TargetID == src || c.TargetID == dst {
				return flowop.Noop(op.AuthorID, op.BaseSequence), true
			}
		case flowop.KindAddEdge:
			if c.TargetID == op.TargetID {
				return resolveAddCollision(op, against, flowop.KindUpdateEdge), true
			}
		}

	case flowop.KindUpdateEdge:
		if c.TargetID != op.TargetID {
			break
		}
		switch c.Type {
		case flowop.KindUpdateEdge:
			return op.With(op.Type, op.TargetID, flowop.Merge(c.Payload, op.Payload)), true
		case flowop.KindDeleteEdge:
			return op.With(flowop.KindAddEdge, op.TargetID, flowop.Merge(c.Payload, op.Payload)), true
		}

	case flowop.KindDeleteEdge:
		if c.Type == flowop.KindDeleteEdge && c.TargetID == op.TargetID {
			return flowop.Noop(op.AuthorID, op.BaseSequence), true
		}
	}
	return op, false
}

// resolveAddCollision handles two adds of the same id. The logged add owns
// the id: a different author's add is moved to a disambiguated id, while a
// repeated add by the same author degrades to an update of its own object.
func resolveAddCollision(op flowop.Operation, against flowop.Entry, sameAuthorKind flowop.Kind) flowop.Operation {
	c := against.Operation
	if c.AuthorID == op.AuthorID {
		return op.With(sameAuthorKind, op.TargetID, op.Payload.Clone())
	}
	return op.With(op.Type, Disambiguate(op.TargetID, op.AuthorID, against.Sequence), op.Payload.Clone())
}
