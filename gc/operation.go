package gc

import (
	"fmt"

	"github.com/chazu/marrow/arena"
)

// OpKind enumerates the mutations the collector understands.
type OpKind uint8

const (
	OpAllocate OpKind = iota + 1
	OpAddRoot
	OpRemoveRoot
	OpReference
	OpUnreference
	OpCollect

	// opBarrier runs a function on the applying goroutine once everything
	// queued before it has been applied. Never recorded or replayed.
	opBarrier
)

var opNames = [...]string{
	OpAllocate:    "allocate",
	OpAddRoot:     "add-root",
	OpRemoveRoot:  "remove-root",
	OpReference:   "reference",
	OpUnreference: "unreference",
	OpCollect:     "collect",
	opBarrier:     "barrier",
}

func (k OpKind) String() string {
	if int(k) < len(opNames) && opNames[k] != "" {
		return opNames[k]
	}
	return fmt.Sprintf("op(%d)", k)
}

// Operation is one queued mutation of the heap graph or root registry.
//
// Node is the allocated, rooted or unrooted node, or the owner of an edge
// for Reference/Unreference. Ref is the edge target. Object is the kind of
// an allocated node.
type Operation struct {
	Kind   OpKind
	Node   arena.Handle
	Ref    arena.Handle
	Object arena.Kind

	collect *collection
	barrier *barrier
}

func (op *Operation) String() string {
	switch op.Kind {
	case OpAllocate:
		return fmt.Sprintf("%s %v %s", op.Kind, op.Node, op.Object)
	case OpReference, OpUnreference:
		return fmt.Sprintf("%s %v -> %v", op.Kind, op.Node, op.Ref)
	case OpCollect, opBarrier:
		return op.Kind.String()
	default:
		return fmt.Sprintf("%s %v", op.Kind, op.Node)
	}
}

// OperationHook observes every operation at submission time, in order.
type OperationHook func(Operation)

type barrier struct {
	fn   func(*Heap, *RootRegistry)
	done chan struct{}
}

func allocateOp(id arena.Handle, kind arena.Kind) *Operation {
	return &Operation{Kind: OpAllocate, Node: id, Object: kind}
}

func addRootOp(id arena.Handle) *Operation {
	return &Operation{Kind: OpAddRoot, Node: id}
}

func removeRootOp(id arena.Handle) *Operation {
	return &Operation{Kind: OpRemoveRoot, Node: id}
}

func referenceOp(owner, referencee arena.Handle) *Operation {
	return &Operation{Kind: OpReference, Node: owner, Ref: referencee}
}

func unreferenceOp(owner, referencee arena.Handle) *Operation {
	return &Operation{Kind: OpUnreference, Node: owner, Ref: referencee}
}

func collectOp() *Operation {
	return &Operation{Kind: OpCollect}
}

func barrierOp(fn func(*Heap, *RootRegistry)) *Operation {
	return &Operation{Kind: opBarrier, barrier: &barrier{fn: fn, done: make(chan struct{})}}
}
