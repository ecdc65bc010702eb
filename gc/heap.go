package gc

import (
	"slices"

	"github.com/chazu/marrow/arena"
)

// ---------------------------------------------------------------------------
// Heap: the object graph owned by the collector
// ---------------------------------------------------------------------------

// node is the collector's view of one heap object.
type node struct {
	kind      arena.Kind
	marked    bool
	refCount  int // incoming heap edges; only used to fast-path preprocessing
	neighbors []arena.Handle
}

// Heap is the set of live nodes and the edges between them. Only the
// goroutine applying operations mutates it.
type Heap struct {
	nodes   arena.Slots[node]
	handles *arena.Allocator
}

func newHeap(handles *arena.Allocator) *Heap {
	return &Heap{handles: handles}
}

func (h *Heap) lookup(op string, id arena.Handle) *node {
	n, ok := h.nodes.Get(id)
	if !ok {
		fatalf(op, id, "dangling handle")
	}
	return n
}

func (h *Heap) allocate(id arena.Handle, kind arena.Kind) {
	if !h.nodes.Put(id, node{kind: kind}) {
		fatalf("allocate", id, "slot already occupied")
	}
}

func (h *Heap) reference(owner, referencee arena.Handle) {
	o := h.lookup("reference", owner)
	r := h.lookup("reference", referencee)
	o.neighbors = append(o.neighbors, referencee)
	r.refCount++
}

func (h *Heap) unreference(owner, referencee arena.Handle) {
	o := h.lookup("unreference", owner)
	r := h.lookup("unreference", referencee)
	i := slices.Index(o.neighbors, referencee)
	if i < 0 {
		fatalf("unreference", owner, "no edge to %v", referencee)
	}
	last := len(o.neighbors) - 1
	o.neighbors[i] = o.neighbors[last]
	o.neighbors = o.neighbors[:last]
	r.refCount--
}

// free deletes a node. Neighbors that are still live lose one incoming
// edge; neighbors already freed in the same pass are skipped.
func (h *Heap) free(id arena.Handle) {
	n := h.lookup("free", id)
	for _, nb := range n.neighbors {
		if m, ok := h.nodes.Get(nb); ok {
			m.refCount--
		}
	}
	h.nodes.Free(id)
	h.handles.Release(id)
}

// Len returns the number of live nodes.
func (h *Heap) Len() int {
	return h.nodes.Len()
}

// Contains reports whether id names a live node.
func (h *Heap) Contains(id arena.Handle) bool {
	return h.nodes.Contains(id)
}

// Kind returns the kind of a live node.
func (h *Heap) Kind(id arena.Handle) (arena.Kind, bool) {
	n, ok := h.nodes.Get(id)
	if !ok {
		return 0, false
	}
	return n.kind, true
}

// RefCount returns the number of heap edges pointing at id.
func (h *Heap) RefCount(id arena.Handle) (int, bool) {
	n, ok := h.nodes.Get(id)
	if !ok {
		return 0, false
	}
	return n.refCount, true
}

// Marked returns the node's mark bit as left by the last collection.
func (h *Heap) Marked(id arena.Handle) bool {
	n, ok := h.nodes.Get(id)
	return ok && n.marked
}

// Neighbors returns a copy of id's outgoing edges.
func (h *Heap) Neighbors(id arena.Handle) []arena.Handle {
	n, ok := h.nodes.Get(id)
	if !ok {
		return nil
	}
	return slices.Clone(n.neighbors)
}

// Handles returns every live node in slot order.
func (h *Heap) Handles() []arena.Handle {
	out := make([]arena.Handle, 0, h.nodes.Len())
	h.nodes.Range(func(id arena.Handle, _ *node) bool {
		out = append(out, id)
		return true
	})
	return out
}
