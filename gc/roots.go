package gc

import (
	"slices"

	"github.com/chazu/marrow/arena"
)

// RootRegistry counts how many live stack slots reference each node.
// A node is present iff its count is positive.
type RootRegistry struct {
	counts map[arena.Handle]int
}

// NewRootRegistry creates an empty registry.
func NewRootRegistry() *RootRegistry {
	return &RootRegistry{counts: make(map[arena.Handle]int)}
}

// Add records one more stack reference to id.
func (r *RootRegistry) Add(id arena.Handle) {
	r.counts[id]++
}

// Remove drops one stack reference to id. Removing a root that was never
// added means the interpreter and collector disagree about the stack and is
// fatal.
func (r *RootRegistry) Remove(id arena.Handle) {
	c, ok := r.counts[id]
	if !ok {
		fatalf("remove root", id, "not rooted")
	}
	if c == 1 {
		delete(r.counts, id)
		return
	}
	r.counts[id] = c - 1
}

// Count returns how many times id is rooted.
func (r *RootRegistry) Count(id arena.Handle) int {
	return r.counts[id]
}

// Contains reports whether id is rooted at least once.
func (r *RootRegistry) Contains(id arena.Handle) bool {
	return r.counts[id] > 0
}

// Len returns the number of distinct rooted nodes.
func (r *RootRegistry) Len() int {
	return len(r.counts)
}

// Snapshot returns the distinct rooted nodes in handle order.
func (r *RootRegistry) Snapshot() []arena.Handle {
	out := make([]arena.Handle, 0, len(r.counts))
	for id := range r.counts {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
