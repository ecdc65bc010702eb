package gc

import "github.com/chazu/marrow/arena"

// Snapshot is a point-in-time copy of the live node set and root counts.
type Snapshot struct {
	Nodes []arena.Handle
	Roots map[arena.Handle]int
	Edges map[arena.Handle][]arena.Handle
}

// Contains reports whether id was live when the snapshot was taken.
func (s *Snapshot) Contains(id arena.Handle) bool {
	_, ok := s.Edges[id]
	return ok
}

func takeSnapshot(h *Heap, r *RootRegistry) Snapshot {
	s := Snapshot{
		Nodes: h.Handles(),
		Roots: make(map[arena.Handle]int, r.Len()),
		Edges: make(map[arena.Handle][]arena.Handle, h.Len()),
	}
	for _, id := range s.Nodes {
		s.Edges[id] = h.Neighbors(id)
	}
	for id, n := range r.counts {
		s.Roots[id] = n
	}
	return s
}

// Snapshot copies the current graph. Only valid between steps.
func (c *Collector) Snapshot() Snapshot {
	return takeSnapshot(c.heap, c.roots)
}
