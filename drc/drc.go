// Package drc implements deferred reference counting with trial-deletion
// cycle collection.
//
// Every node carries two counts: refCount, the number of external holders
// (stack slots), and internal, the number of heap edges pointing at it.
// When a node may have become garbage (its last external holder let go, or
// an edge into it was released) a trial deletion runs from that node. It
// subtracts the edges of the subgraph the node reaches. If every node in
// the subgraph is left at zero, the subgraph is garbage, cycles included,
// and is freed. If any node is still counted, the subgraph is reachable
// from outside: every count is restored and nothing is freed.
//
// A start node that is unheld but could not be freed is buffered as a
// candidate. Collect runs one trial over all buffered candidates together
// and frees whatever none of the live nodes reach, such as garbage that
// points into a held structure.
//
// A DRC is not safe for concurrent use.
package drc

import (
	"fmt"
	"math"

	"github.com/chazu/marrow/arena"
)

// color is a node's state within one trial. It is only meaningful for
// nodes stamped with the current epoch.
type color uint8

const (
	black color = iota // live
	gray               // visited, undecided
	white              // garbage
)

type node struct {
	kind      arena.Kind
	refCount  int
	internal  int
	neighbors []arena.Handle
	stamp     uint32
	color     color
	buffered  bool // listed in DRC.candidates
}

// Header is a read-only view of a node's bookkeeping.
type Header struct {
	Kind      arena.Kind
	RefCount  int
	Internal  int
	Neighbors []arena.Handle
}

// Stats counts trial deletions over the lifetime of a DRC.
type Stats struct {
	Trials      int
	Aborted     int
	Collections int
	Freed       int
}

// DRC is a reference-counted node graph with cycle collection.
type DRC struct {
	nodes   arena.Slots[node]
	handles *arena.Allocator

	epoch      uint32
	epochLimit uint32

	candidates []arena.Handle
	stats      Stats
}

// Option configures a DRC.
type Option func(*DRC)

// WithMaxNodes bounds the number of live nodes.
func WithMaxNodes(n int) Option {
	return func(d *DRC) {
		d.handles = arena.NewAllocator(n)
	}
}

// WithEpochLimit sets the epoch at which visit stamps wrap. When the
// counter reaches the limit every stamp is cleared and counting restarts
// at 1.
func WithEpochLimit(limit uint32) Option {
	return func(d *DRC) {
		if limit < 2 {
			limit = 2
		}
		d.epochLimit = limit
	}
}

// New creates an empty DRC.
func New(opts ...Option) *DRC {
	d := &DRC{epochLimit: math.MaxUint32}
	for _, opt := range opts {
		opt(d)
	}
	if d.handles == nil {
		d.handles = arena.NewAllocator(0)
	}
	return d
}

func fatalf(op string, h arena.Handle, format string, args ...any) {
	err := &arena.InvariantError{Component: "drc", Op: op, Node: h, Msg: fmt.Sprintf(format, args...)}
	log().Critical(err.Error())
	panic(err)
}

func (d *DRC) lookup(op string, h arena.Handle) *node {
	n, ok := d.nodes.Get(h)
	if !ok {
		fatalf(op, h, "dangling handle")
	}
	return n
}

// Add registers a new node with both counts at zero. A node that is never
// retained or referenced is not reclaimed until something drops a
// reference to it or TryCleanup is called on it.
func (d *DRC) Add(kind arena.Kind) (arena.Handle, error) {
	if !kind.Valid() {
		fatalf("add", arena.Nil, "invalid object kind %d", kind)
	}
	h, err := d.handles.Reserve()
	if err != nil {
		return arena.Nil, err
	}
	d.nodes.Put(h, node{kind: kind})
	return h, nil
}

// IncRef records one more external holder of h.
func (d *DRC) IncRef(h arena.Handle) {
	d.lookup("incref", h).refCount++
}

// DecRef drops one external holder of h. When the count reaches zero a
// trial deletion runs from h; the nodes it freed are returned.
func (d *DRC) DecRef(h arena.Handle) []arena.Handle {
	n := d.lookup("decref", h)
	if n.refCount == 0 {
		fatalf("decref", h, "reference count already zero")
	}
	n.refCount--
	if n.refCount > 0 {
		return nil
	}
	return d.cleanup(h)
}

// Retain adds the edge owner -> referencee.
func (d *DRC) Retain(owner, referencee arena.Handle) {
	o := d.lookup("retain", owner)
	r := d.lookup("retain", referencee)
	o.neighbors = append(o.neighbors, referencee)
	r.internal++
}

// Release removes one edge owner -> referencee and runs a trial deletion
// from referencee. The nodes it freed are returned.
func (d *DRC) Release(owner, referencee arena.Handle) []arena.Handle {
	o := d.lookup("release", owner)
	r := d.lookup("release", referencee)
	i := -1
	for j, nb := range o.neighbors {
		if nb == referencee {
			i = j
			break
		}
	}
	if i < 0 {
		fatalf("release", owner, "no edge to %v", referencee)
	}
	last := len(o.neighbors) - 1
	o.neighbors[i] = o.neighbors[last]
	o.neighbors = o.neighbors[:last]
	r.internal--
	return d.cleanup(referencee)
}

// TryCleanup runs a trial deletion from h. If nothing outside the subgraph
// h reaches holds any of it, the whole subgraph is freed and returned; the
// handles are stale on return. Otherwise nothing is freed, every count is
// as it was, and h is buffered for Collect if it is unheld.
func (d *DRC) TryCleanup(h arena.Handle) []arena.Handle {
	d.lookup("try cleanup", h)
	return d.cleanup(h)
}

func (d *DRC) cleanup(h arena.Handle) []arena.Handle {
	start := d.lookup("try cleanup", h)
	if start.refCount > 0 {
		return nil
	}
	d.stats.Trials++
	visited := d.trial([]arena.Handle{h})
	for _, id := range visited {
		if d.lookup("try cleanup", id).color == white {
			continue
		}
		// Reachable from outside the subgraph.
		d.restore(visited)
		d.stats.Aborted++
		if !start.buffered {
			start.buffered = true
			d.candidates = append(d.candidates, h)
		}
		log().Debugf("trial from %v: %d nodes visited, aborted", h, len(visited))
		return nil
	}
	for _, id := range visited {
		d.free(id)
	}
	log().Debugf("trial from %v: freed %d nodes", h, len(visited))
	return visited
}

// Collect runs a single trial over every buffered candidate that is still
// unheld and frees the nodes no live node reaches. The candidate buffer is
// emptied; a node that is later dropped again is buffered again.
func (d *DRC) Collect() []arena.Handle {
	var roots []arena.Handle
	for _, h := range d.candidates {
		n, ok := d.nodes.Get(h)
		if !ok {
			continue
		}
		n.buffered = false
		if n.refCount == 0 {
			roots = append(roots, h)
		}
	}
	clear(d.candidates)
	d.candidates = d.candidates[:0]
	if len(roots) == 0 {
		return nil
	}

	d.stats.Collections++
	visited := d.trial(roots)
	var garbage []arena.Handle
	for _, id := range visited {
		if d.lookup("collect", id).color == white {
			garbage = append(garbage, id)
		}
	}
	for _, id := range garbage {
		d.free(id)
	}
	log().Debugf("collect over %d candidates: %d nodes visited, %d garbage", len(roots), len(visited), len(garbage))
	return garbage
}

// Candidates returns the number of buffered candidates.
func (d *DRC) Candidates() int {
	return len(d.candidates)
}

// trial subtracts every edge of the subgraph reachable from roots and
// colours the visited nodes. A node left with a positive count is held
// from outside the subgraph; it and everything it reaches are coloured
// black and get their edges added back. The rest are coloured white and
// keep their outgoing edges subtracted.
func (d *DRC) trial(roots []arena.Handle) []arena.Handle {
	epoch := d.nextEpoch()

	visited := make([]arena.Handle, 0, len(roots))
	for _, id := range roots {
		n := d.lookup("try cleanup", id)
		if n.stamp != epoch {
			n.stamp = epoch
			n.color = gray
			visited = append(visited, id)
		}
	}
	for i := 0; i < len(visited); i++ {
		n := d.lookup("try cleanup", visited[i])
		for _, nb := range n.neighbors {
			m := d.lookup("try cleanup", nb)
			m.internal--
			if m.stamp != epoch {
				m.stamp = epoch
				m.color = gray
				visited = append(visited, nb)
			}
		}
	}

	for _, id := range visited {
		n := d.lookup("try cleanup", id)
		if n.color != gray {
			continue
		}
		if n.internal > 0 || n.refCount > 0 {
			d.scanBlack(id, n)
		} else {
			n.color = white
		}
	}
	return visited
}

// scanBlack marks n live and restores the count of every edge reachable
// from it.
func (d *DRC) scanBlack(id arena.Handle, n *node) {
	n.color = black
	stack := []arena.Handle{id}
	for len(stack) > 0 {
		s := d.lookup("try cleanup", stack[len(stack)-1])
		stack = stack[:len(stack)-1]
		for _, nb := range s.neighbors {
			m := d.lookup("try cleanup", nb)
			m.internal++
			if m.color != black {
				m.color = black
				stack = append(stack, nb)
			}
		}
	}
}

// restore adds back the edges of the white nodes in visited. Black nodes
// had theirs restored by scanBlack, so afterwards every count is as it was
// before the trial.
func (d *DRC) restore(visited []arena.Handle) {
	for _, id := range visited {
		n := d.lookup("try cleanup", id)
		if n.color != white {
			continue
		}
		n.color = black
		for _, nb := range n.neighbors {
			d.lookup("try cleanup", nb).internal++
		}
	}
}

func (d *DRC) free(h arena.Handle) {
	d.nodes.Free(h)
	d.handles.Release(h)
	d.stats.Freed++
}

// nextEpoch advances the visit stamp, clearing every stamp on wrap so no
// node appears visited in the new epoch.
func (d *DRC) nextEpoch() uint32 {
	d.epoch++
	if d.epoch >= d.epochLimit {
		d.nodes.ResetEach(func(n *node) { n.stamp = 0 })
		d.epoch = 1
		log().Debug("epoch wrapped")
	}
	return d.epoch
}

// Header returns a copy of h's bookkeeping.
func (d *DRC) Header(h arena.Handle) (Header, bool) {
	n, ok := d.nodes.Get(h)
	if !ok {
		return Header{}, false
	}
	return Header{
		Kind:      n.kind,
		RefCount:  n.refCount,
		Internal:  n.internal,
		Neighbors: append([]arena.Handle(nil), n.neighbors...),
	}, true
}

// Contains reports whether h names a live node.
func (d *DRC) Contains(h arena.Handle) bool {
	return d.nodes.Contains(h)
}

// Len returns the number of live nodes.
func (d *DRC) Len() int {
	return d.nodes.Len()
}

// Epoch returns the current visit epoch.
func (d *DRC) Epoch() uint32 {
	return d.epoch
}

// Stats returns trial deletion counters.
func (d *DRC) Stats() Stats {
	return d.stats
}
