package gc

import (
	"time"

	"github.com/google/uuid"

	"github.com/chazu/marrow/arena"
)

// Phase is the state of an in-progress collection.
type Phase uint8

const (
	PhaseEntry Phase = iota
	PhasePreprocessing
	PhaseMarking
	PhaseSweeping
	PhaseDone
)

var phaseNames = [...]string{
	PhaseEntry:         "entry",
	PhasePreprocessing: "preprocessing",
	PhaseMarking:       "marking",
	PhaseSweeping:      "sweeping",
	PhaseDone:          "done",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// CollectStats describes one finished collection cycle.
type CollectStats struct {
	CycleID      uuid.UUID
	Roots        int // distinct roots at entry
	Preprocessed int // zero-refcount nodes freed during preprocessing
	Marked       int
	Swept        int // unmarked nodes freed during sweeping
	Survivors    int
	Steps        int
	Duration     time.Duration
	Timestamp    time.Time
}

// Reclaimed returns the total number of nodes freed by the cycle.
func (s *CollectStats) Reclaimed() int {
	return s.Preprocessed + s.Swept
}

// ---------------------------------------------------------------------------
// collection: the resumable mark-sweep state machine
// ---------------------------------------------------------------------------

// collection runs one mark-sweep pass as a sequence of bounded steps.
// Each call to step does at most one unit of work: seed one root, visit one
// node during preprocessing, follow one edge while marking, or visit one
// node while sweeping. Phase changes cost nothing.
type collection struct {
	phase Phase
	heap  *Heap
	roots *RootRegistry

	entry   []arena.Handle // root snapshot taken on the first step
	rootPos int

	work     Queue[arena.Handle]
	scanning *node // node whose edges are being followed
	edgePos  int

	cursor int // slot index for preprocessing and sweeping
	bound  int

	started bool
	stats   CollectStats
}

func newCollection(heap *Heap, roots *RootRegistry) *collection {
	return &collection{
		heap:  heap,
		roots: roots,
		stats: CollectStats{CycleID: uuid.New()},
	}
}

// Phase returns the current phase.
func (c *collection) Phase() Phase {
	return c.phase
}

// step performs one unit of work and reports whether more remains.
func (c *collection) step() bool {
	if c.phase == PhaseDone {
		fatalf("collect", arena.Nil, "stepped after completion")
	}
	if !c.started {
		c.started = true
		c.stats.Timestamp = time.Now()
		c.entry = c.roots.Snapshot()
		c.stats.Roots = len(c.entry)
		log().Debugf("cycle %s: entry with %d roots, %d nodes", c.stats.CycleID, len(c.entry), c.heap.Len())
	}
	c.stats.Steps++

	for {
		switch c.phase {
		case PhaseEntry:
			if c.rootPos < len(c.entry) {
				id := c.entry[c.rootPos]
				c.rootPos++
				c.heap.lookup("collect entry", id)
				c.work.Push(id)
				return true
			}
			c.enter(PhasePreprocessing)
			c.bound = c.heap.nodes.Bound()

		case PhasePreprocessing:
			if c.preprocessOne() {
				return true
			}
			c.enter(PhaseMarking)

		case PhaseMarking:
			if c.markOne() {
				return true
			}
			c.enter(PhaseSweeping)
			c.cursor = 0
			c.bound = c.heap.nodes.Bound()

		case PhaseSweeping:
			if c.sweepOne() {
				return true
			}
			c.finish()
			return false

		default:
			fatalf("collect", arena.Nil, "unknown phase %d", c.phase)
		}
	}
}

func (c *collection) enter(p Phase) {
	log().Debugf("cycle %s: %s -> %s", c.stats.CycleID, c.phase, p)
	c.phase = p
}

// preprocessOne visits the next live node. Unrooted nodes with no incoming
// edges are freed on the spot; every survivor has its mark bit cleared.
func (c *collection) preprocessOne() bool {
	for c.cursor < c.bound {
		id, n, ok := c.heap.nodes.At(c.cursor)
		c.cursor++
		if !ok {
			continue
		}
		if n.refCount == 0 && !c.roots.Contains(id) {
			c.heap.free(id)
			c.stats.Preprocessed++
		} else {
			n.marked = false
		}
		return true
	}
	return false
}

// markOne follows a single edge of the node being scanned, or dequeues and
// marks the next node. Marking is breadth-first from the entry roots.
func (c *collection) markOne() bool {
	for {
		if c.scanning != nil {
			if c.edgePos < len(c.scanning.neighbors) {
				nb := c.scanning.neighbors[c.edgePos]
				c.edgePos++
				m := c.heap.lookup("mark", nb)
				if !m.marked {
					c.work.Push(nb)
				}
				return true
			}
			c.scanning = nil
		}

		id, ok := c.work.Pop()
		if !ok {
			return false
		}
		n := c.heap.lookup("mark", id)
		if n.marked {
			continue
		}
		n.marked = true
		c.stats.Marked++
		c.scanning = n
		c.edgePos = 0
		return true
	}
}

// sweepOne visits the next live node and frees it if unmarked.
func (c *collection) sweepOne() bool {
	for c.cursor < c.bound {
		id, n, ok := c.heap.nodes.At(c.cursor)
		c.cursor++
		if !ok {
			continue
		}
		if !n.marked {
			c.heap.free(id)
			c.stats.Swept++
		}
		return true
	}
	return false
}

func (c *collection) finish() {
	c.phase = PhaseDone
	c.stats.Survivors = c.heap.Len()
	c.stats.Duration = time.Since(c.stats.Timestamp)
	c.scanning = nil
	c.work.Clear()
	log().Infof("cycle %s: marked %d, reclaimed %d (%d preprocessed, %d swept), %d survivors in %d steps",
		c.stats.CycleID, c.stats.Marked, c.stats.Reclaimed(), c.stats.Preprocessed,
		c.stats.Swept, c.stats.Survivors, c.stats.Steps)
}
