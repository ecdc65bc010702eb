// Package gc implements an incremental mark-sweep collector for the
// interpreter's heap graph.
//
// Every mutation of the graph or the root registry is expressed as an
// Operation and applied in FIFO order. A collection is itself an operation
// that advances through four phases (entry, preprocessing, marking,
// sweeping) one bounded unit of work per step, so the interpreter can
// interleave collection with bytecode dispatch.
//
// Two schedulers share the same operation semantics:
//
//   - Collector applies operations cooperatively, one step per call to Step.
//   - ConcurrentCollector batches operations on the mutator side and applies
//     them on a dedicated worker goroutine.
//
// In both, the heap and root registry are owned by whoever applies the
// operations; the mutator only ever holds handles.
package gc

import (
	"sync/atomic"

	"github.com/chazu/marrow/arena"
)

// GC is the collector surface the interpreter drives. Both Collector and
// ConcurrentCollector implement it.
type GC interface {
	// NewNode reserves a handle for a freshly allocated heap object and
	// queues its insertion into the graph. It fails with
	// arena.ErrOutOfMemory when the node capacity is exhausted.
	NewNode(kind arena.Kind) (arena.Handle, error)

	// AddEntryNode records that a stack slot now references h.
	AddEntryNode(h arena.Handle)

	// RemoveEntryNode drops one stack reference to h.
	RemoveEntryNode(h arena.Handle)

	// Reference records an edge owner -> referencee.
	Reference(owner, referencee arena.Handle)

	// Unreference removes one edge owner -> referencee.
	Unreference(owner, referencee arena.Handle)

	// Collect queues a full collection unless one is already pending.
	Collect()

	// Step gives the collector a bounded slice of time and reports whether
	// queued work remains.
	Step() bool
}

// Config tunes a collector.
type Config struct {
	// BatchSize is how many operations the concurrent mutator buffers
	// before handing them to the worker.
	BatchSize int

	// CollectEvery queues a collection at the first Step after this many
	// allocations. Step is called at dispatch boundaries, where every
	// freshly allocated node the program still holds is already rooted.
	// Zero disables automatic collection.
	CollectEvery int

	// MaxNodes bounds the number of live nodes. Zero means unbounded.
	MaxNodes int

	// Hook, if set, observes every operation at submission.
	Hook OperationHook

	// OnCycle, if set, is called with the stats of every finished
	// collection, on the goroutine that applied it.
	OnCycle func(CollectStats)
}

// Default tuning values.
const (
	DefaultBatchSize    = 64
	DefaultCollectEvery = 1024
)

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:    DefaultBatchSize,
		CollectEvery: DefaultCollectEvery,
	}
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CollectEvery < 0 {
		c.CollectEvery = 0
	}
	return c
}

// ---------------------------------------------------------------------------
// engine: operation semantics shared by both schedulers
// ---------------------------------------------------------------------------

type engine struct {
	cfg     Config
	handles *arena.Allocator
	heap    *Heap
	roots   *RootRegistry

	allocs         int  // allocations since the last automatic collection (mutator side)
	collectDue     bool // set by newNode, consumed by the next Step
	collectPending atomic.Bool

	cycles    atomic.Uint64
	lastStats atomic.Pointer[CollectStats]
}

func (e *engine) init(cfg Config) {
	e.cfg = cfg
	e.handles = arena.NewAllocator(cfg.MaxNodes)
	e.heap = newHeap(e.handles)
	e.roots = NewRootRegistry()
}

// submit prepares an operation on the mutator side and hands it to enqueue.
func (e *engine) submit(op *Operation, enqueue func(*Operation)) {
	if e.cfg.Hook != nil {
		e.cfg.Hook(*op)
	}
	enqueue(op)
}

func (e *engine) newNode(kind arena.Kind, enqueue func(*Operation)) (arena.Handle, error) {
	if !kind.Valid() {
		fatalf("allocate", arena.Nil, "invalid object kind %d", kind)
	}
	id, err := e.handles.Reserve()
	if err != nil {
		return arena.Nil, err
	}
	e.submit(allocateOp(id, kind), enqueue)

	if e.cfg.CollectEvery > 0 {
		e.allocs++
		if e.allocs >= e.cfg.CollectEvery {
			e.allocs = 0
			e.collectDue = true
		}
	}
	return id, nil
}

// maybeCollect queues the automatic collection newNode asked for.
func (e *engine) maybeCollect(enqueue func(*Operation)) {
	if e.collectDue {
		e.collectDue = false
		e.collect(enqueue)
	}
}

func (e *engine) collect(enqueue func(*Operation)) {
	if !e.collectPending.CompareAndSwap(false, true) {
		return
	}
	e.submit(collectOp(), enqueue)
}

// apply performs one step of op and reports whether op needs more steps.
func (e *engine) apply(op *Operation) bool {
	switch op.Kind {
	case OpAllocate:
		e.heap.allocate(op.Node, op.Object)
	case OpAddRoot:
		e.heap.lookup("add root", op.Node)
		e.roots.Add(op.Node)
	case OpRemoveRoot:
		e.roots.Remove(op.Node)
	case OpReference:
		e.heap.reference(op.Node, op.Ref)
	case OpUnreference:
		e.heap.unreference(op.Node, op.Ref)
	case OpCollect:
		if op.collect == nil {
			op.collect = newCollection(e.heap, e.roots)
		}
		if op.collect.step() {
			return true
		}
		e.finishCycle(op.collect.stats)
	case opBarrier:
		if op.barrier.fn != nil {
			op.barrier.fn(e.heap, e.roots)
		}
		close(op.barrier.done)
	default:
		fatalf("apply", op.Node, "unknown operation kind %d", op.Kind)
	}
	return false
}

func (e *engine) finishCycle(stats CollectStats) {
	e.cycles.Add(1)
	e.lastStats.Store(&stats)
	e.collectPending.Store(false)
	if e.cfg.OnCycle != nil {
		e.cfg.OnCycle(stats)
	}
}

// CycleCount returns the number of completed collections.
func (e *engine) CycleCount() uint64 {
	return e.cycles.Load()
}

// LastStats returns the stats of the most recent collection, or nil.
func (e *engine) LastStats() *CollectStats {
	return e.lastStats.Load()
}

// ---------------------------------------------------------------------------
// Collector: cooperative, single goroutine
// ---------------------------------------------------------------------------

// Collector applies operations on the caller's goroutine, one bounded step
// per call to Step. It is not safe for concurrent use.
type Collector struct {
	engine
	queue Queue[*Operation]
}

var _ GC = (*Collector)(nil)

// NewCollector creates a cooperative collector.
func NewCollector(cfg Config) *Collector {
	c := &Collector{}
	c.init(cfg.normalized())
	return c
}

func (c *Collector) enqueue(op *Operation) {
	c.queue.Push(op)
}

// NewNode implements GC.
func (c *Collector) NewNode(kind arena.Kind) (arena.Handle, error) {
	return c.newNode(kind, c.enqueue)
}

// AddEntryNode implements GC.
func (c *Collector) AddEntryNode(h arena.Handle) {
	c.submit(addRootOp(h), c.enqueue)
}

// RemoveEntryNode implements GC.
func (c *Collector) RemoveEntryNode(h arena.Handle) {
	c.submit(removeRootOp(h), c.enqueue)
}

// Reference implements GC.
func (c *Collector) Reference(owner, referencee arena.Handle) {
	c.submit(referenceOp(owner, referencee), c.enqueue)
}

// Unreference implements GC.
func (c *Collector) Unreference(owner, referencee arena.Handle) {
	c.submit(unreferenceOp(owner, referencee), c.enqueue)
}

// Collect implements GC.
func (c *Collector) Collect() {
	c.collect(c.enqueue)
}

// Step applies one step of the operation at the head of the queue.
func (c *Collector) Step() bool {
	c.maybeCollect(c.enqueue)
	op, ok := c.queue.Peek()
	if !ok {
		return false
	}
	if !c.apply(op) {
		c.queue.Pop()
	}
	return !c.queue.Empty()
}

// Drain steps until the queue is empty and returns the number of steps.
func (c *Collector) Drain() int {
	c.maybeCollect(c.enqueue)
	steps := 0
	for !c.queue.Empty() {
		c.Step()
		steps++
	}
	return steps
}

// Pending returns the number of queued operations.
func (c *Collector) Pending() int {
	return c.queue.Len()
}

// Phase returns the phase of the collection at the head of the queue, if
// one is in progress.
func (c *Collector) Phase() (Phase, bool) {
	op, ok := c.queue.Peek()
	if !ok || op.Kind != OpCollect || op.collect == nil {
		return 0, false
	}
	return op.collect.Phase(), true
}

// Heap returns the collector's graph. Only valid between steps.
func (c *Collector) Heap() *Heap {
	return c.heap
}

// Roots returns the collector's root registry. Only valid between steps.
func (c *Collector) Roots() *RootRegistry {
	return c.roots
}
