package gc

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/marrow/arena"
)

// ErrStopped is returned when waiting on a collector whose worker has exited.
var ErrStopped = errors.New("gc: collector stopped")

// ---------------------------------------------------------------------------
// ConcurrentCollector: operations applied on a dedicated worker goroutine
// ---------------------------------------------------------------------------

// ConcurrentCollector applies operations on a background goroutine. The
// mutator buffers up to BatchSize operations locally and hands each full
// batch to the worker through a BlockingQueue, so the only synchronization
// on the mutator's path is one lock per batch.
//
// The worker runs each operation to completion before taking the next, so
// submission order is preserved: an edge change made before Collect is
// visible to that collection's marking phase.
//
// The mutator side (NewNode, AddEntryNode, ..., Step, Flush, Sync) must be
// driven from a single goroutine.
type ConcurrentCollector struct {
	engine

	queue    *BlockingQueue[*Operation]
	batch    []*Operation
	inflight atomic.Int64 // handed to the worker and not yet finished

	canceled atomic.Bool
	group    errgroup.Group
	exited   chan struct{}

	errMu sync.Mutex
	err   error

	stopOnce sync.Once
	stopErr  error
}

var _ GC = (*ConcurrentCollector)(nil)

// NewConcurrentCollector creates a collector and starts its worker.
func NewConcurrentCollector(cfg Config) *ConcurrentCollector {
	c := &ConcurrentCollector{
		queue:  NewBlockingQueue[*Operation](),
		exited: make(chan struct{}),
	}
	c.init(cfg.normalized())
	c.batch = make([]*Operation, 0, c.cfg.BatchSize)
	c.group.Go(c.run)
	return c
}

// run is the worker loop. A broken invariant aborts the worker, not the
// process: the panic is recovered, recorded, and returned from Stop.
func (c *ConcurrentCollector) run() (err error) {
	defer close(c.exited)
	// Nothing left queued will be applied.
	defer c.inflight.Store(0)
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*InvariantError)
			if !ok {
				panic(r)
			}
			c.errMu.Lock()
			c.err = ie
			c.errMu.Unlock()
			c.queue.Close()
			err = ie
		}
	}()

	for {
		op, ok := c.queue.Pop()
		if !ok {
			return nil
		}
		if op.Kind == opBarrier {
			// Settle the count first so a waiter released by the barrier
			// sees no pending work.
			c.inflight.Add(-1)
			c.apply(op)
			continue
		}
		for c.apply(op) {
			if c.canceled.Load() {
				log().Debugf("worker canceled during %s", op.Kind)
				return nil
			}
		}
		c.inflight.Add(-1)
	}
}

func (c *ConcurrentCollector) enqueue(op *Operation) {
	if c.canceled.Load() {
		fatalf("enqueue", op.Node, "%s submitted after Stop", op.Kind)
	}
	c.batch = append(c.batch, op)
	if len(c.batch) >= c.cfg.BatchSize {
		if err := c.Flush(); err != nil {
			log().Errorf("dropping batch: %s", err)
		}
	}
}

// Flush hands the locally buffered operations to the worker.
func (c *ConcurrentCollector) Flush() error {
	n := len(c.batch)
	if n == 0 {
		return nil
	}
	c.inflight.Add(int64(n))
	ok := c.queue.PushBatch(c.batch)
	clear(c.batch)
	c.batch = c.batch[:0]
	if !ok {
		c.inflight.Add(int64(-n))
		return c.exitErr()
	}
	return nil
}

// NewNode implements GC.
func (c *ConcurrentCollector) NewNode(kind arena.Kind) (arena.Handle, error) {
	return c.newNode(kind, c.enqueue)
}

// AddEntryNode implements GC.
func (c *ConcurrentCollector) AddEntryNode(h arena.Handle) {
	c.submit(addRootOp(h), c.enqueue)
}

// RemoveEntryNode implements GC.
func (c *ConcurrentCollector) RemoveEntryNode(h arena.Handle) {
	c.submit(removeRootOp(h), c.enqueue)
}

// Reference implements GC.
func (c *ConcurrentCollector) Reference(owner, referencee arena.Handle) {
	c.submit(referenceOp(owner, referencee), c.enqueue)
}

// Unreference implements GC.
func (c *ConcurrentCollector) Unreference(owner, referencee arena.Handle) {
	c.submit(unreferenceOp(owner, referencee), c.enqueue)
}

// Collect implements GC.
func (c *ConcurrentCollector) Collect() {
	c.collect(c.enqueue)
}

// Step flushes the local batch at a dispatch boundary and reports whether
// the worker still has operations to apply. It never blocks on the worker,
// and reports false once the worker has exited; see Err.
func (c *ConcurrentCollector) Step() bool {
	select {
	case <-c.exited:
		return false
	default:
	}
	c.maybeCollect(c.enqueue)
	if err := c.Flush(); err != nil {
		return false
	}
	return c.inflight.Load() > 0
}

// Sync flushes and waits until every operation submitted so far has been
// applied.
func (c *ConcurrentCollector) Sync() error {
	return c.Inspect(nil)
}

// Inspect flushes, waits for everything submitted so far to be applied,
// then runs fn on the worker goroutine with the heap and root registry.
// fn must not retain either argument.
func (c *ConcurrentCollector) Inspect(fn func(*Heap, *RootRegistry)) error {
	op := barrierOp(fn)
	c.batch = append(c.batch, op)
	if err := c.Flush(); err != nil {
		return err
	}
	select {
	case <-op.barrier.done:
		return nil
	case <-c.exited:
		select {
		case <-op.barrier.done:
			return nil
		default:
			return c.exitErr()
		}
	}
}

// Snapshot returns the live nodes and root counts once everything submitted
// so far has been applied.
func (c *ConcurrentCollector) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := c.Inspect(func(h *Heap, r *RootRegistry) {
		s = takeSnapshot(h, r)
	})
	return s, err
}

// Stop cancels the worker and waits for it to exit. Operations still queued
// or buffered are abandoned; call Sync first to apply them. Stop returns the
// invariant violation that aborted the worker, if any. It is safe to call
// more than once.
func (c *ConcurrentCollector) Stop() error {
	c.stopOnce.Do(func() {
		c.canceled.Store(true)
		c.queue.Close()
		c.stopErr = c.group.Wait()
		c.batch = c.batch[:0]
	})
	return c.stopErr
}

// Err returns the invariant violation that aborted the worker, or nil.
func (c *ConcurrentCollector) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *ConcurrentCollector) exitErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrStopped
}
