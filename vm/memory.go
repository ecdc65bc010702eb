package vm

import (
	"github.com/chazu/marrow/arena"
	"github.com/chazu/marrow/drc"
	"github.com/chazu/marrow/gc"
)

// Memory is the reclamation scheme the stack and machine report to. Every
// reference that becomes visible in a stack slot is announced with AddRoot
// before it is visible, and withdrawn with RemoveRoot after it is gone.
type Memory interface {
	Alloc(kind arena.Kind) (arena.Handle, error)
	AddRoot(h arena.Handle)
	RemoveRoot(h arena.Handle)
	Link(owner, referencee arena.Handle)
	Unlink(owner, referencee arena.Handle)
	Collect()

	// Step gives deferred work a bounded slice of time and reports whether
	// any remains.
	Step() bool
}

// Tracing adapts a mark-sweep collector. Roots map to entry nodes and
// links to graph edges.
func Tracing(g gc.GC) Memory {
	return tracing{g}
}

type tracing struct {
	g gc.GC
}

func (t tracing) Alloc(kind arena.Kind) (arena.Handle, error) { return t.g.NewNode(kind) }
func (t tracing) AddRoot(h arena.Handle)                      { t.g.AddEntryNode(h) }
func (t tracing) RemoveRoot(h arena.Handle)                   { t.g.RemoveEntryNode(h) }
func (t tracing) Link(owner, referencee arena.Handle)         { t.g.Reference(owner, referencee) }
func (t tracing) Unlink(owner, referencee arena.Handle)       { t.g.Unreference(owner, referencee) }
func (t tracing) Collect()                                    { t.g.Collect() }
func (t tracing) Step() bool                                  { return t.g.Step() }

// Err returns the error that stopped a collector running elsewhere, such
// as a ConcurrentCollector whose worker hit a broken invariant.
func (t tracing) Err() error {
	if f, ok := t.g.(interface{ Err() error }); ok {
		return f.Err()
	}
	return nil
}

// Counting adapts a reference-counting heap. Roots are external counts
// and links are internal edges. Most nodes are reclaimed as soon as a count
// drop leaves them unreachable; Collect sweeps the candidates a trial could
// not settle on its own. Step has nothing to do. onFree, if set, sees every
// batch of reclaimed handles.
func Counting(d *drc.DRC, onFree func([]arena.Handle)) Memory {
	return &counting{d: d, onFree: onFree}
}

type counting struct {
	d      *drc.DRC
	onFree func([]arena.Handle)
}

func (c *counting) Alloc(kind arena.Kind) (arena.Handle, error) { return c.d.Add(kind) }
func (c *counting) AddRoot(h arena.Handle)                      { c.d.IncRef(h) }
func (c *counting) RemoveRoot(h arena.Handle)                   { c.freed(c.d.DecRef(h)) }
func (c *counting) Link(owner, referencee arena.Handle)         { c.d.Retain(owner, referencee) }
func (c *counting) Unlink(owner, referencee arena.Handle)       { c.freed(c.d.Release(owner, referencee)) }
func (c *counting) Collect()                                    { c.freed(c.d.Collect()) }
func (c *counting) Step() bool                                  { return false }

func (c *counting) freed(hs []arena.Handle) {
	if len(hs) > 0 && c.onFree != nil {
		c.onFree(hs)
	}
}
