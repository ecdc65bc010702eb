// Package arena provides generation-checked handles and slot storage for
// heap graph nodes.
//
// A Handle names a slot and the generation the slot had when the handle was
// issued. Freeing a slot bumps its generation, so a handle that outlives its
// node is detected on lookup instead of silently aliasing whatever object
// reuses the slot.
package arena

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when an Allocator has no free slot and has
// reached its configured capacity.
var ErrOutOfMemory = errors.New("arena: out of memory")

// Handle identifies a node: low 32 bits are the slot index, high 32 bits
// the generation. The zero Handle is never issued.
type Handle uint64

// Nil is the zero handle.
const Nil Handle = 0

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (h Handle) Index() uint32 {
	return uint32(h)
}

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 {
	return uint32(h >> 32)
}

// IsNil returns true for the zero handle.
func (h Handle) IsNil() bool {
	return h == Nil
}

func (h Handle) String() string {
	if h == Nil {
		return "#nil"
	}
	return fmt.Sprintf("#%d.%d", h.Index(), h.Generation())
}

// ---------------------------------------------------------------------------
// Allocator
// ---------------------------------------------------------------------------

// Allocator issues handles. It is safe for concurrent use so that a mutator
// goroutine can reserve node identities while another goroutine owns the
// slot storage and releases handles as nodes die.
type Allocator struct {
	mu       sync.Mutex
	next     uint32   // next never-used index
	free     []Handle // released indices, already carrying the bumped generation
	live     int
	capacity int // 0 means unbounded
}

// NewAllocator creates an allocator. A capacity of zero or less means the
// number of live handles is unbounded.
func NewAllocator(capacity int) *Allocator {
	if capacity < 0 {
		capacity = 0
	}
	return &Allocator{capacity: capacity}
}

// Reserve returns a fresh handle, reusing a released slot when one exists.
func (a *Allocator) Reserve() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capacity > 0 && a.live >= a.capacity {
		return Nil, fmt.Errorf("reserve slot (%d live): %w", a.live, ErrOutOfMemory)
	}

	a.live++
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		return h, nil
	}
	idx := a.next
	a.next++
	return makeHandle(idx, 1), nil
}

// Release makes h's slot available again under the next generation.
func (a *Allocator) Release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	gen := h.Generation() + 1
	if gen == 0 {
		gen = 1 // wrapped; generation 0 is reserved for Nil
	}
	a.free = append(a.free, makeHandle(h.Index(), gen))
	a.live--
}

// Live returns the number of reserved and not yet released handles.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Capacity returns the configured capacity, 0 when unbounded.
func (a *Allocator) Capacity() int {
	return a.capacity
}

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

type slot[T any] struct {
	gen   uint32
	live  bool
	value T
}

// Slots is index-addressed storage for values named by handles. It is not
// safe for concurrent use; its owner serializes access.
type Slots[T any] struct {
	slots []slot[T]
	live  int
}

// Put stores v under h, growing the table as needed. The slot must be free.
func (s *Slots[T]) Put(h Handle, v T) bool {
	idx := int(h.Index())
	if idx >= len(s.slots) {
		grown := make([]slot[T], max(2*len(s.slots), idx+1))
		copy(grown, s.slots)
		s.slots = grown
	}
	sl := &s.slots[idx]
	if sl.live {
		return false
	}
	sl.gen = h.Generation()
	sl.live = true
	sl.value = v
	s.live++
	return true
}

// Get returns the value stored under h, or false if h is stale or unknown.
func (s *Slots[T]) Get(h Handle) (*T, bool) {
	idx := int(h.Index())
	if h == Nil || idx >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[idx]
	if !sl.live || sl.gen != h.Generation() {
		return nil, false
	}
	return &sl.value, true
}

// Contains reports whether h names a live value.
func (s *Slots[T]) Contains(h Handle) bool {
	_, ok := s.Get(h)
	return ok
}

// Free empties the slot named by h. It returns false if h is stale.
func (s *Slots[T]) Free(h Handle) bool {
	if _, ok := s.Get(h); !ok {
		return false
	}
	sl := &s.slots[h.Index()]
	var zero T
	sl.value = zero
	sl.live = false
	s.live--
	return true
}

// Len returns the number of live values.
func (s *Slots[T]) Len() int {
	return s.live
}

// Bound returns one past the highest slot index ever used. Iterating
// indices below Bound with At visits every live value.
func (s *Slots[T]) Bound() int {
	return len(s.slots)
}

// At returns the handle and value at slot index i if it is live.
func (s *Slots[T]) At(i int) (Handle, *T, bool) {
	if i < 0 || i >= len(s.slots) || !s.slots[i].live {
		return Nil, nil, false
	}
	sl := &s.slots[i]
	return makeHandle(uint32(i), sl.gen), &sl.value, true
}

// Range calls fn for each live value in index order until fn returns false.
func (s *Slots[T]) Range(fn func(Handle, *T) bool) {
	for i := range s.slots {
		if h, v, ok := s.At(i); ok {
			if !fn(h, v) {
				return
			}
		}
	}
}

// ResetEach applies fn to every live value.
func (s *Slots[T]) ResetEach(fn func(*T)) {
	for i := range s.slots {
		if s.slots[i].live {
			fn(&s.slots[i].value)
		}
	}
}
