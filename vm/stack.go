package vm

import (
	"errors"
	"fmt"
)

// Stack errors are recoverable: they are reported to the running program
// and leave the root registry consistent with the slots that remain.
var (
	ErrStackOverflow  = errors.New("stack overflow")
	ErrStackUnderflow = errors.New("stack underflow")
	ErrNoFrame        = errors.New("no open frame")
	ErrBadLocal       = errors.New("local index out of range")
)

// Default stack sizes.
const (
	DefaultOperandSize = 1024
	DefaultStorageSize = 4096
)

// frame is an activation: its locals live in storage[base:], and the
// operand stack below operandBase belongs to the caller.
type frame struct {
	base        int
	size        int
	operandBase int
}

// ---------------------------------------------------------------------------
// Stack: operand and storage stacks with root bookkeeping
// ---------------------------------------------------------------------------

// Stack holds the interpreter's operand stack and the storage stack that
// backs frame locals. Every reference-typed value in either stack is rooted
// exactly once per slot it occupies.
type Stack struct {
	mem Memory

	operand    []Value
	storage    []Value
	frames     []frame
	maxOperand int
	maxStorage int
}

// NewStack creates empty stacks bounded by the given sizes. Non-positive
// sizes select the defaults.
func NewStack(mem Memory, operandSize, storageSize int) *Stack {
	if operandSize <= 0 {
		operandSize = DefaultOperandSize
	}
	if storageSize <= 0 {
		storageSize = DefaultStorageSize
	}
	return &Stack{
		mem:        mem,
		operand:    make([]Value, 0, min(operandSize, 64)),
		maxOperand: operandSize,
		maxStorage: storageSize,
	}
}

func (s *Stack) root(v Value) {
	if v.IsReferenceType() {
		s.mem.AddRoot(v.Handle())
	}
}

func (s *Stack) unroot(v Value) {
	if v.IsReferenceType() {
		s.mem.RemoveRoot(v.Handle())
	}
}

// Push roots v and then makes it the top of the operand stack.
func (s *Stack) Push(v Value) error {
	if len(s.operand) >= s.maxOperand {
		return fmt.Errorf("push %s: %w", v, ErrStackOverflow)
	}
	s.root(v)
	s.operand = append(s.operand, v)
	return nil
}

// Pop removes the top value and then unroots it.
func (s *Stack) Pop() (Value, error) {
	if len(s.operand) <= s.floor() {
		return Nil, fmt.Errorf("pop: %w", ErrStackUnderflow)
	}
	n := len(s.operand) - 1
	v := s.operand[n]
	s.operand[n] = Nil
	s.operand = s.operand[:n]
	s.unroot(v)
	return v, nil
}

// PopN removes the top n values, top first, unrooting each as it leaves.
// The result is in stack order, the former top last.
func (s *Stack) PopN(n int) ([]Value, error) {
	if n < 0 || len(s.operand)-s.floor() < n {
		return nil, fmt.Errorf("pop %d: %w", n, ErrStackUnderflow)
	}
	out := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		v, _ := s.Pop()
		out[i] = v
	}
	return out, nil
}

// Peek returns the value depth slots below the top without removing it.
func (s *Stack) Peek(depth int) (Value, error) {
	i := len(s.operand) - 1 - depth
	if depth < 0 || i < s.floor() {
		return Nil, fmt.Errorf("peek %d: %w", depth, ErrStackUnderflow)
	}
	return s.operand[i], nil
}

// Dup pushes a second copy of the top value.
func (s *Stack) Dup() error {
	v, err := s.Peek(0)
	if err != nil {
		return err
	}
	return s.Push(v)
}

// floor is the lowest operand index the current frame may pop.
func (s *Stack) floor() int {
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[len(s.frames)-1].operandBase
}

// OpenFrame moves the top nargs operand values into a new frame's locals
// and appends nlocals nil locals. The moved values keep their roots: they
// leave one slot and enter another without being unobservable in between.
func (s *Stack) OpenFrame(nargs, nlocals int) error {
	if nargs < 0 || nlocals < 0 {
		return fmt.Errorf("open frame: %w", ErrBadLocal)
	}
	if len(s.operand)-s.floor() < nargs {
		return fmt.Errorf("open frame with %d args: %w", nargs, ErrStackUnderflow)
	}
	if len(s.storage)+nargs+nlocals > s.maxStorage {
		return fmt.Errorf("open frame: %w", ErrStackOverflow)
	}

	f := frame{base: len(s.storage), size: nargs + nlocals}
	args := s.operand[len(s.operand)-nargs:]
	s.storage = append(s.storage, args...)
	for range nlocals {
		s.storage = append(s.storage, Nil)
	}
	clear(args)
	s.operand = s.operand[:len(s.operand)-nargs]
	f.operandBase = len(s.operand)
	s.frames = append(s.frames, f)
	return nil
}

// CloseFrame discards the current frame. The top results operand values
// move to the caller's operand stack keeping their roots; every other
// operand value the frame pushed and every local is unrooted.
func (s *Stack) CloseFrame(results int) error {
	if len(s.frames) == 0 {
		return fmt.Errorf("close frame: %w", ErrNoFrame)
	}
	f := s.frames[len(s.frames)-1]
	if results < 0 || len(s.operand)-f.operandBase < results {
		return fmt.Errorf("close frame with %d results: %w", results, ErrStackUnderflow)
	}

	// Lift the results out of the frame's operand range first.
	top := len(s.operand) - results
	kept := append([]Value(nil), s.operand[top:]...)
	clear(s.operand[top:])
	s.operand = s.operand[:top]

	for len(s.operand) > f.operandBase {
		n := len(s.operand) - 1
		v := s.operand[n]
		s.operand[n] = Nil
		s.operand = s.operand[:n]
		s.unroot(v)
	}
	for len(s.storage) > f.base {
		n := len(s.storage) - 1
		v := s.storage[n]
		s.storage[n] = Nil
		s.storage = s.storage[:n]
		s.unroot(v)
	}
	s.frames = s.frames[:len(s.frames)-1]
	s.operand = append(s.operand, kept...)
	return nil
}

func (s *Stack) local(op string, i int) (int, error) {
	if len(s.frames) == 0 {
		return 0, fmt.Errorf("%s %d: %w", op, i, ErrNoFrame)
	}
	f := s.frames[len(s.frames)-1]
	if i < 0 || i >= f.size {
		return 0, fmt.Errorf("%s %d: %w", op, i, ErrBadLocal)
	}
	return f.base + i, nil
}

// Load pushes a copy of local i. The copy is a new slot and is rooted.
func (s *Stack) Load(i int) error {
	idx, err := s.local("load", i)
	if err != nil {
		return err
	}
	return s.Push(s.storage[idx])
}

// Store moves the top operand value into local i. The moved value keeps
// its root; the overwritten value is unrooted once it is no longer in the
// slot.
func (s *Stack) Store(i int) error {
	idx, err := s.local("store", i)
	if err != nil {
		return err
	}
	if len(s.operand) <= s.floor() {
		return fmt.Errorf("store %d: %w", i, ErrStackUnderflow)
	}
	n := len(s.operand) - 1
	v := s.operand[n]
	s.operand[n] = Nil
	s.operand = s.operand[:n]

	old := s.storage[idx]
	s.storage[idx] = v
	s.unroot(old)
	return nil
}

// Reset closes every frame and pops every value, leaving no roots behind.
func (s *Stack) Reset() {
	for len(s.frames) > 0 {
		_ = s.CloseFrame(0)
	}
	for len(s.operand) > 0 {
		_, _ = s.Pop()
	}
}

// Depth returns the number of operand values, across all frames.
func (s *Stack) Depth() int {
	return len(s.operand)
}

// Room returns how many more values the operand stack can take.
func (s *Stack) Room() int {
	return s.maxOperand - len(s.operand)
}

// Frames returns the number of open frames.
func (s *Stack) Frames() int {
	return len(s.frames)
}

// References returns every reference-typed value held in either stack, one
// entry per slot.
func (s *Stack) References() []Value {
	var out []Value
	for _, v := range s.storage {
		if v.IsReferenceType() {
			out = append(out, v)
		}
	}
	for _, v := range s.operand {
		if v.IsReferenceType() {
			out = append(out, v)
		}
	}
	return out
}
