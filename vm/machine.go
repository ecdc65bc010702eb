package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/marrow/arena"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a machine instruction.
type Opcode byte

const (
	OpHalt    Opcode = iota // stop
	OpPushInt               // push int A
	OpPushNil               // push nil
	OpNew                   // allocate a heap object of kind A and push it
	OpPop                   // discard top
	OpDup                   // duplicate top
	OpLink                  // top is referencee, below it owner: add edge, pop referencee
	OpUnlink                // as OpLink, removing the edge
	OpLoad                  // push local A
	OpStore                 // pop into local A
	OpCall                  // call A with B args and C extra locals
	OpReturn                // return A results to the caller
	OpCollect               // request a collection
)

var opcodeNames = [...]string{
	OpHalt:    "halt",
	OpPushInt: "push-int",
	OpPushNil: "push-nil",
	OpNew:     "new",
	OpPop:     "pop",
	OpDup:     "dup",
	OpLink:    "link",
	OpUnlink:  "unlink",
	OpLoad:    "load",
	OpStore:   "store",
	OpCall:    "call",
	OpReturn:  "return",
	OpCollect: "collect",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// Instr is one instruction with up to three immediate operands.
type Instr struct {
	Op      Opcode
	A, B, C int
}

func (in Instr) String() string {
	switch in.Op {
	case OpPushInt, OpLoad, OpStore, OpReturn:
		return fmt.Sprintf("%s %d", in.Op, in.A)
	case OpNew:
		return fmt.Sprintf("%s %s", in.Op, arena.Kind(in.A))
	case OpCall:
		return fmt.Sprintf("%s %d/%d+%d", in.Op, in.A, in.B, in.C)
	default:
		return in.Op.String()
	}
}

// Machine errors.
var (
	ErrNotReference   = errors.New("operand is not a reference")
	ErrBadInstruction = errors.New("bad instruction")
	ErrHalted         = errors.New("machine halted")
)

// RuntimeError is an error raised by the running program.
type RuntimeError struct {
	PC    int
	Instr Instr
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("pc %d (%s): %s", e.PC, e.Instr, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// DefaultStepsPerDispatch is how many collector steps follow each dispatch.
const DefaultStepsPerDispatch = 1

// Options configures a Machine.
type Options struct {
	OperandSize      int
	StorageSize      int
	StepsPerDispatch int
}

// Machine runs a program against a Memory. After every dispatched
// instruction it gives the memory StepsPerDispatch steps, so a cooperative
// collector advances in lockstep with the program.
type Machine struct {
	mem   Memory
	stack *Stack
	code  []Instr

	pc      int
	returns []int
	halted  bool

	stepsPerDispatch int
	dispatched       uint64
}

// NewMachine creates a machine for code.
func NewMachine(mem Memory, code []Instr, opts Options) *Machine {
	if opts.StepsPerDispatch <= 0 {
		opts.StepsPerDispatch = DefaultStepsPerDispatch
	}
	return &Machine{
		mem:              mem,
		stack:            NewStack(mem, opts.OperandSize, opts.StorageSize),
		code:             code,
		stepsPerDispatch: opts.StepsPerDispatch,
	}
}

// Stack returns the machine's stacks.
func (m *Machine) Stack() *Stack {
	return m.stack
}

// Halted reports whether the program has stopped.
func (m *Machine) Halted() bool {
	return m.halted
}

// Dispatched returns the number of instructions executed.
func (m *Machine) Dispatched() uint64 {
	return m.dispatched
}

// Run dispatches until the program halts, fails, or ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	for !m.halted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Dispatch(); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch executes one instruction and then steps the memory. Running off
// the end of the code halts the machine.
func (m *Machine) Dispatch() error {
	if m.halted {
		return ErrHalted
	}
	if m.pc < 0 || m.pc >= len(m.code) {
		m.halted = true
		return nil
	}
	pc := m.pc
	in := m.code[pc]
	m.pc++
	m.dispatched++

	if err := m.exec(in); err != nil {
		m.halted = true
		return &RuntimeError{PC: pc, Instr: in, Err: err}
	}
	for range m.stepsPerDispatch {
		if !m.mem.Step() {
			break
		}
	}
	return nil
}

func (m *Machine) exec(in Instr) error {
	s := m.stack
	switch in.Op {
	case OpHalt:
		m.halted = true
	case OpPushInt:
		return s.Push(Int(int64(in.A)))
	case OpPushNil:
		return s.Push(Nil)
	case OpNew:
		kind := arena.Kind(in.A)
		if !kind.Valid() {
			return fmt.Errorf("%w: object kind %d", ErrBadInstruction, in.A)
		}
		// An object allocated with nowhere to go would never be rooted.
		if s.Room() == 0 {
			return fmt.Errorf("new %s: %w", kind, ErrStackOverflow)
		}
		h, err := m.mem.Alloc(kind)
		if err != nil {
			return err
		}
		return s.Push(Ref(kind, h))
	case OpPop:
		_, err := s.Pop()
		return err
	case OpDup:
		return s.Dup()
	case OpLink, OpUnlink:
		return m.edge(in.Op)
	case OpLoad:
		return s.Load(in.A)
	case OpStore:
		return s.Store(in.A)
	case OpCall:
		if in.A < 0 || in.A >= len(m.code) {
			return fmt.Errorf("%w: call target %d", ErrBadInstruction, in.A)
		}
		if err := s.OpenFrame(in.B, in.C); err != nil {
			return err
		}
		m.returns = append(m.returns, m.pc)
		m.pc = in.A
	case OpReturn:
		if len(m.returns) == 0 {
			return ErrNoFrame
		}
		if err := s.CloseFrame(in.A); err != nil {
			return err
		}
		m.pc = m.returns[len(m.returns)-1]
		m.returns = m.returns[:len(m.returns)-1]
	case OpCollect:
		m.mem.Collect()
	default:
		return fmt.Errorf("%w: opcode %d", ErrBadInstruction, in.Op)
	}
	return nil
}

// edge links or unlinks the two top values. The referencee is popped only
// after the edge change, so it is never unrooted while still unlinked.
func (m *Machine) edge(op Opcode) error {
	ref, err := m.stack.Peek(0)
	if err != nil {
		return err
	}
	owner, err := m.stack.Peek(1)
	if err != nil {
		return err
	}
	if !owner.IsReferenceType() || !ref.IsReferenceType() {
		return fmt.Errorf("%s %s -> %s: %w", op, owner, ref, ErrNotReference)
	}
	if op == OpLink {
		m.mem.Link(owner.Handle(), ref.Handle())
	} else {
		m.mem.Unlink(owner.Handle(), ref.Handle())
	}
	_, err = m.stack.Pop()
	return err
}

// Unwind drops every stack value, releasing all roots the program holds.
func (m *Machine) Unwind() {
	m.stack.Reset()
	m.returns = m.returns[:0]
	m.halted = true
}
