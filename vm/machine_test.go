package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/chazu/marrow/arena"
	"github.com/chazu/marrow/drc"
	"github.com/chazu/marrow/gc"
)

// cycleProgram builds two objects that reference each other, keeps one
// in a local of a called function, and returns nothing.
var cycleProgram = []Instr{
	{Op: OpNew, A: int(arena.KindObject)}, // 0: a
	{Op: OpCall, A: 4, B: 1, C: 1},        // 1: f(a)
	{Op: OpCollect},                       // 2
	{Op: OpHalt},                          // 3
	{Op: OpNew, A: int(arena.KindArray)},  // 4: b
	{Op: OpStore, A: 1},                   // 5: local1 = b
	{Op: OpLoad, A: 0},                    // 6: a
	{Op: OpLoad, A: 1},                    // 7: a b
	{Op: OpLink},                          // 8: a -> b
	{Op: OpLoad, A: 0},                    // 9: a a
	{Op: OpPop},                           // 10: a
	{Op: OpLoad, A: 1},                    // 11: a b
	{Op: OpDup},                           // 12: a b b
	{Op: OpPop},                           // 13: a b
	{Op: OpPop},                           // 14: a
	{Op: OpLoad, A: 1},                    // 15: a b
	{Op: OpLoad, A: 0},                    // 16: a b a
	{Op: OpLink},                          // 17: b -> a
	{Op: OpPop},                           // 18: a
	{Op: OpPop},                           // 19:
	{Op: OpReturn, A: 0},                  // 20
}

func TestMachineTracingReclaimsCycle(t *testing.T) {
	c := gc.NewCollector(gc.Config{})
	m := NewMachine(Tracing(c), cycleProgram, Options{StepsPerDispatch: 4})

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c.Drain()
	if c.Heap().Len() != 0 {
		t.Errorf("live nodes = %d, want 0", c.Heap().Len())
	}
	if c.Roots().Len() != 0 {
		t.Errorf("roots = %v, want none", c.Roots().Snapshot())
	}
	if c.CycleCount() != 1 {
		t.Errorf("cycles = %d, want 1", c.CycleCount())
	}
}

func TestMachineCountingReclaimsCycle(t *testing.T) {
	d := drc.New()
	var freed []arena.Handle
	m := NewMachine(Counting(d, func(hs []arena.Handle) { freed = append(freed, hs...) }), cycleProgram, Options{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.Len() != 0 {
		t.Errorf("live nodes = %d, want 0", d.Len())
	}
	if len(freed) != 2 {
		t.Errorf("freed = %v, want two nodes", freed)
	}
}

func TestMachineRootsMatchStackMidRun(t *testing.T) {
	c := gc.NewCollector(gc.Config{})
	m := NewMachine(Tracing(c), cycleProgram, Options{})

	for range 9 {
		if err := m.Dispatch(); err != nil {
			t.Fatal(err)
		}
	}
	c.Drain()
	want := map[arena.Handle]int{}
	for _, v := range m.Stack().References() {
		want[v.Handle()]++
	}
	got := c.Roots()
	if got.Len() != len(want) {
		t.Fatalf("rooted %v, stack %v", got.Snapshot(), want)
	}
	for h, n := range want {
		if got.Count(h) != n {
			t.Errorf("%v rooted %d times, on stack %d", h, got.Count(h), n)
		}
	}
}

func TestMachineReportsRuntimeErrors(t *testing.T) {
	c := gc.NewCollector(gc.Config{})
	prog := []Instr{
		{Op: OpPushInt, A: 1},
		{Op: OpPushInt, A: 2},
		{Op: OpLink},
	}
	m := NewMachine(Tracing(c), prog, Options{})
	err := m.Run(context.Background())

	var re *RuntimeError
	if !errors.As(err, &re) || re.PC != 2 || !errors.Is(err, ErrNotReference) {
		t.Fatalf("err = %v, want not-a-reference at pc 2", err)
	}
	if !m.Halted() {
		t.Error("machine should halt on error")
	}
}

func TestMachineOverflowIsRecoverable(t *testing.T) {
	c := gc.NewCollector(gc.Config{})
	prog := []Instr{
		{Op: OpNew, A: int(arena.KindString)},
		{Op: OpDup},
		{Op: OpDup},
	}
	m := NewMachine(Tracing(c), prog, Options{OperandSize: 2})
	err := m.Run(context.Background())
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("err = %v, want overflow", err)
	}
	m.Unwind()
	c.Collect()
	c.Drain()
	if c.Roots().Len() != 0 || c.Heap().Len() != 0 {
		t.Errorf("after unwind: %d roots, %d nodes", c.Roots().Len(), c.Heap().Len())
	}
}

func TestMachineNewOnFullStackAllocatesNothing(t *testing.T) {
	d := drc.New()
	prog := []Instr{
		{Op: OpNew, A: int(arena.KindObject)},
		{Op: OpNew, A: int(arena.KindObject)},
	}
	m := NewMachine(Counting(d, nil), prog, Options{OperandSize: 1})
	err := m.Run(context.Background())
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("err = %v, want overflow", err)
	}
	if d.Len() != 1 {
		t.Errorf("live nodes = %d, want only the pushed one", d.Len())
	}
	m.Unwind()
	if d.Len() != 0 {
		t.Errorf("live nodes after unwind = %d, want 0", d.Len())
	}
}

func TestMachineRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMachine(newFakeMemory(), []Instr{{Op: OpPushNil}}, Options{})
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMachineConcurrentCollector(t *testing.T) {
	c := gc.NewConcurrentCollector(gc.Config{BatchSize: 4})
	defer c.Stop()
	m := NewMachine(Tracing(c), cycleProgram, Options{})

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c.Collect()
	snap, err := c.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Nodes) != 0 || len(snap.Roots) != 0 {
		t.Errorf("snapshot = %+v, want empty heap", snap)
	}
}
