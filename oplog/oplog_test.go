package oplog

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/marrow/arena"
	"github.com/chazu/marrow/drc"
	"github.com/chazu/marrow/gc"
	"github.com/chazu/marrow/vm"
)

var program = []vm.Instr{
	{Op: vm.OpNew, A: int(arena.KindObject)},
	{Op: vm.OpNew, A: int(arena.KindString)},
	{Op: vm.OpLink},
	{Op: vm.OpNew, A: int(arena.KindArray)},
	{Op: vm.OpPop},
	{Op: vm.OpCollect},
	{Op: vm.OpPop},
	{Op: vm.OpCollect},
	{Op: vm.OpHalt},
}

func record(t *testing.T) (*Log, *gc.Collector) {
	t.Helper()
	rec := NewRecorder()
	c := gc.NewCollector(gc.Config{Hook: rec.Hook()})
	m := vm.NewMachine(vm.Tracing(c), program, vm.Options{StepsPerDispatch: 64})
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c.Drain()
	return rec.Log(), c
}

func TestRecorderCapturesOperations(t *testing.T) {
	l, _ := record(t)
	kinds := make([]gc.OpKind, len(l.Records))
	for i, r := range l.Records {
		kinds[i] = r.Kind
	}
	want := []gc.OpKind{
		gc.OpAllocate, gc.OpAddRoot,
		gc.OpAllocate, gc.OpAddRoot,
		gc.OpReference, gc.OpRemoveRoot,
		gc.OpAllocate, gc.OpAddRoot, gc.OpRemoveRoot,
		gc.OpCollect,
		gc.OpRemoveRoot,
		gc.OpCollect,
	}
	if len(kinds) != len(want) {
		t.Fatalf("recorded %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("record %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestLogCBORRoundTrip(t *testing.T) {
	l, _ := record(t)
	data, err := Marshal(l)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != l.ID || len(got.Records) != len(l.Records) {
		t.Fatalf("got %d records for %s, want %d for %s", len(got.Records), got.ID, len(l.Records), l.ID)
	}
	for i := range l.Records {
		if got.Records[i] != l.Records[i] {
			t.Errorf("record %d = %+v, want %+v", i, got.Records[i], l.Records[i])
		}
	}

	again, err := Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("canonical encoding should be deterministic")
	}
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	data, err := Marshal(&Log{Version: 99})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, ErrVersion) {
		t.Errorf("err = %v, want ErrVersion", err)
	}
}

func TestReplayReproducesHeap(t *testing.T) {
	l, orig := record(t)
	target := gc.NewCollector(gc.Config{})
	n, err := Replay(context.Background(), l, vm.Tracing(target))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(l.Records) {
		t.Errorf("replayed %d of %d", n, len(l.Records))
	}
	if target.Heap().Len() != orig.Heap().Len() || target.CycleCount() != orig.CycleCount() {
		t.Errorf("replay: %d nodes, %d cycles; original: %d nodes, %d cycles",
			target.Heap().Len(), target.CycleCount(), orig.Heap().Len(), orig.CycleCount())
	}
}

func TestReplayAgainstCountingHeap(t *testing.T) {
	l, _ := record(t)
	d := drc.New()
	if _, err := Replay(context.Background(), l, vm.Counting(d, nil)); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if d.Len() != 0 {
		t.Errorf("live nodes = %d, want 0", d.Len())
	}
}

func TestReplayConcurrent(t *testing.T) {
	l, _ := record(t)
	c := gc.NewConcurrentCollector(gc.Config{})
	defer c.Stop()
	if _, err := Replay(context.Background(), l, vm.Tracing(c)); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	snap, err := c.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Nodes) != 0 {
		t.Errorf("live nodes = %v, want none", snap.Nodes)
	}
}

func TestReplayUnknownHandle(t *testing.T) {
	l := &Log{Version: Version, Records: []Record{{Kind: gc.OpAddRoot, Node: 1 << 32}}}
	_, err := Replay(context.Background(), l, vm.Tracing(gc.NewCollector(gc.Config{})))
	if !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("err = %v, want ErrUnknownHandle", err)
	}
}

func TestReplayInvariantViolationIsAnError(t *testing.T) {
	l := &Log{Version: Version, Records: []Record{
		{Kind: gc.OpAllocate, Node: 1 << 32, Object: uint8(arena.KindObject)},
		{Kind: gc.OpRemoveRoot, Node: 1 << 32},
	}}

	concurrent := gc.NewConcurrentCollector(gc.Config{})
	defer concurrent.Stop()
	recorded := gc.NewConcurrentCollector(gc.Config{})
	defer recorded.Stop()

	tests := []struct {
		name string
		mem  vm.Memory
	}{
		{"counting", vm.Counting(drc.New(), nil)},
		{"cooperative", vm.Tracing(gc.NewCollector(gc.Config{}))},
		{"concurrent", vm.Tracing(concurrent)},
		{"recorded concurrent", NewRecorder().Wrap(vm.Tracing(recorded))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := Replay(ctx, l, tt.mem)
			var ie *arena.InvariantError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want an invariant error", err)
			}
			if ie.Op != "remove root" && ie.Op != "decref" {
				t.Errorf("Op = %q", ie.Op)
			}
		})
	}
}

func TestWrapRecordsAnyMemory(t *testing.T) {
	rec := NewRecorder()
	d := drc.New()
	m := vm.NewMachine(rec.Wrap(vm.Counting(d, nil)), program, vm.Options{})
	if err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "run.oplog")
	if err := WriteFile(path, rec.Log()); err != nil {
		t.Fatal(err)
	}
	l, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Records) != rec.Len() || rec.Len() == 0 {
		t.Errorf("read %d records, recorded %d", len(l.Records), rec.Len())
	}

	c := gc.NewCollector(gc.Config{})
	if _, err := Replay(context.Background(), l, vm.Tracing(c)); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if c.Heap().Len() != 0 {
		t.Errorf("live nodes after replay = %d, want 0", c.Heap().Len())
	}
}
