package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/marrow/gc"
	"github.com/chazu/marrow/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "bench"

[gc]
mode = "concurrent"
batch-size = 32
collect-every = 500
steps-per-dispatch = 8
max-nodes = 10000
epoch-limit = 1000

[stack]
operand-size = 256
storage-size = 512

[log]
verbosity = 2
file = "marrow.log"

[stats]
database = "stats.db"

[workload]
objects = 10
rounds = 3
seed = 9
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "bench" {
		t.Errorf("project name = %q, want bench", m.Project.Name)
	}
	if m.GC.Mode != ModeConcurrent {
		t.Errorf("gc mode = %q, want concurrent", m.GC.Mode)
	}
	want := gc.Config{BatchSize: 32, CollectEvery: 500, MaxNodes: 10000}
	if got := m.Options(); got.BatchSize != want.BatchSize || got.CollectEvery != want.CollectEvery || got.MaxNodes != want.MaxNodes {
		t.Errorf("Options() = %+v, want %+v", got, want)
	}
	if got := m.MachineOptions(); got != (vm.Options{OperandSize: 256, StorageSize: 512, StepsPerDispatch: 8}) {
		t.Errorf("MachineOptions() = %+v", got)
	}
	if len(m.DRCOptions()) != 2 {
		t.Errorf("DRCOptions() has %d options, want 2", len(m.DRCOptions()))
	}
	if m.StatsPath() != filepath.Join(m.Dir, "stats.db") {
		t.Errorf("stats path = %q", m.StatsPath())
	}
	if m.LogPath() != filepath.Join(m.Dir, "marrow.log") || m.Log.Verbosity != 2 {
		t.Errorf("log = %+v", m.Log)
	}
	if m.Workload.Seed != 9 || m.Workload.Objects != 10 || m.Workload.Rounds != 3 {
		t.Errorf("workload = %+v", m.Workload)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.GC.Mode != ModeCooperative {
		t.Errorf("default mode = %q, want cooperative", m.GC.Mode)
	}
	if m.GC.BatchSize != gc.DefaultBatchSize || m.GC.CollectEvery != gc.DefaultCollectEvery {
		t.Errorf("default gc = %+v", m.GC)
	}
	if m.Stack.OperandSize != vm.DefaultOperandSize || m.Stack.StorageSize != vm.DefaultStorageSize {
		t.Errorf("default stack = %+v", m.Stack)
	}
	if m.StatsPath() != "" {
		t.Errorf("stats should be disabled by default, got %q", m.StatsPath())
	}
	if len(m.DRCOptions()) != 0 {
		t.Error("no DRC options expected by default")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mode":       "[gc]\nmode = \"generational\"\n",
		"batch":      "[gc]\nbatch-size = -1\n",
		"operand":    "[stack]\noperand-size = -4\n",
		"epoch":      "[gc]\nepoch-limit = 1\n",
		"maxnodes":   "[gc]\nmax-nodes = -2\n",
		"collecting": "[gc]\ncollect-every = -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, content)
			if _, err := Load(dir); !errors.Is(err, ErrInvalid) {
				t.Errorf("Load error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[gc\nmode = ")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[project]\nname = \"found-project\"\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when none exists")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}
