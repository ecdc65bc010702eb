package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/marrow/gcstats"
	"github.com/chazu/marrow/oplog"
	"github.com/chazu/marrow/vm"
)

func TestWorkloadIsDeterministic(t *testing.T) {
	w := workload{Objects: 6, Rounds: 5, Chords: 3, Unlinks: 2, CollectEvery: 2, Seed: 11}
	a, b := w.generate(), w.generate()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("instruction %d differs: %s vs %s", i, a[i], b[i])
		}
	}
	if a[len(a)-1].Op == vm.OpHalt {
		t.Error("function bodies should follow the halting main section")
	}
}

func writeConfig(t *testing.T, mode string) string {
	t.Helper()
	dir := t.TempDir()
	content := "[gc]\nmode = \"" + mode + "\"\ncollect-every = 50\nsteps-per-dispatch = 4\n\n" +
		"[workload]\nobjects = 8\nrounds = 20\nseed = 3\n"
	if err := os.WriteFile(filepath.Join(dir, "marrow.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunReclaimsEverything(t *testing.T) {
	for _, mode := range []string{"cooperative", "concurrent", "drc"} {
		t.Run(mode, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(context.Background(), options{configDir: writeConfig(t, mode)}, &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			if !strings.Contains(out.String(), "live:        0 nodes") {
				t.Errorf("output:\n%s", out.String())
			}
		})
	}
}

func TestRunRecordReplayAndStats(t *testing.T) {
	dir := writeConfig(t, "drc")
	logPath := filepath.Join(t.TempDir(), "run.oplog")
	var out bytes.Buffer
	if err := run(context.Background(), options{configDir: dir, record: logPath}, &out); err != nil {
		t.Fatalf("record run: %v", err)
	}
	l, err := oplog.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Records) == 0 {
		t.Fatal("empty log")
	}

	dbPath := filepath.Join(t.TempDir(), "stats.db")
	out.Reset()
	opts := options{configDir: dir, mode: "cooperative", replay: logPath, stats: dbPath}
	if err := run(context.Background(), opts, &out); err != nil {
		t.Fatalf("replay run: %v", err)
	}
	if !strings.Contains(out.String(), "live:        0 nodes") {
		t.Errorf("output:\n%s", out.String())
	}

	store, err := gcstats.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	tot, err := store.Totals("")
	if err != nil {
		t.Fatal(err)
	}
	if tot.Cycles == 0 || tot.Reclaimed() == 0 {
		t.Errorf("stats totals = %+v, want recorded cycles", tot)
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	err := run(context.Background(), options{configDir: writeConfig(t, "drc"), mode: "arc"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}
