// Marrow CLI - runs a synthetic workload or a recorded operation log
// against one of the reclamation schemes and reports what it reclaimed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/marrow/arena"
	"github.com/chazu/marrow/drc"
	"github.com/chazu/marrow/gc"
	"github.com/chazu/marrow/gcstats"
	"github.com/chazu/marrow/manifest"
	"github.com/chazu/marrow/oplog"
	"github.com/chazu/marrow/vm"
)

// options are the command-line overrides applied on top of marrow.toml.
type options struct {
	configDir string
	mode      string
	objects   int
	rounds    int
	seed      int64
	record    string
	replay    string
	stats     string
	verbose   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", "", "Directory containing marrow.toml (default: search upward from the working directory)")
	flag.StringVar(&opts.mode, "mode", "", "Collector: cooperative, concurrent or drc")
	flag.IntVar(&opts.objects, "objects", 0, "Objects allocated per workload round")
	flag.IntVar(&opts.rounds, "rounds", 0, "Workload rounds")
	flag.Int64Var(&opts.seed, "seed", 0, "Workload random seed")
	flag.StringVar(&opts.record, "record", "", "Write the operation log to this file")
	flag.StringVar(&opts.replay, "replay", "", "Replay an operation log instead of running the workload")
	flag.StringVar(&opts.stats, "stats", "", "Record collection statistics in this SQLite database")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: marrow [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a synthetic allocation workload against a collector.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  marrow -mode concurrent -rounds 1000       # Background collector\n")
		fmt.Fprintf(os.Stderr, "  marrow -mode drc -record run.oplog         # Reference counting, keep the log\n")
		fmt.Fprintf(os.Stderr, "  marrow -replay run.oplog -stats gc.db      # Replay under mark-sweep\n")
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadManifest resolves marrow.toml and applies the command-line overrides.
func loadManifest(opts options) (*manifest.Manifest, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	if opts.configDir != "" {
		m, err = manifest.Load(opts.configDir)
	} else {
		m, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}

	if opts.mode != "" {
		m.GC.Mode = opts.mode
	}
	if opts.objects > 0 {
		m.Workload.Objects = opts.objects
	}
	if opts.rounds > 0 {
		m.Workload.Rounds = opts.rounds
	}
	if opts.seed != 0 {
		m.Workload.Seed = opts.seed
	}
	if opts.stats != "" {
		m.Stats.Database = opts.stats
	}
	if opts.verbose {
		m.Log.Verbosity = max(m.Log.Verbosity, 2)
	}
	return m, m.Validate()
}

// totals accumulates cycle stats; OnCycle may fire on a worker goroutine.
type totals struct {
	mu        sync.Mutex
	cycles    int
	reclaimed int
	steps     int
}

func (t *totals) add(st gc.CollectStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles++
	t.reclaimed += st.Reclaimed()
	t.steps += st.Steps
}

func run(ctx context.Context, opts options, out io.Writer) error {
	m, err := loadManifest(opts)
	if err != nil {
		return err
	}

	var logPath *string
	if p := m.LogPath(); p != "" {
		logPath = &p
	}
	commonlog.Configure(m.Log.Verbosity, logPath)
	log := commonlog.GetLogger("marrow")

	cfg := m.Options()
	sum := &totals{}
	sinks := []func(gc.CollectStats){sum.add}

	if path := m.StatsPath(); path != "" {
		store, err := gcstats.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store.Sink())
		log.Infof("recording cycle stats to %s (run %s)", path, store.Run())
	}
	cfg.OnCycle = func(st gc.CollectStats) {
		for _, sink := range sinks {
			sink(st)
		}
	}

	var rec *oplog.Recorder
	if opts.record != "" {
		rec = oplog.NewRecorder()
		cfg.Hook = rec.Hook()
	}
	if opts.replay != "" {
		// Collections come from the log.
		cfg.CollectEvery = 0
	}

	var (
		mem      vm.Memory
		live     func() (int, error)
		finish   func() error
		freedDRC int
	)
	switch m.GC.Mode {
	case manifest.ModeCooperative:
		c := gc.NewCollector(cfg)
		mem = vm.Tracing(c)
		live = func() (int, error) { return c.Heap().Len(), nil }
		finish = func() error {
			c.Drain()
			c.Collect()
			c.Drain()
			return nil
		}
	case manifest.ModeConcurrent:
		c := gc.NewConcurrentCollector(cfg)
		defer func() {
			if err := c.Stop(); err != nil {
				log.Errorf("collector worker: %s", err)
			}
		}()
		mem = vm.Tracing(c)
		live = func() (int, error) {
			snap, err := c.Snapshot()
			return len(snap.Nodes), err
		}
		finish = func() error {
			if err := c.Sync(); err != nil {
				return err
			}
			c.Collect()
			return c.Sync()
		}
	case manifest.ModeDRC:
		d := drc.New(m.DRCOptions()...)
		mem = vm.Counting(d, func(hs []arena.Handle) { freedDRC += len(hs) })
		if rec != nil {
			mem = rec.Wrap(mem)
		}
		live = func() (int, error) { return d.Len(), nil }
		finish = func() error {
			mem.Collect()
			return nil
		}
	}

	start := time.Now()
	var dispatched uint64
	if opts.replay != "" {
		l, err := oplog.ReadFile(opts.replay)
		if err != nil {
			return fmt.Errorf("reading %s: %w", opts.replay, err)
		}
		n, err := oplog.Replay(ctx, l, mem)
		if err != nil {
			return err
		}
		dispatched = uint64(n)
		log.Noticef("replayed %d records from %s", n, opts.replay)
	} else {
		w := workload{
			Objects:      m.Workload.Objects,
			Rounds:       m.Workload.Rounds,
			Chords:       m.Workload.Objects / 2,
			Unlinks:      m.Workload.Objects / 4,
			CollectEvery: 10,
			Seed:         m.Workload.Seed,
		}
		code := w.generate()
		mach := vm.NewMachine(mem, code, m.MachineOptions())
		runErr := mach.Run(ctx)
		if runErr != nil {
			var re *vm.RuntimeError
			if !errors.As(runErr, &re) {
				return runErr
			}
			log.Errorf("program failed: %s", runErr)
			mach.Unwind()
			mem.Collect()
		}
		dispatched = mach.Dispatched()
	}

	if err := finish(); err != nil {
		return err
	}
	n, err := live()
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	fmt.Fprintf(out, "mode:        %s\n", m.GC.Mode)
	fmt.Fprintf(out, "operations:  %s in %s\n", humanize.Comma(int64(dispatched)), elapsed.Round(time.Microsecond))
	if m.GC.Mode == manifest.ModeDRC {
		fmt.Fprintf(out, "reclaimed:   %s nodes\n", humanize.Comma(int64(freedDRC)))
	} else {
		sum.mu.Lock()
		fmt.Fprintf(out, "cycles:      %s (%s steps)\n", humanize.Comma(int64(sum.cycles)), humanize.Comma(int64(sum.steps)))
		fmt.Fprintf(out, "reclaimed:   %s nodes\n", humanize.Comma(int64(sum.reclaimed)))
		sum.mu.Unlock()
	}
	fmt.Fprintf(out, "live:        %s nodes\n", humanize.Comma(int64(n)))

	if rec != nil {
		if err := oplog.WriteFile(opts.record, rec.Log()); err != nil {
			return fmt.Errorf("writing %s: %w", opts.record, err)
		}
		fmt.Fprintf(out, "recorded:    %s operations to %s\n", humanize.Comma(int64(rec.Len())), opts.record)
	}
	return nil
}
