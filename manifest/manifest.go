// Package manifest handles marrow.toml configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/marrow/drc"
	"github.com/chazu/marrow/gc"
	"github.com/chazu/marrow/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "marrow.toml"

// Collector modes.
const (
	ModeCooperative = "cooperative"
	ModeConcurrent  = "concurrent"
	ModeDRC         = "drc"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Manifest represents a marrow.toml configuration.
type Manifest struct {
	Project  Project  `toml:"project"`
	GC       GC       `toml:"gc"`
	Stack    Stack    `toml:"stack"`
	Log      Log      `toml:"log"`
	Stats    Stats    `toml:"stats"`
	Workload Workload `toml:"workload"`

	// Dir is the directory containing the marrow.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
}

// GC selects and tunes the reclamation scheme.
type GC struct {
	Mode             string `toml:"mode"`
	BatchSize        int    `toml:"batch-size"`
	CollectEvery     int    `toml:"collect-every"`
	StepsPerDispatch int    `toml:"steps-per-dispatch"`
	MaxNodes         int    `toml:"max-nodes"`
	EpochLimit       uint32 `toml:"epoch-limit"`
}

// Stack sizes the interpreter stacks.
type Stack struct {
	OperandSize int `toml:"operand-size"`
	StorageSize int `toml:"storage-size"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Stats configures the collection statistics store. An empty database
// disables it.
type Stats struct {
	Database string `toml:"database"`
}

// Workload configures the synthetic program run by the CLI.
type Workload struct {
	Objects int   `toml:"objects"`
	Rounds  int   `toml:"rounds"`
	Seed    int64 `toml:"seed"`
}

// Default returns the configuration used when no marrow.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.GC.Mode == "" {
		m.GC.Mode = ModeCooperative
	}
	if m.GC.BatchSize == 0 {
		m.GC.BatchSize = gc.DefaultBatchSize
	}
	if m.GC.CollectEvery == 0 {
		m.GC.CollectEvery = gc.DefaultCollectEvery
	}
	if m.GC.StepsPerDispatch == 0 {
		m.GC.StepsPerDispatch = vm.DefaultStepsPerDispatch
	}
	if m.Stack.OperandSize == 0 {
		m.Stack.OperandSize = vm.DefaultOperandSize
	}
	if m.Stack.StorageSize == 0 {
		m.Stack.StorageSize = vm.DefaultStorageSize
	}
	if m.Workload.Objects == 0 {
		m.Workload.Objects = 64
	}
	if m.Workload.Rounds == 0 {
		m.Workload.Rounds = 100
	}
}

// Load parses a marrow.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a marrow.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate reports the first setting that cannot be used.
func (m *Manifest) Validate() error {
	switch m.GC.Mode {
	case ModeCooperative, ModeConcurrent, ModeDRC:
	default:
		return fmt.Errorf("%w: gc.mode %q", ErrInvalid, m.GC.Mode)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"gc.batch-size", m.GC.BatchSize},
		{"gc.steps-per-dispatch", m.GC.StepsPerDispatch},
		{"stack.operand-size", m.Stack.OperandSize},
		{"stack.storage-size", m.Stack.StorageSize},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, f.name, f.v)
		}
	}
	if m.GC.CollectEvery < 0 {
		return fmt.Errorf("%w: gc.collect-every must not be negative", ErrInvalid)
	}
	if m.GC.MaxNodes < 0 {
		return fmt.Errorf("%w: gc.max-nodes must not be negative", ErrInvalid)
	}
	if m.GC.EpochLimit == 1 {
		return fmt.Errorf("%w: gc.epoch-limit must be at least 2", ErrInvalid)
	}
	return nil
}

// Options returns the collector configuration.
func (m *Manifest) Options() gc.Config {
	return gc.Config{
		BatchSize:    m.GC.BatchSize,
		CollectEvery: m.GC.CollectEvery,
		MaxNodes:     m.GC.MaxNodes,
	}
}

// DRCOptions returns the reference-counting heap configuration.
func (m *Manifest) DRCOptions() []drc.Option {
	var opts []drc.Option
	if m.GC.MaxNodes > 0 {
		opts = append(opts, drc.WithMaxNodes(m.GC.MaxNodes))
	}
	if m.GC.EpochLimit > 0 {
		opts = append(opts, drc.WithEpochLimit(m.GC.EpochLimit))
	}
	return opts
}

// MachineOptions returns the interpreter configuration.
func (m *Manifest) MachineOptions() vm.Options {
	return vm.Options{
		OperandSize:      m.Stack.OperandSize,
		StorageSize:      m.Stack.StorageSize,
		StepsPerDispatch: m.GC.StepsPerDispatch,
	}
}

// StatsPath returns the statistics database path resolved against Dir,
// or "" when statistics are disabled.
func (m *Manifest) StatsPath() string {
	if m.Stats.Database == "" || filepath.IsAbs(m.Stats.Database) || m.Dir == "" {
		return m.Stats.Database
	}
	return filepath.Join(m.Dir, m.Stats.Database)
}

// LogPath returns the log file path resolved against Dir, or "" for stderr.
func (m *Manifest) LogPath() string {
	if m.Log.File == "" || filepath.IsAbs(m.Log.File) || m.Dir == "" {
		return m.Log.File
	}
	return filepath.Join(m.Dir, m.Log.File)
}
