// Package gcstats persists per-cycle collection statistics in SQLite.
package gcstats

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/marrow/gc"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("gcstats: store closed")

func log() commonlog.Logger {
	return commonlog.GetLogger("marrow.gcstats")
}

// Totals aggregates every recorded cycle.
type Totals struct {
	Cycles       int
	Preprocessed int
	Swept        int
	Steps        int
	Duration     time.Duration
}

// Reclaimed returns the total number of nodes freed.
func (t Totals) Reclaimed() int {
	return t.Preprocessed + t.Swept
}

// Store handles SQLite storage for cycle statistics.
type Store struct {
	db     *sql.DB
	dbPath string
	run    string
	mu     sync.Mutex
}

// Open opens or creates the database at dbPath. Every cycle recorded
// through the returned store is tagged with a fresh run ID.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		run TEXT NOT NULL,
		started INTEGER NOT NULL,
		roots INTEGER NOT NULL,
		preprocessed INTEGER NOT NULL,
		marked INTEGER NOT NULL,
		swept INTEGER NOT NULL,
		survivors INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath, run: uuid.NewString()}, nil
}

// Run returns the ID attached to cycles recorded by this store.
func (s *Store) Run() string {
	return s.run
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Record saves the stats of one finished cycle.
func (s *Store) Record(st gc.CollectStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cycles
		(id, run, started, roots, preprocessed, marked, swept, survivors, steps, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.CycleID.String(), s.run, st.Timestamp.UnixNano(), st.Roots, st.Preprocessed,
		st.Marked, st.Swept, st.Survivors, st.Steps, int64(st.Duration),
	)
	if err != nil {
		return fmt.Errorf("saving cycle %s: %w", st.CycleID, err)
	}
	return nil
}

// Sink returns a callback for gc.Config.OnCycle that records every cycle
// and logs failures.
func (s *Store) Sink() func(gc.CollectStats) {
	return func(st gc.CollectStats) {
		if err := s.Record(st); err != nil {
			log().Errorf("%s", err)
		}
	}
}

// Recent returns up to n cycles, newest first, across all runs.
func (s *Store) Recent(n int) ([]gc.CollectStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT id, started, roots, preprocessed, marked, swept, survivors, steps, duration_ns
		FROM cycles ORDER BY started DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	var out []gc.CollectStats
	for rows.Next() {
		var (
			st       gc.CollectStats
			id       string
			started  int64
			duration int64
		)
		if err := rows.Scan(&id, &started, &st.Roots, &st.Preprocessed, &st.Marked,
			&st.Swept, &st.Survivors, &st.Steps, &duration); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		if st.CycleID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("cycle id %q: %w", id, err)
		}
		st.Timestamp = time.Unix(0, started)
		st.Duration = time.Duration(duration)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Totals aggregates the cycles of one run, or of all runs when run is "".
func (s *Store) Totals(run string) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Totals{}, ErrClosed
	}

	var t Totals
	var duration int64
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(preprocessed), 0), COALESCE(SUM(swept), 0),
		COALESCE(SUM(steps), 0), COALESCE(SUM(duration_ns), 0)
		FROM cycles WHERE ? = '' OR run = ?`, run, run,
	).Scan(&t.Cycles, &t.Preprocessed, &t.Swept, &t.Steps, &duration)
	if err != nil {
		return Totals{}, fmt.Errorf("summing cycles: %w", err)
	}
	t.Duration = time.Duration(duration)
	return t, nil
}
