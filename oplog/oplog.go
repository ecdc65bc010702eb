// Package oplog records the operation stream a program submits to its
// collector and replays it against a fresh one.
//
// Logs are encoded as canonical CBOR so that two runs producing the same
// operations produce byte-identical logs.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/marrow/arena"
	"github.com/chazu/marrow/gc"
	"github.com/chazu/marrow/vm"
)

// Version is the log format version written by this package.
const Version = 1

// Errors returned while decoding or replaying a log.
var (
	ErrVersion       = errors.New("oplog: unsupported version")
	ErrUnknownHandle = errors.New("oplog: operation names a handle never allocated")
	ErrBadRecord     = errors.New("oplog: malformed record")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("oplog: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func log() commonlog.Logger {
	return commonlog.GetLogger("marrow.oplog")
}

// Log is a recorded operation stream.
type Log struct {
	Version int      `cbor:"1,keyasint"`
	ID      string   `cbor:"2,keyasint"`
	Records []Record `cbor:"3,keyasint"`
}

// Record is one operation. Handles are the values issued during the
// recorded run; Replay maps them onto whatever the target issues.
type Record struct {
	Kind   gc.OpKind `cbor:"1,keyasint"`
	Node   uint64    `cbor:"2,keyasint,omitempty"`
	Ref    uint64    `cbor:"3,keyasint,omitempty"`
	Object uint8     `cbor:"4,keyasint,omitempty"`
}

func recordOf(op gc.Operation) Record {
	return Record{Kind: op.Kind, Node: uint64(op.Node), Ref: uint64(op.Ref), Object: uint8(op.Object)}
}

// Marshal serializes a Log to CBOR bytes.
func Marshal(l *Log) ([]byte, error) {
	return cborEncMode.Marshal(l)
}

// Unmarshal deserializes a Log from CBOR bytes.
func Unmarshal(data []byte) (*Log, error) {
	var l Log
	if err := cbor.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("oplog: unmarshal log: %w", err)
	}
	if l.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, l.Version)
	}
	return &l, nil
}

// WriteFile writes l to path.
func WriteFile(path string, l *Log) error {
	data, err := Marshal(l)
	if err != nil {
		return fmt.Errorf("oplog: marshal log: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ReadFile reads a log written by WriteFile.
func ReadFile(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// Recorder accumulates operations. It is safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	log Log
}

// NewRecorder creates an empty recorder with a fresh log ID.
func NewRecorder() *Recorder {
	return &Recorder{log: Log{Version: Version, ID: uuid.NewString()}}
}

func (r *Recorder) add(rec Record) {
	r.mu.Lock()
	r.log.Records = append(r.log.Records, rec)
	r.mu.Unlock()
}

// Hook returns an operation hook for gc.Config.
func (r *Recorder) Hook() gc.OperationHook {
	return func(op gc.Operation) {
		r.add(recordOf(op))
	}
}

// Wrap returns a Memory that records every call before forwarding it to
// mem. Use it for schemes that have no operation hook.
func (r *Recorder) Wrap(mem vm.Memory) vm.Memory {
	return &recording{Memory: mem, r: r}
}

// Log returns a copy of everything recorded so far.
func (r *Recorder) Log() *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.log
	l.Records = append([]Record(nil), r.log.Records...)
	return &l
}

// Len returns the number of recorded operations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log.Records)
}

type recording struct {
	vm.Memory
	r *Recorder
}

func (m *recording) Alloc(kind arena.Kind) (arena.Handle, error) {
	h, err := m.Memory.Alloc(kind)
	if err == nil {
		m.r.add(Record{Kind: gc.OpAllocate, Node: uint64(h), Object: uint8(kind)})
	}
	return h, err
}

func (m *recording) AddRoot(h arena.Handle) {
	m.r.add(Record{Kind: gc.OpAddRoot, Node: uint64(h)})
	m.Memory.AddRoot(h)
}

func (m *recording) RemoveRoot(h arena.Handle) {
	m.r.add(Record{Kind: gc.OpRemoveRoot, Node: uint64(h)})
	m.Memory.RemoveRoot(h)
}

func (m *recording) Link(owner, referencee arena.Handle) {
	m.r.add(Record{Kind: gc.OpReference, Node: uint64(owner), Ref: uint64(referencee)})
	m.Memory.Link(owner, referencee)
}

func (m *recording) Unlink(owner, referencee arena.Handle) {
	m.r.add(Record{Kind: gc.OpUnreference, Node: uint64(owner), Ref: uint64(referencee)})
	m.Memory.Unlink(owner, referencee)
}

func (m *recording) Collect() {
	m.r.add(Record{Kind: gc.OpCollect})
	m.Memory.Collect()
}

func (m *recording) Err() error {
	return memoryErr(m.Memory)
}

// memoryErr returns the error a memory reports for work it ran on another
// goroutine, if it reports one.
func memoryErr(mem vm.Memory) error {
	if f, ok := mem.(interface{ Err() error }); ok {
		return f.Err()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

// Replay re-issues every record in l against mem, mapping recorded handles
// onto the ones mem allocates. Each recorded collection is run to
// completion before the next record, as it was when recorded; the target
// should not collect on its own. A broken heap invariant in the log is
// returned as an error, including one raised on a target's own goroutine
// and reported through an Err method.
func Replay(ctx context.Context, l *Log, mem vm.Memory) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*arena.InvariantError)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("oplog: record %d: %w", n, ie)
		}
	}()

	handles := make(map[uint64]arena.Handle)
	resolve := func(recorded uint64) (arena.Handle, error) {
		h, ok := handles[recorded]
		if !ok {
			return arena.Nil, fmt.Errorf("%w: record %d names %v", ErrUnknownHandle, n, arena.Handle(recorded))
		}
		return h, nil
	}

	for i, rec := range l.Records {
		n = i
		if err := ctx.Err(); err != nil {
			return n, err
		}
		switch rec.Kind {
		case gc.OpAllocate:
			kind := arena.Kind(rec.Object)
			if !kind.Valid() {
				return n, fmt.Errorf("%w: record %d allocates kind %d", ErrBadRecord, n, rec.Object)
			}
			h, err := mem.Alloc(kind)
			if err != nil {
				return n, fmt.Errorf("oplog: record %d: %w", n, err)
			}
			handles[rec.Node] = h
		case gc.OpAddRoot, gc.OpRemoveRoot:
			h, err := resolve(rec.Node)
			if err != nil {
				return n, err
			}
			if rec.Kind == gc.OpAddRoot {
				mem.AddRoot(h)
			} else {
				mem.RemoveRoot(h)
			}
		case gc.OpReference, gc.OpUnreference:
			owner, err := resolve(rec.Node)
			if err != nil {
				return n, err
			}
			ref, err := resolve(rec.Ref)
			if err != nil {
				return n, err
			}
			if rec.Kind == gc.OpReference {
				mem.Link(owner, ref)
			} else {
				mem.Unlink(owner, ref)
			}
		case gc.OpCollect:
			mem.Collect()
			if err := settle(ctx, mem); err != nil {
				return n, err
			}
		default:
			return n, fmt.Errorf("%w: record %d has kind %d", ErrBadRecord, n, rec.Kind)
		}
	}
	n = len(l.Records)
	if err := settle(ctx, mem); err != nil {
		return n, err
	}
	log().Debugf("replayed %d records of log %s", n, l.ID)
	return n, nil
}

// settle steps mem until it has no deferred work left, then reports any
// failure the memory hit while applying it.
func settle(ctx context.Context, mem vm.Memory) error {
	for mem.Step() {
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	if err := memoryErr(mem); err != nil {
		return fmt.Errorf("oplog: replay: %w", err)
	}
	return nil
}
