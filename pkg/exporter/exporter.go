// Package exporter drives resumable exports of archive blocks to a file,
// standard output, or an in-process record sequence.
package exporter

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
)

// Sentinel errors.
var (
	ErrNoCatalog           = errors.New("no archive catalog or database root configured")
	ErrInvalidParallelism  = errors.New("parallelism must be at least 1")
	ErrBusy                = errors.New("an export is already running")
	ErrShutdownTimeout     = errors.New("shutdown timed out")
	errNotResumableTarget  = errors.New("output target missing or empty")
	errSequenceClosed      = errors.New("sequence closed")
	errUnformattableRecord = errors.New("record cannot be formatted")
)

// Summary holds the counts of an export. Record counts include those
// restored from a resumed checkpoint.
type Summary struct {
	Parsed     int64 `json:"parsed"`
	NonRecords int64 `json:"non_records"`
	Errors     int64 `json:"errors"`

	ProcessedPackages uint64 `json:"processed_packages"`
	TotalPackages     uint64 `json:"total_packages"`
	SessionPackages   int64  `json:"session_packages"`

	Resumed     bool          `json:"resumed"`
	Completed   bool          `json:"completed"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`

	Writer  output.Stats  `json:"writer"`
	Decoder decoder.Stats `json:"decoder"`
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("parsed", s.Parsed),
		slog.Int64("non_records", s.NonRecords),
		slog.Int64("errors", s.Errors),
		slog.Uint64("processed_packages", s.ProcessedPackages),
		slog.Uint64("total_packages", s.TotalPackages),
		slog.Bool("completed", s.Completed),
		slog.Duration("duration", s.Duration),
	)
}

// Exporter runs one export at a time over an archive catalog.
type Exporter struct {
	opts Options

	parsed     atomic.Int64
	nonRecords atomic.Int64
	errors     atomic.Int64

	shutdown atomic.Bool
	busy     atomic.Bool
	current  atomic.Pointer[run]

	mu       sync.Mutex
	last     Summary
	finished chan struct{}
}

// New creates an exporter.
func New(opts Options) (*Exporter, error) {
	if opts.Catalog == nil && opts.DBRoot == "" {
		return nil, ErrNoCatalog
	}

	finished := make(chan struct{})
	close(finished)

	return &Exporter{opts: opts.withDefaults(), finished: finished}, nil
}

// Parsed returns the running count of recognized records.
func (e *Exporter) Parsed() int64 { return e.parsed.Load() }

// NonRecords returns the running count of entries that are not blocks.
func (e *Exporter) NonRecords() int64 { return e.nonRecords.Load() }

// Errors returns the running count of undecodable entries.
func (e *Exporter) Errors() int64 { return e.errors.Load() }

// Summary returns the live summary of the running export, or the final
// summary of the last one.
func (e *Exporter) Summary() Summary {
	if r := e.current.Load(); r != nil {
		return r.summary()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.last
}

// RequestShutdown asks the running export to stop. Packages in flight are
// left unmarked so a later run resumes them.
func (e *Exporter) RequestShutdown() {
	e.shutdown.Store(true)

	if r := e.current.Load(); r != nil {
		r.requestStop()
	}
}

// ShutdownRequested reports whether the running export was asked to stop.
func (e *Exporter) ShutdownRequested() bool {
	return e.shutdown.Load()
}

// WaitForThreadsToFinish requests shutdown of the running export, then
// blocks until it has stopped its package pool, writer and reporter in that
// order, or until the sum of their bounds elapsed.
func (e *Exporter) WaitForThreadsToFinish() error {
	e.RequestShutdown()

	e.mu.Lock()
	finished := e.finished
	e.mu.Unlock()

	if finished == nil {
		return nil
	}

	bound := e.opts.PoolTimeout + e.opts.PoolForceTimeout + e.opts.ReporterTimeout +
		e.opts.Async.CloseTimeout + e.opts.Async.CloseGrace +
		e.opts.Sharded.CloseTimeout + e.opts.Sharded.CloseGrace

	select {
	case <-finished:
		return nil
	case <-time.After(bound):
		return ErrShutdownTimeout
	}
}

func (e *Exporter) acquire() (chan struct{}, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	finished := make(chan struct{})

	e.mu.Lock()
	e.finished = finished
	e.mu.Unlock()

	e.shutdown.Store(false)
	e.parsed.Store(0)
	e.nonRecords.Store(0)
	e.errors.Store(0)

	return finished, nil
}

// release frees the exporter after r. A nil summary keeps the previous one.
func (e *Exporter) release(r *run, s *Summary) {
	if s != nil {
		e.mu.Lock()
		e.last = *s
		e.mu.Unlock()
	}

	e.current.CompareAndSwap(r, nil)
	close(r.finished)
	e.busy.Store(false)
}
