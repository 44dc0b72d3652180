// Package output persists exported lines asynchronously.
//
// Producers hand lines to a Writer through a bounded queue and never touch
// the underlying file. Two implementations exist: AsyncWriter drains a single
// stream in order, ShardedWriter spreads lines over several shard files that
// are concatenated into the target on Close.
package output

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
)

// Writer errors.
var (
	ErrClosed       = errors.New("writer closed")
	ErrCloseTimeout = errors.New("writer close timed out")
)

// Writer is an asynchronous line sink.
type Writer interface {
	// WriteLine enqueues one line (without trailing newline). Once it returns
	// nil the line will be written unless Close times out.
	WriteLine(ctx context.Context, line string) error

	// Flush forces buffered lines to the underlying file.
	Flush() error

	// OnPackageComplete is called after each package; it may flush.
	OnPackageComplete()

	// Close drains queued lines, flushes and releases the file.
	Close() error

	// Stats returns writer counters.
	Stats() Stats
}

// Stats holds writer counters.
type Stats struct {
	Lines    int64 `json:"lines"`
	Bytes    int64 `json:"bytes"`
	Flushes  int64 `json:"flushes"`
	IOErrors int64 `json:"io_errors"`
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("lines", s.Lines),
		slog.Int64("bytes", s.Bytes),
		slog.Int64("flushes", s.Flushes),
		slog.Int64("io_errors", s.IOErrors),
	)
}

type counters struct {
	lines    atomic.Int64
	bytes    atomic.Int64
	flushes  atomic.Int64
	ioErrors atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Lines:    c.lines.Load(),
		Bytes:    c.bytes.Load(),
		Flushes:  c.flushes.Load(),
		IOErrors: c.ioErrors.Load(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
