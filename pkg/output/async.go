package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
)

// Compression selects the on-disk encoding of a single-stream writer.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// Single-stream defaults.
const (
	DefaultQueueCapacity = 10_000
	DefaultBufferSize    = 128 << 10
	DefaultFlushLines    = 5000
	DefaultFlushInterval = 5 * time.Second
	DefaultCloseTimeout  = 5 * time.Second
	DefaultCloseGrace    = time.Second

	filePerm = 0o644
)

// AsyncConfig configures an AsyncWriter.
type AsyncConfig struct {
	// QueueCapacity bounds lines waiting for the writer goroutine.
	QueueCapacity int

	// BufferSize is the bufio buffer in bytes.
	BufferSize int

	// FlushLines flushes after this many lines since the last flush.
	FlushLines int

	// FlushInterval flushes pending lines at least this often.
	FlushInterval time.Duration

	// FlushOnPackageComplete makes OnPackageComplete flush.
	FlushOnPackageComplete bool

	// Append keeps existing file content instead of truncating.
	Append bool

	// Compression wraps the file in an encoder.
	Compression Compression

	// CloseTimeout bounds how long Close waits for the queue to drain.
	CloseTimeout time.Duration

	// CloseGrace is the extra best-effort wait after CloseTimeout.
	CloseGrace time.Duration

	// Logger receives I/O errors. When nil, a discard logger is used.
	Logger *slog.Logger
}

// DefaultAsyncConfig returns the single-stream defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueCapacity:          DefaultQueueCapacity,
		BufferSize:             DefaultBufferSize,
		FlushLines:             DefaultFlushLines,
		FlushInterval:          DefaultFlushInterval,
		FlushOnPackageComplete: true,
		Compression:            CompressionNone,
		CloseTimeout:           DefaultCloseTimeout,
		CloseGrace:             DefaultCloseGrace,
	}
}

func (c AsyncConfig) withDefaults() AsyncConfig {
	def := DefaultAsyncConfig()

	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}

	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}

	if c.FlushLines <= 0 {
		c.FlushLines = def.FlushLines
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}

	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}

	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}

	if c.Compression == "" {
		c.Compression = CompressionNone
	}

	if c.Logger == nil {
		c.Logger = discardLogger()
	}

	return c
}

// request is either a line or a flush marker.
type request struct {
	line    string
	flushed chan error
}

// AsyncWriter is the single-stream Writer: one goroutine drains the queue
// in order and batches lines into a buffered writer.
type AsyncWriter struct {
	cfg    AsyncConfig
	logger *slog.Logger

	buf     *bufio.Writer
	sink    io.Writer
	encoder *lz4.Writer
	closer  io.Closer

	queue  chan request
	done   chan struct{}
	abort  chan struct{}
	mu     sync.RWMutex
	closed bool

	stats counters
}

// OpenFile creates an AsyncWriter appending to or truncating path.
func OpenFile(path string, cfg AsyncConfig) (*AsyncWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	return NewAsyncWriter(f, f, cfg), nil
}

// NewStdoutWriter returns an AsyncWriter over standard output. Close
// flushes but leaves stdout open.
func NewStdoutWriter(cfg AsyncConfig) *AsyncWriter {
	return NewAsyncWriter(os.Stdout, nil, cfg)
}

// NewAsyncWriter starts a writer goroutine over dst. closer, when non-nil,
// is closed after the final flush.
func NewAsyncWriter(dst io.Writer, closer io.Closer, cfg AsyncConfig) *AsyncWriter {
	cfg = cfg.withDefaults()

	w := &AsyncWriter{
		cfg:    cfg,
		logger: cfg.Logger,
		closer: closer,
		queue:  make(chan request, cfg.QueueCapacity),
		done:   make(chan struct{}),
		abort:  make(chan struct{}),
	}

	if cfg.Compression == CompressionLZ4 {
		w.encoder = lz4.NewWriter(dst)
		dst = w.encoder
	}

	w.sink = dst
	w.buf = bufio.NewWriterSize(dst, cfg.BufferSize)

	go w.loop()

	return w
}

// WriteLine implements Writer.
func (w *AsyncWriter) WriteLine(ctx context.Context, line string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrClosed
	}

	select {
	case w.queue <- request{line: line}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush implements Writer. It waits until every line enqueued before the
// call has reached the underlying writer.
func (w *AsyncWriter) Flush() error {
	w.mu.RLock()

	if w.closed {
		w.mu.RUnlock()

		return ErrClosed
	}

	flushed := make(chan error, 1)
	w.queue <- request{flushed: flushed}
	w.mu.RUnlock()

	return <-flushed
}

// OnPackageComplete implements Writer.
func (w *AsyncWriter) OnPackageComplete() {
	if !w.cfg.FlushOnPackageComplete {
		return
	}

	err := w.Flush()
	if err != nil && !errors.Is(err, ErrClosed) {
		w.logger.Warn("output: package flush failed", "error", err)
	}
}

// Stats implements Writer.
func (w *AsyncWriter) Stats() Stats {
	return w.stats.snapshot()
}

// Close implements Writer. It waits CloseTimeout for queued lines to be
// written, then CloseGrace more; after that the writer goroutine is told to
// stop and the file is released by it.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()

		return nil
	}

	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-time.After(w.cfg.CloseTimeout):
	}

	w.logger.Warn("output: close timed out, draining best effort",
		"timeout", w.cfg.CloseTimeout, "queued", len(w.queue))

	select {
	case <-w.done:
		return nil
	case <-time.After(w.cfg.CloseGrace):
	}

	close(w.abort)

	return fmt.Errorf("%w: %d lines pending", ErrCloseTimeout, len(w.queue))
}

func (w *AsyncWriter) loop() {
	defer close(w.done)
	defer w.release()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	pending := 0

	for {
		select {
		case req, ok := <-w.queue:
			if !ok {
				return
			}

			if req.flushed != nil {
				req.flushed <- w.flush()
				pending = 0

				continue
			}

			w.write(req.line)
			pending++

			if pending >= w.cfg.FlushLines {
				_ = w.flush()
				pending = 0
			}
		case <-ticker.C:
			if pending > 0 {
				_ = w.flush()
				pending = 0
			}
		case <-w.abort:
			return
		}
	}
}

func (w *AsyncWriter) write(line string) {
	n, err := w.buf.WriteString(line)
	if err == nil {
		err = w.buf.WriteByte('\n')
		n++
	}

	if err != nil {
		w.stats.ioErrors.Add(1)
		w.logger.Error("output: write failed", "error", err)
		w.buf.Reset(w.sink)

		return
	}

	w.stats.lines.Add(1)
	w.stats.bytes.Add(int64(n))
}

func (w *AsyncWriter) flush() error {
	err := w.buf.Flush()
	if err == nil && w.encoder != nil {
		err = w.encoder.Flush()
	}

	if err != nil {
		w.stats.ioErrors.Add(1)
		w.logger.Error("output: flush failed", "error", err)
		// bufio.Writer keeps its first error; drop the failed buffer so
		// later lines reach dst.
		w.buf.Reset(w.sink)

		return fmt.Errorf("flush output: %w", err)
	}

	w.stats.flushes.Add(1)

	return nil
}

func (w *AsyncWriter) release() {
	_ = w.flush()

	if w.encoder != nil {
		encErr := w.encoder.Close()
		if encErr != nil {
			w.stats.ioErrors.Add(1)
			w.logger.Error("output: finish compressed stream", "error", encErr)
		}
	}

	if w.closer != nil {
		closeErr := w.closer.Close()
		if closeErr != nil {
			w.stats.ioErrors.Add(1)
			w.logger.Error("output: close file", "error", closeErr)
		}
	}
}
