package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sharded defaults.
const (
	DefaultShards             = 8
	DefaultShardQueueCapacity = 200_000
	DefaultShardBatchSize     = 5000
	DefaultShardFlushAge      = 10 * time.Second
	DefaultShardIdleFlush     = 5 * time.Second
	DefaultShardCloseTimeout  = 30 * time.Second
	DefaultShardCloseGrace    = 10 * time.Second
	defaultShardBufferSize    = 256 << 10
	shardSuffix               = "_part"
)

// ShardedConfig configures a ShardedWriter.
type ShardedConfig struct {
	// Shards is the number of shard files and writer goroutines.
	Shards int

	// QueueCapacity bounds lines waiting for any shard.
	QueueCapacity int

	// BatchSize is the number of lines a shard collects before writing.
	BatchSize int

	// FlushAge writes a non-empty batch once it is this old.
	FlushAge time.Duration

	// IdleFlush writes a non-empty batch after this long without input.
	IdleFlush time.Duration

	// Append keeps existing target content when merging.
	Append bool

	// CloseTimeout bounds the wait for shard goroutines on Close.
	CloseTimeout time.Duration

	// CloseGrace is the extra best-effort wait after CloseTimeout.
	CloseGrace time.Duration

	// Logger receives I/O errors. When nil, a discard logger is used.
	Logger *slog.Logger
}

// DefaultShardedConfig returns the sharded defaults.
func DefaultShardedConfig() ShardedConfig {
	return ShardedConfig{
		Shards:        DefaultShards,
		QueueCapacity: DefaultShardQueueCapacity,
		BatchSize:     DefaultShardBatchSize,
		FlushAge:      DefaultShardFlushAge,
		IdleFlush:     DefaultShardIdleFlush,
		CloseTimeout:  DefaultShardCloseTimeout,
		CloseGrace:    DefaultShardCloseGrace,
	}
}

func (c ShardedConfig) withDefaults() ShardedConfig {
	def := DefaultShardedConfig()

	if c.Shards <= 0 {
		c.Shards = def.Shards
	}

	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}

	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}

	if c.FlushAge <= 0 {
		c.FlushAge = def.FlushAge
	}

	if c.IdleFlush <= 0 {
		c.IdleFlush = def.IdleFlush
	}

	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}

	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}

	if c.Logger == nil {
		c.Logger = discardLogger()
	}

	return c
}

// ShardPath returns the file name of shard i for target, e.g.
// "blocks.txt" -> "blocks_part3.txt".
func ShardPath(target string, i int) string {
	ext := filepath.Ext(target)

	return strings.TrimSuffix(target, ext) + shardSuffix + fmt.Sprint(i) + ext
}

type shard struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	batch  []string
	since  time.Time
	flushC chan chan error
}

// ShardedWriter is the multi-stream Writer. Lines are load-balanced over
// shard goroutines through one shared queue; per-line order is not kept.
type ShardedWriter struct {
	cfg    ShardedConfig
	target string
	logger *slog.Logger

	shards []*shard
	queue  chan string
	abort  chan struct{}
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	stats counters
}

// OpenSharded creates the shard files of target and starts the shard
// goroutines. With cfg.Append, shard files left by an interrupted run are
// appended to so their lines are merged on Close; otherwise they are
// truncated.
func OpenSharded(target string, cfg ShardedConfig) (*ShardedWriter, error) {
	cfg = cfg.withDefaults()

	w := &ShardedWriter{
		cfg:    cfg,
		target: target,
		logger: cfg.Logger,
		queue:  make(chan string, cfg.QueueCapacity),
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	shardFlags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if cfg.Append {
		shardFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	for i := range cfg.Shards {
		path := ShardPath(target, i)

		f, err := os.OpenFile(path, shardFlags, filePerm)
		if err != nil {
			w.closeShards()

			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}

		w.shards = append(w.shards, &shard{
			path:   path,
			file:   f,
			buf:    bufio.NewWriterSize(f, defaultShardBufferSize),
			batch:  make([]string, 0, cfg.BatchSize),
			flushC: make(chan chan error),
		})
	}

	var g errgroup.Group

	for _, s := range w.shards {
		g.Go(func() error {
			w.run(s)

			return nil
		})
	}

	go func() {
		_ = g.Wait()

		close(w.done)
	}()

	return w, nil
}

// WriteLine implements Writer.
func (w *ShardedWriter) WriteLine(ctx context.Context, line string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrClosed
	}

	select {
	case w.queue <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush implements Writer. Every shard writes its pending batch; lines still
// in the shared queue are not covered.
func (w *ShardedWriter) Flush() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrClosed
	}

	var errs []error

	for _, s := range w.shards {
		reply := make(chan error, 1)

		select {
		case s.flushC <- reply:
			errs = append(errs, <-reply)
		case <-w.done:
			return ErrClosed
		}
	}

	return errors.Join(errs...)
}

// OnPackageComplete implements Writer. Shards flush on their own schedule.
func (w *ShardedWriter) OnPackageComplete() {}

// Stats implements Writer.
func (w *ShardedWriter) Stats() Stats {
	return w.stats.snapshot()
}

// Close implements Writer. It drains the queue, then concatenates the
// shards into the target in shard order and removes them.
func (w *ShardedWriter) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()

		return nil
	}

	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	var timeoutErr error

	select {
	case <-w.done:
	case <-time.After(w.cfg.CloseTimeout):
		w.logger.Warn("output: shard close timed out, draining best effort",
			"timeout", w.cfg.CloseTimeout, "queued", len(w.queue))

		select {
		case <-w.done:
		case <-time.After(w.cfg.CloseGrace):
			close(w.abort)
			<-w.done

			timeoutErr = fmt.Errorf("%w: %d lines pending", ErrCloseTimeout, len(w.queue))
		}
	}

	return errors.Join(timeoutErr, w.merge())
}

func (w *ShardedWriter) run(s *shard) {
	idle := time.NewTimer(w.cfg.IdleFlush)
	defer idle.Stop()

	for {
		select {
		case line, ok := <-w.queue:
			if !ok {
				w.writeBatch(s)

				return
			}

			if len(s.batch) == 0 {
				s.since = time.Now()
			}

			s.batch = append(s.batch, line)

			if len(s.batch) >= w.cfg.BatchSize || time.Since(s.since) > w.cfg.FlushAge {
				w.writeBatch(s)
			}

			idle.Reset(w.cfg.IdleFlush)
		case <-idle.C:
			w.writeBatch(s)
			idle.Reset(w.cfg.IdleFlush)
		case reply := <-s.flushC:
			reply <- w.writeBatch(s)
		case <-w.abort:
			w.writeBatch(s)

			return
		}
	}
}

// writeBatch writes and flushes the pending batch of s.
func (w *ShardedWriter) writeBatch(s *shard) error {
	if len(s.batch) == 0 {
		return nil
	}

	var written int64

	for _, line := range s.batch {
		n, err := s.buf.WriteString(line)
		if err == nil {
			err = s.buf.WriteByte('\n')
			n++
		}

		if err != nil {
			w.stats.ioErrors.Add(1)
			w.logger.Error("output: shard write failed", "shard", s.path, "error", err)
			s.buf.Reset(s.file)

			continue
		}

		written += int64(n)
		w.stats.lines.Add(1)
	}

	s.batch = s.batch[:0]
	w.stats.bytes.Add(written)

	err := s.buf.Flush()
	if err != nil {
		w.stats.ioErrors.Add(1)
		w.logger.Error("output: shard flush failed", "shard", s.path, "error", err)
		s.buf.Reset(s.file)

		return fmt.Errorf("flush shard: %w", err)
	}

	w.stats.flushes.Add(1)

	return nil
}

func (w *ShardedWriter) closeShards() {
	for _, s := range w.shards {
		_ = s.file.Close()
	}
}

func (w *ShardedWriter) merge() error {
	w.closeShards()

	flags := os.O_CREATE | os.O_WRONLY
	if w.cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(w.target, flags, filePerm)
	if err != nil {
		return fmt.Errorf("open merge target: %w", err)
	}

	dst := bufio.NewWriterSize(out, defaultShardBufferSize)

	var errs []error

	for _, s := range w.shards {
		copyErr := appendFile(dst, s.path)
		if copyErr != nil {
			errs = append(errs, copyErr)

			continue
		}

		removeErr := os.Remove(s.path)
		if removeErr != nil {
			errs = append(errs, fmt.Errorf("remove shard: %w", removeErr))
		}
	}

	flushErr := dst.Flush()
	if flushErr != nil {
		errs = append(errs, fmt.Errorf("flush merge target: %w", flushErr))
	}

	closeErr := out.Close()
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("close merge target: %w", closeErr))
	}

	return errors.Join(errs...)
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	_, copyErr := io.Copy(dst, f)
	if copyErr != nil {
		return fmt.Errorf("copy shard %s: %w", path, copyErr)
	}

	return nil
}
