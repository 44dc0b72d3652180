package exporter

import (
	"io"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
	"github.com/Sumatoshi-tech/tonexporter/pkg/observability"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
	"github.com/Sumatoshi-tech/tonexporter/pkg/processor"
)

// WriterKind selects the file writer implementation.
type WriterKind string

// Writer kinds.
const (
	// WriterSingle keeps line order per writer goroutine.
	WriterSingle WriterKind = "single"
	// WriterSharded writes to part files merged on close.
	WriterSharded WriterKind = "sharded"
)

const (
	// DefaultProgressInterval is the progress report period.
	DefaultProgressInterval = 10 * time.Second

	// DefaultPoolTimeout bounds the wait for in-flight packages after a
	// shutdown request.
	DefaultPoolTimeout = 15 * time.Second

	// DefaultPoolForceTimeout is the extra wait after in-flight packages are
	// cancelled.
	DefaultPoolForceTimeout = 5 * time.Second

	// DefaultReporterTimeout bounds the wait for the progress reporter.
	DefaultReporterTimeout = 2 * time.Second

	tracerName = "tonexporter/exporter"
)

// Options configures an Exporter.
type Options struct {
	// Catalog lists and reads archive packages. When nil, a DirCatalog is
	// opened on DBRoot for each run and closed when the run ends.
	Catalog archive.Catalog

	// DBRoot is the node database root used when Catalog is nil.
	DBRoot string

	// StatusDir holds status.json. Empty means the working directory.
	StatusDir string

	// Codec decodes entries. Nil selects the TON block codec.
	Codec decoder.Codec

	// Processor tunes per-package extraction and decoding.
	Processor processor.Config

	// SharedQueue feeds every package into one queue drained by a single
	// worker pool instead of running packages on a package pool.
	SharedQueue bool

	// Writer selects the file writer. Stdout always uses the single writer.
	Writer WriterKind

	// Async configures the single-stream writer.
	Async output.AsyncConfig

	// Sharded configures the sharded writer.
	Sharded output.ShardedConfig

	// Stdout is the stdout export destination. Nil means os.Stdout.
	Stdout io.Writer

	// ProgressInterval is the progress report period. Negative disables
	// progress reporting.
	ProgressInterval time.Duration

	// PoolTimeout, PoolForceTimeout and ReporterTimeout bound the shutdown
	// of each layer.
	PoolTimeout      time.Duration
	PoolForceTimeout time.Duration
	ReporterTimeout  time.Duration

	// Logger is the structured logger. When nil, a discard logger is used.
	Logger *slog.Logger

	// Metrics records run instruments. May be nil.
	Metrics *observability.ExportMetrics

	// OnPackageDone is called after a package was checkpointed.
	OnPackageDone func(key string)
}

// DefaultOptions returns options reading dbRoot with default tuning.
func DefaultOptions(dbRoot string) Options {
	return Options{
		DBRoot:           dbRoot,
		Processor:        processor.DefaultConfig(),
		Writer:           WriterSingle,
		Async:            output.DefaultAsyncConfig(),
		Sharded:          output.DefaultShardedConfig(),
		ProgressInterval: DefaultProgressInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.StatusDir == "" {
		o.StatusDir = "."
	}

	if o.Writer == "" {
		o.Writer = WriterSingle
	}

	if o.ProgressInterval == 0 {
		o.ProgressInterval = DefaultProgressInterval
	}

	if o.PoolTimeout <= 0 {
		o.PoolTimeout = DefaultPoolTimeout
	}

	if o.PoolForceTimeout <= 0 {
		o.PoolForceTimeout = DefaultPoolForceTimeout
	}

	if o.ReporterTimeout <= 0 {
		o.ReporterTimeout = DefaultReporterTimeout
	}

	if o.Logger == nil {
		o.Logger = discardLogger()
	}

	return o
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
