// Package config loads exporter settings from a YAML file, TONEXPORTER_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/tonexporter/pkg/exporter"
	"github.com/Sumatoshi-tech/tonexporter/pkg/observability"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
)

// Sentinel validation errors.
var (
	ErrInvalidParallelism = errors.New("export.parallelism must be at least 1")
	ErrInvalidWriterKind  = errors.New("writer.kind must be single or sharded")
	ErrInvalidCompression = errors.New("writer.compress must be none or lz4")
	ErrInvalidShards      = errors.New("writer.shards must be positive")
	ErrInvalidBufferSize  = errors.New("invalid writer.buffer_size")
	ErrInvalidLogLevel    = errors.New("invalid log.level")
	ErrShardedCompression = errors.New("lz4 compression requires the single writer")
)

// Config holds all exporter configuration.
type Config struct {
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Export    ExportConfig    `mapstructure:"export"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ArchiveConfig locates the node database.
type ArchiveConfig struct {
	Root string `mapstructure:"root"`
}

// ExportConfig holds run parameters.
type ExportConfig struct {
	StatusDir        string        `mapstructure:"status_dir"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	Parallelism      int           `mapstructure:"parallelism"`
	Deserialize      bool          `mapstructure:"deserialize"`

	// PackageQueue switches to one shared queue across packages.
	PackageQueue bool `mapstructure:"package_queue"`
}

// DecoderConfig tunes per-package decoding.
type DecoderConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity"`
	Workers       int `mapstructure:"workers"`
}

// WriterConfig tunes the output writer.
type WriterConfig struct {
	Kind          string        `mapstructure:"kind"`
	BufferSize    string        `mapstructure:"buffer_size"`
	Compress      string        `mapstructure:"compress"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	FlushLines    int           `mapstructure:"flush_lines"`
	Shards        int           `mapstructure:"shards"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Export.Parallelism < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidParallelism, c.Export.Parallelism)
	}

	kind := exporter.WriterKind(c.Writer.Kind)
	if kind != exporter.WriterSingle && kind != exporter.WriterSharded {
		return fmt.Errorf("%w: got %q", ErrInvalidWriterKind, c.Writer.Kind)
	}

	compression := output.Compression(c.Writer.Compress)
	if compression != output.CompressionNone && compression != output.CompressionLZ4 {
		return fmt.Errorf("%w: got %q", ErrInvalidCompression, c.Writer.Compress)
	}

	if kind == exporter.WriterSharded {
		if c.Writer.Shards < 1 {
			return fmt.Errorf("%w: got %d", ErrInvalidShards, c.Writer.Shards)
		}

		if compression == output.CompressionLZ4 {
			return ErrShardedCompression
		}
	}

	_, sizeErr := c.BufferSizeBytes()
	if sizeErr != nil {
		return sizeErr
	}

	_, levelErr := c.LogLevel()
	if levelErr != nil {
		return levelErr
	}

	return nil
}

// BufferSizeBytes parses writer.buffer_size ("128KiB", "1MB").
func (c *Config) BufferSizeBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Writer.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidBufferSize, err)
	}

	if n == 0 || n > maxBufferSize {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidBufferSize, c.Writer.BufferSize)
	}

	return int(n), nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	level, err := observability.ParseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %w", ErrInvalidLogLevel, err)
	}

	return level, nil
}

// ExporterOptions builds exporter options from the configuration.
func (c *Config) ExporterOptions(logger *slog.Logger, metrics *observability.ExportMetrics) (exporter.Options, error) {
	bufSize, err := c.BufferSizeBytes()
	if err != nil {
		return exporter.Options{}, err
	}

	opts := exporter.DefaultOptions(c.Archive.Root)
	opts.StatusDir = c.Export.StatusDir
	opts.ProgressInterval = c.Export.ProgressInterval
	opts.SharedQueue = c.Export.PackageQueue
	opts.Writer = exporter.WriterKind(c.Writer.Kind)
	opts.Logger = logger
	opts.Metrics = metrics

	opts.Processor.QueueCapacity = c.Decoder.QueueCapacity

	if c.Decoder.Workers > 0 {
		opts.Processor.Workers = c.Decoder.Workers
	}

	opts.Async.QueueCapacity = c.Writer.QueueCapacity
	opts.Async.BufferSize = bufSize
	opts.Async.FlushLines = c.Writer.FlushLines
	opts.Async.FlushInterval = c.Writer.FlushInterval
	opts.Async.Compression = output.Compression(c.Writer.Compress)

	opts.Sharded.Shards = c.Writer.Shards
	opts.Sharded.BatchSize = c.Writer.BatchSize

	return opts, nil
}

// Observability maps log and telemetry settings onto an observability config.
func (c *Config) Observability(version string) (observability.Config, error) {
	level, err := c.LogLevel()
	if err != nil {
		return observability.Config{}, err
	}

	obs := observability.DefaultConfig()
	obs.ServiceVersion = version
	obs.LogLevel = level
	obs.LogJSON = c.Log.JSON
	obs.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	obs.OTLPInsecure = c.Telemetry.OTLPInsecure
	obs.Prometheus = c.Telemetry.MetricsAddr != ""

	return obs, nil
}
