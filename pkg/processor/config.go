// Package processor extracts archive packages into work units and decodes
// them on a pool of workers sharing a bounded queue.
package processor

import (
	"io"
	"log/slog"
	"runtime"
	"time"
)

const (
	// DefaultQueueCapacity bounds how far extraction may run ahead of decoding.
	DefaultQueueCapacity = 100_000

	// DefaultPollTimeout is how long a per-package worker waits for a unit
	// before re-checking the shutdown flag.
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultSharedPollTimeout is the poll timeout in shared-queue mode.
	DefaultSharedPollTimeout = 200 * time.Millisecond

	tracerName = "tonexporter/processor"
)

// Config holds processor tuning.
type Config struct {
	// Workers is the number of decoder workers per package (or in total in
	// shared-queue mode). Zero means runtime.NumCPU.
	Workers int

	// Extractors caps concurrent package extractions in shared-queue mode.
	// Zero means one extractor per package.
	Extractors int

	// QueueCapacity is the bounded queue size.
	QueueCapacity int

	// PollTimeout is the worker take timeout in per-package mode.
	PollTimeout time.Duration

	// SharedPollTimeout is the worker take timeout in shared-queue mode.
	SharedPollTimeout time.Duration

	// Logger is the structured logger. When nil, a discard logger is used.
	Logger *slog.Logger
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU(),
		QueueCapacity:     DefaultQueueCapacity,
		PollTimeout:       DefaultPollTimeout,
		SharedPollTimeout: DefaultSharedPollTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Workers <= 0 {
		c.Workers = def.Workers
	}

	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}

	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}

	if c.SharedPollTimeout <= 0 {
		c.SharedPollTimeout = def.SharedPollTimeout
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return c
}
