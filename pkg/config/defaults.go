package config

import (
	"github.com/pbnjay/memory"

	"github.com/Sumatoshi-tech/tonexporter/pkg/exporter"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
	"github.com/Sumatoshi-tech/tonexporter/pkg/processor"
)

// Export defaults.
const (
	DefaultParallelism      = 4
	DefaultDeserialize      = false
	DefaultStatusDir        = "."
	DefaultPackageQueue     = false
	DefaultProgressInterval = exporter.DefaultProgressInterval
)

// Writer defaults.
const (
	DefaultWriterKind          = string(exporter.WriterSingle)
	DefaultWriterQueueCapacity = output.DefaultQueueCapacity
	DefaultWriterBufferSize    = "128KiB"
	DefaultWriterFlushLines    = output.DefaultFlushLines
	DefaultWriterFlushInterval = output.DefaultFlushInterval
	DefaultWriterShards        = output.DefaultShards
	DefaultWriterBatchSize     = output.DefaultShardBatchSize
	DefaultWriterCompress      = string(output.CompressionNone)
)

// Log defaults.
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = false
)

// DefaultDecoderWorkers of zero means one worker per CPU.
const DefaultDecoderWorkers = 0

const (
	// assumedEntrySize is the per-unit memory estimate used to cap the
	// decoder queue.
	assumedEntrySize = 64 << 10

	// queueMemoryShare is the fraction (1/n) of RAM the queue may fill.
	queueMemoryShare = 8

	minQueueCapacity = 1024
	maxBufferSize    = 1 << 30
)

// DefaultDecoderQueueCapacity returns the decoder queue default, capped so
// a full queue of typical entries stays under an eighth of system memory.
func DefaultDecoderQueueCapacity() int {
	return capQueue(processor.DefaultQueueCapacity, memory.TotalMemory())
}

func capQueue(requested int, totalMemory uint64) int {
	if totalMemory == 0 {
		return requested
	}

	limit := int(totalMemory / queueMemoryShare / assumedEntrySize)

	return max(min(requested, limit), minQueueCapacity)
}
