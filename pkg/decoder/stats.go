package decoder

import (
	"log/slog"
	"sync/atomic"
	"time"
)

const percent = 100

type stats struct {
	parsed            atomic.Int64
	nonRecords        atomic.Int64
	errors            atomic.Int64
	deserializeErrors atomic.Int64
	containerNanos    atomic.Int64
	deserializeNanos  atomic.Int64
}

// Stats is a snapshot of decoder phase statistics.
type Stats struct {
	Parsed            int64         `json:"parsed"`
	NonRecords        int64         `json:"non_records"`
	Errors            int64         `json:"errors"`
	DeserializeErrors int64         `json:"deserialize_errors"`
	ContainerTime     time.Duration `json:"container_time"`
	DeserializeTime   time.Duration `json:"deserialize_time"`
}

// Total returns the number of decoded entries.
func (s Stats) Total() int64 {
	return s.Parsed + s.NonRecords + s.Errors
}

// SuccessRate returns the share of entries that decoded, in percent.
func (s Stats) SuccessRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}

	return float64(s.Parsed+s.NonRecords) * percent / float64(total)
}

// ErrorRate returns the share of entries that failed, in percent.
func (s Stats) ErrorRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}

	return float64(s.Errors) * percent / float64(total)
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("parsed", s.Parsed),
		slog.Int64("non_records", s.NonRecords),
		slog.Int64("errors", s.Errors),
		slog.Int64("deserialize_errors", s.DeserializeErrors),
		slog.Duration("container_time", s.ContainerTime),
		slog.Duration("deserialize_time", s.DeserializeTime),
		slog.Float64("success_rate", s.SuccessRate()),
	)
}

// Stats returns a snapshot of the decoder statistics.
func (d *Decoder) Stats() Stats {
	return Stats{
		Parsed:            d.stats.parsed.Load(),
		NonRecords:        d.stats.nonRecords.Load(),
		Errors:            d.stats.errors.Load(),
		DeserializeErrors: d.stats.deserializeErrors.Load(),
		ContainerTime:     time.Duration(d.stats.containerNanos.Load()),
		DeserializeTime:   time.Duration(d.stats.deserializeNanos.Load()),
	}
}
