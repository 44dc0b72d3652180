package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricPackagesTotal     = "tonexporter.packages.total"
	metricPackageDuration   = "tonexporter.package.duration.seconds"
	metricPackagesInflight  = "tonexporter.packages.inflight"
	metricRecordsTotal      = "tonexporter.records.total"
	metricCheckpointSaves   = "tonexporter.checkpoint.saves.total"
	metricWriterLinesTotal  = "tonexporter.writer.lines.total"
	metricWriterErrorsTotal = "tonexporter.writer.errors.total"

	attrStatus = "status"
	attrKind   = "kind"
)

// Package outcome values for RecordPackage.
const (
	PackageProcessed   = "processed"
	PackageInterrupted = "interrupted"
	PackageFailed      = "extract_error"
)

// Record kinds for RecordRecords.
const (
	RecordParsed    = "parsed"
	RecordNonRecord = "non_record"
	RecordError     = "error"
)

// durationBucketBoundaries covers small loose packages (tens of ms) up to
// multi-gigabyte archive packages.
var durationBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// metricBuilder accumulates instrument creation errors so a set of
// instruments needs a single error check.
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func (b *metricBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

func (b *metricBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.setErr(name, err)

	return h
}

func (b *metricBuilder) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

func (b *metricBuilder) setErr(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}

// ExportMetrics holds the instruments recorded by an export run. A nil
// *ExportMetrics is valid and records nothing.
type ExportMetrics struct {
	packagesTotal    metric.Int64Counter
	packageDuration  metric.Float64Histogram
	packagesInflight metric.Int64UpDownCounter
	recordsTotal     metric.Int64Counter
	checkpointSaves  metric.Int64Counter
	writerLines      metric.Int64Counter
	writerErrors     metric.Int64Counter
}

// NewExportMetrics creates the export instruments from mt.
func NewExportMetrics(mt metric.Meter) (*ExportMetrics, error) {
	b := &metricBuilder{meter: mt}

	m := &ExportMetrics{
		packagesTotal:    b.counter(metricPackagesTotal, "Packages finished, by outcome", "{package}"),
		packageDuration:  b.histogram(metricPackageDuration, "Package processing time", "s", durationBucketBoundaries...),
		packagesInflight: b.upDownCounter(metricPackagesInflight, "Packages being processed", "{package}"),
		recordsTotal:     b.counter(metricRecordsTotal, "Entries decoded, by kind", "{record}"),
		checkpointSaves:  b.counter(metricCheckpointSaves, "Checkpoint saves, by status", "{save}"),
		writerLines:      b.counter(metricWriterLinesTotal, "Lines written by the output writer", "{line}"),
		writerErrors:     b.counter(metricWriterErrorsTotal, "Output writer I/O errors", "{error}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return m, nil
}

// TrackPackage increments the in-flight gauge and returns its decrement.
func (m *ExportMetrics) TrackPackage(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}

	m.packagesInflight.Add(ctx, 1)

	return func() { m.packagesInflight.Add(ctx, -1) }
}

// RecordPackage records one finished package.
func (m *ExportMetrics) RecordPackage(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrStatus, status))

	m.packagesTotal.Add(ctx, 1, attrs)
	m.packageDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRecords adds decode outcome counts.
func (m *ExportMetrics) RecordRecords(ctx context.Context, parsed, nonRecords, errs int64) {
	if m == nil {
		return
	}

	for kind, n := range map[string]int64{RecordParsed: parsed, RecordNonRecord: nonRecords, RecordError: errs} {
		if n > 0 {
			m.recordsTotal.Add(ctx, n, metric.WithAttributes(attribute.String(attrKind, kind)))
		}
	}
}

// RecordCheckpointSave counts a checkpoint save attempt.
func (m *ExportMetrics) RecordCheckpointSave(ctx context.Context, err error) {
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	m.checkpointSaves.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordWriter adds the final writer totals of a run.
func (m *ExportMetrics) RecordWriter(ctx context.Context, lines, ioErrors int64) {
	if m == nil {
		return
	}

	m.writerLines.Add(ctx, lines)
	m.writerErrors.Add(ctx, ioErrors)
}
