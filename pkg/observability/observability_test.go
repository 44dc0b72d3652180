package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/tonexporter/pkg/observability"
)

func TestTracingHandler_InjectsTraceContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(observability.NewTracingHandler(inner, "tonexporter", "test", observability.ModeCLI))

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	logger.InfoContext(ctx, "export: package done")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", record["trace_id"])
	assert.Equal(t, "0102030405060708", record["span_id"])
	assert.Equal(t, "tonexporter", record["service"])
	assert.Equal(t, "test", record["env"])
	assert.Equal(t, "cli", record["mode"])
}

func TestTracingHandler_GroupKeepsServiceTopLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	inner := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(observability.NewTracingHandler(inner, "tonexporter", "", observability.ModeLibrary))

	logger.WithGroup("export").InfoContext(context.Background(), "progress", slog.Int("packages", 3))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	_, hasTrace := record["trace_id"]
	assert.False(t, hasTrace)
	assert.Equal(t, "library", record["mode"])

	group, ok := record["export"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 3, group["packages"], 0)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, err := observability.ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = observability.ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = observability.ParseLevel("loud")
	require.Error(t, err)
}

func TestParseOTLPHeaders(t *testing.T) {
	t.Parallel()

	assert.Nil(t, observability.ParseOTLPHeaders(""))
	assert.Nil(t, observability.ParseOTLPHeaders("garbage"))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, observability.ParseOTLPHeaders("a=1, b = 2"))
}

func TestInit_NoopWhenNothingConfigured(t *testing.T) {
	t.Parallel()

	providers, err := observability.Init(observability.DefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.Logger)
	assert.Nil(t, providers.MetricsHandler)
	require.NoError(t, providers.Shutdown(context.Background()))
}

func TestInit_PrometheusServesExportMetrics(t *testing.T) {
	t.Parallel()

	cfg := observability.DefaultConfig()
	cfg.Prometheus = true

	providers, err := observability.Init(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })
	require.NotNil(t, providers.MetricsHandler)

	m, err := observability.NewExportMetrics(providers.Meter)
	require.NoError(t, err)

	m.RecordRecords(context.Background(), 13, 0, 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()

	providers.MetricsHandler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tonexporter_records_total")
	assert.Contains(t, rec.Body.String(), "target_info")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for i := range rm.ScopeMetrics {
		for j := range rm.ScopeMetrics[i].Metrics {
			if rm.ScopeMetrics[i].Metrics[j].Name == name {
				return &rm.ScopeMetrics[i].Metrics[j]
			}
		}
	}

	return nil
}

func sumByAttr(t *testing.T, m *metricdata.Metrics, key string) map[string]int64 {
	t.Helper()

	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	out := make(map[string]int64)

	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}

	return out
}

func TestExportMetrics_Records(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := observability.NewExportMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()

	done := m.TrackPackage(ctx)
	m.RecordPackage(ctx, observability.PackageProcessed, 150*time.Millisecond)
	done()
	m.RecordPackage(ctx, observability.PackageInterrupted, time.Second)
	m.RecordRecords(ctx, 13, 1, 2)
	m.RecordCheckpointSave(ctx, nil)
	m.RecordCheckpointSave(ctx, errors.New("disk full"))
	m.RecordWriter(ctx, 13, 0)

	rm := collect(t, reader)

	packages := findMetric(rm, "tonexporter.packages.total")
	require.NotNil(t, packages)
	assert.Equal(t, map[string]int64{"processed": 1, "interrupted": 1}, sumByAttr(t, packages, "status"))

	records := findMetric(rm, "tonexporter.records.total")
	require.NotNil(t, records)
	assert.Equal(t, map[string]int64{"parsed": 13, "non_record": 1, "error": 2}, sumByAttr(t, records, "kind"))

	saves := findMetric(rm, "tonexporter.checkpoint.saves.total")
	require.NotNil(t, saves)
	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, sumByAttr(t, saves, "status"))

	assert.NotNil(t, findMetric(rm, "tonexporter.package.duration.seconds"))
	assert.NotNil(t, findMetric(rm, "tonexporter.packages.inflight"))
}

func TestExportMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *observability.ExportMetrics

	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.TrackPackage(ctx)()
		m.RecordPackage(ctx, observability.PackageProcessed, time.Second)
		m.RecordRecords(ctx, 1, 1, 1)
		m.RecordCheckpointSave(ctx, nil)
		m.RecordWriter(ctx, 1, 1)
	})
}

func newFilteredProvider(logger *slog.Logger) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(observability.NewAttributeFilter(sdktrace.NewSimpleSpanProcessor(exporter), logger)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	return exporter, tp
}

func TestAttributeFilter(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer

	exporter, tp := newFilteredProvider(slog.New(slog.NewTextHandler(&logs, nil)))

	_, span := tp.Tracer("test").Start(context.Background(), "tonexporter.run")
	span.SetAttributes(
		attribute.String("package.key", "arch0000/archive.00000"),
		attribute.Int("packages", 3),
		attribute.String("record.raw", "b5ee9c72"),
		attribute.String("output.target", "/home/me/out.txt"),
		attribute.String("hostname", "box"),
	)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	keys := make(map[string]bool)
	for _, kv := range spans[0].Attributes {
		keys[string(kv.Key)] = true
	}

	assert.Equal(t, map[string]bool{"package.key": true, "packages": true}, keys)
	assert.Contains(t, logs.String(), "record.raw")
}

func TestFilteringTracerProvider_DropsPackageSpans(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	base := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter), sdktrace.WithSampler(sdktrace.AlwaysSample()))

	tracer := observability.NewFilteringTracerProvider(base).Tracer("tonexporter/processor")

	_, run := tracer.Start(context.Background(), "tonexporter.export")
	_, pkg := tracer.Start(context.Background(), observability.SpanPackage)
	pkg.End()
	run.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "tonexporter.export", spans[0].Name)
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	cfg := observability.DefaultConfig()
	cfg.LogJSON = true
	cfg.LogLevel = slog.LevelWarn

	logger := observability.NewLogger(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "tonexporter", record["service"])
}
