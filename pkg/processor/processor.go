package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
	"github.com/Sumatoshi-tech/tonexporter/pkg/workqueue"
)

// ErrExtraction wraps catalog failures while iterating a package.
var ErrExtraction = errors.New("package extraction failed")

var errStopped = errors.New("processor stopped")

// WorkUnit is one raw entry waiting to be decoded.
type WorkUnit struct {
	ArchiveKey string
	BlockKey   string
	Raw        []byte
}

// Outcome is the decode result of one work unit.
type Outcome struct {
	Record decoder.Record
	Err    error
}

// DecodeFunc decodes raw entry bytes.
type DecodeFunc func(raw []byte) (decoder.Record, error)

// ConsumeFunc receives every decoded unit. A non-nil error stops the worker
// and marks the package interrupted.
type ConsumeFunc func(ctx context.Context, out Outcome) error

// Result summarizes the processing of one package.
type Result struct {
	Package  archive.PackageDescriptor
	Units    int64
	Duration time.Duration

	// ExtractErr is set when the catalog failed mid-package. The package
	// still counts as processed with whatever units were extracted.
	ExtractErr error

	// Interrupted is set when shutdown or cancellation stopped the package
	// before all of its units were consumed.
	Interrupted bool
}

// Processor runs package extraction and decoding.
type Processor struct {
	catalog archive.Catalog
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	shutdown atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a processor reading from catalog.
func New(catalog archive.Catalog, cfg Config) *Processor {
	cfg = cfg.withDefaults()

	return &Processor{
		catalog: catalog,
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otel.Tracer(tracerName),
		stop:    make(chan struct{}),
	}
}

// RequestShutdown asks extractors and workers to stop at their next poll.
func (p *Processor) RequestShutdown() {
	p.shutdown.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
}

// ShutdownRequested reports whether RequestShutdown was called.
func (p *Processor) ShutdownRequested() bool {
	return p.shutdown.Load()
}

// ProcessPackage extracts desc into a private bounded queue and decodes its
// units on cfg.Workers workers.
func (p *Processor) ProcessPackage(
	ctx context.Context, desc archive.PackageDescriptor, decode DecodeFunc, consume ConsumeFunc,
) Result {
	if p.ShutdownRequested() {
		return Result{Package: desc, Interrupted: true}
	}

	start := time.Now()

	ctx, span := p.tracer.Start(ctx, "tonexporter.package",
		trace.WithAttributes(
			attribute.String("package.key", desc.Key),
			attribute.Bool("package.indexed", desc.Indexed()),
		))
	defer span.End()

	runCtx, cancel := p.watchShutdown(ctx)
	defer cancel()

	q := workqueue.New[WorkUnit](p.cfg.QueueCapacity)

	var (
		units      atomic.Int64
		aborted    atomic.Bool
		extractErr error
		g          errgroup.Group
	)

	g.Go(func() error {
		defer q.Close()

		err := p.extract(runCtx, desc, func(unit WorkUnit) error {
			return q.Put(runCtx, unit)
		})

		switch {
		case err == nil:
		case errors.Is(err, errStopped) || runCtx.Err() != nil:
			aborted.Store(true)
		default:
			extractErr = err
		}

		return nil
	})

	for range p.cfg.Workers {
		g.Go(func() error {
			for {
				unit, state := poll(runCtx, p, q, p.cfg.PollTimeout)
				if state == pollAborted {
					aborted.Store(true)
				}

				if state != pollGot {
					return nil
				}

				consumeErr := p.handle(runCtx, unit, decode, consume)
				if consumeErr != nil {
					aborted.Store(true)
					cancel()

					return nil
				}

				units.Add(1)
			}
		})
	}

	_ = g.Wait()

	res := Result{
		Package:     desc,
		Units:       units.Load(),
		Duration:    time.Since(start),
		ExtractErr:  extractErr,
		Interrupted: aborted.Load(),
	}

	p.finishSpan(ctx, span, res)

	return res
}

// extract streams the block entries of desc into put. Catalog failures are
// wrapped in ErrExtraction and logged; they never abort the run.
func (p *Processor) extract(ctx context.Context, desc archive.PackageDescriptor, put func(WorkUnit) error) error {
	err := p.catalog.Entries(ctx, desc, func(e archive.Entry) error {
		if p.ShutdownRequested() {
			return errStopped
		}

		return put(WorkUnit{ArchiveKey: desc.Key, BlockKey: e.BlockKey, Raw: e.Data})
	})
	if err == nil || errors.Is(err, errStopped) || ctx.Err() != nil {
		return err
	}

	wrapped := fmt.Errorf("%w: %s: %w", ErrExtraction, desc.Key, err)
	p.logger.WarnContext(ctx, "processor: extraction failed", "package", desc.Key, "error", err)

	return wrapped
}

// pollResult tells a worker what to do after a poll.
type pollResult int

const (
	pollGot pollResult = iota
	pollDone
	pollAborted
)

// poll takes the next item, re-checking the shutdown flag every timeout.
func poll[T any](ctx context.Context, p *Processor, q *workqueue.Queue[T], timeout time.Duration) (T, pollResult) {
	var zero T

	for {
		if p.ShutdownRequested() {
			if q.Closed() && q.Len() == 0 {
				return zero, pollDone
			}

			return zero, pollAborted
		}

		item, err := q.TakeTimeout(ctx, timeout)

		switch {
		case err == nil:
			return item, pollGot
		case errors.Is(err, workqueue.ErrTimeout):
			continue
		case errors.Is(err, workqueue.ErrClosed):
			return zero, pollDone
		default:
			return zero, pollAborted
		}
	}
}

func (p *Processor) handle(ctx context.Context, unit WorkUnit, decode DecodeFunc, consume ConsumeFunc) error {
	rec, err := decode(unit.Raw)
	rec.ArchiveKey = unit.ArchiveKey
	rec.BlockKey = unit.BlockKey
	rec.Raw = unit.Raw

	return consume(ctx, Outcome{Record: rec, Err: err})
}

// watchShutdown derives a context cancelled by RequestShutdown so blocked
// queue operations return promptly.
func (p *Processor) watchShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	return runCtx, cancel
}

func (p *Processor) finishSpan(ctx context.Context, span trace.Span, res Result) {
	span.SetAttributes(
		attribute.Int64("package.units", res.Units),
		attribute.Bool("package.interrupted", res.Interrupted),
	)

	if res.ExtractErr != nil {
		span.RecordError(res.ExtractErr)
		span.SetStatus(codes.Error, "extraction failed")
	}

	p.logger.DebugContext(ctx, "processor: package done",
		"package", res.Package.Key, "units", res.Units,
		"duration", res.Duration, "interrupted", res.Interrupted)
}
