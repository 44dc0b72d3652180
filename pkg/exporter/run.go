package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/checkpoint"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
	"github.com/Sumatoshi-tech/tonexporter/pkg/observability"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
	"github.com/Sumatoshi-tech/tonexporter/pkg/processor"
)

// packageCounts accumulates the decode outcomes of one package.
type packageCounts struct {
	parsed     atomic.Int64
	nonRecords atomic.Int64
	errors     atomic.Int64
}

// run is the state of one export, from checkpoint adoption to finalization.
type run struct {
	e      *Exporter
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	kind        checkpoint.Kind
	target      string
	deserialize bool
	parallelism int

	catalog    archive.Catalog
	ownCatalog bool
	store      *checkpoint.Store
	cp         *checkpoint.Checkpoint
	resumed    bool
	total      uint64
	pending    []archive.PackageDescriptor
	counts     map[string]*packageCounts

	dec     *decoder.Decoder
	proc    *processor.Processor
	sink    sink
	errFile *output.ErrorFile

	start           time.Time
	startParsed     int64
	sessionPackages atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
	onFinish func(Summary)
}

// begin claims the exporter and prepares a run: it enumerates packages and
// adopts a compatible checkpoint or creates a fresh one.
func (e *Exporter) begin(
	ctx context.Context, kind checkpoint.Kind, target string, deserialize bool, parallelism int,
) (*run, error) {
	if parallelism < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidParallelism, parallelism)
	}

	finished, err := e.acquire()
	if err != nil {
		return nil, err
	}

	logger := e.opts.Logger
	if kind == checkpoint.KindStdout {
		logger = discardLogger()
	}

	r := &run{
		e:           e,
		opts:        e.opts,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		kind:        kind,
		target:      target,
		deserialize: deserialize,
		parallelism: parallelism,
		start:       time.Now(),
		stop:        make(chan struct{}),
		finished:    finished,
	}

	prepErr := r.prepare(ctx)
	if prepErr != nil {
		r.closeCatalog()
		e.release(r, nil)

		return nil, prepErr
	}

	e.current.Store(r)

	if e.ShutdownRequested() {
		r.requestStop()
	}

	return r, nil
}

func (r *run) prepare(ctx context.Context) error {
	r.catalog = r.opts.Catalog
	if r.catalog == nil {
		cat, err := archive.OpenDir(r.opts.DBRoot)
		if err != nil {
			return fmt.Errorf("open archive catalog: %w", err)
		}

		r.catalog = cat
		r.ownCatalog = true
	}

	descs, err := r.catalog.Packages(ctx)
	if err != nil {
		return fmt.Errorf("list packages: %w", err)
	}

	r.total = uint64(len(descs))
	r.store = checkpoint.NewStore(r.opts.StatusDir, r.logger)

	adoptErr := r.adoptCheckpoint(ctx, descs)
	if adoptErr != nil {
		return adoptErr
	}

	r.counts = make(map[string]*packageCounts, len(descs))

	for _, desc := range descs {
		if r.cp.IsProcessed(desc.Key) {
			continue
		}

		r.pending = append(r.pending, desc)
		r.counts[desc.Key] = &packageCounts{}
	}

	prior := r.cp.Snapshot()
	r.e.parsed.Store(int64(prior.ParsedCount))
	r.e.nonRecords.Store(int64(prior.NonRecordCount))
	r.e.errors.Store(int64(prior.ErrorCount))
	r.startParsed = int64(prior.ParsedCount)

	r.dec = decoder.New(r.opts.Codec)

	procCfg := r.opts.Processor
	procCfg.Logger = r.logger

	if r.opts.SharedQueue && procCfg.Extractors <= 0 {
		procCfg.Extractors = r.parallelism
	}

	r.proc = processor.New(r.catalog, procCfg)

	return nil
}

// adoptCheckpoint resumes from a matching unfinished checkpoint, or starts
// a new one when none is usable.
func (r *run) adoptCheckpoint(ctx context.Context, descs []archive.PackageDescriptor) error {
	cp, err := r.store.Load()
	if err != nil {
		r.logger.WarnContext(ctx, "export: checkpoint unreadable, starting fresh", "error", err)
	}

	if cp != nil {
		compatErr := cp.Compatible(r.kind, r.target, r.deserialize, uint32(r.parallelism))
		if compatErr == nil && r.kind == checkpoint.KindFile && !nonEmptyFile(r.target) {
			compatErr = errNotResumableTarget
		}

		if compatErr != nil {
			r.logger.InfoContext(ctx, "export: checkpoint not resumable, starting fresh", "reason", compatErr)

			cp = nil
		}
	}

	if cp == nil {
		delErr := r.store.Delete()
		if delErr != nil {
			return fmt.Errorf("discard checkpoint: %w", delErr)
		}

		r.cp = r.store.Create(r.total, r.kind, r.target, r.deserialize, uint32(r.parallelism))
		r.save(ctx)

		return nil
	}

	r.cp = cp
	r.resumed = true

	present := make(map[string]struct{}, len(descs))
	for _, desc := range descs {
		present[desc.Key] = struct{}{}
	}

	dropped := cp.RetainProcessed(func(key string) bool {
		_, ok := present[key]

		return ok
	})
	if dropped > 0 {
		r.logger.WarnContext(ctx, "export: processed packages missing from catalog", "dropped", dropped)
	}

	if dropped > 0 || cp.Snapshot().TotalPackages != r.total {
		cp.SetTotalPackages(r.total)
		r.save(ctx)
	}

	r.logger.InfoContext(ctx, "export: resuming",
		"export_id", cp.Snapshot().ExportID, "processed", cp.ProcessedCount(), "total", r.total)

	return nil
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// save persists the checkpoint. Failures are logged and counted; the run
// continues with degraded resume safety.
func (r *run) save(ctx context.Context) {
	err := r.store.Save(context.WithoutCancel(ctx), r.cp)
	r.opts.Metrics.RecordCheckpointSave(ctx, err)

	if err != nil {
		r.logger.ErrorContext(ctx, "export: checkpoint save failed", "path", r.store.Path(), "error", err)
	}
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.proc.RequestShutdown()
	})
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// execute runs the prepared export to the end and releases the exporter.
func (r *run) execute(ctx context.Context) Summary {
	ctx, span := r.tracer.Start(ctx, "tonexporter.export",
		trace.WithAttributes(
			attribute.String("export.kind", string(r.kind)),
			attribute.Bool("export.deserialize", r.deserialize),
			attribute.Int("export.parallelism", r.parallelism),
			attribute.Int("packages", len(r.pending)),
		))
	defer span.End()

	unwatch := context.AfterFunc(ctx, r.e.RequestShutdown)
	defer unwatch()

	r.logger.InfoContext(ctx, "export: started",
		"kind", r.kind, "packages", r.total, "pending", len(r.pending),
		"resumed", r.resumed, "deserialize", r.deserialize, "parallelism", r.parallelism)

	rep := startReporter(ctx, r.opts.ProgressInterval, r.logger, r.progress)

	r.process(ctx)

	closeErr := r.closeSinks()
	if closeErr != nil {
		r.logger.WarnContext(ctx, "export: writer shutdown incomplete", "error", closeErr)
	}

	if !rep.shutdown(r.opts.ReporterTimeout) {
		r.logger.WarnContext(ctx, "export: reporter did not stop", "error", ErrShutdownTimeout)
	}

	r.finalize(ctx)
	r.closeCatalog()

	summary := r.summary()
	r.opts.Metrics.RecordWriter(ctx, summary.Writer.Lines, summary.Writer.IOErrors)

	span.SetAttributes(
		attribute.Int64("records.parsed", summary.Parsed),
		attribute.Int64("records.non_records", summary.NonRecords),
		attribute.Int64("records.errors", summary.Errors),
		attribute.Bool("export.completed", summary.Completed),
	)

	r.logger.InfoContext(ctx, "export: finished", "summary", summary)

	if r.onFinish != nil {
		r.onFinish(summary)
	}

	r.e.release(r, &summary)

	return summary
}

// process submits pending packages and waits for them. After a shutdown
// request the wait is bounded: PoolTimeout, then cancellation and
// PoolForceTimeout.
func (r *run) process(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	poolDone := make(chan struct{})

	go func() {
		defer close(poolDone)

		if r.opts.SharedQueue {
			_ = r.proc.ProcessAll(runCtx, r.pending, r.decode, r.consume, func(res processor.Result) {
				r.packageDone(runCtx, res)
			})

			return
		}

		r.submit(runCtx)
	}()

	select {
	case <-poolDone:
		return
	case <-r.stop:
	}

	if waitFor(poolDone, r.opts.PoolTimeout) {
		return
	}

	r.logger.WarnContext(ctx, "export: packages still running, cancelling",
		"timeout", r.opts.PoolTimeout, "error", ErrShutdownTimeout)
	cancel()

	if !waitFor(poolDone, r.opts.PoolForceTimeout) {
		r.logger.WarnContext(ctx, "export: abandoning package pool",
			"timeout", r.opts.PoolForceTimeout, "error", ErrShutdownTimeout)
	}
}

// submit runs one task per pending package on a pool of r.parallelism.
func (r *run) submit(ctx context.Context) {
	var pool errgroup.Group

	pool.SetLimit(r.parallelism)

	for _, desc := range r.pending {
		if r.stopped() || ctx.Err() != nil {
			break
		}

		pool.Go(func() error {
			if r.stopped() {
				return nil
			}

			untrack := r.opts.Metrics.TrackPackage(ctx)
			defer untrack()

			r.packageDone(ctx, r.proc.ProcessPackage(ctx, desc, r.decode, r.consume))

			return nil
		})
	}

	_ = pool.Wait()
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func (r *run) decode(raw []byte) (decoder.Record, error) {
	return r.dec.Decode(raw, decoder.Config{Deserialize: r.deserialize})
}

// consume classifies one decoded unit. Only a failure to hand a record to
// the sink is returned; it interrupts the package.
func (r *run) consume(ctx context.Context, out processor.Outcome) error {
	c := r.counts[out.Record.ArchiveKey]
	rec := out.Record

	switch {
	case out.Err != nil:
		r.recordError(ctx, c, rec, out.Err)

		return nil
	case !rec.Recognized:
		c.nonRecords.Add(1)
		r.e.nonRecords.Add(1)

		return nil
	case r.deserialize && rec.Decoded == nil:
		r.recordError(ctx, c, rec, rec.DeserializeErr)

		return nil
	}

	err := r.sink.emit(ctx, rec)
	if errors.Is(err, errUnformattableRecord) {
		r.recordError(ctx, c, rec, err)

		return nil
	}

	if err != nil {
		return err
	}

	c.parsed.Add(1)
	r.e.parsed.Add(1)

	return nil
}

func (r *run) recordError(ctx context.Context, c *packageCounts, rec decoder.Record, cause error) {
	c.errors.Add(1)
	r.e.errors.Add(1)

	r.logger.DebugContext(ctx, "export: entry not decoded",
		"package", rec.ArchiveKey, "block", rec.BlockKey, "error", cause)

	if r.errFile == nil {
		return
	}

	err := r.errFile.Append(rec.Raw)
	if err != nil {
		r.logger.WarnContext(ctx, "export: error file append failed", "path", r.errFile.Path(), "error", err)
	}
}

// packageDone checkpoints a finished package. Interrupted packages are left
// for the next run.
func (r *run) packageDone(ctx context.Context, res processor.Result) {
	key := res.Package.Key
	c := r.counts[key]

	r.sink.packageDone()
	r.opts.Metrics.RecordRecords(ctx, c.parsed.Load(), c.nonRecords.Load(), c.errors.Load())

	if res.Interrupted {
		r.opts.Metrics.RecordPackage(ctx, observability.PackageInterrupted, res.Duration)
		r.logger.InfoContext(ctx, "export: package interrupted", "package", key, "units", res.Units)

		return
	}

	status := observability.PackageProcessed
	if res.ExtractErr != nil {
		status = observability.PackageFailed
	}

	r.opts.Metrics.RecordPackage(ctx, status, res.Duration)

	r.cp.MarkProcessed(key, uint64(c.parsed.Load()), uint64(c.nonRecords.Load()), uint64(c.errors.Load()))
	r.sessionPackages.Add(1)
	r.save(ctx)

	r.logger.DebugContext(ctx, "export: package done",
		"package", key, "units", res.Units, "duration", res.Duration,
		"parsed", c.parsed.Load(), "errors", c.errors.Load())

	if r.opts.OnPackageDone != nil {
		r.opts.OnPackageDone(key)
	}
}

func (r *run) closeSinks() error {
	var errs []error

	if r.sink != nil {
		errs = append(errs, r.sink.close())
	}

	if r.errFile != nil {
		errs = append(errs, r.errFile.Close())
	}

	return errors.Join(errs...)
}

// finalize marks the checkpoint completed and removes it when every package
// was processed without a shutdown request; otherwise it is kept for resume.
func (r *run) finalize(ctx context.Context) {
	if !r.stopped() && r.cp.AllProcessed() {
		r.cp.MarkCompleted()
		r.save(ctx)

		err := r.store.Delete()
		if err != nil {
			r.logger.ErrorContext(ctx, "export: checkpoint delete failed", "path", r.store.Path(), "error", err)
		}

		return
	}

	r.save(ctx)

	s := r.cp.Snapshot()
	r.logger.InfoContext(ctx, "export: checkpoint kept for resume",
		"path", r.store.Path(), "processed", s.ProcessedCount, "total", s.TotalPackages,
		"shutdown", r.stopped())
}

// abort releases a prepared run that could not start.
func (r *run) abort() {
	r.closeCatalog()
	r.e.release(r, nil)
}

func (r *run) closeCatalog() {
	if !r.ownCatalog || r.catalog == nil {
		return
	}

	err := r.catalog.Close()
	if err != nil {
		r.logger.Warn("export: catalog close failed", "error", err)
	}
}

func (r *run) progress() progressSample {
	return progressSample{
		elapsed:         time.Since(r.start),
		sessionPackages: r.sessionPackages.Load(),
		sessionRecords:  r.e.parsed.Load() - r.startParsed,
		processed:       r.cp.ProcessedCount(),
		total:           r.total,
	}
}

func (r *run) summary() Summary {
	s := r.cp.Snapshot()

	sum := Summary{
		Parsed:            r.e.parsed.Load(),
		NonRecords:        r.e.nonRecords.Load(),
		Errors:            r.e.errors.Load(),
		ProcessedPackages: s.ProcessedCount,
		TotalPackages:     s.TotalPackages,
		SessionPackages:   r.sessionPackages.Load(),
		Resumed:           r.resumed,
		Completed:         s.Completed,
		Interrupted:       r.stopped(),
		Duration:          time.Since(r.start),
		Decoder:           r.dec.Stats(),
	}

	if r.sink != nil {
		sum.Writer = r.sink.stats()
	}

	return sum
}

// absTarget cleans an output path so resume compares stable values.
func absTarget(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve output path: %w", err)
	}

	return abs, nil
}
