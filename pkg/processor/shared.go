package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/workqueue"
)

// packageTracker follows one package through the shared queue. The package
// is done once extraction finished and every extracted unit was consumed.
type packageTracker struct {
	desc    archive.PackageDescriptor
	start   time.Time
	pending atomic.Int64
	units   atomic.Int64

	extracted  atomic.Bool
	aborted    atomic.Bool
	extractErr error
	once       sync.Once
}

func (tr *packageTracker) maybeFinish(done func(Result)) {
	if !tr.extracted.Load() || tr.pending.Load() != 0 {
		return
	}

	tr.finish(done)
}

func (tr *packageTracker) finish(done func(Result)) {
	tr.once.Do(func() {
		interrupted := tr.aborted.Load() || !tr.extracted.Load() || tr.pending.Load() != 0

		done(Result{
			Package:     tr.desc,
			Units:       tr.units.Load(),
			Duration:    time.Since(tr.start),
			ExtractErr:  tr.extractErr,
			Interrupted: interrupted,
		})
	})
}

type sharedUnit struct {
	unit    WorkUnit
	tracker *packageTracker
}

// ProcessAll extracts every package concurrently into one shared queue
// drained by a single worker pool. done is called exactly once per package,
// as soon as that package is finished, or with Interrupted set when the run
// stopped first. Output order across packages is unspecified.
func (p *Processor) ProcessAll(
	ctx context.Context,
	descs []archive.PackageDescriptor,
	decode DecodeFunc,
	consume ConsumeFunc,
	done func(Result),
) error {
	ctx, span := p.tracer.Start(ctx, "tonexporter.shared_queue",
		trace.WithAttributes(attribute.Int("packages", len(descs))))
	defer span.End()

	runCtx, cancel := p.watchShutdown(ctx)
	defer cancel()

	q := workqueue.New[sharedUnit](p.cfg.QueueCapacity)

	trackers := make([]*packageTracker, len(descs))
	for i, desc := range descs {
		trackers[i] = &packageTracker{desc: desc, start: time.Now()}
	}

	var workers errgroup.Group

	for range p.cfg.Workers {
		workers.Go(func() error {
			p.drainShared(runCtx, cancel, q, decode, consume, done)

			return nil
		})
	}

	var extractors errgroup.Group

	limit := p.cfg.Extractors
	if limit <= 0 {
		limit = max(len(descs), 1)
	}

	extractors.SetLimit(limit)

	for _, tr := range trackers {
		if p.ShutdownRequested() || runCtx.Err() != nil {
			break
		}

		extractors.Go(func() error {
			p.extractShared(runCtx, tr, q, done)

			return nil
		})
	}

	_ = extractors.Wait()

	q.Close()

	_ = workers.Wait()

	for _, tr := range trackers {
		tr.finish(done)
	}

	return ctx.Err()
}

func (p *Processor) extractShared(
	ctx context.Context, tr *packageTracker, q *workqueue.Queue[sharedUnit], done func(Result),
) {
	err := p.extract(ctx, tr.desc, func(unit WorkUnit) error {
		tr.pending.Add(1)

		putErr := q.Put(ctx, sharedUnit{unit: unit, tracker: tr})
		if putErr != nil {
			tr.pending.Add(-1)
		}

		return putErr
	})

	switch {
	case err == nil:
	case errors.Is(err, errStopped) || ctx.Err() != nil:
		tr.aborted.Store(true)

		return
	default:
		tr.extractErr = err
	}

	tr.extracted.Store(true)
	tr.maybeFinish(done)
}

func (p *Processor) drainShared(
	ctx context.Context,
	stop context.CancelFunc,
	q *workqueue.Queue[sharedUnit],
	decode DecodeFunc,
	consume ConsumeFunc,
	done func(Result),
) {
	for {
		item, state := poll(ctx, p, q, p.cfg.SharedPollTimeout)
		if state != pollGot {
			return
		}

		consumeErr := p.handle(ctx, item.unit, decode, consume)
		if consumeErr != nil {
			item.tracker.aborted.Store(true)
			item.tracker.pending.Add(-1)
			stop()

			return
		}

		item.tracker.units.Add(1)
		item.tracker.pending.Add(-1)
		item.tracker.maybeFinish(done)
	}
}
