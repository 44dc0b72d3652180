package exporter

import (
	"context"
	"iter"
	"sync"

	"github.com/Sumatoshi-tech/tonexporter/pkg/checkpoint"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
)

// Sequence is a pull-based export of recognized records. Processing only
// advances as records are taken. It owns its package pool until it is
// exhausted or closed; packages are checkpointed as in a file export.
type Sequence struct {
	run     *run
	records chan decoder.Record
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	summary Summary
}

// ExportToObjects starts an export whose records are delivered through the
// returned Sequence. The caller must drain or Close it.
func (e *Exporter) ExportToObjects(ctx context.Context, deserialize bool, parallelism int) (*Sequence, error) {
	r, err := e.begin(ctx, checkpoint.KindObjects, "", deserialize, parallelism)
	if err != nil {
		return nil, err
	}

	s := &Sequence{
		run:     r,
		records: make(chan decoder.Record),
		closed:  make(chan struct{}),
	}

	r.sink = objectSink{records: s.records, closed: s.closed}
	r.onFinish = func(summary Summary) {
		s.mu.Lock()
		s.summary = summary
		s.mu.Unlock()
	}

	go r.execute(ctx)

	return s, nil
}

// Next returns the next record. ok is false once the export finished or
// the sequence was closed.
func (s *Sequence) Next(ctx context.Context) (rec decoder.Record, ok bool, err error) {
	select {
	case rec = <-s.records:
		return rec, true, nil
	case <-s.run.finished:
		return decoder.Record{}, false, nil
	case <-s.closed:
		return decoder.Record{}, false, nil
	case <-ctx.Done():
		return decoder.Record{}, false, ctx.Err()
	}
}

// All iterates the remaining records. Breaking out of the loop closes the
// sequence.
func (s *Sequence) All() iter.Seq2[decoder.Record, error] {
	return func(yield func(decoder.Record, error) bool) {
		for {
			rec, ok, err := s.Next(context.Background())
			if err != nil {
				yield(decoder.Record{}, err)

				return
			}

			if !ok {
				return
			}

			if !yield(rec, nil) {
				_ = s.Close()

				return
			}
		}
	}
}

// Close stops the export if it is still running and waits for its pool,
// then returns. Unfinished packages stay in the checkpoint for resume.
func (s *Sequence) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.run.requestStop()
	})

	<-s.run.finished

	return nil
}

// Done is closed when the export behind the sequence has finished.
func (s *Sequence) Done() <-chan struct{} {
	return s.run.finished
}

// Summary returns the final counts once the sequence finished, or the live
// counts before that.
func (s *Sequence) Summary() Summary {
	select {
	case <-s.run.finished:
	default:
		return s.run.summary()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.summary
}
