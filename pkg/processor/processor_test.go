package processor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tonexporter/internal/fixture"
	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
	"github.com/Sumatoshi-tech/tonexporter/pkg/processor"
)

type counts struct {
	parsed, nonRecords, errors atomic.Int64
	keys                       sync.Map
}

func (c *counts) consume(_ context.Context, out processor.Outcome) error {
	switch {
	case out.Err != nil:
		c.errors.Add(1)
	case out.Record.Recognized:
		c.parsed.Add(1)
	default:
		c.nonRecords.Add(1)
	}

	c.keys.Store(out.Record.BlockKey, out.Record.ArchiveKey)

	return nil
}

func openCatalog(t *testing.T, pkgs ...fixture.Package) (*archive.DirCatalog, []archive.PackageDescriptor) {
	t.Helper()

	cat, err := archive.OpenDir(fixture.WriteDB(t, pkgs...))
	require.NoError(t, err)

	descs, err := cat.Packages(context.Background())
	require.NoError(t, err)

	return cat, descs
}

func decodeFunc() processor.DecodeFunc {
	d := decoder.New(nil)

	return func(raw []byte) (decoder.Record, error) {
		return d.Decode(raw, decoder.Config{})
	}
}

func TestProcessPackage_CountsEveryUnit(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t, fixture.Package{Name: "archive.00000", Blocks: 10, Malformed: 2, Foreign: 3})

	p := processor.New(cat, processor.Config{Workers: 4, QueueCapacity: 2})

	var c counts

	res := p.ProcessPackage(context.Background(), descs[0], decodeFunc(), c.consume)

	assert.Equal(t, int64(15), res.Units)
	assert.False(t, res.Interrupted)
	require.NoError(t, res.ExtractErr)
	assert.Equal(t, int64(10), c.parsed.Load())
	assert.Equal(t, int64(3), c.nonRecords.Load())
	assert.Equal(t, int64(2), c.errors.Load())

	archiveKey, ok := c.keys.Load("bad0")
	require.True(t, ok)
	assert.Equal(t, "arch0000/archive.00000", archiveKey)
}

func TestProcessPackage_EmptyPackage(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t, fixture.Package{Name: "archive.00000"})

	p := processor.New(cat, processor.Config{Workers: 2})

	var c counts

	res := p.ProcessPackage(context.Background(), descs[0], decodeFunc(), c.consume)
	assert.Zero(t, res.Units)
	assert.False(t, res.Interrupted)
}

type brokenCatalog struct {
	archive.Catalog
	yieldBefore int
}

var errDisk = errors.New("disk on fire")

func (b brokenCatalog) Entries(ctx context.Context, desc archive.PackageDescriptor, yield func(archive.Entry) error) error {
	n := 0

	err := b.Catalog.Entries(ctx, desc, func(e archive.Entry) error {
		if n == b.yieldBefore {
			return errDisk
		}

		n++

		return yield(e)
	})

	return err
}

func TestProcessPackage_ExtractionErrorDegrades(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t, fixture.Package{Name: "archive.00000", Blocks: 5})

	p := processor.New(brokenCatalog{Catalog: cat, yieldBefore: 2}, processor.Config{Workers: 2})

	var c counts

	res := p.ProcessPackage(context.Background(), descs[0], decodeFunc(), c.consume)

	require.ErrorIs(t, res.ExtractErr, processor.ErrExtraction)
	require.ErrorIs(t, res.ExtractErr, errDisk)
	assert.False(t, res.Interrupted)
	assert.Equal(t, int64(2), res.Units)
}

func TestProcessPackage_ShutdownInterrupts(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t, fixture.Package{Name: "archive.00000", Blocks: 50})

	p := processor.New(cat, processor.Config{Workers: 1, QueueCapacity: 1, PollTimeout: 5 * time.Millisecond})

	var seen atomic.Int64

	res := p.ProcessPackage(context.Background(), descs[0], decodeFunc(),
		func(context.Context, processor.Outcome) error {
			if seen.Add(1) == 3 {
				p.RequestShutdown()
			}

			return nil
		})

	assert.True(t, p.ShutdownRequested())
	assert.True(t, res.Interrupted)
	assert.Less(t, res.Units, int64(50))
}

func TestProcessPackage_ConsumeErrorStops(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t, fixture.Package{Name: "archive.00000", Blocks: 20})

	p := processor.New(cat, processor.Config{Workers: 2, QueueCapacity: 1})

	res := p.ProcessPackage(context.Background(), descs[0], decodeFunc(),
		func(context.Context, processor.Outcome) error {
			return errors.New("consumer gone")
		})

	assert.True(t, res.Interrupted)
	assert.Zero(t, res.Units)
	assert.False(t, p.ShutdownRequested())
}

func TestProcessAll_SharedQueue(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t,
		fixture.Package{Name: "archive.00000", Blocks: 10, Malformed: 2},
		fixture.Package{Name: "archive.00001"},
		fixture.Package{Name: "archive.00002", Blocks: 5, Indexed: true},
	)

	p := processor.New(cat, processor.Config{Workers: 3, Extractors: 2, QueueCapacity: 4})

	var (
		c       counts
		mu      sync.Mutex
		results = make(map[string]processor.Result)
	)

	err := p.ProcessAll(context.Background(), descs, decodeFunc(), c.consume, func(res processor.Result) {
		mu.Lock()
		defer mu.Unlock()

		_, dup := results[res.Package.Key]
		assert.False(t, dup, "package reported twice: %s", res.Package.Key)

		results[res.Package.Key] = res
	})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, int64(12), results["arch0000/archive.00000"].Units)
	assert.Zero(t, results["arch0000/archive.00001"].Units)
	assert.Equal(t, int64(5), results["arch0000/archive.00002"].Units)

	for _, res := range results {
		assert.False(t, res.Interrupted, res.Package.Key)
	}

	assert.Equal(t, int64(15), c.parsed.Load())
	assert.Equal(t, int64(2), c.errors.Load())
}

func TestProcessAll_ShutdownBeforeStart(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t,
		fixture.Package{Name: "archive.00000", Blocks: 3},
		fixture.Package{Name: "archive.00001", Blocks: 3},
	)

	p := processor.New(cat, processor.Config{Workers: 2})
	p.RequestShutdown()

	var interrupted atomic.Int64

	var c counts

	err := p.ProcessAll(context.Background(), descs, decodeFunc(), c.consume, func(res processor.Result) {
		if res.Interrupted {
			interrupted.Add(1)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), interrupted.Load())
}

func TestProcessPackage_AlreadyShutDown(t *testing.T) {
	t.Parallel()

	cat, descs := openCatalog(t, fixture.Package{Name: "archive.00000", Blocks: 3})

	p := processor.New(cat, processor.Config{Workers: 2})
	p.RequestShutdown()

	var c counts

	res := p.ProcessPackage(context.Background(), descs[0], decodeFunc(), c.consume)
	assert.True(t, res.Interrupted)
	assert.Zero(t, res.Units)
	assert.Zero(t, c.parsed.Load())
}
