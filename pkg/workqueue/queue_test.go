package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestQueue_NoLossUnderBackpressure(t *testing.T) {
	t.Parallel()

	const (
		capacity  = 8
		produced  = 5000
		consumers = 4
	)

	q := New[int](capacity)

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)

	var g errgroup.Group

	for range consumers {
		g.Go(func() error {
			for {
				v, err := q.Take(context.Background())
				if errors.Is(err, ErrClosed) {
					return nil
				}

				if err != nil {
					return err
				}

				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		})
	}

	for i := range produced {
		require.NoError(t, q.Put(context.Background(), i))
	}

	q.Close()
	require.NoError(t, g.Wait())

	require.Len(t, seen, produced)

	for v, n := range seen {
		assert.Equal(t, 1, n, "value %d", v)
	}

	stats := q.Stats()
	assert.Equal(t, int64(produced), stats.Queued)
	assert.Equal(t, int64(produced), stats.Dequeued)
	assert.LessOrEqual(t, stats.MaxDepth, int64(capacity))
	assert.LessOrEqual(t, stats.Utilization, 1.0)
}

func TestQueue_PutBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := New[int](1)
	require.NoError(t, q.Put(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Put(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseBroadcastsOncePerTake(t *testing.T) {
	t.Parallel()

	q := New[string](4)
	require.NoError(t, q.Put(context.Background(), "a"))
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	require.ErrorIs(t, q.Put(context.Background(), "b"), ErrClosed)

	v, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	var terminated atomic.Int32

	var g errgroup.Group

	for range 3 {
		g.Go(func() error {
			_, takeErr := q.Take(context.Background())
			if errors.Is(takeErr, ErrClosed) {
				terminated.Add(1)
			}

			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(3), terminated.Load())
}

func TestQueue_TakeTimeout(t *testing.T) {
	t.Parallel()

	q := New[int](1)

	_, err := q.TakeTimeout(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, q.Put(context.Background(), 5))

	v, err := q.TakeTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestQueue_DefaultCapacity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultCapacity, New[int](0).Cap())
}
