package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type getter interface {
	Get(ctx context.Context, key string, produce Producer[string, int]) (int, error)
	Len() int
}

func caches(t *testing.T) map[string]getter {
	exp := NewExpiring[string, int](time.Hour)
	exp.Start()
	t.Cleanup(exp.Stop)
	return map[string]getter{
		"lru":      NewCache[string, int](16),
		"expiring": exp,
	}
}

func TestAtMostOneProducer(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			var runs atomic.Int32
			release := make(chan struct{})
			produce := func(ctx context.Context, key string) (int, error) {
				runs.Add(1)
				<-release
				return 42, nil
			}

			const callers = 50
			var wg sync.WaitGroup
			results := make([]int, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					v, err := c.Get(context.Background(), "k", produce)
					assert.NoError(t, err)
					results[i] = v
				}(i)
			}

			// Let callers pile up on the pending cell before releasing it.
			time.Sleep(20 * time.Millisecond)
			close(release)
			wg.Wait()

			assert.Equal(t, int32(1), runs.Load())
			for _, v := range results {
				assert.Equal(t, 42, v)
			}

			// Resolved entries are returned without running again.
			v, err := c.Get(context.Background(), "k", produce)
			require.NoError(t, err)
			assert.Equal(t, 42, v)
			assert.Equal(t, int32(1), runs.Load())
			assert.Equal(t, 1, c.Len())
		})
	}
}

func TestFailureIsNotCached(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			var runs atomic.Int32
			produce := func(ctx context.Context, key string) (int, error) {
				if runs.Add(1) == 1 {
					return 0, boom
				}
				return 7, nil
			}

			_, err := c.Get(context.Background(), "k", produce)
			require.ErrorIs(t, err, boom)
			assert.Equal(t, 0, c.Len())

			v, err := c.Get(context.Background(), "k", produce)
			require.NoError(t, err)
			assert.Equal(t, 7, v)
			assert.Equal(t, int32(2), runs.Load())
		})
	}
}

func TestPanickingProducerFailsWaiters(t *testing.T) {
	for name, c := range caches(t) {
		t.Run(name, func(t *testing.T) {
			var runs atomic.Int32
			produce := func(ctx context.Context, key string) (int, error) {
				if runs.Add(1) == 1 {
					panic("renderer exploded")
				}
				return 3, nil
			}

			_, err := c.Get(context.Background(), "k", produce)
			require.ErrorIs(t, err, ErrPanic)
			assert.Contains(t, err.Error(), "renderer exploded")
			assert.Equal(t, 0, c.Len())

			v, err := c.Get(context.Background(), "k", produce)
			require.NoError(t, err)
			assert.Equal(t, 3, v)
		})
	}
}

func TestCallerCancelDoesNotCancelProducer(t *testing.T) {
	c := NewCache[string, int](0)
	release := make(chan struct{})
	var runs atomic.Int32
	produce := func(ctx context.Context, key string) (int, error) {
		runs.Add(1)
		select {
		case <-release:
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Get(ctx, "k", produce)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	v, err := c.Get(context.Background(), "k", produce)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[string, int](2)
	var runs atomic.Int32
	produce := func(ctx context.Context, key string) (int, error) {
		runs.Add(1)
		return len(key), nil
	}
	ctx := context.Background()

	for _, k := range []string{"a", "bb", "a", "ccc"} {
		_, err := c.Get(ctx, k, produce)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 2, c.Len())

	// "bb" was the least recently used entry.
	_, err := c.Get(ctx, "bb", produce)
	require.NoError(t, err)
	assert.Equal(t, int32(4), runs.Load())

	c.Forget("ccc")
	_, err = c.Get(ctx, "ccc", produce)
	require.NoError(t, err)
	assert.Equal(t, int32(5), runs.Load())
}

func TestExpiringForgetsAfterDelay(t *testing.T) {
	e := NewExpiring[string, int](30 * time.Millisecond)
	e.Start()
	defer e.Stop()

	var runs atomic.Int32
	produce := func(ctx context.Context, key string) (int, error) {
		return int(runs.Add(1)), nil
	}
	ctx := context.Background()

	v, err := e.Get(ctx, "k", produce)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = e.Get(ctx, "k", produce)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.Eventually(t, func() bool {
		v, err := e.Get(ctx, "k", produce)
		return err == nil && v > 1
	}, time.Second, 10*time.Millisecond)
}
