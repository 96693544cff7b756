package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsUpToConcurrencyLimit(t *testing.T) {
	q := New(Config{MaxConcurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var running int32
	var maxObserved int32
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		q.Enqueue(&Task{Path: "f", Run: func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}})
	}

	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2))
}

func TestQueue_DefaultsConcurrencyWhenUnset(t *testing.T) {
	q := New(Config{})
	assert.Equal(t, DefaultMaxConcurrency, cap(q.sem))
}

func TestQueue_RunsAllEnqueuedTasks(t *testing.T) {
	q := New(Config{MaxConcurrency: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var completed int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		q.Enqueue(&Task{Path: "f", Run: func(ctx context.Context) error {
			defer wg.Done()
			atomic.AddInt32(&completed, 1)
			return nil
		}})
	}
	wg.Wait()
	assert.Equal(t, int32(10), atomic.LoadInt32(&completed))
}

func TestRateLimiter_ThrottlesOverBudget(t *testing.T) {
	q := New(Config{MaxConcurrency: 1, MaxUploadMbps: 8}) // 1 MiB/s budget
	ctx := context.Background()

	start := time.Now()
	q.ReserveBytes(ctx, 1024*1024) // fills the window
	q.ReserveBytes(ctx, 1024*1024) // must wait out the rest of the second
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
}

func TestRateLimiter_NoLimiterNeverBlocks(t *testing.T) {
	q := New(Config{MaxConcurrency: 1})
	ctx := context.Background()

	start := time.Now()
	q.ReserveBytes(ctx, 1024*1024*1024)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestQueue_StopWaitsForInFlightTasks(t *testing.T) {
	q := New(Config{MaxConcurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var finished int32
	q.Enqueue(&Task{Path: "f", Run: func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil
	}})

	time.Sleep(5 * time.Millisecond)
	q.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}
