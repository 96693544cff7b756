// Package transfer implements the bounded-concurrency queue that every
// upload and download passes through: a fixed number of transfers run at
// once, admission is first-in-first-out, and an optional rate limiter
// throttles aggregate throughput.
package transfer

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxConcurrency caps simultaneous transfers absent an override.
const DefaultMaxConcurrency = 4

// Task is one unit of work submitted to the queue. Run is invoked once a
// concurrency slot is free; it should itself poll ctx and return promptly
// on cancellation.
type Task struct {
	Path string
	Run  func(ctx context.Context) error
}

// Config controls queue admission and throughput.
type Config struct {
	MaxConcurrency int
	// MaxUploadMbps caps aggregate throughput across all running
	// transfers. Zero means unlimited.
	MaxUploadMbps float64
}

// Queue admits tasks FIFO and runs up to MaxConcurrency of them at once.
type Queue struct {
	sem     chan struct{}
	limiter *rateLimiter

	mu      sync.Mutex
	pending []*Task
	wg      sync.WaitGroup

	started bool
	stopCh  chan struct{}
	notify  chan struct{}
}

// New constructs a Queue from cfg, applying DefaultMaxConcurrency when
// MaxConcurrency is zero or negative.
func New(cfg Config) *Queue {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}

	var limiter *rateLimiter
	if cfg.MaxUploadMbps > 0 {
		limiter = newRateLimiter(cfg.MaxUploadMbps)
	}

	return &Queue{
		sem:     make(chan struct{}, concurrency),
		limiter: limiter,
		stopCh:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop; it is a no-op if already started.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.dispatchLoop(ctx)
}

// Stop waits for in-flight tasks to finish and halts dispatch of new
// ones. Already-enqueued-but-not-started tasks are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

// Enqueue appends task to the FIFO tail. It returns immediately; task.Run
// executes asynchronously once a concurrency slot is available.
func (q *Queue) Enqueue(task *Task) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PendingCount reports how many tasks are queued but not yet running.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		for {
			task := q.popNext()
			if task == nil {
				break
			}
			q.runTask(ctx, task)
		}
	}
}

func (q *Queue) popNext() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	return task
}

func (q *Queue) runTask(ctx context.Context, task *Task) {
	select {
	case q.sem <- struct{}{}:
	case <-q.stopCh:
		return
	case <-ctx.Done():
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()
		_ = task.Run(ctx)
	}()
}

// rateLimiter is a coarse per-second token bucket: every running transfer
// consults it once before starting its unit of work, and any transfer
// that would exceed the second's budget sleeps for the remainder of that
// second before proceeding.
type rateLimiter struct {
	mu          sync.Mutex
	maxBytesSec float64
	windowStart time.Time
	usedBytes   float64
}

func newRateLimiter(maxMbps float64) *rateLimiter {
	return &rateLimiter{
		maxBytesSec: maxMbps * 1024 * 1024 / 8,
		windowStart: time.Now(),
	}
}

// ReserveBytes blocks until the current one-second window has room for n
// bytes, resetting the window and sleeping out the remainder of the
// second when the budget is already spent. A reservation larger than a
// whole second's budget is admitted once it finds the window empty.
func (r *rateLimiter) ReserveBytes(ctx context.Context, n int64) {
	for {
		r.mu.Lock()
		now := time.Now()
		if now.Sub(r.windowStart) >= time.Second {
			r.windowStart = now
			r.usedBytes = 0
		}
		if r.usedBytes == 0 || r.usedBytes+float64(n) <= r.maxBytesSec || r.maxBytesSec <= 0 {
			r.usedBytes += float64(n)
			r.mu.Unlock()
			return
		}
		remaining := time.Second - now.Sub(r.windowStart)
		r.mu.Unlock()

		if remaining <= 0 {
			continue
		}
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return
		}
	}
}

// ReserveBytes exposes rate limiting to callers that know the size of the
// unit of work about to run, e.g. a transfer about to read a file chunk.
func (q *Queue) ReserveBytes(ctx context.Context, n int64) {
	if q.limiter == nil {
		return
	}
	q.limiter.ReserveBytes(ctx, n)
}
