package bot

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// lanes runs jobs one at a time per user, in submission order. Different
// users run concurrently up to the semaphore's weight. A lane's goroutine
// exits as soon as its queue is empty.
//
// Cancelling the submit context drops queued jobs. A job that has already
// started runs on a context detached from that cancellation and bounded by
// timeout instead.
type lanes struct {
	mu      sync.Mutex
	queues  map[int64][]func(context.Context)
	sem     *semaphore.Weighted
	timeout time.Duration
	wg      sync.WaitGroup
}

func newLanes(maxConcurrent int64, timeout time.Duration) *lanes {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &lanes{
		queues:  map[int64][]func(context.Context){},
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
	}
}

// submit queues job on userID's lane, starting the lane if it is idle.
func (l *lanes) submit(ctx context.Context, userID int64, job func(context.Context)) {
	l.mu.Lock()
	q, running := l.queues[userID]
	l.queues[userID] = append(q, job)
	if running {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()
	go l.drain(ctx, userID)
}

func (l *lanes) drain(ctx context.Context, userID int64) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[userID]
		if len(q) == 0 {
			delete(l.queues, userID)
			l.mu.Unlock()
			return
		}
		job := q[0]
		l.queues[userID] = q[1:]
		l.mu.Unlock()

		if ctx.Err() != nil || l.sem.Acquire(ctx, 1) != nil {
			// Shutting down: drop whatever is still queued.
			l.mu.Lock()
			delete(l.queues, userID)
			l.mu.Unlock()
			return
		}
		l.run(ctx, job)
		l.sem.Release(1)
	}
}

func (l *lanes) run(ctx context.Context, job func(context.Context)) {
	jobCtx := context.WithoutCancel(ctx)
	if l.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, l.timeout)
		defer cancel()
	}
	job(jobCtx)
}

// active reports how many lanes currently have a goroutine.
func (l *lanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

// wait blocks until every lane has exited.
func (l *lanes) wait() {
	l.wg.Wait()
}
