package server

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/muurk/espctl/internal/metrics"
)

// pool runs device loops with a fixed number of slots. Submitting never
// blocks; tasks beyond capacity wait for a slot.
type pool struct {
	sem     *semaphore.Weighted
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func newPool(size int, m *metrics.Metrics) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{
		sem:     semaphore.NewWeighted(int64(size)),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// submit schedules task. The context passed to task is cancelled by stop.
// A task whose slot wait is cancelled still runs, with the cancelled
// context, so it can release what it holds.
func (p *pool) submit(task func(ctx context.Context)) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		task(p.ctx)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.Waiting(1)
	go func() {
		defer p.wg.Done()

		err := p.sem.Acquire(p.ctx, 1)
		p.metrics.Waiting(-1)
		if err != nil {
			task(p.ctx)
			return
		}
		defer p.sem.Release(1)
		task(p.ctx)
	}()
}

// stop cancels every running and waiting task.
func (p *pool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
}

// wait blocks until every submitted task has returned or ctx is done.
func (p *pool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
