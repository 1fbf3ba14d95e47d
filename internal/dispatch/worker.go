package dispatch

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync"
	"sync/atomic"

	"github.com/rendis/enact/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Dropped   int64 `json:"dropped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = schema.NewError(schema.ErrCodePoolShutdown, "worker pool is shut down")

type poolTask struct {
	ctx     context.Context
	name    string
	fn      func(ctx context.Context) error
	onFault func(error)
}

// WorkerPool is a bounded goroutine pool serving activity worker requests.
// At most size tasks run at once; the rest wait in FIFO order and are
// picked up by the next worker to finish. Submit never blocks.
type WorkerPool struct {
	size    int
	wg      sync.WaitGroup
	metrics PoolMetrics

	mu      sync.Mutex
	running int
	queue   []*poolTask
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{size: size}
}

// Submit runs fn on a pooled goroutine labelled with name, or queues it when
// the pool is at capacity. An error returned by fn, or a panic escaping it,
// is handed to onFault.
func (p *WorkerPool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error, onFault func(error)) error {
	t := &poolTask{ctx: ctx, name: name, fn: fn, onFault: onFault}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if p.running >= p.size {
		p.queue = append(p.queue, t)
		atomic.AddInt64(&p.metrics.Queued, 1)
		p.mu.Unlock()
		return nil
	}
	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.running++
	p.wg.Add(1)
	p.mu.Unlock()

	go p.work(t)
	return nil
}

// work runs t, then keeps draining the queue until it is empty.
func (p *WorkerPool) work(t *poolTask) {
	defer p.wg.Done()
	for t != nil {
		p.run(t)
		t = p.next()
	}
}

func (p *WorkerPool) next() *poolTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		p.running--
		return nil
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	atomic.AddInt64(&p.metrics.Queued, -1)
	return t
}

func (p *WorkerPool) run(t *poolTask) {
	atomic.AddInt64(&p.metrics.Active, 1)
	pprof.Do(t.ctx, pprof.Labels("worker", t.name), func(ctx context.Context) {
		var err error
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				err = schema.NewErrorf(schema.ErrCodeInvocation, "worker %s panicked: %v", t.name, r)
			}
			if err != nil {
				atomic.AddInt64(&p.metrics.Failed, 1)
				if t.onFault != nil {
					t.onFault(err)
				}
			} else {
				atomic.AddInt64(&p.metrics.Completed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
		}()

		err = t.fn(ctx)
	})
}

// Wait blocks until all submitted work, queued work included, completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, discards queued tasks and waits for
// running work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := int64(len(p.queue))
	p.queue = nil
	atomic.AddInt64(&p.metrics.Queued, -dropped)
	atomic.AddInt64(&p.metrics.Dropped, dropped)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Dropped:   atomic.LoadInt64(&p.metrics.Dropped),
	}
}

func (m PoolMetrics) String() string {
	return fmt.Sprintf("active=%d queued=%d completed=%d failed=%d panics=%d dropped=%d",
		m.Active, m.Queued, m.Completed, m.Failed, m.Panics, m.Dropped)
}
