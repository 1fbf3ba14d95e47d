package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs tasks after a delay. Retry uses it for backoff so the delay
// math stays pure and tests can drive time by hand.
type Scheduler interface {
	// Schedule runs task once delay has elapsed. The returned function
	// cancels the task and reports whether it was still pending.
	Schedule(delay time.Duration, task func()) (cancel func() bool)
	// Stop discards pending tasks. Schedule after Stop is a no-op.
	Stop()
}

type timerTask struct {
	at    time.Time
	seq   uint64
	task  func()
	index int
}

type deadlineHeap []*timerTask

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	t := x.(*timerTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerQueue is a monotonic deadline heap serviced by one goroutine. Due
// tasks run on their own goroutines so a slow task never delays the queue.
type TimerQueue struct {
	mu      sync.Mutex
	tasks   deadlineHeap
	seq     uint64
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewTimerQueue starts the service goroutine.
func NewTimerQueue() *TimerQueue {
	q := &TimerQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *TimerQueue) Schedule(delay time.Duration, task func()) func() bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return func() bool { return false }
	}
	q.seq++
	t := &timerTask{at: time.Now().Add(delay), seq: q.seq, task: task}
	heap.Push(&q.tasks, t)
	first := t.index == 0
	q.mu.Unlock()

	if first {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return func() bool { return q.cancel(t) }
}

func (q *TimerQueue) cancel(t *timerTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 || t.index >= len(q.tasks) || q.tasks[t.index] != t {
		return false
	}
	heap.Remove(&q.tasks, t.index)
	return true
}

// Len returns the number of pending tasks.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *TimerQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.tasks = nil
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *TimerQueue) loop() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var due []*timerTask
		wait := time.Hour

		q.mu.Lock()
		now := time.Now()
		for len(q.tasks) > 0 && !q.tasks[0].at.After(now) {
			due = append(due, heap.Pop(&q.tasks).(*timerTask))
		}
		if len(q.tasks) > 0 {
			wait = q.tasks[0].at.Sub(now)
		}
		q.mu.Unlock()

		for _, t := range due {
			go t.task()
		}

		timer.Reset(wait)
		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// ManualScheduler is a Scheduler whose clock only moves when Advance is
// called. Tasks run synchronously inside Advance, in deadline order.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	tasks   deadlineHeap
	stopped bool
	fired   []time.Duration
}

// NewManualScheduler returns a scheduler at virtual time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (m *ManualScheduler) Schedule(delay time.Duration, task func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return func() bool { return false }
	}
	m.seq++
	t := &timerTask{at: time.Unix(0, 0).Add(m.now + delay), seq: m.seq, task: task}
	heap.Push(&m.tasks, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.index < 0 || t.index >= len(m.tasks) || m.tasks[t.index] != t {
			return false
		}
		heap.Remove(&m.tasks, t.index)
		return true
	}
}

// Advance moves the clock forward by d, running every task that falls due,
// including tasks scheduled by tasks run during this call.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if len(m.tasks) == 0 || m.tasks[0].at.After(time.Unix(0, 0).Add(target)) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := heap.Pop(&m.tasks).(*timerTask)
		m.now = t.at.Sub(time.Unix(0, 0))
		m.fired = append(m.fired, m.now)
		m.mu.Unlock()

		t.task()
	}
}

// Now returns the virtual time elapsed since creation.
func (m *ManualScheduler) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of tasks not yet run.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Fired returns the virtual times at which tasks ran.
func (m *ManualScheduler) Fired() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.fired...)
}

func (m *ManualScheduler) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.tasks = nil
}

var (
	_ Scheduler = (*TimerQueue)(nil)
	_ Scheduler = (*ManualScheduler)(nil)
)
