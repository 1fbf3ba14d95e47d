package dispatch

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/enact/internal/logging"
	"github.com/rendis/enact/internal/monitor"
	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/reference"
)

const (
	defaultPoolSize = 256
	tracerName      = "github.com/rendis/enact/internal/dispatch"
)

// Runtime is the process-wide state shared by every stack: the run
// registry, the retry scheduler, the worker pool, the invocation counter and
// the external collaborators. Build one per process and pass it to every
// NewStack call.
type Runtime struct {
	Runs       *RunRegistry
	Scheduler  Scheduler
	Pool       *WorkerPool
	Counter    *Counter
	Monitor    monitor.Sink
	References reference.Service
	Provenance provenance.Sink
	RunIDs     RunIDLookup
	Metrics    *Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithScheduler(s Scheduler) Option          { return func(r *Runtime) { r.Scheduler = s } }
func WithWorkerPool(p *WorkerPool) Option       { return func(r *Runtime) { r.Pool = p } }
func WithMonitor(m monitor.Sink) Option         { return func(r *Runtime) { r.Monitor = m } }
func WithReferences(s reference.Service) Option { return func(r *Runtime) { r.References = s } }
func WithProvenance(s provenance.Sink) Option   { return func(r *Runtime) { r.Provenance = s } }
func WithRunIDLookup(l RunIDLookup) Option      { return func(r *Runtime) { r.RunIDs = l } }
func WithMetrics(m *Metrics) Option             { return func(r *Runtime) { r.Metrics = m } }
func WithTracer(t trace.Tracer) Option          { return func(r *Runtime) { r.Tracer = t } }
func WithLogger(l *slog.Logger) Option          { return func(r *Runtime) { r.Logger = l } }
func WithRunRegistry(reg *RunRegistry) Option   { return func(r *Runtime) { r.Runs = reg } }

// NewRuntime builds a Runtime. Unset collaborators get working defaults:
// a real timer queue, an in-memory reference service, discarding monitor
// and provenance sinks, and run ids read from the "run_id" property.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{done: make(chan struct{})}
	for _, opt := range opts {
		opt(r)
	}
	if r.Runs == nil {
		r.Runs = NewRunRegistry()
	}
	if r.Scheduler == nil {
		r.Scheduler = NewTimerQueue()
	}
	if r.Pool == nil {
		r.Pool = NewWorkerPool(defaultPoolSize)
	}
	if r.Counter == nil {
		r.Counter = &Counter{}
	}
	if r.Monitor == nil {
		r.Monitor = monitor.Discard{}
	}
	if r.References == nil {
		r.References = reference.NewMemoryService()
	}
	if r.Provenance == nil {
		r.Provenance = provenance.Discard{}
	}
	if r.RunIDs == nil {
		r.RunIDs = PropertyRunID(DefaultRunIDKey)
	}
	if r.Tracer == nil {
		r.Tracer = otel.Tracer(tracerName)
	}
	if r.Logger == nil {
		r.Logger = logging.Discard()
	}
	return r
}

// Done is closed when the runtime shuts down.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Close stops the scheduler, waits for running workers and releases
// invocations still waiting for outcomes.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.Scheduler.Stop()
		r.Pool.Shutdown()
	})
}
