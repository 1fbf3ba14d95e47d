package dispatch

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rendis/enact/internal/expressions"
	"github.com/rendis/enact/pkg/schema"
)

// RetryConfig configures a Retry layer.
type RetryConfig struct {
	MaxRetries     int     `json:"max_retries" yaml:"max_retries"`
	InitialDelayMs int64   `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int64   `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	// RetryIf is an optional expr predicate over class, message, activity
	// and retries. When it is false the failure is not retried.
	RetryIf string `json:"retry_if,omitempty" yaml:"retry_if,omitempty"`
}

// DefaultRetryConfig never retries; when retries are enabled the delays
// start at one second and never exceed five.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     0,
		InitialDelayMs: 1000,
		MaxDelayMs:     5000,
		BackoffFactor:  1.0,
	}
}

// Validate checks ranges and compiles RetryIf.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return schema.NewErrorf(schema.ErrCodeValidation, "retry: max_retries must be >= 0, got %d", c.MaxRetries)
	case c.InitialDelayMs < 0:
		return schema.NewErrorf(schema.ErrCodeValidation, "retry: initial_delay_ms must be >= 0, got %d", c.InitialDelayMs)
	case c.MaxDelayMs < 0:
		return schema.NewErrorf(schema.ErrCodeValidation, "retry: max_delay_ms must be >= 0, got %d", c.MaxDelayMs)
	case c.BackoffFactor <= 0 || math.IsNaN(c.BackoffFactor) || math.IsInf(c.BackoffFactor, 0):
		return schema.NewErrorf(schema.ErrCodeValidation, "retry: backoff_factor must be a positive number, got %v", c.BackoffFactor)
	}
	if c.RetryIf != "" {
		if err := retryPredicates.Check(c.RetryIf, retryEnv(&Failure{}, 0)); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "retry: invalid retry_if").WithCause(err)
		}
	}
	return nil
}

// Delay returns min(MaxDelayMs, InitialDelayMs * BackoffFactor^retries).
func (c RetryConfig) Delay(retries int) time.Duration {
	ms := float64(c.InitialDelayMs) * math.Pow(c.BackoffFactor, float64(retries))
	if limit := float64(c.MaxDelayMs); ms > limit || math.IsInf(ms, 1) || math.IsNaN(ms) {
		ms = limit
	}
	return time.Duration(ms * float64(time.Millisecond))
}

var retryPredicates = expressions.NewExprEngine()

func retryEnv(f *Failure, retries int) map[string]any {
	return map[string]any{
		"class":    string(f.Class),
		"message":  f.Message,
		"activity": candidateName(f.Activity),
		"retries":  retries,
	}
}

type retryState struct {
	job     *Job
	retries int
}

// Retry re-sends a failed Job after a backoff delay until MaxRetries is
// reached. Retries are scheduled on the runtime scheduler and are not
// affected by pausing the run.
type Retry struct {
	Base
	mu     sync.RWMutex
	config RetryConfig
	states *jobStates[retryState]
}

// NewRetry creates a Retry layer with DefaultRetryConfig.
func NewRetry() *Retry {
	return &Retry{
		config: DefaultRetryConfig(),
		states: newJobStates[retryState](),
	}
}

func (r *Retry) Name() string { return LayerRetry }

func (r *Retry) Configure(cfg RetryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	return nil
}

func (r *Retry) Configuration() RetryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

func (r *Retry) ReceiveJob(job *Job) {
	r.states.put(keyOf(job.Process, job.Index), &retryState{job: job})
	r.Below().ReceiveJob(job)
}

func (r *Retry) ReceiveFailure(failure *Failure) {
	cfg := r.Configuration()
	key := keyOf(failure.Process, failure.Index)

	var (
		delay     time.Duration
		scheduled bool
		attempt   int
	)
	tracked := r.states.with(key, func(s *retryState) bool {
		if s.retries >= cfg.MaxRetries || !r.shouldRetry(cfg, failure, s.retries) {
			return true
		}
		delay = cfg.Delay(s.retries)
		attempt = s.retries + 1
		scheduled = true
		return false
	})

	if !scheduled {
		if tracked {
			r.logger().Debug("retries exhausted",
				slog.String("process", string(failure.Process)),
				slog.String("index", failure.Index.String()),
				slog.Int("max_retries", cfg.MaxRetries),
			)
		}
		r.Above().ReceiveFailure(failure)
		return
	}

	r.Runtime().Metrics.retryScheduled(r.Stack().Processor())
	r.logger().Debug("retry scheduled",
		slog.String("process", string(failure.Process)),
		slog.String("index", failure.Index.String()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("class", string(failure.Class)),
	)
	r.Runtime().Scheduler.Schedule(delay, func() { r.resend(key) })
}

// resend increments the retry count and sends the Job down again. A job
// whose state was released meanwhile is not resent.
func (r *Retry) resend(key stateKey) {
	var job *Job
	r.states.with(key, func(s *retryState) bool {
		s.retries++
		job = s.job
		return false
	})
	if job != nil {
		r.Below().ReceiveJob(job)
	}
}

func (r *Retry) shouldRetry(cfg RetryConfig, failure *Failure, retries int) bool {
	if cfg.RetryIf == "" {
		return true
	}
	ok, err := retryPredicates.EvaluateBool(context.Background(), cfg.RetryIf, retryEnv(failure, retries))
	if err != nil {
		r.logger().Warn("retry_if evaluation failed, not retrying",
			slog.String("retry_if", cfg.RetryIf),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

func (r *Retry) ReceiveResult(result *Result) {
	if !result.Streaming {
		r.states.remove(keyOf(result.Process, result.Index))
	}
	r.Above().ReceiveResult(result)
}

func (r *Retry) ReceiveCompletion(c *Completion) {
	r.states.remove(keyOf(c.Process, c.Index))
	r.Above().ReceiveCompletion(c)
}

func (r *Retry) FinishedWith(owner ProcessPath) {
	r.states.removeOwner(owner)
}

// Pending returns the number of jobs with retry state.
func (r *Retry) Pending() int { return r.states.len() }

var _ Layer = (*Retry)(nil)
