// Package scheduler runs cron-driven maintenance of the provenance store:
// periodic VACUUM and pruning of provenance older than a retention window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/enact/pkg/schema"
)

// Default cron expressions.
const (
	DefaultVacuumCron = "0 3 * * *"
	DefaultPruneCron  = "0 * * * *"
)

// Job names registered by NewScheduler.
const (
	JobVacuum = "vacuum"
	JobPrune  = "prune"
)

// Maintainer is the store surface maintenance jobs need.
// Satisfied by store.Store.
type Maintainer interface {
	Vacuum(ctx context.Context) error
	PruneNodes(ctx context.Context, before time.Time) (int64, error)
}

// RunFunc performs one run of a job. now is the tick time.
type RunFunc func(ctx context.Context, now time.Time) error

// Config selects the maintenance schedule. An empty cron expression
// disables the job; a zero Retention disables pruning.
type Config struct {
	VacuumCron string        `json:"vacuum_cron,omitempty"`
	PruneCron  string        `json:"prune_cron,omitempty"`
	Retention  time.Duration `json:"retention,omitempty"`
	Tick       time.Duration `json:"tick,omitempty"`
}

// DefaultConfig vacuums nightly and prunes provenance older than 30 days hourly.
func DefaultConfig() Config {
	return Config{
		VacuumCron: DefaultVacuumCron,
		PruneCron:  DefaultPruneCron,
		Retention:  30 * 24 * time.Hour,
		Tick:       60 * time.Second,
	}
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name          string     `json:"name"`
	Cron          string     `json:"cron"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

type job struct {
	JobStatus
	schedule cron.Schedule
	run      RunFunc
}

// Scheduler runs due jobs on a fixed tick.
type Scheduler struct {
	parser    cron.Parser
	logger    *slog.Logger
	tickEvery time.Duration
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler with the vacuum and prune jobs of cfg
// registered against m.
func NewScheduler(m Maintainer, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	s := &Scheduler{
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		tickEvery: cfg.Tick,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*job),
		inflight:  make(map[string]struct{}),
	}

	if cfg.VacuumCron != "" {
		if err := s.Add(JobVacuum, cfg.VacuumCron, func(ctx context.Context, _ time.Time) error {
			return m.Vacuum(ctx)
		}); err != nil {
			return nil, err
		}
	}
	if cfg.PruneCron != "" && cfg.Retention > 0 {
		retention := cfg.Retention
		if err := s.Add(JobPrune, cfg.PruneCron, func(ctx context.Context, now time.Time) error {
			n, err := m.PruneNodes(ctx, now.Add(-retention))
			if err != nil {
				return err
			}
			s.logger.Info("pruned provenance", slog.Int64("nodes", n), slog.Duration("retention", retention))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(name, cronExpr string, run RunFunc) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: invalid cron expression %q", name, cronExpr).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already registered", name)
	}
	next := schedule.Next(s.now())
	s.jobs[name] = &job{
		JobStatus: JobStatus{Name: name, Cron: cronExpr, NextRunAt: &next},
		schedule:  schedule,
		run:       run,
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.NextRunAt == nil || !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(due, func(a, b *job) int { return strings.Compare(a.Name, b.Name) })
	for _, j := range due {
		if !s.tryAcquire(j.Name) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, j, now); err != nil {
			s.logger.Error("maintenance job failed",
				slog.String("job", j.Name),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(j.Name)
	}
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, j, s.now())
}

// runJob executes a job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) error {
	s.logger.Debug("running maintenance job", slog.String("job", j.Name))

	err := j.run(ctx, now)
	status := "success"
	if err != nil {
		status = "error"
	}

	next := j.schedule.Next(now)
	s.mu.Lock()
	j.LastRunAt = &now
	j.NextRunAt = &next
	j.LastRunStatus = status
	s.mu.Unlock()
	return err
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Jobs returns a snapshot of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.JobStatus)
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
