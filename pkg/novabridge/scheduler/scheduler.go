// Package scheduler runs the maintenance jobs: history rotation and the
// sweep of expired confirmations. Uses robfig/cron for cron expression
// parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the maintenance schedules. An empty schedule disables the
// job.
type Config struct {
	// Rotate trims the history to its configured size.
	Rotate string `yaml:"rotate"`

	// Sweep drops expired confirmations and grants.
	Sweep string `yaml:"sweep"`

	// JobTimeout bounds a single run. Defaults to 1 minute.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		Rotate:     "@hourly",
		Sweep:      "@every 1m",
		JobTimeout: time.Minute,
	}
}

// Job is a named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// parser accepts standard 5-field cron plus descriptors (@daily, @every 5m).
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs jobs on their schedules.
type Scheduler struct {
	cron       *cron.Cron
	jobs       map[string]Job
	running    map[string]bool
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler.
func New(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		jobs:       make(map[string]Job),
		running:    make(map[string]bool),
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "scheduler"),
		ctx:        context.Background(),
	}
}

// Add registers job. Jobs with an empty schedule are skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a func")
	}
	if job.Schedule == "" {
		s.logger.Debug("job disabled", "job", job.Name)
		return nil
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunNow(job.Name) }); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the cron loop. Jobs run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job once, unless a previous run is still active.
// It reports whether the job ran.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || s.running[name] {
		s.mu.Unlock()
		if ok {
			s.logger.Debug("job still running, skipping", "job", name)
		}
		return false
	}
	s.running[name] = true
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", "job", name, "error", err)
		return true
	}
	s.logger.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
	return true
}
