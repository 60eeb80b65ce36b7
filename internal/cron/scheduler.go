package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/haasonsaas/clawgate/internal/config"
	"github.com/haasonsaas/clawgate/internal/observability"
)

// Firing is one due job instance handed to the runner.
type Firing struct {
	JobID      string
	SessionKey string
	Content    string
	DueAt      time.Time
}

// Runner receives fired jobs. It is called on its own goroutine per firing;
// a busy session queues inside the runner, never inside the scheduler.
type Runner interface {
	Run(ctx context.Context, firing Firing) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, firing Firing) error

func (f RunnerFunc) Run(ctx context.Context, firing Firing) error { return f(ctx, firing) }

// JobInfo is a read-only snapshot of a scheduled job.
type JobInfo struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	Schedule   string    `json:"schedule"`
	Enabled    bool      `json:"enabled"`
	Running    bool      `json:"running"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type job struct {
	id         string
	sessionKey string
	message    string
	schedule   Schedule

	enabled   bool
	running   bool
	nextRun   time.Time
	lastRun   time.Time
	lastError string
}

// Scheduler fires configured jobs at their due instants. Each due instant
// fires at most once: the next run is advanced under the lock before the
// firing is handed off. A job never overlaps itself; an instant that comes
// due while the previous firing is still in flight is skipped.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	started bool
	wg      sync.WaitGroup

	runner  Runner
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	tick    time.Duration
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records job firings.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the polling interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// NewScheduler builds a scheduler from job configs. Invalid jobs fail
// construction rather than being skipped silently.
func NewScheduler(cfgs []config.JobConfig, runner Runner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	s := &Scheduler{
		runner: runner,
		logger: slog.Default().With("component", "cron"),
		now:    time.Now,
		tick:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, cfg := range cfgs {
		j, err := buildJob(cfg, now)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", cfg.ID, err)
		}
		s.jobs = append(s.jobs, j)
	}
	return s, nil
}

func buildJob(cfg config.JobConfig, now time.Time) (*job, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("id is required")
	}
	if strings.TrimSpace(cfg.SessionKey) == "" {
		return nil, errors.New("session_key is required")
	}
	if strings.TrimSpace(cfg.Message) == "" {
		return nil, errors.New("message is required")
	}
	schedule, err := ParseSchedule(cfg.Schedule, cfg.Timezone)
	if err != nil {
		return nil, err
	}
	// Validate the template up front so a bad job fails at startup.
	if _, err := renderMessage(cfg.Message, now); err != nil {
		return nil, err
	}

	j := &job{
		id:         cfg.ID,
		sessionKey: cfg.SessionKey,
		message:    cfg.Message,
		schedule:   schedule,
		enabled:    cfg.JobEnabled(),
	}
	if next, ok := schedule.Next(now); ok {
		j.nextRun = next
	} else {
		j.enabled = false
	}
	return j, nil
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop waits for the tick loop and in-flight firings to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires all currently due jobs and returns how many fired.
// Primarily for tests.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	fired := 0

	s.mu.Lock()
	for _, j := range s.jobs {
		if !j.enabled || j.nextRun.IsZero() || now.Before(j.nextRun) {
			continue
		}

		// Advance before dispatch so this instant can never fire again.
		due := j.nextRun
		if next, ok := j.schedule.Next(now); ok {
			j.nextRun = next
		} else {
			j.nextRun = time.Time{}
			j.enabled = false
		}

		if j.running {
			s.logger.Warn("job skipped, previous firing still in flight", "job_id", j.id)
			continue
		}
		j.running = true
		j.lastRun = now
		fired++

		s.wg.Add(1)
		go s.fire(ctx, j, due)
	}
	s.mu.Unlock()
	return fired
}

func (s *Scheduler) fire(ctx context.Context, j *job, due time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	content, err := renderMessage(j.message, s.now())
	if err == nil {
		err = s.runner.Run(ctx, Firing{
			JobID:      j.id,
			SessionKey: j.sessionKey,
			Content:    content,
			DueAt:      due,
		})
	}

	if s.metrics != nil {
		s.metrics.JobFirings.WithLabelValues(j.id).Inc()
	}

	s.mu.Lock()
	if err != nil {
		j.lastError = err.Error()
	} else {
		j.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job firing failed", "job_id", j.id, "error", err)
	} else {
		s.logger.Debug("job fired", "job_id", j.id, "session_key", j.sessionKey)
	}
}

// RunJob fires a job immediately, bypassing its schedule but not its
// overlap guard. The firing is synchronous.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.id == id {
			target = j
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	if target.running {
		s.mu.Unlock()
		return fmt.Errorf("job already running: %s", id)
	}
	target.running = true
	target.lastRun = s.now()
	s.mu.Unlock()

	s.wg.Add(1)
	s.fire(ctx, target, s.now())
	return nil
}

// Add registers a new job at runtime. The config is validated the same way
// as at construction, and duplicate IDs are rejected.
func (s *Scheduler) Add(cfg config.JobConfig) error {
	j, err := buildJob(cfg, s.now())
	if err != nil {
		return fmt.Errorf("job %q: %w", cfg.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.id == j.id {
			return fmt.Errorf("job already exists: %s", j.id)
		}
	}
	s.jobs = append(s.jobs, j)
	s.logger.Info("job added", "job_id", j.id, "session_key", j.sessionKey)
	return nil
}

// Remove deletes a job. A firing already in flight is not interrupted.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.id != id {
			continue
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		s.logger.Info("job removed", "job_id", id)
		return nil
	}
	return fmt.Errorf("job not found: %s", id)
}

// SetEnabled toggles a job. Enabling recomputes the next run from now.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.id != id {
			continue
		}
		j.enabled = enabled
		if enabled {
			if next, ok := j.schedule.Next(s.now()); ok {
				j.nextRun = next
			} else {
				j.enabled = false
			}
		}
		return nil
	}
	return fmt.Errorf("job not found: %s", id)
}

// Jobs returns snapshots of all jobs.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			ID:         j.id,
			SessionKey: j.sessionKey,
			Schedule:   j.schedule.String(),
			Enabled:    j.enabled,
			Running:    j.running,
			NextRun:    j.nextRun,
			LastRun:    j.lastRun,
			LastError:  j.lastError,
		})
	}
	return out
}

// Job returns one job snapshot.
func (s *Scheduler) Job(id string) (JobInfo, bool) {
	for _, info := range s.Jobs() {
		if info.ID == id {
			return info, true
		}
	}
	return JobInfo{}, false
}

func renderMessage(text string, now time.Time) (string, error) {
	tmpl, err := template.New("job").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse message template: %w", err)
	}
	data := map[string]any{
		"now":  now,
		"date": now.Format("2006-01-02"),
		"time": now.Format("15:04"),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute message template: %w", err)
	}
	return buf.String(), nil
}
