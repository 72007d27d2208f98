package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// GenerationRunner is the interface the scheduler uses to start generation
// runs. Satisfied by the pipeline wiring in cmd (avoids an import cycle).
type GenerationRunner interface {
	RunGeneration(ctx context.Context, language string) error
}

// Job is one configured schedule: a language generated on a cron cadence.
// Jobs ship disabled; enabling them is a deployment decision.
type Job struct {
	Language       string
	CronExpression string
	Enabled        bool
}

type jobState struct {
	job       Job
	nextRunAt time.Time
	lastRunAt time.Time
	lastError string
}

// Scheduler drives the configured generation jobs with a tick loop. A job
// still executing when its next tick arrives is skipped, not stacked.
type Scheduler struct {
	runner       GenerationRunner
	parser       cron.Parser
	logger       *slog.Logger
	tickInterval time.Duration

	mu     sync.Mutex
	jobs   []*jobState
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup // running job goroutines

	inflightMu sync.Mutex
	inflight   map[string]struct{} // languages currently generating (dedup)
}

// New creates a Scheduler for the given jobs. Invalid cron expressions are
// rejected up front so a bad config fails at startup, not at first tick.
func New(jobs []Job, runner GenerationRunner, tickInterval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("scheduler requires a runner")
	}
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		runner:       runner,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
		tickInterval: tickInterval,
		inflight:     make(map[string]struct{}),
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		next, err := s.CalculateNextRun(job.CronExpression, now)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Language, err)
		}
		s.jobs = append(s.jobs, &jobState{job: job, nextRunAt: next})
	}
	return s, nil
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
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Int("jobs", len(s.jobs)),
		slog.Duration("tick", s.tickInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
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

// tick starts every enabled job whose next run time has passed. Each due
// job runs in its own goroutine so a slow language never delays the others;
// the in-flight set keeps a still-running job from stacking a second run.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*jobState
	for _, st := range s.jobs {
		if st.job.Enabled && !st.nextRunAt.After(now) {
			due = append(due, st)
		}
	}
	s.mu.Unlock()

	for _, st := range due {
		if !s.tryAcquire(st.job.Language) {
			continue // previous run still in flight
		}
		st := st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(st.job.Language)
			s.runJob(ctx, st, now)
		}()
	}
}

// runJob executes one generation run and advances the job's schedule.
func (s *Scheduler) runJob(ctx context.Context, st *jobState, now time.Time) {
	s.logger.Info("running scheduled generation",
		slog.String("language", st.job.Language),
		slog.String("cron", st.job.CronExpression))

	err := s.runner.RunGeneration(ctx, st.job.Language)
	if err != nil {
		s.logger.Error("scheduled generation failed",
			slog.String("language", st.job.Language),
			slog.String("error", err.Error()))
	}

	next, nerr := s.CalculateNextRun(st.job.CronExpression, now)
	if nerr != nil {
		// Validated at construction; a failure here means the clock moved
		// in a way the parser rejects. Retry next tick.
		next = now.Add(s.tickInterval)
	}

	s.mu.Lock()
	st.lastRunAt = now
	st.nextRunAt = next
	if err != nil {
		st.lastError = err.Error()
	} else {
		st.lastError = ""
	}
	s.mu.Unlock()
}

// tryAcquire marks a language as in-flight; false if it already is.
func (s *Scheduler) tryAcquire(language string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[language]; ok {
		return false
	}
	s.inflight[language] = struct{}{}
	return true
}

func (s *Scheduler) release(language string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, language)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for the tick loop and
// any running job goroutines to finish. The wait happens outside the lock:
// finishing jobs need it to record their outcome.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow triggers one immediate generation run for a language, bypassing
// the schedule but still deduplicated against in-flight runs.
func (s *Scheduler) RunNow(ctx context.Context, language string) error {
	if !s.tryAcquire(language) {
		return fmt.Errorf("generation for %s already in flight", language)
	}
	defer s.release(language)
	return s.runner.RunGeneration(ctx, language)
}
