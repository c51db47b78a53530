// Package scheduler runs the reconciler's periodic maintenance jobs.
package scheduler

import (
	"fmt"

	"github.com/aristath/reconciler/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a new scheduler. Schedules use the standard five-field
// cron syntax plus descriptors such as "@every 15m".
func New(m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{log: log})),
		metrics: m,
		log:     log,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule
// Schedule examples:
//   - "*/5 * * * *"  - Every 5 minutes
//   - "@hourly"      - Every hour
//   - "@every 15m"   - Every 15 minutes
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if _, err := s.cron.AddJob(schedule, s.wrap(job)); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name(), err)
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}

// wrap adapts a job to cron. A tick that fires while the previous run of the
// same job is still going is skipped and counted.
func (s *Scheduler) wrap(job Job) cron.Job {
	skips := cronLogger{log: s.log.With().Str("job", job.Name()).Logger(), job: job.Name(), metrics: s.metrics}
	return cron.NewChain(cron.SkipIfStillRunning(skips)).Then(cron.FuncJob(func() { s.execute(job) }))
}

func (s *Scheduler) execute(job Job) {
	name := job.Name()
	s.log.Debug().Str("job", name).Msg("Running job")
	err := job.Run()
	s.metrics.RecordJobRun(name, err == nil)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", name).
			Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", name).Msg("Job completed")
}

// cronLogger routes cron's logging through zerolog. When bound to a job it
// also counts the "skip" messages SkipIfStillRunning emits.
type cronLogger struct {
	log     zerolog.Logger
	job     string
	metrics *metrics.Metrics
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if l.job != "" && msg == "skip" {
		l.metrics.RecordJobSkip(l.job)
		l.log.Warn().Msg("Previous run still in progress, skipping")
		return
	}
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
