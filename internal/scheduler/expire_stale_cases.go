package scheduler

import (
	"context"
	"fmt"
	"time"
)

// CaseExpirer is the slice of the case manager the expiry job needs
type CaseExpirer interface {
	ExpireStaleCases(ctx context.Context, olderThan time.Duration) (int, error)
}

// ExpireStaleCasesJob moves cases that sat untouched past the expiry
// window to EXPIRED.
type ExpireStaleCasesJob struct {
	JobBase
	expirer   CaseExpirer
	olderThan time.Duration
}

// NewExpireStaleCasesJob creates a new ExpireStaleCasesJob
func NewExpireStaleCasesJob(expirer CaseExpirer, olderThan time.Duration) *ExpireStaleCasesJob {
	return &ExpireStaleCasesJob{
		JobBase:   newJobBase("expire_stale_cases"),
		expirer:   expirer,
		olderThan: olderThan,
	}
}

// Name returns the job name
func (j *ExpireStaleCasesJob) Name() string {
	return "expire_stale_cases"
}

// Run executes the expiry sweep
func (j *ExpireStaleCasesJob) Run() error {
	ctx, cancel := j.runContext()
	defer cancel()

	expired, err := j.expirer.ExpireStaleCases(ctx, j.olderThan)
	if err != nil {
		return fmt.Errorf("failed to expire stale cases: %w", err)
	}

	if expired > 0 {
		j.log.Info().
			Int("expired", expired).
			Dur("older_than", j.olderThan).
			Msg("Expired stale attribution cases")
	} else {
		j.log.Debug().Msg("No stale attribution cases")
	}

	return nil
}
