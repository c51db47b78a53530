package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultJobTimeout = 2 * time.Minute

// JobBase carries the logger and run timeout shared by every job.
// Jobs embed it and call runContext() at the start of Run.
type JobBase struct {
	log     zerolog.Logger
	timeout time.Duration
}

func newJobBase(name string) JobBase {
	return JobBase{
		log:     zerolog.Nop().With().Str("job", name).Logger(),
		timeout: defaultJobTimeout,
	}
}

// SetLogger sets the logger for the job
func (j *JobBase) SetLogger(log zerolog.Logger) {
	j.log = log
}

// SetTimeout bounds a single run of the job
func (j *JobBase) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		j.timeout = timeout
	}
}

func (j *JobBase) runContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), j.timeout)
}
