// Package di provides dependency injection for scheduler jobs.
package di

import (
	"fmt"

	"github.com/aristath/reconciler/internal/config"
	"github.com/aristath/reconciler/internal/scheduler"
	"github.com/rs/zerolog"
)

const walCheckSchedule = "@every 30m"

// RegisterJobs creates the maintenance jobs and registers them with a new scheduler.
// The scheduler is stored on the container but not started.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}
	if container.CaseManager == nil {
		return nil, fmt.Errorf("services not initialized")
	}

	sched := scheduler.New(container.Metrics, log)
	instances := &JobInstances{}

	// ==========================================
	// Case expiry
	// ==========================================
	expireCases := scheduler.NewExpireStaleCasesJob(container.CaseManager, cfg.Cases.ExpireAfter)
	expireCases.SetLogger(log.With().Str("job", expireCases.Name()).Logger())
	if err := sched.AddJob(cfg.Cases.ExpirySchedule, expireCases); err != nil {
		return nil, err
	}
	instances.ExpireStaleCases = expireCases

	// ==========================================
	// Ledger WAL maintenance
	// ==========================================
	walCheck := scheduler.NewCheckWALCheckpointsJob(container.LedgerDB)
	walCheck.SetLogger(log.With().Str("job", walCheck.Name()).Logger())
	if err := sched.AddJob(walCheckSchedule, walCheck); err != nil {
		return nil, err
	}
	instances.CheckWALCheckpoints = walCheck

	container.Scheduler = sched

	return instances, nil
}
