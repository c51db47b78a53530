/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all application dependencies.
 * The Container is the single source of truth for all service instances and is
 * passed to the server for access to services.
 */
package di

import (
	"github.com/aristath/reconciler/internal/clients/directory"
	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/aristath/reconciler/internal/modules/attribution"
	"github.com/aristath/reconciler/internal/modules/cases"
	"github.com/aristath/reconciler/internal/modules/handoff"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/aristath/reconciler/internal/modules/transfers"
	"github.com/aristath/reconciler/internal/modules/variance"
	"github.com/aristath/reconciler/internal/scheduler"
)

/**
 * Container holds all dependencies for the application.
 *
 * Architecture:
 * - Database: the reconciliation ledger (positions, orders, cases, transfers, handoff state)
 * - Clients: sibling services (ownership directory, script execution service)
 * - Repositories: data access layer, one per aggregate
 * - Services: attribution engine, transfer executor, case manager,
 *   variance reconciler and handoff state machine
 * - Scheduler: periodic maintenance jobs
 */
type Container struct {
	// Database
	LedgerDB *database.DB

	// Observability
	Metrics *metrics.Metrics

	// Clients
	DirectoryClient *directory.Client
	ScriptClient    *directory.ScriptClient

	// Repositories
	PositionRepo *positions.PositionRepository
	OrderRepo    *positions.OrderRepository
	BatchRepo    *transfers.BatchRepository
	CaseRepo     *cases.Repository
	VarianceRepo *variance.Repository
	HandoffRepo  *handoff.Repository

	// Services
	AttributionEngine  *attribution.Engine
	TransferExecutor   *transfers.Executor
	CaseManager        *cases.Manager
	VarianceReconciler *variance.Reconciler
	HandoffMachine     *handoff.Machine

	// Scheduler
	Scheduler *scheduler.Scheduler
}

// JobInstances holds the scheduled jobs for manual triggering
type JobInstances struct {
	ExpireStaleCases    *scheduler.ExpireStaleCasesJob
	CheckWALCheckpoints *scheduler.CheckWALCheckpointsJob
}

// Close releases the container's resources
func (c *Container) Close() error {
	if c == nil || c.LedgerDB == nil {
		return nil
	}
	return c.LedgerDB.Close()
}
