// Package di provides dependency injection for business services.
package di

import (
	"fmt"

	"github.com/aristath/reconciler/internal/clients/directory"
	"github.com/aristath/reconciler/internal/config"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/aristath/reconciler/internal/modules/attribution"
	"github.com/aristath/reconciler/internal/modules/cases"
	"github.com/aristath/reconciler/internal/modules/handoff"
	"github.com/aristath/reconciler/internal/modules/transfers"
	"github.com/aristath/reconciler/internal/modules/variance"
	"github.com/rs/zerolog"
)

// InitializeServices creates the downstream clients and every core service.
// Repositories must already be initialized.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}
	if container.PositionRepo == nil {
		return fmt.Errorf("repositories not initialized")
	}

	if container.Metrics == nil {
		container.Metrics = metrics.New()
	}
	m := container.Metrics
	db := container.LedgerDB.Conn()

	// ==========================================
	// Downstream clients
	// ==========================================
	container.DirectoryClient = directory.NewClient(
		cfg.Downstream.DirectoryURL,
		cfg.Downstream.Timeout,
		directory.NewCache(cfg.Downstream.DirectoryCacheTTL),
		directory.DefaultBreakerSettings(),
		m,
		log,
	)
	container.ScriptClient = directory.NewScriptClient(
		cfg.Downstream.ScriptServiceURL,
		cfg.Downstream.Timeout,
		directory.DefaultBreakerSettings(),
		m,
		log,
	)

	// ==========================================
	// Core services (dependency order)
	// ==========================================
	container.AttributionEngine = attribution.NewEngine(container.PositionRepo, m, log)

	container.TransferExecutor = transfers.NewExecutor(
		db,
		container.PositionRepo,
		container.BatchRepo,
		container.DirectoryClient,
		m,
		log,
	)

	container.CaseManager = cases.NewManager(
		db,
		container.CaseRepo,
		container.TransferExecutor,
		container.DirectoryClient,
		cases.Settings{
			HighValueThreshold: cfg.Cases.HighValueThreshold,
			LowValueThreshold:  cfg.Cases.LowValueThreshold,
			HighPositionCount:  cfg.Cases.HighPositionCount,
			ApplyClaimTimeout:  cfg.Cases.ApplyClaimTimeout,
		},
		m,
		log,
	)

	container.VarianceReconciler = variance.NewReconciler(
		container.PositionRepo,
		container.OrderRepo,
		container.AttributionEngine,
		container.TransferExecutor,
		container.CaseManager,
		container.VarianceRepo,
		variance.Settings{
			Threshold:        cfg.Variance.Threshold,
			RoundingFloor:    cfg.Variance.RoundingFloor,
			ExternalLookback: cfg.Variance.ExternalLookback,
		},
		m,
		log,
	)

	container.HandoffMachine = handoff.NewMachine(
		db,
		container.HandoffRepo,
		container.PositionRepo,
		container.OrderRepo,
		container.ScriptClient,
		cfg.Handoff.StalenessWindow,
		m,
		log,
	)

	log.Info().Msg("Services initialized")

	return nil
}
