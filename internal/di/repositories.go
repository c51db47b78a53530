// Package di provides dependency injection for repository implementations.
package di

import (
	"fmt"

	"github.com/aristath/reconciler/internal/modules/cases"
	"github.com/aristath/reconciler/internal/modules/handoff"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/aristath/reconciler/internal/modules/transfers"
	"github.com/aristath/reconciler/internal/modules/variance"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories and stores them in the container
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}
	if container.LedgerDB == nil {
		return fmt.Errorf("ledger database not initialized")
	}

	conn := container.LedgerDB.Conn()

	container.PositionRepo = positions.NewPositionRepository(conn, log)
	container.OrderRepo = positions.NewOrderRepository(conn, log)
	container.BatchRepo = transfers.NewBatchRepository(conn, log)
	container.CaseRepo = cases.NewRepository(conn, log)
	container.VarianceRepo = variance.NewRepository(conn, log)
	container.HandoffRepo = handoff.NewRepository(conn, log)

	log.Info().Msg("Repositories initialized")

	return nil
}
