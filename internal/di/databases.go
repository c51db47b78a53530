// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/aristath/reconciler/internal/config"
	"github.com/aristath/reconciler/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the reconciliation ledger and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// Maximum safety: positions and the audit trail live here
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	if err := ledgerDB.Migrate(); err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to apply schema to %s: %w", ledgerDB.Name(), err)
	}

	log.Info().Str("path", cfg.DatabasePath()).Msg("Ledger database initialized and schema applied")

	return container, nil
}
