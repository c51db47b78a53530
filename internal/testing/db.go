// Package testing provides testing utilities and helpers for the reconciler.
package testing

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/reconciler/internal/database"
)

// NewTestDB creates a temporary-file SQLite ledger database with the embedded schema applied.
// Returns the database instance and a cleanup function that closes the connection.
// The cleanup function is idempotent and can be called multiple times safely.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	// Temporary files keep every test isolated; the ledger profile allows one
	// connection, which rules out per-connection ":memory:" databases
	tmpDir, err := os.MkdirTemp("", "reconciler_test_*")
	if err != nil {
		t.Fatalf("Failed to create temporary database directory: %v", err)
	}
	tmpPath := filepath.Join(tmpDir, "ledger.db")

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
		if err := os.RemoveAll(tmpDir); err != nil {
			t.Logf("Warning: Failed to remove temporary database directory %s: %v", tmpDir, err)
		}
	}
}

// CountRows returns the number of rows in a table, optionally filtered
func CountRows(t *testing.T, db *sql.DB, table string, where string, args ...any) int {
	t.Helper()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}

	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return n
}
