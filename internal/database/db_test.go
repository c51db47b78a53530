package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func countOrders(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&n))
	return n
}

func insertOrder(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`INSERT INTO orders
		(order_id, trading_account_id, symbol, side, quantity, price, status, source, created_at, updated_at)
		VALUES (?, 'acct-1', 'AAPL', 'BUY', '10', '150', 'PENDING', 'manual', 0, 0)`, id)
	return err
}

func TestNew_LedgerProfile(t *testing.T) {
	db := newLedger(t)

	assert.Equal(t, "ledger", db.Name())
	assert.Equal(t, ProfileLedger, db.Profile())
	assert.True(t, filepath.IsAbs(db.Path()))

	var mode string
	require.NoError(t, db.Conn().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	assert.Equal(t, 1, db.Conn().Stats().MaxOpenConnections)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newLedger(t)
	assert.NoError(t, db.Migrate())
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "scratch.db"), Name: "scratch"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ProfileStandard, db.Profile())
	assert.NoError(t, db.Migrate())
}

func TestWithTransaction(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		fn        func(tx *sql.Tx) error
		wantErr   error
		wantPanic bool
		wantRows  int
	}{
		{
			name:     "commits on success",
			fn:       func(tx *sql.Tx) error { return insertOrder(tx, "o-1") },
			wantRows: 1,
		},
		{
			name: "rolls back on error",
			fn: func(tx *sql.Tx) error {
				if err := insertOrder(tx, "o-1"); err != nil {
					return err
				}
				return errBoom
			},
			wantErr:  errBoom,
			wantRows: 0,
		},
		{
			name: "rolls back on panic",
			fn: func(tx *sql.Tx) error {
				_ = insertOrder(tx, "o-1")
				panic("unexpected")
			},
			wantPanic: true,
			wantRows:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newLedger(t)

			err := WithTransaction(context.Background(), db.Conn(), tt.fn)
			switch {
			case tt.wantErr != nil:
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), "transaction failed")
			case tt.wantPanic:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "panic in transaction")
			default:
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantRows, countOrders(t, db.Conn()))
		})
	}
}

func TestWithTransaction_NilDB(t *testing.T) {
	err := WithTransaction(context.Background(), nil, func(*sql.Tx) error { return nil })
	assert.EqualError(t, err, "database connection is nil")
}

func TestHealthCheckAndCheckpoint(t *testing.T) {
	db := newLedger(t)
	ctx := context.Background()

	assert.NoError(t, db.HealthCheck(ctx))
	assert.NoError(t, db.WALCheckpoint(ctx, ""))

	require.NoError(t, db.Close())
	assert.Error(t, db.HealthCheck(ctx))
}

func TestConvert(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 123_000_000, time.UTC)

	assert.Equal(t, ts, FromMillis(ToMillis(ts)))
	assert.False(t, NullMillis(nil).Valid)
	assert.Nil(t, TimePtr(sql.NullInt64{}))
	assert.Equal(t, ts, *TimePtr(NullMillis(&ts)))

	assert.False(t, NullString("").Valid)
	assert.Equal(t, "x", NullString("x").String)
	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))

	raw, err := MarshalJSONColumn([]string{"a", "b"})
	require.NoError(t, err)
	var out []string
	require.NoError(t, UnmarshalJSONColumn(sql.NullString{String: raw, Valid: true}, &out))
	assert.Equal(t, []string{"a", "b"}, out)

	var untouched []string
	assert.NoError(t, UnmarshalJSONColumn(sql.NullString{}, &untouched))
	assert.Nil(t, untouched)
	assert.Error(t, UnmarshalJSONColumn(sql.NullString{String: "{", Valid: true}, &untouched))
}
