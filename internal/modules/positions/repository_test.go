package positions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Each connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(database.LedgerSchema())
	require.NoError(t, err)
	return db
}

func newPosition(id, qty string, createdAt time.Time) domain.Position {
	return domain.Position{
		PositionID:       id,
		TradingAccountID: "acct-1",
		Symbol:           "aapl",
		Quantity:         decimal.RequireFromString(qty),
		StrategyID:       "strat-1",
		ExecutionID:      "exec-1",
		PortfolioID:      "pf-1",
		EntryPrice:       decimal.RequireFromString("101.5"),
		IsOpen:           true,
		CreatedAt:        createdAt,
	}
}

func TestPositionRepository_InsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPositionRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newPosition("p1", "12.5", t0)))

	p, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "AAPL", p.Symbol)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, p.EntryPrice.Equal(decimal.RequireFromString("101.5")))
	assert.Equal(t, domain.PositionSourceScript, p.Source)
	assert.Equal(t, domain.ControlModeScript, p.ControlledBy)
	assert.Equal(t, t0, p.CreatedAt)

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPositionRepository_GetOpenByAccountSymbol_FIFOOrder(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPositionRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()

	// Inserted out of order; same-millisecond lots keep insertion order
	require.NoError(t, repo.Insert(ctx, newPosition("late", "5", t0.Add(time.Hour))))
	require.NoError(t, repo.Insert(ctx, newPosition("early-1", "10", t0)))
	require.NoError(t, repo.Insert(ctx, newPosition("early-2", "20", t0)))

	closed := newPosition("closed", "0", t0.Add(-time.Hour))
	closed.IsOpen = false
	require.NoError(t, repo.Insert(ctx, closed))

	got, err := repo.GetOpenByAccountSymbol(ctx, "acct-1", "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "early-1", got[0].PositionID)
	assert.Equal(t, "early-2", got[1].PositionID)
	assert.Equal(t, "late", got[2].PositionID)

	sum, err := repo.SumOpenQuantity(ctx, "acct-1", "aapl")
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(35)))
}

func TestPositionRepository_UpdateQuantity_ClosesAtZero(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPositionRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newPosition("p1", "100", t0)))

	require.NoError(t, repo.UpdateQuantity(ctx, "p1", decimal.NewFromInt(40), t0.Add(time.Minute)))
	p, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(40)))
	assert.True(t, p.IsOpen)

	require.NoError(t, repo.UpdateQuantity(ctx, "p1", decimal.Zero, t0.Add(2*time.Minute)))
	p, err = repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.IsOpen)

	var closedAt sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT closed_at FROM positions WHERE position_id = 'p1'`).Scan(&closedAt))
	assert.True(t, closedAt.Valid)

	err = repo.UpdateQuantity(ctx, "missing", decimal.NewFromInt(1), t0)
	assert.True(t, domain.IsNotFound(err))
}

func TestPositionRepository_ReassignAndRetag(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPositionRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newPosition("p1", "10", t0)))
	other := newPosition("p2", "10", t0)
	other.StrategyID = "strat-2"
	require.NoError(t, repo.Insert(ctx, other))

	owner := domain.Ownership{StrategyID: "strat-9", PortfolioID: "pf-9", ExecutionID: "exec-9"}
	require.NoError(t, repo.Reassign(ctx, "p1", owner, domain.ControlModeManual, t0))

	p, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "exec-9", p.ExecutionID)
	assert.Equal(t, "strat-9", p.StrategyID)
	assert.Equal(t, domain.ControlModeManual, p.ControlledBy)

	// Account-wide scope retags everything not already manual
	n, err := repo.SetControlledBy(ctx, domain.HandoffScope{TradingAccountID: "acct-1"}, domain.ControlModeManual, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Strategy scope only touches that strategy
	n, err = repo.SetControlledBy(ctx, domain.HandoffScope{TradingAccountID: "acct-1", StrategyID: "strat-2"}, domain.ControlModeScript, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func newOrder(id string, source domain.OrderSource, status domain.OrderStatus, createdAt time.Time) domain.Order {
	return domain.Order{
		OrderID:          id,
		TradingAccountID: "acct-1",
		StrategyID:       "strat-1",
		ExecutionID:      "exec-1",
		Symbol:           "AAPL",
		Side:             domain.OrderSideSell,
		Quantity:         decimal.NewFromInt(25),
		Price:            decimal.RequireFromString("99.9"),
		Status:           status,
		Source:           source,
		CreatedAt:        createdAt,
	}
}

func TestOrderRepository_CancelPendingInScope(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newOrder("o1", domain.OrderSourceScript, domain.OrderStatusPending, t0)))
	require.NoError(t, repo.Insert(ctx, newOrder("o2", domain.OrderSourceScript, domain.OrderStatusOpen, t0)))
	require.NoError(t, repo.Insert(ctx, newOrder("o3", domain.OrderSourceManual, domain.OrderStatusPending, t0)))
	require.NoError(t, repo.Insert(ctx, newOrder("o4", domain.OrderSourceScript, domain.OrderStatusFilled, t0)))

	scope := domain.HandoffScope{TradingAccountID: "acct-1"}
	pending, err := repo.GetPendingInScope(ctx, scope, domain.OrderSourceScript)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := repo.CancelPendingInScope(ctx, scope, domain.OrderSourceScript, "handoff", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	o3, err := repo.GetByID(ctx, "o3")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, o3.Status)

	// Empty source cancels everything left
	n, err = repo.CancelPendingInScope(ctx, scope, "", "emergency", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o4, err := repo.GetByID(ctx, "o4")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o4.Status)
}

func TestOrderRepository_FindRecentExternalOrder(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOrderRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()
	now := t0.Add(48 * time.Hour)

	old := newOrder("old", domain.OrderSourceExternal, domain.OrderStatusFilled, now.Add(-30*time.Hour))
	script := newOrder("script", domain.OrderSourceScript, domain.OrderStatusFilled, now.Add(-time.Hour))
	match := newOrder("match", domain.OrderSourceExternal, domain.OrderStatusFilled, now.Add(-2*time.Hour))
	match.Quantity = decimal.RequireFromString("25.0")
	for _, o := range []domain.Order{old, script, match} {
		require.NoError(t, repo.Insert(ctx, o))
	}

	q := domain.ExternalOrderQuery{
		TradingAccountID: "acct-1",
		Symbol:           "aapl",
		Side:             domain.OrderSideSell,
		Quantity:         decimal.NewFromInt(25),
		Since:            now.Add(-24 * time.Hour),
	}
	found, err := repo.FindRecentExternalOrder(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "match", found.OrderID)

	q.Quantity = decimal.NewFromInt(26)
	found, err = repo.FindRecentExternalOrder(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, found)
}
