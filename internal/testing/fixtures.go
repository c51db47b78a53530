package testing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Fixture identifiers shared across module tests
const (
	TestAccount     = "acct-1"
	TestSymbol      = "AAPL"
	TestStrategyA   = "strat-momentum"
	TestStrategyB   = "strat-meanrev"
	TestExecutionA  = "exec-a"
	TestExecutionB  = "exec-b"
	TestPortfolio   = "pf-main"
	TestManualStrat = "strat-manual"
	TestManualExec  = "exec-manual"
	TestManualPf    = "pf-manual"
)

// BaseTime is the creation time of the first fixture position
var BaseTime = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

// Dec parses a decimal literal, panicking on malformed input
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// NewPositionFixture returns an open long position on the test account
func NewPositionFixture(id string, quantity string, createdAt time.Time) domain.Position {
	return domain.Position{
		PositionID:       id,
		TradingAccountID: TestAccount,
		Symbol:           TestSymbol,
		Quantity:         Dec(quantity),
		StrategyID:       TestStrategyA,
		ExecutionID:      TestExecutionA,
		PortfolioID:      TestPortfolio,
		Source:           domain.PositionSourceScript,
		EntryPrice:       Dec("150.25"),
		IsOpen:           true,
		ControlledBy:     domain.ControlModeScript,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

// NewFIFOFixtures returns the two-lot scenario P1(100, t0) and P2(50, t1)
func NewFIFOFixtures() []domain.Position {
	return []domain.Position{
		NewPositionFixture("pos-1", "100", BaseTime),
		NewPositionFixture("pos-2", "50", BaseTime.Add(time.Hour)),
	}
}

// NewOrderFixture returns a pending script order on the test account
func NewOrderFixture(id string, source domain.OrderSource, status domain.OrderStatus) domain.Order {
	return domain.Order{
		OrderID:          id,
		TradingAccountID: TestAccount,
		StrategyID:       TestStrategyA,
		ExecutionID:      TestExecutionA,
		Symbol:           TestSymbol,
		Side:             domain.OrderSideBuy,
		Quantity:         Dec("10"),
		Price:            Dec("150"),
		Status:           status,
		Source:           source,
		CreatedAt:        BaseTime,
		UpdatedAt:        BaseTime,
	}
}

// SeedPositions inserts positions directly through the position repository
func SeedPositions(t *testing.T, db *sql.DB, ps ...domain.Position) {
	t.Helper()
	repo := positions.NewPositionRepository(db, zerolog.Nop())
	for _, p := range ps {
		if err := repo.Insert(context.Background(), p); err != nil {
			t.Fatalf("Failed to seed position %s: %v", p.PositionID, err)
		}
	}
}

// SeedOrders inserts orders directly through the order repository
func SeedOrders(t *testing.T, db *sql.DB, os ...domain.Order) {
	t.Helper()
	repo := positions.NewOrderRepository(db, zerolog.Nop())
	for _, o := range os {
		if err := repo.Insert(context.Background(), o); err != nil {
			t.Fatalf("Failed to seed order %s: %v", o.OrderID, err)
		}
	}
}

// ManualOwner is the ownership the mock directory returns for manual control
func ManualOwner() domain.Ownership {
	return domain.Ownership{
		StrategyID:  TestManualStrat,
		PortfolioID: TestManualPf,
		ExecutionID: TestManualExec,
	}
}
