// Package positions provides the position and order store shared with order placement.
package positions

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const positionColumns = `position_id, trading_account_id, symbol, quantity, strategy_id,
	execution_id, portfolio_id, source, entry_price, is_open, controlled_by,
	created_at, updated_at`

// PositionRepository handles position database operations
type PositionRepository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db database.Querier, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// WithTx returns a repository bound to a transaction
func (r *PositionRepository) WithTx(tx *sql.Tx) *PositionRepository {
	return &PositionRepository{db: tx, log: r.log}
}

// Insert creates a position row
func (r *PositionRepository) Insert(ctx context.Context, p domain.Position) error {
	p.Symbol = normalizeSymbol(p.Symbol)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Source == "" {
		p.Source = domain.PositionSourceScript
	}
	if p.ControlledBy == "" {
		p.ControlledBy = domain.ControlModeScript
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions
		(position_id, trading_account_id, symbol, quantity, strategy_id,
		 execution_id, portfolio_id, source, entry_price, is_open, controlled_by,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.PositionID,
		p.TradingAccountID,
		p.Symbol,
		p.Quantity.String(),
		p.StrategyID,
		p.ExecutionID,
		p.PortfolioID,
		string(p.Source),
		p.EntryPrice.String(),
		database.BoolToInt(p.IsOpen),
		string(p.ControlledBy),
		database.ToMillis(p.CreatedAt),
		database.ToMillis(p.UpdatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert position", err)
	}

	r.log.Debug().
		Str("position_id", p.PositionID).
		Str("symbol", p.Symbol).
		Stringer("quantity", p.Quantity).
		Msg("Position inserted")
	return nil
}

// GetByID returns a position, or nil if it does not exist
func (r *PositionRepository) GetByID(ctx context.Context, positionID string) (*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE position_id = ?`, positionID)
	if err != nil {
		return nil, domain.NewPersistenceError("query position", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return &positions[0], nil
}

// GetOpenByAccountSymbol returns open positions oldest first
func (r *PositionRepository) GetOpenByAccountSymbol(ctx context.Context, tradingAccountID, symbol string) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE trading_account_id = ? AND symbol = ? AND is_open = 1
		ORDER BY created_at ASC, rowid ASC
	`, tradingAccountID, normalizeSymbol(symbol))
	if err != nil {
		return nil, domain.NewPersistenceError("query open positions", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	SortFIFO(positions)
	return positions, nil
}

// GetOpenByExecution returns the open lots of an execution for a symbol, oldest first
func (r *PositionRepository) GetOpenByExecution(ctx context.Context, tradingAccountID, executionID, symbol string) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE trading_account_id = ? AND execution_id = ? AND symbol = ? AND is_open = 1
		ORDER BY created_at ASC, rowid ASC
	`, tradingAccountID, executionID, normalizeSymbol(symbol))
	if err != nil {
		return nil, domain.NewPersistenceError("query execution positions", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	SortFIFO(positions)
	return positions, nil
}

// UpdateQuantity sets a position's quantity, closing it when the quantity reaches zero
func (r *PositionRepository) UpdateQuantity(ctx context.Context, positionID string, quantity decimal.Decimal, now time.Time) error {
	var closedAt sql.NullInt64
	isOpen := 1
	if quantity.IsZero() {
		isOpen = 0
		closedAt = sql.NullInt64{Int64: database.ToMillis(now), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE positions
		SET quantity = ?, is_open = ?, closed_at = COALESCE(?, closed_at), updated_at = ?
		WHERE position_id = ?
	`, quantity.String(), isOpen, closedAt, database.ToMillis(now), positionID)
	if err != nil {
		return domain.NewPersistenceError("update position quantity", err)
	}
	return requireOneRow(result, "position", positionID)
}

// Reassign moves a whole position to a new owner in place
func (r *PositionRepository) Reassign(ctx context.Context, positionID string, owner domain.Ownership, controlledBy domain.ControlMode, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE positions
		SET strategy_id = ?, execution_id = ?, portfolio_id = ?, controlled_by = ?, updated_at = ?
		WHERE position_id = ?
	`, owner.StrategyID, owner.ExecutionID, owner.PortfolioID, string(controlledBy), database.ToMillis(now), positionID)
	if err != nil {
		return domain.NewPersistenceError("reassign position", err)
	}
	return requireOneRow(result, "position", positionID)
}

// SetControlledBy retags every open position in a handoff scope.
// Empty strategy or execution in the scope match every value.
func (r *PositionRepository) SetControlledBy(ctx context.Context, scope domain.HandoffScope, mode domain.ControlMode, now time.Time) (int, error) {
	where, args := scopeFilter(scope)
	args = append([]any{string(mode), database.ToMillis(now)}, args...)
	args = append(args, string(mode))

	result, err := r.db.ExecContext(ctx, `
		UPDATE positions SET controlled_by = ?, updated_at = ?
		WHERE is_open = 1 AND `+where+` AND controlled_by != ?
	`, args...)
	if err != nil {
		return 0, domain.NewPersistenceError("retag positions", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, domain.NewPersistenceError("retag positions", err)
	}
	return int(n), nil
}

// SumOpenQuantity returns the signed internal quantity held for an account and symbol
func (r *PositionRepository) SumOpenQuantity(ctx context.Context, tradingAccountID, symbol string) (decimal.Decimal, error) {
	positions, err := r.GetOpenByAccountSymbol(ctx, tradingAccountID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return SumQuantity(positions), nil
}

// SumQuantity adds up signed position quantities
func SumQuantity(positions []domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Quantity)
	}
	return total
}

// SortFIFO orders positions by creation time. The sort is stable so rows
// created in the same millisecond keep their insertion order.
func SortFIFO(positions []domain.Position) {
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].CreatedAt.Before(positions[j].CreatedAt)
	})
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var quantity, entryPrice, source, controlledBy string
		var isOpen int
		var createdAt, updatedAt int64

		err := rows.Scan(
			&p.PositionID,
			&p.TradingAccountID,
			&p.Symbol,
			&quantity,
			&p.StrategyID,
			&p.ExecutionID,
			&p.PortfolioID,
			&source,
			&entryPrice,
			&isOpen,
			&controlledBy,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, domain.NewPersistenceError("scan position", err)
		}

		if p.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, domain.NewPersistenceError("parse position quantity", err)
		}
		if p.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
			return nil, domain.NewPersistenceError("parse position entry price", err)
		}
		p.Source = domain.PositionSource(source)
		p.ControlledBy = domain.ControlMode(controlledBy)
		p.IsOpen = isOpen == 1
		p.CreatedAt = database.FromMillis(createdAt)
		p.UpdatedAt = database.FromMillis(updatedAt)

		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate positions", err)
	}

	return positions, nil
}

// scopeFilter builds the WHERE fragment selecting rows inside a handoff scope
func scopeFilter(scope domain.HandoffScope) (string, []any) {
	clauses := []string{"trading_account_id = ?"}
	args := []any{scope.TradingAccountID}
	if scope.StrategyID != "" {
		clauses = append(clauses, "strategy_id = ?")
		args = append(args, scope.StrategyID)
	}
	if scope.ExecutionID != "" {
		clauses = append(clauses, "execution_id = ?")
		args = append(args, scope.ExecutionID)
	}
	return strings.Join(clauses, " AND "), args
}

func requireOneRow(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return domain.NewPersistenceError(fmt.Sprintf("update %s", resource), err)
	}
	if n == 0 {
		return &domain.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
