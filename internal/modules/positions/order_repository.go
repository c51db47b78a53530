package positions

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const orderColumns = `order_id, trading_account_id, strategy_id, execution_id, symbol, side,
	quantity, price, status, source, created_at, updated_at`

var pendingStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusOpen,
	domain.OrderStatusPartiallyFilled,
}

// OrderRepository handles order database operations.
// It also serves as the external order feed: broker-placed orders land in
// the same table tagged with source "external".
type OrderRepository struct {
	db  database.Querier
	log zerolog.Logger
}

var _ domain.ExternalOrderFeed = (*OrderRepository)(nil)

// NewOrderRepository creates a new order repository
func NewOrderRepository(db database.Querier, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// WithTx returns a repository bound to a transaction
func (r *OrderRepository) WithTx(tx *sql.Tx) *OrderRepository {
	return &OrderRepository{db: tx, log: r.log}
}

// Insert creates an order row
func (r *OrderRepository) Insert(ctx context.Context, o domain.Order) error {
	o.Symbol = normalizeSymbol(o.Symbol)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders
		(order_id, trading_account_id, strategy_id, execution_id, symbol, side,
		 quantity, price, status, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.OrderID,
		o.TradingAccountID,
		o.StrategyID,
		o.ExecutionID,
		o.Symbol,
		string(o.Side),
		o.Quantity.String(),
		o.Price.String(),
		string(o.Status),
		string(o.Source),
		database.ToMillis(o.CreatedAt),
		database.ToMillis(o.UpdatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert order", err)
	}
	return nil
}

// GetByID returns an order, or nil if it does not exist
func (r *OrderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, domain.NewPersistenceError("query order", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// GetPendingInScope returns cancellable orders inside a handoff scope.
// An empty source matches every source.
func (r *OrderRepository) GetPendingInScope(ctx context.Context, scope domain.HandoffScope, source domain.OrderSource) ([]domain.Order, error) {
	where, args := scopeFilter(scope)
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` AND status IN (?, ?, ?)`
	for _, s := range pendingStatuses {
		args = append(args, string(s))
	}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, string(source))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("query pending orders", err)
	}
	return scanOrders(rows)
}

// CancelPendingInScope cancels every pending order in scope from the given
// source (all sources when empty) and returns how many were cancelled
func (r *OrderRepository) CancelPendingInScope(ctx context.Context, scope domain.HandoffScope, source domain.OrderSource, reason string, now time.Time) (int, error) {
	where, args := scopeFilter(scope)
	query := `UPDATE orders SET status = ?, cancel_reason = ?, updated_at = ? WHERE ` + where + ` AND status IN (?, ?, ?)`
	args = append([]any{string(domain.OrderStatusCancelled), reason, database.ToMillis(now)}, args...)
	for _, s := range pendingStatuses {
		args = append(args, string(s))
	}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, string(source))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, domain.NewPersistenceError("cancel pending orders", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, domain.NewPersistenceError("cancel pending orders", err)
	}

	if n > 0 {
		r.log.Info().
			Str("trading_account_id", scope.TradingAccountID).
			Str("source", string(source)).
			Int64("cancelled", n).
			Msg("Cancelled pending orders")
	}
	return int(n), nil
}

// FindRecentExternalOrder returns the newest filled external order matching
// side and quantity for the symbol since q.Since, or nil when none exists
func (r *OrderRepository) FindRecentExternalOrder(ctx context.Context, q domain.ExternalOrderQuery) (*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE trading_account_id = ? AND symbol = ? AND source = ? AND side = ?
		  AND status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC
	`,
		q.TradingAccountID,
		normalizeSymbol(q.Symbol),
		string(domain.OrderSourceExternal),
		string(q.Side),
		string(domain.OrderStatusFilled),
		string(domain.OrderStatusPartiallyFilled),
		database.ToMillis(q.Since),
	)
	if err != nil {
		return nil, domain.NewPersistenceError("query external orders", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}

	// Quantities are compared as decimals; TEXT equality would miss "10" vs "10.0"
	for i := range orders {
		if orders[i].Quantity.Equal(q.Quantity) {
			return &orders[i], nil
		}
	}
	return nil, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, quantity, price, status, source string
		var createdAt, updatedAt int64

		err := rows.Scan(
			&o.OrderID,
			&o.TradingAccountID,
			&o.StrategyID,
			&o.ExecutionID,
			&o.Symbol,
			&side,
			&quantity,
			&price,
			&status,
			&source,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, domain.NewPersistenceError("scan order", err)
		}

		if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, domain.NewPersistenceError("parse order quantity", err)
		}
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, domain.NewPersistenceError("parse order price", err)
		}
		o.Side = domain.OrderSide(strings.ToUpper(side))
		o.Status = domain.OrderStatus(status)
		o.Source = domain.OrderSource(source)
		o.CreatedAt = database.FromMillis(createdAt)
		o.UpdatedAt = database.FromMillis(updatedAt)

		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate orders", err)
	}

	return orders, nil
}
