// Package attribution provides partial-exit attribution across open positions.
package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// QuantityPrecision is the number of decimal places quantities are split to
const QuantityPrecision = 8

// PositionReader reads candidate positions.
// The engine never mutates positions; the transfer executor does.
type PositionReader interface {
	GetOpenByAccountSymbol(ctx context.Context, tradingAccountID, symbol string) ([]domain.Position, error)
}

// AttributionRequest describes an exit to attribute
type AttributionRequest struct {
	TradingAccountID string                  `json:"trading_account_id" validate:"required"`
	Symbol           string                  `json:"symbol" validate:"required"`
	ExitQuantity     decimal.Decimal         `json:"exit_quantity"`
	ExitPrice        decimal.Decimal         `json:"exit_price"`
	ExitTimestamp    time.Time               `json:"exit_timestamp"`
	Method           domain.AllocationMethod `json:"method"`
	// Positions overrides the store read with a caller-supplied snapshot
	Positions []domain.Position `json:"-"`
}

// Engine attributes exit quantities to positions
type Engine struct {
	positions PositionReader
	validate  *validator.Validate
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates a new attribution engine
func NewEngine(reader PositionReader, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		positions: reader,
		validate:  validator.New(),
		metrics:   m,
		log:       log.With().Str("service", "attribution").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AttributePartialExit allocates an exit quantity across the open positions of
// an account and symbol. Positions are only read; the result describes what a
// transfer would do. Quantity that cannot be placed is reported as unallocated
// and flags the result for manual intervention.
func (e *Engine) AttributePartialExit(ctx context.Context, req AttributionRequest) (*domain.AllocationResult, error) {
	start := time.Now()

	if err := e.validate.Struct(req); err != nil {
		return nil, domain.NewValidationError("request", err.Error())
	}
	if !req.ExitQuantity.IsPositive() {
		return nil, domain.NewValidationError("exit_quantity", fmt.Sprintf("must be positive, got %s", req.ExitQuantity))
	}
	method, err := domain.ParseAllocationMethod(string(req.Method))
	if err != nil {
		return nil, err
	}

	candidates := req.Positions
	if candidates == nil {
		candidates, err = e.positions.GetOpenByAccountSymbol(ctx, req.TradingAccountID, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to load positions for %s/%s: %w", req.TradingAccountID, req.Symbol, err)
		}
	} else {
		candidates = append([]domain.Position(nil), candidates...)
	}
	positions.SortFIFO(candidates)

	exitTimestamp := req.ExitTimestamp
	if exitTimestamp.IsZero() {
		exitTimestamp = e.now()
	}

	result := &domain.AllocationResult{
		AllocationID:     uuid.New().String(),
		TradingAccountID: req.TradingAccountID,
		Symbol:           req.Symbol,
		Method:           method,
		ExitQuantity:     req.ExitQuantity,
		ExitPrice:        req.ExitPrice,
		ExitTimestamp:    exitTimestamp,
		Allocations:      []domain.PositionAllocation{},
	}

	trail := newAuditTrail(e.now)
	trail.add("ordering", "", fmt.Sprintf("method=%s candidates=%d", method, len(candidates)))

	eligible := make([]domain.Position, 0, len(candidates))
	for _, p := range candidates {
		if !p.Quantity.IsPositive() {
			trail.add("skipped", p.PositionID, fmt.Sprintf("quantity %s is not a long position", p.Quantity))
			continue
		}
		eligible = append(eligible, p)
	}

	var allocated map[string]decimal.Decimal
	switch method {
	case domain.AllocationMethodProportional:
		allocated = allocateProportional(eligible, req.ExitQuantity, trail)
	default:
		allocated = allocateFIFO(eligible, req.ExitQuantity, trail)
	}

	total := decimal.Zero
	for _, p := range eligible {
		qty, ok := allocated[p.PositionID]
		if !ok || !qty.IsPositive() {
			continue
		}
		remaining := p.Quantity.Sub(qty)
		reason := "FIFO allocation"
		if method == domain.AllocationMethodProportional {
			reason = "proportional allocation"
		}
		if remaining.IsZero() {
			reason += " (position fully consumed)"
		}
		result.Allocations = append(result.Allocations, domain.PositionAllocation{
			PositionID:        p.PositionID,
			Symbol:            p.Symbol,
			StrategyID:        p.StrategyID,
			ExecutionID:       p.ExecutionID,
			PortfolioID:       p.PortfolioID,
			AllocatedQuantity: qty,
			RemainingQuantity: remaining,
			AllocationReason:  reason,
		})
		total = total.Add(qty)
	}

	result.TotalAllocatedQuantity = total
	result.UnallocatedQuantity = req.ExitQuantity.Sub(total)
	result.RequiresManualIntervention = result.UnallocatedQuantity.IsPositive()

	if len(eligible) == 0 {
		trail.add("no_positions", "", "no open long positions for symbol")
	}
	if result.RequiresManualIntervention {
		trail.add("unallocated", "", fmt.Sprintf("%s of %s could not be allocated", result.UnallocatedQuantity, req.ExitQuantity))
	}
	result.AuditTrail = trail.entries

	e.metrics.RecordAllocation(string(method), !result.RequiresManualIntervention, time.Since(start).Seconds())

	e.log.Info().
		Str("allocation_id", result.AllocationID).
		Str("trading_account_id", req.TradingAccountID).
		Str("symbol", req.Symbol).
		Stringer("exit_quantity", req.ExitQuantity).
		Stringer("allocated", result.TotalAllocatedQuantity).
		Stringer("unallocated", result.UnallocatedQuantity).
		Bool("requires_manual", result.RequiresManualIntervention).
		Msg("Partial exit attributed")

	return result, nil
}

// allocateFIFO walks positions oldest first taking min(remaining, quantity) from each
func allocateFIFO(lots []domain.Position, exit decimal.Decimal, trail *auditTrail) map[string]decimal.Decimal {
	allocated := make(map[string]decimal.Decimal, len(lots))
	remaining := exit

	for _, p := range lots {
		if !remaining.IsPositive() {
			trail.add("not_needed", p.PositionID, "exit quantity already satisfied")
			continue
		}
		qty := decimal.Min(remaining, p.Quantity)
		allocated[p.PositionID] = qty
		remaining = remaining.Sub(qty)
		trail.add("allocated", p.PositionID, fmt.Sprintf("allocated %s of %s", qty, p.Quantity))
	}

	return allocated
}

// allocateProportional splits the exit pro rata to position size, truncated
// to QuantityPrecision. Truncation dust is handed out oldest first.
func allocateProportional(lots []domain.Position, exit decimal.Decimal, trail *auditTrail) map[string]decimal.Decimal {
	supply := decimal.Zero
	for _, p := range lots {
		supply = supply.Add(p.Quantity)
	}

	// Not enough supply: every position is consumed whole
	if supply.LessThanOrEqual(exit) {
		return allocateFIFO(lots, exit, trail)
	}

	allocated := make(map[string]decimal.Decimal, len(lots))
	placed := decimal.Zero
	for _, p := range lots {
		share := exit.Mul(p.Quantity).Div(supply).Truncate(QuantityPrecision)
		allocated[p.PositionID] = share
		placed = placed.Add(share)
		trail.add("allocated", p.PositionID, fmt.Sprintf("pro rata share %s of %s", share, p.Quantity))
	}

	dust := exit.Sub(placed)
	for _, p := range lots {
		if !dust.IsPositive() {
			break
		}
		room := p.Quantity.Sub(allocated[p.PositionID])
		extra := decimal.Min(dust, room)
		if !extra.IsPositive() {
			continue
		}
		allocated[p.PositionID] = allocated[p.PositionID].Add(extra)
		dust = dust.Sub(extra)
		trail.add("remainder", p.PositionID, fmt.Sprintf("rounding remainder %s", extra))
	}

	return allocated
}

type auditTrail struct {
	now     func() time.Time
	entries []domain.AuditEntry
}

func newAuditTrail(now func() time.Time) *auditTrail {
	return &auditTrail{now: now}
}

func (a *auditTrail) add(action, positionID, detail string) {
	a.entries = append(a.entries, domain.AuditEntry{
		Timestamp:  a.now(),
		Action:     action,
		PositionID: positionID,
		Detail:     detail,
	})
}
