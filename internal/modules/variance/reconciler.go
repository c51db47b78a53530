package variance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/aristath/reconciler/internal/modules/attribution"
	"github.com/aristath/reconciler/internal/modules/cases"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/aristath/reconciler/internal/modules/transfers"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// EventVarianceResolved is the audit event written after every reconciliation
const EventVarianceResolved = "variance_resolved"

// PositionReader loads the internal positions of an account and symbol
type PositionReader interface {
	GetOpenByAccountSymbol(ctx context.Context, tradingAccountID, symbol string) ([]domain.Position, error)
}

// Attributor allocates an exit across positions
type Attributor interface {
	AttributePartialExit(ctx context.Context, req attribution.AttributionRequest) (*domain.AllocationResult, error)
}

// TransferExecutor applies a complete allocation
type TransferExecutor interface {
	ExecuteAttributionTransfers(ctx context.Context, alloc *domain.AllocationResult, executedBy string) (*domain.ReconciliationTransferResult, error)
}

// CaseCreator opens manual attribution cases
type CaseCreator interface {
	CreateCase(ctx context.Context, req cases.CreateCaseRequest) (string, error)
}

// Settings tunes variance classification
type Settings struct {
	Threshold        decimal.Decimal // |variance| at or below is noise
	RoundingFloor    decimal.Decimal // |variance| below is a rounding difference
	ExternalLookback time.Duration   // window searched for a matching external order
}

// DefaultSettings returns the production classification settings
func DefaultSettings() Settings {
	return Settings{
		Threshold:        decimal.RequireFromString("0.01"),
		RoundingFloor:    decimal.NewFromInt(1),
		ExternalLookback: 24 * time.Hour,
	}
}

// ReconcileRequest is one broker holding to reconcile
type ReconcileRequest struct {
	TradingAccountID string          `json:"trading_account_id" validate:"required"`
	Symbol           string          `json:"symbol" validate:"required"`
	BrokerQuantity   decimal.Decimal `json:"broker_quantity"`
	// InternalPositions is a snapshot; nil loads open positions from the ledger
	InternalPositions []domain.Position `json:"internal_positions,omitempty"`
	// Threshold overrides the configured noise threshold
	Threshold *decimal.Decimal `json:"threshold,omitempty"`
}

// Reconciler classifies holdings variances and routes them to automatic
// attribution or to a manual case
type Reconciler struct {
	positions  PositionReader
	orders     domain.ExternalOrderFeed
	attributor Attributor
	executor   TransferExecutor
	cases      CaseCreator
	variances  *Repository
	settings   Settings
	validate   *validator.Validate
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// NewReconciler creates a new variance reconciler
func NewReconciler(
	positionReader PositionReader,
	orders domain.ExternalOrderFeed,
	attributor Attributor,
	executor TransferExecutor,
	caseCreator CaseCreator,
	varianceRepo *Repository,
	settings Settings,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		positions:  positionReader,
		orders:     orders,
		attributor: attributor,
		executor:   executor,
		cases:      caseCreator,
		variances:  varianceRepo,
		settings:   settings,
		validate:   validator.New(),
		metrics:    m,
		log:        log.With().Str("service", "variance").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileVariance compares the broker quantity with the internal positions
// and resolves the difference. Only malformed requests return an error; any
// failure after that is reported as a FAILED result flagged for manual review.
func (r *Reconciler) ReconcileVariance(ctx context.Context, req ReconcileRequest) (*domain.VarianceResolutionResult, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, domain.NewValidationError("request", err.Error())
	}
	threshold := r.settings.Threshold
	if req.Threshold != nil {
		if req.Threshold.IsNegative() {
			return nil, domain.NewValidationError("threshold", "must not be negative")
		}
		threshold = *req.Threshold
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	for i, p := range req.InternalPositions {
		if p.TradingAccountID != req.TradingAccountID || strings.ToUpper(p.Symbol) != symbol {
			return nil, domain.NewValidationError(fmt.Sprintf("internal_positions[%d]", i),
				fmt.Sprintf("position %s is on %s/%s, not %s/%s", p.PositionID, p.TradingAccountID, p.Symbol, req.TradingAccountID, symbol))
		}
	}

	result := &domain.VarianceResolutionResult{
		TradingAccountID:  req.TradingAccountID,
		Symbol:            symbol,
		VarianceResolved:  decimal.Zero,
		VarianceRemaining: decimal.Zero,
		Warnings:          []string{},
	}

	internal := req.InternalPositions
	if internal == nil {
		loaded, err := r.positions.GetOpenByAccountSymbol(ctx, req.TradingAccountID, symbol)
		if err != nil {
			return r.failed(ctx, result, nil, fmt.Errorf("failed to load internal positions: %w", err)), nil
		}
		internal = loaded
	}
	if internal == nil {
		internal = []domain.Position{}
	}

	v := &domain.HoldingsVariance{
		VarianceID:        uuid.New().String(),
		TradingAccountID:  req.TradingAccountID,
		Symbol:            symbol,
		BrokerQuantity:    req.BrokerQuantity,
		InternalQuantity:  positions.SumQuantity(internal),
		DetectedAt:        r.now(),
		PositionsInvolved: internal,
		Metadata:          map[string]string{"threshold": threshold.String()},
	}
	v.VarianceQuantity = v.BrokerQuantity.Sub(v.InternalQuantity)
	result.VarianceID = v.VarianceID
	result.VarianceQuantity = v.VarianceQuantity

	outcome, classifyErr := r.classify(ctx, v, threshold)
	result.VarianceType = v.VarianceType

	// The variance is recorded before any resolution work starts
	if err := r.variances.InsertVariance(ctx, v); err != nil {
		return r.failed(ctx, result, nil, fmt.Errorf("failed to record variance: %w", err)), nil
	}
	if classifyErr != nil {
		return r.failed(ctx, result, v, classifyErr), nil
	}

	var err error
	switch outcome.route {
	case routeIgnore:
		result.ResolutionType = domain.ResolutionIgnored
		result.VarianceRemaining = v.VarianceQuantity.Abs()
		if outcome.warning != "" {
			result.Warnings = append(result.Warnings, outcome.warning)
		}
	case routeAttribute:
		err = r.resolveExit(ctx, v, outcome, internal, result)
	default:
		err = r.openCase(ctx, v, outcome, internal, nil, v.VarianceQuantity.Abs(), result)
	}
	if err != nil {
		return r.failed(ctx, result, v, err), nil
	}

	r.audit(ctx, v, result)
	r.metrics.RecordVariance(string(v.VarianceType), string(result.ResolutionType))

	r.log.Info().
		Str("variance_id", v.VarianceID).
		Str("trading_account_id", v.TradingAccountID).
		Str("symbol", v.Symbol).
		Stringer("broker", v.BrokerQuantity).
		Stringer("internal", v.InternalQuantity).
		Stringer("variance", v.VarianceQuantity).
		Str("variance_type", string(v.VarianceType)).
		Str("resolution", string(result.ResolutionType)).
		Str("case_id", result.CaseID).
		Msg("Holdings variance reconciled")

	return result, nil
}

type route int

const (
	routeIgnore route = iota
	routeAttribute
	routeManual
)

// classification is how a variance will be resolved
type classification struct {
	route    route
	warning  string
	caseType domain.CaseType
	exit     attribution.AttributionRequest
}

// classify sets the variance type and decides the route. Only the external
// order lookup can fail.
func (r *Reconciler) classify(ctx context.Context, v *domain.HoldingsVariance, threshold decimal.Decimal) (classification, error) {
	abs := v.VarianceQuantity.Abs()

	switch {
	case abs.LessThanOrEqual(threshold):
		v.VarianceType = domain.VarianceTypeRoundingDifference
		return classification{route: routeIgnore}, nil

	case abs.LessThan(r.settings.RoundingFloor):
		v.VarianceType = domain.VarianceTypeRoundingDifference
		return classification{
			route:   routeIgnore,
			warning: fmt.Sprintf("rounding difference of %s recorded for audit only", v.VarianceQuantity),
		}, nil

	case oppositeSigns(v.BrokerQuantity, v.InternalQuantity):
		v.VarianceType = domain.VarianceTypePositionMismatch
		caseType := domain.CaseTypeEntry
		if v.VarianceQuantity.IsNegative() {
			caseType = domain.CaseTypeExit
		}
		return classification{route: routeManual, caseType: caseType}, nil

	case v.VarianceQuantity.IsNegative():
		exit := attribution.AttributionRequest{
			TradingAccountID: v.TradingAccountID,
			Symbol:           v.Symbol,
			ExitQuantity:     abs,
			ExitPrice:        decimal.Zero,
			ExitTimestamp:    v.DetectedAt,
		}
		v.VarianceType = domain.VarianceTypeUnknownExit

		order, err := r.orders.FindRecentExternalOrder(ctx, domain.ExternalOrderQuery{
			TradingAccountID: v.TradingAccountID,
			Symbol:           v.Symbol,
			Side:             domain.OrderSideSell,
			Quantity:         abs,
			Since:            v.DetectedAt.Add(-r.settings.ExternalLookback),
		})
		if err != nil {
			return classification{route: routeAttribute, exit: exit}, fmt.Errorf("failed to query external orders: %w", err)
		}
		if order != nil {
			v.VarianceType = domain.VarianceTypeKnownExit
			v.Metadata["external_order_id"] = order.OrderID
			exit.ExitQuantity = order.Quantity
			exit.ExitPrice = order.Price
			exit.ExitTimestamp = order.CreatedAt
		}
		return classification{route: routeAttribute, caseType: domain.CaseTypeExit, exit: exit}, nil

	default:
		v.VarianceType = domain.VarianceTypeUnknownEntry
		return classification{route: routeManual, caseType: domain.CaseTypeEntry}, nil
	}
}

// resolveExit attributes a missing quantity and applies it when the
// allocation is complete
func (r *Reconciler) resolveExit(ctx context.Context, v *domain.HoldingsVariance, c classification, internal []domain.Position, result *domain.VarianceResolutionResult) error {
	req := c.exit
	req.Positions = internal

	alloc, err := r.attributor.AttributePartialExit(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to attribute exit: %w", err)
	}
	result.AllocationID = alloc.AllocationID

	if alloc.RequiresManualIntervention {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("only %s of %s could be allocated", alloc.TotalAllocatedQuantity, alloc.ExitQuantity))
		return r.openCase(ctx, v, c, internal, alloc, alloc.ExitQuantity, result)
	}

	transfer, err := r.executor.ExecuteAttributionTransfers(ctx, alloc, transfers.SystemActor)
	if err != nil {
		return fmt.Errorf("failed to apply allocation: %w", err)
	}
	result.TransferID = transfer.TransferID

	if transfer.Succeeded() {
		result.ResolutionType = domain.ResolutionAutoResolved
		result.VarianceResolved = transfer.TotalQuantityTransferred
		result.VarianceRemaining = alloc.ExitQuantity.Sub(transfer.TotalQuantityTransferred)
		return nil
	}

	// What the batch moved stays moved; the rest goes to a case
	result.VarianceResolved = transfer.TotalQuantityTransferred
	result.Warnings = append(result.Warnings, transfer.Errors...)
	return r.openCase(ctx, v, c, internal, alloc, alloc.ExitQuantity.Sub(transfer.TotalQuantityTransferred), result)
}

// openCase routes the unresolved quantity to a manual attribution case
func (r *Reconciler) openCase(
	ctx context.Context,
	v *domain.HoldingsVariance,
	c classification,
	internal []domain.Position,
	suggested *domain.AllocationResult,
	quantity decimal.Decimal,
	result *domain.VarianceResolutionResult,
) error {
	caseType := c.caseType
	if caseType == "" {
		caseType = domain.CaseTypeExit
	}
	price := c.exit.ExitPrice
	ts := c.exit.ExitTimestamp
	if ts.IsZero() {
		ts = v.DetectedAt
	}

	caseID, err := r.cases.CreateCase(ctx, cases.CreateCaseRequest{
		TradingAccountID:    v.TradingAccountID,
		Symbol:              v.Symbol,
		CaseType:            caseType,
		ExitQuantity:        quantity,
		ExitPrice:           price,
		ExitTimestamp:       ts,
		AffectedPositions:   internal,
		SuggestedAllocation: suggested,
		VarianceID:          v.VarianceID,
		CreatedBy:           "variance-reconciler",
	})
	if err != nil {
		return fmt.Errorf("failed to open attribution case: %w", err)
	}

	result.CaseID = caseID
	result.ResolutionType = domain.ResolutionManualRequired
	result.VarianceRemaining = quantity
	return nil
}

// failed turns an error into a FAILED result. The variance audit is written
// when the variance itself was recorded.
func (r *Reconciler) failed(ctx context.Context, result *domain.VarianceResolutionResult, v *domain.HoldingsVariance, err error) *domain.VarianceResolutionResult {
	result.ResolutionType = domain.ResolutionFailed
	result.RequiresManualReview = true
	result.Error = err.Error()
	if v != nil {
		result.VarianceRemaining = v.VarianceQuantity.Abs().Sub(result.VarianceResolved)
		r.audit(ctx, v, result)
	}

	r.metrics.RecordVariance(string(result.VarianceType), string(domain.ResolutionFailed))
	r.log.Error().
		Err(err).
		Str("variance_id", result.VarianceID).
		Str("trading_account_id", result.TradingAccountID).
		Str("symbol", result.Symbol).
		Stringer("variance", result.VarianceQuantity).
		Msg("Variance reconciliation failed")
	return result
}

func (r *Reconciler) audit(ctx context.Context, v *domain.HoldingsVariance, result *domain.VarianceResolutionResult) {
	details := map[string]string{"variance_type": string(v.VarianceType)}
	if result.AllocationID != "" {
		details["allocation_id"] = result.AllocationID
	}
	if len(result.Warnings) > 0 {
		details["warnings"] = strings.Join(result.Warnings, "; ")
	}

	err := r.variances.InsertAudit(ctx, domain.VarianceAuditEvent{
		VarianceID:        v.VarianceID,
		EventType:         EventVarianceResolved,
		ResolutionType:    result.ResolutionType,
		VarianceResolved:  result.VarianceResolved,
		VarianceRemaining: result.VarianceRemaining,
		CaseID:            result.CaseID,
		TransferID:        result.TransferID,
		Error:             result.Error,
		Details:           details,
		CreatedAt:         r.now(),
	})
	if err != nil {
		result.RequiresManualReview = true
		result.Warnings = append(result.Warnings, "resolution audit could not be recorded: "+err.Error())
		r.log.Error().Err(err).Str("variance_id", v.VarianceID).Msg("Failed to record variance audit")
	}
}

// GetVariance returns a recorded variance with its audit, or nil if unknown
func (r *Reconciler) GetVariance(ctx context.Context, varianceID string) (*domain.HoldingsVariance, []domain.VarianceAuditEvent, error) {
	v, err := r.variances.GetVariance(ctx, varianceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get variance %s: %w", varianceID, err)
	}
	if v == nil {
		return nil, nil, nil
	}
	audit, err := r.variances.ListAudit(ctx, varianceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get audit for variance %s: %w", varianceID, err)
	}
	return v, audit, nil
}

func oppositeSigns(a, b decimal.Decimal) bool {
	return a.Sign() != 0 && b.Sign() != 0 && a.Sign() != b.Sign()
}
