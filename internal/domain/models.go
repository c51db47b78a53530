// Package domain provides core domain models and types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TargetManual is the reserved target execution meaning "hand to manual control".
const TargetManual = "manual"

// Position represents one lot tracked by the ledger.
// Quantity is signed: positive is long, negative is short.
type Position struct {
	PositionID       string          `json:"position_id"`
	TradingAccountID string          `json:"trading_account_id"`
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	StrategyID       string          `json:"strategy_id"`
	ExecutionID      string          `json:"execution_id"`
	PortfolioID      string          `json:"portfolio_id"`
	Source           PositionSource  `json:"source"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	IsOpen           bool            `json:"is_open"`
	ControlledBy     ControlMode     `json:"controlled_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Available returns the absolute quantity held by the position.
func (p Position) Available() decimal.Decimal {
	return p.Quantity.Abs()
}

// Order represents an order row shared with order placement.
type Order struct {
	OrderID          string          `json:"order_id"`
	TradingAccountID string          `json:"trading_account_id"`
	StrategyID       string          `json:"strategy_id"`
	ExecutionID      string          `json:"execution_id"`
	Symbol           string          `json:"symbol"`
	Side             OrderSide       `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Status           OrderStatus     `json:"status"`
	Source           OrderSource     `json:"source"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsPending reports whether the order can still be cancelled.
func (o Order) IsPending() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// SignedQuantity returns the quantity signed by side (SELL is negative).
func (o Order) SignedQuantity() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// AuditEntry is one decision recorded while producing an allocation.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	PositionID string    `json:"position_id,omitempty"`
	Detail     string    `json:"detail"`
}

// PositionAllocation is one line of an AllocationResult. Immutable once created.
type PositionAllocation struct {
	PositionID        string          `json:"position_id"`
	Symbol            string          `json:"symbol"`
	StrategyID        string          `json:"strategy_id"`
	ExecutionID       string          `json:"execution_id"`
	PortfolioID       string          `json:"portfolio_id"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	AllocationReason  string          `json:"allocation_reason"`
}

// AllocationResult is the outcome of attributing an exit quantity across positions.
type AllocationResult struct {
	AllocationID               string               `json:"allocation_id"`
	TradingAccountID           string               `json:"trading_account_id"`
	Symbol                     string               `json:"symbol"`
	Method                     AllocationMethod     `json:"method"`
	ExitQuantity               decimal.Decimal      `json:"exit_quantity"`
	ExitPrice                  decimal.Decimal      `json:"exit_price"`
	ExitTimestamp              time.Time            `json:"exit_timestamp"`
	Allocations                []PositionAllocation `json:"allocations"`
	TotalAllocatedQuantity     decimal.Decimal      `json:"total_allocated_quantity"`
	UnallocatedQuantity        decimal.Decimal      `json:"unallocated_quantity"`
	RequiresManualIntervention bool                 `json:"requires_manual_intervention"`
	AuditTrail                 []AuditEntry         `json:"audit_trail"`
}

// HoldingsVariance is the immutable audit record of a broker/internal mismatch.
type HoldingsVariance struct {
	VarianceID        string            `json:"variance_id"`
	TradingAccountID  string            `json:"trading_account_id"`
	Symbol            string            `json:"symbol"`
	BrokerQuantity    decimal.Decimal   `json:"broker_quantity"`
	InternalQuantity  decimal.Decimal   `json:"internal_quantity"`
	VarianceQuantity  decimal.Decimal   `json:"variance_quantity"`
	VarianceType      VarianceType      `json:"variance_type"`
	DetectedAt        time.Time         `json:"detected_at"`
	PositionsInvolved []Position        `json:"positions_involved"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// VarianceResolutionResult is what reconciling one variance produced.
type VarianceResolutionResult struct {
	VarianceID           string          `json:"variance_id,omitempty"`
	TradingAccountID     string          `json:"trading_account_id"`
	Symbol               string          `json:"symbol"`
	VarianceType         VarianceType    `json:"variance_type,omitempty"`
	ResolutionType       ResolutionType  `json:"resolution_type"`
	VarianceQuantity     decimal.Decimal `json:"variance_quantity"`
	VarianceResolved     decimal.Decimal `json:"variance_resolved"`
	VarianceRemaining    decimal.Decimal `json:"variance_remaining"`
	AllocationID         string          `json:"allocation_id,omitempty"`
	CaseID               string          `json:"case_id,omitempty"`
	TransferID           string          `json:"transfer_id,omitempty"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	Warnings             []string        `json:"warnings"`
	Error                string          `json:"error,omitempty"`
}

// VarianceAuditEvent is one row of the variance resolution audit.
type VarianceAuditEvent struct {
	ID                int64             `json:"id"`
	VarianceID        string            `json:"variance_id"`
	EventType         string            `json:"event_type"`
	ResolutionType    ResolutionType    `json:"resolution_type"`
	VarianceResolved  decimal.Decimal   `json:"variance_resolved"`
	VarianceRemaining decimal.Decimal   `json:"variance_remaining"`
	CaseID            string            `json:"case_id,omitempty"`
	TransferID        string            `json:"transfer_id,omitempty"`
	Error             string            `json:"error,omitempty"`
	Details           map[string]string `json:"details,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// AllocationDecision assigns part of a case quantity to a position and/or strategy.
type AllocationDecision struct {
	PositionID string          `json:"position_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	StrategyID string          `json:"strategy_id"`
}

// AttributionDecision is the human decision captured when resolving a case.
type AttributionDecision struct {
	CaseID              string               `json:"case_id" validate:"required"`
	DecisionMaker       string               `json:"decision_maker" validate:"required"`
	AllocationDecisions []AllocationDecision `json:"allocation_decisions" validate:"required,min=1"`
	DecisionRationale   string               `json:"decision_rationale"`
	DecisionTimestamp   time.Time            `json:"decision_timestamp"`
}

// TotalQuantity sums the quantities of every allocation decision.
func (d AttributionDecision) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, a := range d.AllocationDecisions {
		total = total.Add(a.Quantity)
	}
	return total
}

// AttributionCase is a manual attribution work item.
type AttributionCase struct {
	CaseID              string              `json:"case_id"`
	TradingAccountID    string              `json:"trading_account_id"`
	Symbol              string              `json:"symbol"`
	CaseType            CaseType            `json:"case_type"`
	ExitQuantity        decimal.Decimal     `json:"exit_quantity"`
	ExitPrice           decimal.Decimal     `json:"exit_price"`
	ExitTimestamp       time.Time           `json:"exit_timestamp"`
	AffectedPositions   []Position          `json:"affected_positions"`
	SuggestedAllocation *AllocationResult   `json:"suggested_allocation,omitempty"`
	Status              CaseStatus          `json:"status"`
	Priority            CasePriority        `json:"priority"`
	AssignedTo          string              `json:"assigned_to,omitempty"`
	ResolutionData      *CaseResolutionData `json:"resolution_data,omitempty"`
	VarianceID          string              `json:"variance_id,omitempty"`
	CreatedBy           string              `json:"created_by"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	AuditTrail          []CaseAuditEvent    `json:"audit_trail,omitempty"`
}

// CaseResolutionData holds the captured decision and, once applied, the execution outcome.
type CaseResolutionData struct {
	Decision       AttributionDecision           `json:"decision"`
	TransferID     string                        `json:"transfer_id,omitempty"`
	AppliedBy      string                        `json:"applied_by,omitempty"`
	AppliedAt      *time.Time                    `json:"applied_at,omitempty"`
	TransferResult *ReconciliationTransferResult `json:"transfer_result,omitempty"`
	FailureReason  string                        `json:"failure_reason,omitempty"`
}

// CaseAuditEvent is one row of the manual attribution audit trail.
type CaseAuditEvent struct {
	ID         int64             `json:"id"`
	CaseID     string            `json:"case_id"`
	EventType  string            `json:"event_type"`
	Actor      string            `json:"actor"`
	FromStatus CaseStatus        `json:"from_status,omitempty"`
	ToStatus   CaseStatus        `json:"to_status,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TransferInstruction moves quantity between executions or to manual control.
// SourcePositionID pins the instruction to one lot; when empty the executor
// draws from the source execution's open lots oldest first. An empty
// SourceExecutionID with no SourcePositionID attributes a new entry.
type TransferInstruction struct {
	SourcePositionID  string            `json:"source_position_id,omitempty"`
	SourceExecutionID string            `json:"source_execution_id"`
	TargetExecutionID string            `json:"target_execution_id" validate:"required"`
	TargetStrategyID  string            `json:"target_strategy_id,omitempty"`
	TradingAccountID  string            `json:"trading_account_id" validate:"required"`
	Symbol            string            `json:"symbol" validate:"required"`
	Quantity          decimal.Decimal   `json:"quantity"`
	EntryPrice        decimal.Decimal   `json:"entry_price"`
	AllocationReason  string            `json:"allocation_reason"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// IsToManual reports whether the instruction hands quantity to manual control.
func (i TransferInstruction) IsToManual() bool {
	return i.TargetExecutionID == TargetManual
}

// IsEntry reports whether the instruction attributes a new entry with no source lot.
func (i TransferInstruction) IsEntry() bool {
	return i.SourcePositionID == "" && i.SourceExecutionID == ""
}

// InstructionOutcome is the individually recorded result of one instruction.
type InstructionOutcome struct {
	Index               int               `json:"index"`
	Operation           TransferOperation `json:"operation"`
	SourcePositionID    string            `json:"source_position_id,omitempty"`
	NewPositionID       string            `json:"new_position_id,omitempty"`
	SourceExecutionID   string            `json:"source_execution_id"`
	TargetExecutionID   string            `json:"target_execution_id"`
	RequestedQuantity   decimal.Decimal   `json:"requested_quantity"`
	TransferredQuantity decimal.Decimal   `json:"transferred_quantity"`
	Success             bool              `json:"success"`
	Error               string            `json:"error,omitempty"`
}

// ReconciliationTransferResult aggregates the outcome of one transfer batch.
type ReconciliationTransferResult struct {
	TransferID               string               `json:"transfer_id"`
	Status                   BatchStatus          `json:"status"`
	InstructionsCount        int                  `json:"instructions_count"`
	ExecutedCount            int                  `json:"executed_count"`
	FailedCount              int                  `json:"failed_count"`
	TotalQuantityTransferred decimal.Decimal      `json:"total_quantity_transferred"`
	Outcomes                 []InstructionOutcome `json:"outcomes"`
	Errors                   []string             `json:"errors"`
	Warnings                 []string             `json:"warnings"`
}

// Succeeded reports whether every instruction of the batch executed.
func (r ReconciliationTransferResult) Succeeded() bool {
	return r.FailedCount == 0
}

// TransferBatch is the persisted batch record.
type TransferBatch struct {
	TransferID               string               `json:"transfer_id"`
	TriggerType              TriggerType          `json:"trigger_type"`
	TriggerRef               string               `json:"trigger_ref"`
	TradingAccountID         string               `json:"trading_account_id"`
	Symbol                   string               `json:"symbol"`
	InstructionCount         int                  `json:"instruction_count"`
	ExecutedCount            int                  `json:"executed_count"`
	FailedCount              int                  `json:"failed_count"`
	TotalQuantityTransferred decimal.Decimal      `json:"total_quantity_transferred"`
	Status                   BatchStatus          `json:"status"`
	ExecutedBy               string               `json:"executed_by"`
	CreatedAt                time.Time            `json:"created_at"`
	CompletedAt              *time.Time           `json:"completed_at,omitempty"`
	Executions               []InstructionOutcome `json:"executions,omitempty"`
}

// HandoffScope identifies the (account, strategy?, execution?) a handoff state governs.
type HandoffScope struct {
	TradingAccountID string `json:"trading_account_id" validate:"required"`
	StrategyID       string `json:"strategy_id,omitempty"`
	ExecutionID      string `json:"execution_id,omitempty"`
}

// Key returns the canonical storage key of the scope.
func (s HandoffScope) Key() string {
	return s.TradingAccountID + "|" + s.StrategyID + "|" + s.ExecutionID
}

// HandoffState records which controller may place orders for a scope.
type HandoffState struct {
	Scope               HandoffScope     `json:"scope"`
	CurrentMode         HandoffMode      `json:"current_mode"`
	PreviousMode        HandoffMode      `json:"previous_mode,omitempty"`
	TargetMode          HandoffMode      `json:"target_mode,omitempty"`
	TransitionID        string           `json:"transition_id,omitempty"`
	TransitionStatus    TransitionStatus `json:"transition_status,omitempty"`
	TransitionStartedAt *time.Time       `json:"transition_started_at,omitempty"`
	ControlledBy        string           `json:"controlled_by,omitempty"`
	Version             int64            `json:"version"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// EffectiveMode returns the settled mode, looking through an in-flight transition.
func (s HandoffState) EffectiveMode() HandoffMode {
	if s.CurrentMode == HandoffModeTransitioning && s.PreviousMode != "" {
		return s.PreviousMode
	}
	return s.CurrentMode
}

// TransitionAudit is one row of the handoff transition audit.
type TransitionAudit struct {
	ID                   int64            `json:"id"`
	TransitionID         string           `json:"transition_id"`
	Scope                HandoffScope     `json:"scope"`
	TransitionType       TransitionType   `json:"transition_type"`
	FromMode             HandoffMode      `json:"from_mode"`
	ToMode               HandoffMode      `json:"to_mode"`
	Status               TransitionStatus `json:"status"`
	RequestedBy          string           `json:"requested_by"`
	Reason               string           `json:"reason,omitempty"`
	Forced               bool             `json:"forced"`
	PositionsTransferred int              `json:"positions_transferred"`
	OrdersCancelled      int              `json:"orders_cancelled"`
	Warnings             []string         `json:"warnings,omitempty"`
	Error                string           `json:"error,omitempty"`
	RollbackAttempted    bool             `json:"rollback_attempted"`
	RollbackSucceeded    bool             `json:"rollback_succeeded"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Ownership is the strategy/portfolio/execution triple a quantity belongs to.
type Ownership struct {
	StrategyID  string `json:"strategy_id"`
	PortfolioID string `json:"portfolio_id"`
	ExecutionID string `json:"execution_id"`
}

// ExternalOrderQuery describes the broker order the variance reconciler looks for.
type ExternalOrderQuery struct {
	TradingAccountID string
	Symbol           string
	Side             OrderSide
	Quantity         decimal.Decimal
	Since            time.Time
}
