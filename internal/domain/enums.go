package domain

import "fmt"

// PositionSource records who opened a position
type PositionSource string

const (
	PositionSourceScript   PositionSource = "script"
	PositionSourceManual   PositionSource = "manual"
	PositionSourceExternal PositionSource = "external"
	// PositionSourceReconciliation marks lots created by transfers or entry attribution
	PositionSourceReconciliation PositionSource = "reconciliation"
)

// ControlMode records which controller currently owns a position
type ControlMode string

const (
	ControlModeScript ControlMode = "script"
	ControlModeManual ControlMode = "manual"
)

// OrderSide is BUY or SELL
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus is the lifecycle state of an order row
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OrderSource records who placed an order
type OrderSource string

const (
	OrderSourceScript   OrderSource = "script"
	OrderSourceManual   OrderSource = "manual"
	OrderSourceExternal OrderSource = "external" // placed at the broker outside this system
)

// AllocationMethod selects how an exit is spread across positions
type AllocationMethod string

const (
	AllocationMethodFIFO         AllocationMethod = "FIFO"
	AllocationMethodProportional AllocationMethod = "PROPORTIONAL"
)

// ParseAllocationMethod parses a method name, defaulting to FIFO when empty
func ParseAllocationMethod(s string) (AllocationMethod, error) {
	switch AllocationMethod(s) {
	case "":
		return AllocationMethodFIFO, nil
	case AllocationMethodFIFO, AllocationMethodProportional:
		return AllocationMethod(s), nil
	}
	return "", NewValidationError("method", fmt.Sprintf("unsupported allocation method %q", s))
}

// VarianceType classifies a holdings variance
type VarianceType string

const (
	VarianceTypeKnownExit          VarianceType = "KNOWN_EXIT"
	VarianceTypeUnknownExit        VarianceType = "UNKNOWN_EXIT"
	VarianceTypeUnknownEntry       VarianceType = "UNKNOWN_ENTRY"
	VarianceTypeRoundingDifference VarianceType = "ROUNDING_DIFFERENCE"
	VarianceTypePositionMismatch   VarianceType = "POSITION_MISMATCH"
)

// ResolutionType is the outcome of reconciling one variance
type ResolutionType string

const (
	ResolutionAutoResolved   ResolutionType = "AUTO_RESOLVED"
	ResolutionManualRequired ResolutionType = "MANUAL_REQUIRED"
	ResolutionIgnored        ResolutionType = "IGNORED"
	ResolutionFailed         ResolutionType = "FAILED"
)

// CaseStatus is the lifecycle state of a manual attribution case
type CaseStatus string

const (
	CaseStatusPending    CaseStatus = "PENDING"
	CaseStatusInProgress CaseStatus = "IN_PROGRESS"
	CaseStatusResolved   CaseStatus = "RESOLVED"
	CaseStatusApplied    CaseStatus = "APPLIED"
	CaseStatusFailed     CaseStatus = "FAILED"
	CaseStatusExpired    CaseStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible. A FAILED
// case keeps its partial transfers and is never retried.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusApplied || s == CaseStatusFailed || s == CaseStatusExpired
}

// ParseCaseStatus validates a status received from a caller
func ParseCaseStatus(s string) (CaseStatus, error) {
	switch CaseStatus(s) {
	case CaseStatusPending, CaseStatusInProgress, CaseStatusResolved,
		CaseStatusApplied, CaseStatusFailed, CaseStatusExpired:
		return CaseStatus(s), nil
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown case status %q", s))
}

// CasePriority orders the manual attribution queue
type CasePriority string

const (
	CasePriorityHigh   CasePriority = "HIGH"
	CasePriorityNormal CasePriority = "NORMAL"
	CasePriorityLow    CasePriority = "LOW"
)

// Rank sorts HIGH before NORMAL before LOW
func (p CasePriority) Rank() int {
	switch p {
	case CasePriorityHigh:
		return 0
	case CasePriorityNormal:
		return 1
	default:
		return 2
	}
}

// ParseCasePriority validates a priority received from a caller
func ParseCasePriority(s string) (CasePriority, error) {
	switch CasePriority(s) {
	case CasePriorityHigh, CasePriorityNormal, CasePriorityLow:
		return CasePriority(s), nil
	}
	return "", NewValidationError("priority", fmt.Sprintf("unknown case priority %q", s))
}

// CaseType distinguishes unattributed exits from unattributed entries
type CaseType string

const (
	CaseTypeExit  CaseType = "EXIT"
	CaseTypeEntry CaseType = "ENTRY"
)

// TransferOperation names what the executor did for one instruction
type TransferOperation string

const (
	TransferOpToManual       TransferOperation = "TRANSFER_TO_MANUAL"
	TransferOpReassign       TransferOperation = "REASSIGN"
	TransferOpSplit          TransferOperation = "SPLIT"
	TransferOpAttributeEntry TransferOperation = "ATTRIBUTE_ENTRY"
)

// TriggerType records what started a transfer batch
type TriggerType string

const (
	TriggerVariance   TriggerType = "VARIANCE"
	TriggerManualCase TriggerType = "MANUAL_CASE"
	TriggerOperator   TriggerType = "OPERATOR"
)

// BatchStatus is the lifecycle state of a transfer batch
type BatchStatus string

const (
	BatchStatusInProgress BatchStatus = "IN_PROGRESS"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusPartial    BatchStatus = "PARTIAL"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// HandoffMode is the controller allowed to place orders for a scope
type HandoffMode string

const (
	HandoffModeManual        HandoffMode = "MANUAL"
	HandoffModeScript        HandoffMode = "SCRIPT"
	HandoffModeTransitioning HandoffMode = "TRANSITIONING"
)

// TransitionStatus is the state of the latest handoff transition
type TransitionStatus string

const (
	TransitionStatusInProgress TransitionStatus = "IN_PROGRESS"
	TransitionStatusCompleted  TransitionStatus = "COMPLETED"
	TransitionStatusFailed     TransitionStatus = "FAILED"
)

// TransitionType is a requested handoff
type TransitionType string

const (
	TransitionManualToScript TransitionType = "MANUAL_TO_SCRIPT"
	TransitionScriptToManual TransitionType = "SCRIPT_TO_MANUAL"
	TransitionEmergencyStop  TransitionType = "EMERGENCY_STOP"
)

// ParseTransitionType validates a transition type received from a caller
func ParseTransitionType(s string) (TransitionType, error) {
	switch TransitionType(s) {
	case TransitionManualToScript, TransitionScriptToManual, TransitionEmergencyStop:
		return TransitionType(s), nil
	}
	return "", NewValidationError("transition_type", fmt.Sprintf("unknown transition type %q", s))
}
