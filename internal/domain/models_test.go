package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosition_Available(t *testing.T) {
	tests := []struct {
		name     string
		quantity string
		expected string
	}{
		{name: "long", quantity: "100", expected: "100"},
		{name: "short", quantity: "-40.5", expected: "40.5"},
		{name: "flat", quantity: "0", expected: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Position{Quantity: decimal.RequireFromString(tt.quantity)}
			assert.True(t, p.Available().Equal(decimal.RequireFromString(tt.expected)))
		})
	}
}

func TestOrder_IsPending(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		expected bool
	}{
		{OrderStatusPending, true},
		{OrderStatusOpen, true},
		{OrderStatusPartiallyFilled, true},
		{OrderStatusFilled, false},
		{OrderStatusCancelled, false},
		{OrderStatusRejected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, Order{Status: tt.status}.IsPending())
		})
	}
}

func TestOrder_SignedQuantity(t *testing.T) {
	buy := Order{Side: OrderSideBuy, Quantity: decimal.NewFromInt(10)}
	sell := Order{Side: OrderSideSell, Quantity: decimal.NewFromInt(10)}

	assert.True(t, buy.SignedQuantity().Equal(decimal.NewFromInt(10)))
	assert.True(t, sell.SignedQuantity().Equal(decimal.NewFromInt(-10)))
}

func TestAttributionDecision_TotalQuantity(t *testing.T) {
	d := AttributionDecision{
		AllocationDecisions: []AllocationDecision{
			{PositionID: "p1", Quantity: decimal.RequireFromString("10.5")},
			{PositionID: "p2", Quantity: decimal.RequireFromString("4.5")},
		},
	}
	assert.True(t, d.TotalQuantity().Equal(decimal.NewFromInt(15)))
	assert.True(t, AttributionDecision{}.TotalQuantity().IsZero())
}

func TestTransferInstruction_Kinds(t *testing.T) {
	toManual := TransferInstruction{SourceExecutionID: "exec-1", TargetExecutionID: TargetManual}
	assert.True(t, toManual.IsToManual())
	assert.False(t, toManual.IsEntry())

	entry := TransferInstruction{TargetExecutionID: "exec-2"}
	assert.True(t, entry.IsEntry())
	assert.False(t, entry.IsToManual())

	pinned := TransferInstruction{SourcePositionID: "pos-1", TargetExecutionID: "exec-2"}
	assert.False(t, pinned.IsEntry())
}

func TestHandoffScope_Key(t *testing.T) {
	assert.Equal(t, "acct|strat|exec", HandoffScope{TradingAccountID: "acct", StrategyID: "strat", ExecutionID: "exec"}.Key())
	assert.Equal(t, "acct||", HandoffScope{TradingAccountID: "acct"}.Key())
}

func TestHandoffState_EffectiveMode(t *testing.T) {
	settled := HandoffState{CurrentMode: HandoffModeScript}
	assert.Equal(t, HandoffModeScript, settled.EffectiveMode())

	inFlight := HandoffState{CurrentMode: HandoffModeTransitioning, PreviousMode: HandoffModeManual}
	assert.Equal(t, HandoffModeManual, inFlight.EffectiveMode())
}

func TestCasePriority_Rank(t *testing.T) {
	assert.Less(t, CasePriorityHigh.Rank(), CasePriorityNormal.Rank())
	assert.Less(t, CasePriorityNormal.Rank(), CasePriorityLow.Rank())
}

func TestCaseStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   CaseStatus
		terminal bool
	}{
		{CaseStatusPending, false},
		{CaseStatusInProgress, false},
		{CaseStatusResolved, false},
		{CaseStatusApplied, true},
		{CaseStatusFailed, true},
		{CaseStatusExpired, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), tt.status)
	}
}

func TestParseEnums(t *testing.T) {
	m, err := ParseAllocationMethod("")
	require.NoError(t, err)
	assert.Equal(t, AllocationMethodFIFO, m)

	m, err = ParseAllocationMethod("PROPORTIONAL")
	require.NoError(t, err)
	assert.Equal(t, AllocationMethodProportional, m)

	_, err = ParseAllocationMethod("LIFO")
	assert.True(t, IsValidation(err))

	_, err = ParseCaseStatus("DONE")
	assert.True(t, IsValidation(err))

	s, err := ParseCaseStatus("IN_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, CaseStatusInProgress, s)

	_, err = ParseCasePriority("URGENT")
	assert.True(t, IsValidation(err))

	tt, err := ParseTransitionType("EMERGENCY_STOP")
	require.NoError(t, err)
	assert.Equal(t, TransitionEmergencyStop, tt)
}

func TestErrorHelpers(t *testing.T) {
	base := errors.New("disk full")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("quantity", "must be positive"), IsValidation},
		{"conflict", NewConflictError("case", "is not resolved"), IsConflict},
		{"insufficient", &InsufficientQuantityError{PositionID: "p1"}, IsInsufficientQuantity},
		{"unavailable", &ServiceUnavailableError{Service: "directory", Err: base}, IsServiceUnavailable},
		{"persistence", NewPersistenceError("insert case", base), IsPersistence},
		{"not found", &NotFoundError{Resource: "case", ID: "c1"}, IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to do thing: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.False(t, tt.check(base))
		})
	}

	assert.ErrorIs(t, NewPersistenceError("insert", base), base)
	assert.Contains(t, NewConflictError("handoff", "already in progress").Error(), "already in progress")
}
