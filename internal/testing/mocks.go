package testing

import (
	"context"
	"sync"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockDirectory is a testify mock of domain.Directory
type MockDirectory struct {
	mock.Mock
}

var _ domain.Directory = (*MockDirectory)(nil)

// DefaultManualOwner returns the configured manual owner
func (m *MockDirectory) DefaultManualOwner(ctx context.Context, tradingAccountID string) (domain.Ownership, error) {
	args := m.Called(ctx, tradingAccountID)
	return args.Get(0).(domain.Ownership), args.Error(1)
}

// LookupExecution returns the configured ownership for an execution
func (m *MockDirectory) LookupExecution(ctx context.Context, executionID string) (domain.Ownership, error) {
	args := m.Called(ctx, executionID)
	return args.Get(0).(domain.Ownership), args.Error(1)
}

// ResolveExecutionForStrategy returns the configured execution for a strategy
func (m *MockDirectory) ResolveExecutionForStrategy(ctx context.Context, tradingAccountID, strategyID string) (domain.Ownership, error) {
	args := m.Called(ctx, tradingAccountID, strategyID)
	return args.Get(0).(domain.Ownership), args.Error(1)
}

// NewStaticDirectory returns a MockDirectory answering the fixture identities:
// manual owner for every account, and exec-a/exec-b for their strategies
func NewStaticDirectory() *MockDirectory {
	d := &MockDirectory{}
	execA := domain.Ownership{StrategyID: TestStrategyA, PortfolioID: TestPortfolio, ExecutionID: TestExecutionA}
	execB := domain.Ownership{StrategyID: TestStrategyB, PortfolioID: TestPortfolio, ExecutionID: TestExecutionB}

	d.On("DefaultManualOwner", mock.Anything, mock.Anything).Return(ManualOwner(), nil).Maybe()
	d.On("LookupExecution", mock.Anything, TestExecutionA).Return(execA, nil).Maybe()
	d.On("LookupExecution", mock.Anything, TestExecutionB).Return(execB, nil).Maybe()
	d.On("ResolveExecutionForStrategy", mock.Anything, mock.Anything, TestStrategyA).Return(execA, nil).Maybe()
	d.On("ResolveExecutionForStrategy", mock.Anything, mock.Anything, TestStrategyB).Return(execB, nil).Maybe()
	return d
}

// MockScriptController records start/stop calls and can be told to fail
type MockScriptController struct {
	mu       sync.Mutex
	Started  []domain.HandoffScope
	Stopped  []domain.HandoffScope
	Emergent []bool
	err      error
}

var _ domain.ScriptController = (*MockScriptController)(nil)

// NewMockScriptController creates a new mock script controller
func NewMockScriptController() *MockScriptController {
	return &MockScriptController{}
}

// SetError makes every subsequent call fail with err
func (m *MockScriptController) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// StartExecution records the scope
func (m *MockScriptController) StartExecution(ctx context.Context, scope domain.HandoffScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.Started = append(m.Started, scope)
	return nil
}

// StopExecution records the scope and whether it was an emergency stop
func (m *MockScriptController) StopExecution(ctx context.Context, scope domain.HandoffScope, emergency bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.Stopped = append(m.Stopped, scope)
	m.Emergent = append(m.Emergent, emergency)
	return nil
}
