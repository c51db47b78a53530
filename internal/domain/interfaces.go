package domain

import "context"

// Directory resolves strategy, portfolio and execution ownership.
// Implemented by the directory service client; consumed by the transfer
// executor and the case manager without importing the client package.
type Directory interface {
	// DefaultManualOwner returns the strategy/portfolio/execution that holds
	// manually controlled quantity for an account
	DefaultManualOwner(ctx context.Context, tradingAccountID string) (Ownership, error)

	// LookupExecution returns the ownership triple of an execution.
	// Returns a NotFoundError when the execution is unknown
	LookupExecution(ctx context.Context, executionID string) (Ownership, error)

	// ResolveExecutionForStrategy returns the active execution of a strategy on an account
	ResolveExecutionForStrategy(ctx context.Context, tradingAccountID, strategyID string) (Ownership, error)
}

// ScriptController starts and stops automated strategy executions.
// The handoff state machine calls it last inside the transition transaction.
type ScriptController interface {
	StartExecution(ctx context.Context, scope HandoffScope) error
	StopExecution(ctx context.Context, scope HandoffScope, emergency bool) error
}

// ExternalOrderFeed finds broker orders placed outside the system
type ExternalOrderFeed interface {
	// FindRecentExternalOrder returns the most recent external order matching the query,
	// or nil when there is none
	FindRecentExternalOrder(ctx context.Context, q ExternalOrderQuery) (*Order, error)
}
