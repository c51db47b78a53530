package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/rs/zerolog"
)

// ScriptServiceName labels script service calls in errors and metrics
const ScriptServiceName = "script-service"

var _ domain.ScriptController = (*ScriptClient)(nil)

type executionCommand struct {
	TradingAccountID string `json:"trading_account_id"`
	StrategyID       string `json:"strategy_id,omitempty"`
	ExecutionID      string `json:"execution_id,omitempty"`
	Emergency        bool   `json:"emergency,omitempty"`
}

// ScriptClient starts and stops strategy executions on the script service
type ScriptClient struct {
	transport *transport
	log       zerolog.Logger
}

// NewScriptClient creates a script service client
func NewScriptClient(baseURL string, timeout time.Duration, breaker BreakerSettings, m *metrics.Metrics, log zerolog.Logger) *ScriptClient {
	log = log.With().Str("client", ScriptServiceName).Logger()
	return &ScriptClient{
		transport: newTransport(ScriptServiceName, baseURL, timeout, breaker, m, log),
		log:       log,
	}
}

// BreakerState reports the circuit breaker state
func (c *ScriptClient) BreakerState() string {
	return c.transport.State()
}

// StartExecution resumes scripted order placement for a scope
func (c *ScriptClient) StartExecution(ctx context.Context, scope domain.HandoffScope) error {
	return c.send(ctx, "/executions/start", commandFor(scope, false))
}

// StopExecution halts scripted order placement for a scope
func (c *ScriptClient) StopExecution(ctx context.Context, scope domain.HandoffScope, emergency bool) error {
	return c.send(ctx, "/executions/stop", commandFor(scope, emergency))
}

func (c *ScriptClient) send(ctx context.Context, path string, cmd executionCommand) error {
	if err := c.transport.do(ctx, "POST", path, cmd, nil); err != nil {
		return fmt.Errorf("script service %s for %s: %w", path, cmd.TradingAccountID, err)
	}
	c.log.Info().
		Str("path", path).
		Str("trading_account_id", cmd.TradingAccountID).
		Str("strategy_id", cmd.StrategyID).
		Str("execution_id", cmd.ExecutionID).
		Bool("emergency", cmd.Emergency).
		Msg("Script service command accepted")
	return nil
}

func commandFor(scope domain.HandoffScope, emergency bool) executionCommand {
	return executionCommand{
		TradingAccountID: scope.TradingAccountID,
		StrategyID:       scope.StrategyID,
		ExecutionID:      scope.ExecutionID,
		Emergency:        emergency,
	}
}
