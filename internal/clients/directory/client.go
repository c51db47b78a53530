// Package directory provides clients for the strategy/portfolio/execution
// directory service and the script execution service.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/rs/zerolog"
)

// ServiceName labels directory calls in errors and metrics
const ServiceName = "directory"

var _ domain.Directory = (*Client)(nil)

type ownershipResponse struct {
	StrategyID  string `json:"strategy_id"`
	PortfolioID string `json:"portfolio_id"`
	ExecutionID string `json:"execution_id"`
}

// Client resolves ownership triples through the directory service
type Client struct {
	transport *transport
	cache     Cache
	log       zerolog.Logger
}

// NewClient creates a directory client. A nil cache disables caching.
func NewClient(baseURL string, timeout time.Duration, cache Cache, breaker BreakerSettings, m *metrics.Metrics, log zerolog.Logger) *Client {
	if cache == nil {
		cache = NoCache{}
	}
	log = log.With().Str("client", ServiceName).Logger()
	return &Client{
		transport: newTransport(ServiceName, baseURL, timeout, breaker, m, log),
		cache:     cache,
		log:       log,
	}
}

// DefaultManualOwner returns the owner of manually controlled quantity on an account
func (c *Client) DefaultManualOwner(ctx context.Context, tradingAccountID string) (domain.Ownership, error) {
	path := fmt.Sprintf("/accounts/%s/manual-owner", url.PathEscape(tradingAccountID))
	return c.lookup(ctx, "manual|"+tradingAccountID, path, "manual owner", tradingAccountID)
}

// LookupExecution returns the ownership of an execution
func (c *Client) LookupExecution(ctx context.Context, executionID string) (domain.Ownership, error) {
	path := fmt.Sprintf("/executions/%s", url.PathEscape(executionID))
	return c.lookup(ctx, "exec|"+executionID, path, "execution", executionID)
}

// ResolveExecutionForStrategy returns the active execution of a strategy
func (c *Client) ResolveExecutionForStrategy(ctx context.Context, tradingAccountID, strategyID string) (domain.Ownership, error) {
	path := fmt.Sprintf("/accounts/%s/strategies/%s/execution", url.PathEscape(tradingAccountID), url.PathEscape(strategyID))
	return c.lookup(ctx, "strategy|"+tradingAccountID+"|"+strategyID, path, "strategy execution", strategyID)
}

// BreakerState reports the circuit breaker state
func (c *Client) BreakerState() string {
	return c.transport.State()
}

func (c *Client) lookup(ctx context.Context, key, path, resource, id string) (domain.Ownership, error) {
	if owner, ok := c.cache.Get(key); ok {
		return owner, nil
	}

	var resp ownershipResponse
	err := c.transport.do(ctx, "GET", path, nil, &resp)
	if errors.Is(err, errNotFound) {
		return domain.Ownership{}, &domain.NotFoundError{Resource: resource, ID: id}
	}
	if err != nil {
		return domain.Ownership{}, fmt.Errorf("failed to resolve %s %s: %w", resource, id, err)
	}
	if resp.ExecutionID == "" {
		return domain.Ownership{}, fmt.Errorf("directory returned no execution for %s %s", resource, id)
	}

	owner := domain.Ownership{
		StrategyID:  resp.StrategyID,
		PortfolioID: resp.PortfolioID,
		ExecutionID: resp.ExecutionID,
	}
	c.cache.Set(key, owner)
	c.log.Debug().Str("key", key).Str("execution_id", owner.ExecutionID).Msg("Resolved ownership")
	return owner, nil
}
