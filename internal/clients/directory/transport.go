package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker in front of a sibling service
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings opens after five consecutive failures and lets a trial request through after 30s
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// transport issues JSON requests to one sibling service. Transport errors and
// 5xx responses count against the breaker; 4xx responses are answers.
type transport struct {
	service    string
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func newTransport(service, baseURL string, timeout time.Duration, settings BreakerSettings, m *metrics.Metrics, log zerolog.Logger) *transport {
	t := &transport{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: m,
		log:     log,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return t
}

type response struct {
	status int
	body   []byte
}

// do sends a request and decodes a 2xx body into out. A 404 is returned as
// errNotFound; every failure to reach the service is a ServiceUnavailableError.
func (t *transport) do(ctx context.Context, method, path string, in, out interface{}) error {
	start := time.Now()

	raw, err := t.breaker.Execute(func() (interface{}, error) {
		return t.roundTrip(ctx, method, path, in)
	})
	if err != nil {
		t.record("unavailable", start)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.log.Warn().Str("path", path).Msg("Circuit breaker rejected request")
		}
		return domain.NewServiceUnavailableError(t.service, err)
	}

	resp := raw.(*response)
	switch {
	case resp.status == http.StatusNotFound:
		t.record("not_found", start)
		return errNotFound
	case resp.status >= 300:
		t.record("rejected", start)
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.status, strings.TrimSpace(string(resp.body)))
	}
	t.record("ok", start)

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", t.service, err)
	}
	return nil
}

func (t *transport) roundTrip(ctx context.Context, method, path string, in interface{}) (*response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s returned status %d", t.service, resp.StatusCode)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func (t *transport) record(outcome string, start time.Time) {
	t.metrics.RecordDownstreamCall(t.service, outcome, time.Since(start).Seconds())
}

// State reports the breaker state, for health output
func (t *transport) State() string {
	return t.breaker.State().String()
}

var errNotFound = errors.New("not found")
