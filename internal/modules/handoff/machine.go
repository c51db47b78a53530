package handoff

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStalenessWindow is how long an IN_PROGRESS transition blocks new requests
const DefaultStalenessWindow = 5 * time.Minute

// TransitionRequest asks to move a scope to another controller
type TransitionRequest struct {
	Scope          domain.HandoffScope   `json:"scope"`
	TransitionType domain.TransitionType `json:"transition_type" validate:"required,oneof=MANUAL_TO_SCRIPT SCRIPT_TO_MANUAL EMERGENCY_STOP"`
	// FromMode is the mode the caller believes the scope is in; empty skips the check
	FromMode    domain.HandoffMode `json:"from_mode,omitempty" validate:"omitempty,oneof=MANUAL SCRIPT TRANSITIONING"`
	RequestedBy string             `json:"requested_by" validate:"required"`
	Reason      string             `json:"reason,omitempty"`
	Force       bool               `json:"force,omitempty"`
}

// TransitionResult is the outcome of a completed transition
type TransitionResult struct {
	TransitionID         string                  `json:"transition_id"`
	Scope                domain.HandoffScope     `json:"scope"`
	TransitionType       domain.TransitionType   `json:"transition_type"`
	FromMode             domain.HandoffMode      `json:"from_mode"`
	ToMode               domain.HandoffMode      `json:"to_mode"`
	Status               domain.TransitionStatus `json:"status"`
	PositionsTransferred int                     `json:"positions_transferred"`
	OrdersCancelled      int                     `json:"orders_cancelled"`
	Warnings             []string                `json:"warnings"`
	CompletedAt          time.Time               `json:"completed_at"`
}

// Machine is the handoff state machine
type Machine struct {
	db         *sql.DB
	states     *Repository
	positions  *positions.PositionRepository
	orders     *positions.OrderRepository
	controller domain.ScriptController
	staleness  time.Duration
	validate   *validator.Validate
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// NewMachine creates a new handoff state machine
func NewMachine(
	db *sql.DB,
	stateRepo *Repository,
	positionRepo *positions.PositionRepository,
	orderRepo *positions.OrderRepository,
	controller domain.ScriptController,
	staleness time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Machine {
	if staleness <= 0 {
		staleness = DefaultStalenessWindow
	}
	return &Machine{
		db:         db,
		states:     stateRepo,
		positions:  positionRepo,
		orders:     orderRepo,
		controller: controller,
		staleness:  staleness,
		validate:   validator.New(),
		metrics:    m,
		log:        log.With().Str("service", "handoff").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GetHandoffState returns the state of a scope, creating a MANUAL state on first use
func (m *Machine) GetHandoffState(ctx context.Context, scope domain.HandoffScope) (*domain.HandoffState, error) {
	if err := m.validate.Struct(scope); err != nil {
		return nil, domain.NewValidationError("scope", err.Error())
	}

	state, err := m.states.GetState(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff state: %w", err)
	}
	if state != nil {
		return state, nil
	}

	if err := m.states.InsertDefault(ctx, scope, m.now()); err != nil {
		return nil, fmt.Errorf("failed to create handoff state: %w", err)
	}
	state, err = m.states.GetState(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff state: %w", err)
	}
	if state == nil {
		return nil, domain.NewPersistenceError("create handoff state", errors.New("state missing after insert"))
	}

	m.log.Debug().Str("scope", scope.Key()).Msg("Created default handoff state")
	return state, nil
}

// GetTransitionHistory returns the newest transitions of a scope first
func (m *Machine) GetTransitionHistory(ctx context.Context, scope domain.HandoffScope, limit int) ([]domain.TransitionAudit, error) {
	if err := m.validate.Struct(scope); err != nil {
		return nil, domain.NewValidationError("scope", err.Error())
	}
	history, err := m.states.ListAudit(ctx, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transition history: %w", err)
	}
	return history, nil
}

// RequestTransition moves a scope between MANUAL and SCRIPT control, or
// forces it to MANUAL on an emergency stop. Side effects and the final state
// commit together; when they fail the scope is rolled back to the mode it
// started from and the error is returned.
func (m *Machine) RequestTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, domain.NewValidationError("request", err.Error())
	}
	emergency := req.TransitionType == domain.TransitionEmergencyStop
	if req.Force && !emergency {
		return nil, domain.NewValidationError("force", "only EMERGENCY_STOP may be forced")
	}

	state, err := m.GetHandoffState(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	now := m.now()
	warnings := []string{}
	from := state.EffectiveMode()

	if state.CurrentMode == domain.HandoffModeTransitioning {
		stale := state.TransitionStartedAt == nil || now.Sub(*state.TransitionStartedAt) > m.staleness
		switch {
		case emergency:
			warnings = append(warnings, fmt.Sprintf("interrupted transition %s", state.TransitionID))
		case !stale:
			return nil, domain.NewConflictError("handoff",
				fmt.Sprintf("transition %s already in progress for %s", state.TransitionID, req.Scope.Key()))
		default:
			warnings = append(warnings, fmt.Sprintf("stale transition %s abandoned", state.TransitionID))
		}
	}

	if !emergency && req.FromMode != "" && req.FromMode != from {
		return nil, domain.NewConflictError("handoff",
			fmt.Sprintf("from_mode %s does not match current mode %s", req.FromMode, from))
	}
	ruleMode := from
	if emergency {
		ruleMode = state.CurrentMode
	}
	rule, err := ruleFor(req.TransitionType, ruleMode)
	if err != nil {
		return nil, err
	}

	// A scope stuck in TRANSITIONING with no recorded origin settles on MANUAL
	if from == domain.HandoffModeTransitioning {
		from = domain.HandoffModeManual
	}
	c := claim{
		TransitionID: uuid.New().String(),
		FromMode:     from,
		TargetMode:   rule.to,
		StartedAt:    now,
	}
	claimed, err := m.states.Claim(ctx, req.Scope, state.Version, c, emergency)
	if err != nil {
		return nil, fmt.Errorf("failed to start transition: %w", err)
	}
	if !claimed {
		return nil, domain.NewConflictError("handoff",
			fmt.Sprintf("transition already in progress for %s", req.Scope.Key()))
	}

	result := &TransitionResult{
		TransitionID:   c.TransitionID,
		Scope:          req.Scope,
		TransitionType: req.TransitionType,
		FromMode:       state.CurrentMode,
		ToMode:         rule.to,
		Status:         domain.TransitionStatusCompleted,
		Warnings:       append([]string{}, warnings...),
	}
	audit := domain.TransitionAudit{
		TransitionID:   c.TransitionID,
		Scope:          req.Scope,
		TransitionType: req.TransitionType,
		FromMode:       state.CurrentMode,
		ToMode:         rule.to,
		RequestedBy:    req.RequestedBy,
		Reason:         req.Reason,
		Forced:         req.Force,
	}

	err = database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		return m.execute(ctx, tx, req, rule, c, result, audit)
	})
	if err != nil {
		m.rollback(ctx, req, c, warnings, audit, err)
		return nil, fmt.Errorf("handoff transition %s failed: %w", c.TransitionID, err)
	}

	m.metrics.RecordHandoff(string(req.TransitionType), string(domain.TransitionStatusCompleted), result.OrdersCancelled)

	event := m.log.Info()
	if emergency {
		event = m.log.Warn()
	}
	event.
		Str("transition_id", c.TransitionID).
		Str("scope", req.Scope.Key()).
		Str("transition_type", string(req.TransitionType)).
		Str("from", string(result.FromMode)).
		Str("to", string(result.ToMode)).
		Int("orders_cancelled", result.OrdersCancelled).
		Int("positions_transferred", result.PositionsTransferred).
		Str("requested_by", req.RequestedBy).
		Msg("Handoff transition completed")

	return result, nil
}

// execute runs the side effects of a claimed transition. The script
// controller is called last so a failure there rolls back every ledger write.
func (m *Machine) execute(
	ctx context.Context,
	tx *sql.Tx,
	req TransitionRequest,
	rule transitionRule,
	c claim,
	result *TransitionResult,
	audit domain.TransitionAudit,
) error {
	now := m.now()
	reason := fmt.Sprintf("handoff %s (%s)", req.TransitionType, c.TransitionID)

	cancelled, err := m.orders.WithTx(tx).CancelPendingInScope(ctx, req.Scope, rule.cancel, reason, now)
	if err != nil {
		return fmt.Errorf("failed to cancel pending orders: %w", err)
	}
	retagged, err := m.positions.WithTx(tx).SetControlledBy(ctx, req.Scope, rule.control, now)
	if err != nil {
		return fmt.Errorf("failed to retag positions: %w", err)
	}

	result.OrdersCancelled = cancelled
	result.PositionsTransferred = retagged
	result.Warnings = append(result.Warnings, fmt.Sprintf("%d orders cancelled", cancelled))
	if rule.emergency {
		result.Warnings = append(result.Warnings, "Emergency stop: script execution halted and all pending orders cancelled")
	}
	result.CompletedAt = now

	states := m.states.WithTx(tx)
	completed, err := states.Complete(ctx, req.Scope, c.TransitionID, rule.to, rule.control, now)
	if err != nil {
		return err
	}
	if !completed {
		return domain.NewConflictError("handoff", fmt.Sprintf("transition %s was superseded", c.TransitionID))
	}

	audit.Status = domain.TransitionStatusCompleted
	audit.PositionsTransferred = retagged
	audit.OrdersCancelled = cancelled
	audit.Warnings = result.Warnings
	audit.CreatedAt = now
	if err := states.InsertAudit(ctx, audit); err != nil {
		return err
	}

	if rule.to == domain.HandoffModeScript {
		err = m.controller.StartExecution(ctx, req.Scope)
	} else {
		err = m.controller.StopExecution(ctx, req.Scope, rule.emergency)
	}
	if err != nil {
		return fmt.Errorf("script controller: %w", err)
	}
	return nil
}

// rollback returns the scope to the mode the transition started from and
// audits the attempt
func (m *Machine) rollback(ctx context.Context, req TransitionRequest, c claim, warnings []string, audit domain.TransitionAudit, cause error) {
	now := m.now()
	restored, err := m.states.Rollback(ctx, req.Scope, c.TransitionID, c.FromMode, now)
	if err != nil {
		m.log.Error().Err(err).Str("transition_id", c.TransitionID).Msg("Failed to roll back handoff state")
	}

	audit.Status = domain.TransitionStatusFailed
	audit.ToMode = c.FromMode
	audit.Warnings = warnings
	audit.Error = cause.Error()
	audit.RollbackAttempted = true
	audit.RollbackSucceeded = err == nil && restored
	audit.CreatedAt = now
	if err := m.states.InsertAudit(ctx, audit); err != nil {
		m.log.Error().Err(err).Str("transition_id", c.TransitionID).Msg("Failed to audit handoff rollback")
	}

	m.metrics.RecordHandoff(string(req.TransitionType), string(domain.TransitionStatusFailed), 0)
	m.log.Error().
		Err(cause).
		Str("transition_id", c.TransitionID).
		Str("scope", req.Scope.Key()).
		Str("transition_type", string(req.TransitionType)).
		Bool("rollback_succeeded", audit.RollbackSucceeded).
		Msg("Handoff transition failed")
}
