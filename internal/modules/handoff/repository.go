// Package handoff arbitrates order-placement authority between scripts and
// human operators for an account, strategy or execution scope.
package handoff

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
)

const stateColumns = `trading_account_id, strategy_id, execution_id, current_mode, previous_mode,
	target_mode, transition_id, transition_status, transition_started_at, controlled_by,
	version, updated_at`

// claim is the in-flight transition written when a scope enters TRANSITIONING
type claim struct {
	TransitionID string
	FromMode     domain.HandoffMode
	TargetMode   domain.HandoffMode
	StartedAt    time.Time
}

// Repository persists handoff state and the transition audit
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a new handoff repository
func NewRepository(db database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "handoff").Logger(),
	}
}

// WithTx returns a repository bound to a transaction
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// GetState returns the state of a scope, or nil if none was recorded
func (r *Repository) GetState(ctx context.Context, scope domain.HandoffScope) (*domain.HandoffState, error) {
	var s domain.HandoffState
	var currentMode string
	var previousMode, targetMode, transitionID, transitionStatus, controlledBy sql.NullString
	var startedAt sql.NullInt64
	var updatedAt int64

	err := r.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM handoff_state WHERE scope_key = ?`, scope.Key()).Scan(
		&s.Scope.TradingAccountID,
		&s.Scope.StrategyID,
		&s.Scope.ExecutionID,
		&currentMode,
		&previousMode,
		&targetMode,
		&transitionID,
		&transitionStatus,
		&startedAt,
		&controlledBy,
		&s.Version,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("query handoff state", err)
	}

	s.CurrentMode = domain.HandoffMode(currentMode)
	s.PreviousMode = domain.HandoffMode(previousMode.String)
	s.TargetMode = domain.HandoffMode(targetMode.String)
	s.TransitionID = transitionID.String
	s.TransitionStatus = domain.TransitionStatus(transitionStatus.String)
	s.TransitionStartedAt = database.TimePtr(startedAt)
	s.ControlledBy = controlledBy.String
	s.UpdatedAt = database.FromMillis(updatedAt)
	return &s, nil
}

// InsertDefault records a MANUAL state for a scope unless one already exists
func (r *Repository) InsertDefault(ctx context.Context, scope domain.HandoffScope, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO handoff_state
		(scope_key, trading_account_id, strategy_id, execution_id, current_mode, controlled_by, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(scope_key) DO NOTHING
	`,
		scope.Key(),
		scope.TradingAccountID,
		scope.StrategyID,
		scope.ExecutionID,
		string(domain.HandoffModeManual),
		string(domain.ControlModeManual),
		database.ToMillis(now),
	)
	if err != nil {
		return domain.NewPersistenceError("insert handoff state", err)
	}
	return nil
}

// Claim moves a scope to TRANSITIONING. Unless force is set the update only
// applies while the stored version still equals version.
func (r *Repository) Claim(ctx context.Context, scope domain.HandoffScope, version int64, c claim, force bool) (bool, error) {
	query := `
		UPDATE handoff_state
		SET current_mode = ?, previous_mode = ?, target_mode = ?, transition_id = ?,
		    transition_status = ?, transition_started_at = ?, version = version + 1, updated_at = ?
		WHERE scope_key = ?`
	args := []any{
		string(domain.HandoffModeTransitioning),
		string(c.FromMode),
		string(c.TargetMode),
		c.TransitionID,
		string(domain.TransitionStatusInProgress),
		database.ToMillis(c.StartedAt),
		database.ToMillis(c.StartedAt),
		scope.Key(),
	}
	if !force {
		query += ` AND version = ?`
		args = append(args, version)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, domain.NewPersistenceError("claim handoff transition", err)
	}
	return affectedOne(result, "claim handoff transition")
}

// Complete settles a claimed transition on its target mode
func (r *Repository) Complete(ctx context.Context, scope domain.HandoffScope, transitionID string, mode domain.HandoffMode, controlledBy domain.ControlMode, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE handoff_state
		SET current_mode = ?, target_mode = NULL, transition_id = NULL, transition_status = ?,
		    transition_started_at = NULL, controlled_by = ?, version = version + 1, updated_at = ?
		WHERE scope_key = ? AND transition_id = ?
	`,
		string(mode),
		string(domain.TransitionStatusCompleted),
		string(controlledBy),
		database.ToMillis(now),
		scope.Key(),
		transitionID,
	)
	if err != nil {
		return false, domain.NewPersistenceError("complete handoff transition", err)
	}
	return affectedOne(result, "complete handoff transition")
}

// Rollback returns a claimed transition to the mode it started from
func (r *Repository) Rollback(ctx context.Context, scope domain.HandoffScope, transitionID string, mode domain.HandoffMode, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE handoff_state
		SET current_mode = ?, target_mode = NULL, transition_id = NULL, transition_status = ?,
		    transition_started_at = NULL, version = version + 1, updated_at = ?
		WHERE scope_key = ? AND transition_id = ?
	`,
		string(mode),
		string(domain.TransitionStatusFailed),
		database.ToMillis(now),
		scope.Key(),
		transitionID,
	)
	if err != nil {
		return false, domain.NewPersistenceError("roll back handoff transition", err)
	}
	return affectedOne(result, "roll back handoff transition")
}

// InsertAudit appends a transition audit row
func (r *Repository) InsertAudit(ctx context.Context, a domain.TransitionAudit) error {
	warnings, err := database.MarshalJSONColumn(a.Warnings)
	if err != nil {
		return err
	}
	if a.Warnings == nil {
		warnings = "[]"
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO handoff_transition_audit
		(transition_id, scope_key, trading_account_id, strategy_id, execution_id, transition_type,
		 from_mode, to_mode, status, requested_by, reason, forced, positions_transferred,
		 orders_cancelled, warnings, error_message, rollback_attempted, rollback_succeeded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.TransitionID,
		a.Scope.Key(),
		a.Scope.TradingAccountID,
		a.Scope.StrategyID,
		a.Scope.ExecutionID,
		string(a.TransitionType),
		string(a.FromMode),
		string(a.ToMode),
		string(a.Status),
		a.RequestedBy,
		database.NullString(a.Reason),
		database.BoolToInt(a.Forced),
		a.PositionsTransferred,
		a.OrdersCancelled,
		warnings,
		database.NullString(a.Error),
		database.BoolToInt(a.RollbackAttempted),
		database.BoolToInt(a.RollbackSucceeded),
		database.ToMillis(a.CreatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert handoff audit", err)
	}
	return nil
}

// ListAudit returns the newest transition audit rows of a scope first
func (r *Repository) ListAudit(ctx context.Context, scope domain.HandoffScope, limit int) ([]domain.TransitionAudit, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transition_id, trading_account_id, strategy_id, execution_id, transition_type,
		       from_mode, to_mode, status, requested_by, reason, forced, positions_transferred,
		       orders_cancelled, warnings, error_message, rollback_attempted, rollback_succeeded, created_at
		FROM handoff_transition_audit
		WHERE scope_key = ?
		ORDER BY id DESC
		LIMIT ?
	`, scope.Key(), limit)
	if err != nil {
		return nil, domain.NewPersistenceError("query handoff audit", err)
	}
	defer rows.Close()

	audits := []domain.TransitionAudit{}
	for rows.Next() {
		var a domain.TransitionAudit
		var transitionType, fromMode, toMode, status string
		var reason, warnings, errMsg sql.NullString
		var forced, rollbackAttempted, rollbackSucceeded int
		var createdAt int64

		if err := rows.Scan(
			&a.ID,
			&a.TransitionID,
			&a.Scope.TradingAccountID,
			&a.Scope.StrategyID,
			&a.Scope.ExecutionID,
			&transitionType,
			&fromMode,
			&toMode,
			&status,
			&a.RequestedBy,
			&reason,
			&forced,
			&a.PositionsTransferred,
			&a.OrdersCancelled,
			&warnings,
			&errMsg,
			&rollbackAttempted,
			&rollbackSucceeded,
			&createdAt,
		); err != nil {
			return nil, domain.NewPersistenceError("scan handoff audit", err)
		}
		if err := database.UnmarshalJSONColumn(warnings, &a.Warnings); err != nil {
			return nil, domain.NewPersistenceError("parse handoff warnings", err)
		}

		a.TransitionType = domain.TransitionType(transitionType)
		a.FromMode = domain.HandoffMode(fromMode)
		a.ToMode = domain.HandoffMode(toMode)
		a.Status = domain.TransitionStatus(status)
		a.Reason = reason.String
		a.Forced = forced == 1
		a.Error = errMsg.String
		a.RollbackAttempted = rollbackAttempted == 1
		a.RollbackSucceeded = rollbackSucceeded == 1
		a.CreatedAt = database.FromMillis(createdAt)

		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate handoff audit", err)
	}
	return audits, nil
}

func affectedOne(result sql.Result, op string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, domain.NewPersistenceError(op, err)
	}
	return n > 0, nil
}
