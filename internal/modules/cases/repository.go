// Package cases provides the manual attribution case manager.
package cases

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const caseColumns = `case_id, trading_account_id, symbol, case_type, exit_quantity, exit_price,
	exit_timestamp, affected_positions, suggested_allocation, status, priority,
	assigned_to, resolution_data, variance_id, created_by, created_at, updated_at`

// CaseFilter narrows ListPendingCases. Zero values match everything; an
// empty Statuses means PENDING and IN_PROGRESS.
type CaseFilter struct {
	TradingAccountID string
	Symbol           string
	Statuses         []domain.CaseStatus
	Priority         domain.CasePriority
	AssignedTo       string
	Limit            int
}

// Repository handles manual attribution case persistence
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a new case repository
func NewRepository(db database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "cases").Logger(),
	}
}

// WithTx returns a repository bound to a transaction
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Insert creates a case row
func (r *Repository) Insert(ctx context.Context, c *domain.AttributionCase) error {
	affected, err := database.MarshalJSONColumn(c.AffectedPositions)
	if err != nil {
		return err
	}
	var suggested sql.NullString
	if c.SuggestedAllocation != nil {
		raw, err := database.MarshalJSONColumn(c.SuggestedAllocation)
		if err != nil {
			return err
		}
		suggested = sql.NullString{String: raw, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO manual_attribution_cases
		(case_id, trading_account_id, symbol, case_type, exit_quantity, exit_price,
		 exit_timestamp, affected_positions, suggested_allocation, status, priority,
		 assigned_to, variance_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.CaseID,
		c.TradingAccountID,
		c.Symbol,
		string(c.CaseType),
		c.ExitQuantity.String(),
		c.ExitPrice.String(),
		database.ToMillis(c.ExitTimestamp),
		affected,
		suggested,
		string(c.Status),
		string(c.Priority),
		database.NullString(c.AssignedTo),
		database.NullString(c.VarianceID),
		c.CreatedBy,
		database.ToMillis(c.CreatedAt),
		database.ToMillis(c.UpdatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert case", err)
	}
	return nil
}

// GetByID returns a case without its audit trail, or nil if it does not exist
func (r *Repository) GetByID(ctx context.Context, caseID string) (*domain.AttributionCase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+caseColumns+` FROM manual_attribution_cases WHERE case_id = ?`, caseID)
	if err != nil {
		return nil, domain.NewPersistenceError("query case", err)
	}
	cases, err := scanCases(rows)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, nil
	}
	return &cases[0], nil
}

// List returns cases matching the filter, highest priority first then oldest first
func (r *Repository) List(ctx context.Context, filter CaseFilter) ([]domain.AttributionCase, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []domain.CaseStatus{domain.CaseStatusPending, domain.CaseStatusInProgress}
	}

	where, args := statusIn(statuses)
	clauses := []string{where}
	if filter.TradingAccountID != "" {
		clauses = append(clauses, "trading_account_id = ?")
		args = append(args, filter.TradingAccountID)
	}
	if filter.Symbol != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.Priority != "" {
		clauses = append(clauses, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.AssignedTo != "" {
		clauses = append(clauses, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}

	query := `SELECT ` + caseColumns + ` FROM manual_attribution_cases
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'NORMAL' THEN 1 ELSE 2 END,
		         created_at ASC, rowid ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("list cases", err)
	}
	return scanCases(rows)
}

// Transition moves a case to next if it is still in one of from. Returns
// false when another caller changed the case first.
func (r *Repository) Transition(ctx context.Context, caseID string, from []domain.CaseStatus, next domain.CaseStatus, now time.Time) (bool, error) {
	where, args := statusIn(from)
	args = append([]any{string(next), database.ToMillis(now), caseID}, args...)

	result, err := r.db.ExecContext(ctx, `
		UPDATE manual_attribution_cases SET status = ?, updated_at = ?
		WHERE case_id = ? AND `+where, args...)
	if err != nil {
		return false, domain.NewPersistenceError("transition case", err)
	}
	return affectedOne(result, "transition case")
}

// Assign moves a case to IN_PROGRESS under an assignee
func (r *Repository) Assign(ctx context.Context, caseID, assignee string, from []domain.CaseStatus, now time.Time) (bool, error) {
	where, args := statusIn(from)
	args = append([]any{string(domain.CaseStatusInProgress), assignee, database.ToMillis(now), caseID}, args...)

	result, err := r.db.ExecContext(ctx, `
		UPDATE manual_attribution_cases SET status = ?, assigned_to = ?, updated_at = ?
		WHERE case_id = ? AND `+where, args...)
	if err != nil {
		return false, domain.NewPersistenceError("assign case", err)
	}
	return affectedOne(result, "assign case")
}

// Resolve stores the decision and moves an IN_PROGRESS case to RESOLVED
func (r *Repository) Resolve(ctx context.Context, caseID string, data *domain.CaseResolutionData, now time.Time) (bool, error) {
	raw, err := database.MarshalJSONColumn(data)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE manual_attribution_cases
		SET status = ?, resolution_data = ?, resolved_at = ?, updated_at = ?
		WHERE case_id = ? AND status = ?
	`, string(domain.CaseStatusResolved), raw, database.ToMillis(now), database.ToMillis(now),
		caseID, string(domain.CaseStatusInProgress))
	if err != nil {
		return false, domain.NewPersistenceError("resolve case", err)
	}
	return affectedOne(result, "resolve case")
}

// ApplyClaimedAt returns when the current apply claim was taken, or nil if
// the case is not claimed
func (r *Repository) ApplyClaimedAt(ctx context.Context, caseID string) (*time.Time, error) {
	var claimedAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT apply_claimed_at FROM manual_attribution_cases WHERE case_id = ?
	`, caseID).Scan(&claimedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("query case claim", err)
	}
	return database.TimePtr(claimedAt), nil
}

// ClaimApply marks a RESOLVED case as being applied. Only one caller can hold
// the claim, so a case is never transferred twice. A claim taken before
// staleBefore belongs to a crashed apply and may be taken over.
func (r *Repository) ClaimApply(ctx context.Context, caseID string, now, staleBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE manual_attribution_cases SET apply_claimed_at = ?, updated_at = ?
		WHERE case_id = ? AND status = ?
		  AND (apply_claimed_at IS NULL OR apply_claimed_at < ?)
	`, database.ToMillis(now), database.ToMillis(now), caseID, string(domain.CaseStatusResolved),
		database.ToMillis(staleBefore))
	if err != nil {
		return false, domain.NewPersistenceError("claim case", err)
	}
	return affectedOne(result, "claim case")
}

// ReleaseApply drops an apply claim without changing the status
func (r *Repository) ReleaseApply(ctx context.Context, caseID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE manual_attribution_cases SET apply_claimed_at = NULL, updated_at = ?
		WHERE case_id = ? AND status = ?
	`, database.ToMillis(now), caseID, string(domain.CaseStatusResolved))
	if err != nil {
		return domain.NewPersistenceError("release case claim", err)
	}
	return nil
}

// FinishApply records the apply outcome on a claimed case
func (r *Repository) FinishApply(ctx context.Context, caseID string, status domain.CaseStatus, data *domain.CaseResolutionData, now time.Time) error {
	raw, err := database.MarshalJSONColumn(data)
	if err != nil {
		return err
	}

	var appliedAt sql.NullInt64
	if status == domain.CaseStatusApplied {
		appliedAt = sql.NullInt64{Int64: database.ToMillis(now), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE manual_attribution_cases
		SET status = ?, resolution_data = ?, applied_at = ?, apply_claimed_at = NULL, updated_at = ?
		WHERE case_id = ? AND status = ?
	`, string(status), raw, appliedAt, database.ToMillis(now), caseID, string(domain.CaseStatusResolved))
	if err != nil {
		return domain.NewPersistenceError("finish case apply", err)
	}
	ok, err := affectedOne(result, "finish case apply")
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewConflictError("case", fmt.Sprintf("case %s left RESOLVED while being applied", caseID))
	}
	return nil
}

// ListStale returns ids of cases in from that were last touched before cutoff
func (r *Repository) ListStale(ctx context.Context, from []domain.CaseStatus, cutoff time.Time) ([]string, error) {
	where, args := statusIn(from)
	args = append(args, database.ToMillis(cutoff))

	rows, err := r.db.QueryContext(ctx, `
		SELECT case_id FROM manual_attribution_cases
		WHERE `+where+` AND updated_at < ?
		ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("list stale cases", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewPersistenceError("scan stale case", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate stale cases", err)
	}
	return ids, nil
}

// InsertAudit appends a case audit event
func (r *Repository) InsertAudit(ctx context.Context, e domain.CaseAuditEvent) error {
	details, err := database.MarshalJSONColumn(e.Details)
	if err != nil {
		return err
	}
	if e.Details == nil {
		details = "{}"
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO manual_attribution_audit
		(case_id, event_type, actor, from_status, to_status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.CaseID,
		e.EventType,
		e.Actor,
		database.NullString(string(e.FromStatus)),
		database.NullString(string(e.ToStatus)),
		details,
		database.ToMillis(e.CreatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert case audit", err)
	}
	return nil
}

// ListAudit returns a case's audit events oldest first
func (r *Repository) ListAudit(ctx context.Context, caseID string) ([]domain.CaseAuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, case_id, event_type, actor, from_status, to_status, details, created_at
		FROM manual_attribution_audit
		WHERE case_id = ?
		ORDER BY id ASC
	`, caseID)
	if err != nil {
		return nil, domain.NewPersistenceError("query case audit", err)
	}
	defer rows.Close()

	events := []domain.CaseAuditEvent{}
	for rows.Next() {
		var e domain.CaseAuditEvent
		var fromStatus, toStatus, details sql.NullString
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.CaseID, &e.EventType, &e.Actor, &fromStatus, &toStatus, &details, &createdAt); err != nil {
			return nil, domain.NewPersistenceError("scan case audit", err)
		}
		e.FromStatus = domain.CaseStatus(fromStatus.String)
		e.ToStatus = domain.CaseStatus(toStatus.String)
		e.CreatedAt = database.FromMillis(createdAt)
		if err := database.UnmarshalJSONColumn(details, &e.Details); err != nil {
			return nil, domain.NewPersistenceError("parse case audit details", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate case audit", err)
	}
	return events, nil
}

func scanCases(rows *sql.Rows) ([]domain.AttributionCase, error) {
	defer rows.Close()

	var cases []domain.AttributionCase
	for rows.Next() {
		var c domain.AttributionCase
		var caseType, exitQuantity, exitPrice, status, priority string
		var affected string
		var suggested, assignedTo, resolution, varianceID sql.NullString
		var exitTimestamp, createdAt, updatedAt int64

		err := rows.Scan(
			&c.CaseID,
			&c.TradingAccountID,
			&c.Symbol,
			&caseType,
			&exitQuantity,
			&exitPrice,
			&exitTimestamp,
			&affected,
			&suggested,
			&status,
			&priority,
			&assignedTo,
			&resolution,
			&varianceID,
			&c.CreatedBy,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, domain.NewPersistenceError("scan case", err)
		}

		if c.ExitQuantity, err = decimal.NewFromString(exitQuantity); err != nil {
			return nil, domain.NewPersistenceError("parse case quantity", err)
		}
		if c.ExitPrice, err = decimal.NewFromString(exitPrice); err != nil {
			return nil, domain.NewPersistenceError("parse case price", err)
		}
		if err := database.UnmarshalJSONColumn(sql.NullString{String: affected, Valid: true}, &c.AffectedPositions); err != nil {
			return nil, domain.NewPersistenceError("parse affected positions", err)
		}
		if suggested.Valid {
			c.SuggestedAllocation = &domain.AllocationResult{}
			if err := database.UnmarshalJSONColumn(suggested, c.SuggestedAllocation); err != nil {
				return nil, domain.NewPersistenceError("parse suggested allocation", err)
			}
		}
		if resolution.Valid {
			c.ResolutionData = &domain.CaseResolutionData{}
			if err := database.UnmarshalJSONColumn(resolution, c.ResolutionData); err != nil {
				return nil, domain.NewPersistenceError("parse resolution data", err)
			}
		}

		c.CaseType = domain.CaseType(caseType)
		c.Status = domain.CaseStatus(status)
		c.Priority = domain.CasePriority(priority)
		c.AssignedTo = assignedTo.String
		c.VarianceID = varianceID.String
		c.ExitTimestamp = database.FromMillis(exitTimestamp)
		c.CreatedAt = database.FromMillis(createdAt)
		c.UpdatedAt = database.FromMillis(updatedAt)

		cases = append(cases, c)
	}

	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate cases", err)
	}
	return cases, nil
}

// statusIn builds "status IN (?, ...)" for a status list
func statusIn(statuses []domain.CaseStatus) (string, []any) {
	if len(statuses) == 0 {
		return "0", nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}

func affectedOne(result sql.Result, op string) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, domain.NewPersistenceError(op, err)
	}
	return n > 0, nil
}
