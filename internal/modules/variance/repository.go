// Package variance reconciles broker-reported holdings against the position ledger.
package variance

import (
	"context"
	"database/sql"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository persists variances and their resolution audit
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a new variance repository
func NewRepository(db database.Querier, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "variances").Logger(),
	}
}

// InsertVariance writes the immutable variance record
func (r *Repository) InsertVariance(ctx context.Context, v *domain.HoldingsVariance) error {
	involved, err := database.MarshalJSONColumn(v.PositionsInvolved)
	if err != nil {
		return err
	}
	metadata, err := database.MarshalJSONColumn(v.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO holdings_reconciliation_variances
		(variance_id, trading_account_id, symbol, broker_quantity, internal_quantity,
		 variance_quantity, variance_type, detected_at, positions_involved, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.VarianceID,
		v.TradingAccountID,
		v.Symbol,
		v.BrokerQuantity.String(),
		v.InternalQuantity.String(),
		v.VarianceQuantity.String(),
		string(v.VarianceType),
		database.ToMillis(v.DetectedAt),
		involved,
		metadata,
	)
	if err != nil {
		return domain.NewPersistenceError("insert variance", err)
	}
	return nil
}

// GetVariance returns a variance, or nil if it does not exist
func (r *Repository) GetVariance(ctx context.Context, varianceID string) (*domain.HoldingsVariance, error) {
	var v domain.HoldingsVariance
	var broker, internal, variance, varianceType string
	var involved, metadata sql.NullString
	var detectedAt int64

	err := r.db.QueryRowContext(ctx, `
		SELECT variance_id, trading_account_id, symbol, broker_quantity, internal_quantity,
		       variance_quantity, variance_type, detected_at, positions_involved, metadata
		FROM holdings_reconciliation_variances
		WHERE variance_id = ?
	`, varianceID).Scan(
		&v.VarianceID,
		&v.TradingAccountID,
		&v.Symbol,
		&broker,
		&internal,
		&variance,
		&varianceType,
		&detectedAt,
		&involved,
		&metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("query variance", err)
	}

	if v.BrokerQuantity, err = decimal.NewFromString(broker); err != nil {
		return nil, domain.NewPersistenceError("parse broker quantity", err)
	}
	if v.InternalQuantity, err = decimal.NewFromString(internal); err != nil {
		return nil, domain.NewPersistenceError("parse internal quantity", err)
	}
	if v.VarianceQuantity, err = decimal.NewFromString(variance); err != nil {
		return nil, domain.NewPersistenceError("parse variance quantity", err)
	}
	if err := database.UnmarshalJSONColumn(involved, &v.PositionsInvolved); err != nil {
		return nil, domain.NewPersistenceError("parse positions involved", err)
	}
	if err := database.UnmarshalJSONColumn(metadata, &v.Metadata); err != nil {
		return nil, domain.NewPersistenceError("parse variance metadata", err)
	}
	v.VarianceType = domain.VarianceType(varianceType)
	v.DetectedAt = database.FromMillis(detectedAt)

	return &v, nil
}

// InsertAudit appends a resolution audit event
func (r *Repository) InsertAudit(ctx context.Context, e domain.VarianceAuditEvent) error {
	details := "{}"
	if e.Details != nil {
		raw, err := database.MarshalJSONColumn(e.Details)
		if err != nil {
			return err
		}
		details = raw
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO holdings_variance_audit
		(variance_id, event_type, resolution_type, variance_resolved, variance_remaining,
		 case_id, transfer_id, error_message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.VarianceID,
		e.EventType,
		string(e.ResolutionType),
		e.VarianceResolved.String(),
		e.VarianceRemaining.String(),
		database.NullString(e.CaseID),
		database.NullString(e.TransferID),
		database.NullString(e.Error),
		details,
		database.ToMillis(e.CreatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert variance audit", err)
	}
	return nil
}

// ListAudit returns a variance's audit events oldest first
func (r *Repository) ListAudit(ctx context.Context, varianceID string) ([]domain.VarianceAuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, variance_id, event_type, resolution_type, variance_resolved,
		       variance_remaining, case_id, transfer_id, error_message, details, created_at
		FROM holdings_variance_audit
		WHERE variance_id = ?
		ORDER BY id ASC
	`, varianceID)
	if err != nil {
		return nil, domain.NewPersistenceError("query variance audit", err)
	}
	defer rows.Close()

	events := []domain.VarianceAuditEvent{}
	for rows.Next() {
		var e domain.VarianceAuditEvent
		var resolutionType, resolved, remaining string
		var caseID, transferID, errMsg, details sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&e.ID,
			&e.VarianceID,
			&e.EventType,
			&resolutionType,
			&resolved,
			&remaining,
			&caseID,
			&transferID,
			&errMsg,
			&details,
			&createdAt,
		); err != nil {
			return nil, domain.NewPersistenceError("scan variance audit", err)
		}

		if e.VarianceResolved, err = decimal.NewFromString(resolved); err != nil {
			return nil, domain.NewPersistenceError("parse variance resolved", err)
		}
		if e.VarianceRemaining, err = decimal.NewFromString(remaining); err != nil {
			return nil, domain.NewPersistenceError("parse variance remaining", err)
		}
		if err := database.UnmarshalJSONColumn(details, &e.Details); err != nil {
			return nil, domain.NewPersistenceError("parse variance audit details", err)
		}
		e.ResolutionType = domain.ResolutionType(resolutionType)
		e.CaseID = caseID.String
		e.TransferID = transferID.String
		e.Error = errMsg.String
		e.CreatedAt = database.FromMillis(createdAt)

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate variance audit", err)
	}
	return events, nil
}
