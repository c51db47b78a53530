// Package transfers executes reconciliation-driven position transfers.
package transfers

import (
	"context"
	"database/sql"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BatchRepository persists transfer batches and their per-instruction executions
type BatchRepository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db database.Querier, log zerolog.Logger) *BatchRepository {
	return &BatchRepository{
		db:  db,
		log: log.With().Str("repo", "transfer_batches").Logger(),
	}
}

// WithTx returns a repository bound to a transaction
func (r *BatchRepository) WithTx(tx *sql.Tx) *BatchRepository {
	return &BatchRepository{db: tx, log: r.log}
}

// InsertBatch writes the IN_PROGRESS batch row before any instruction runs
func (r *BatchRepository) InsertBatch(ctx context.Context, b domain.TransferBatch) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_transfer_batches
		(transfer_id, trigger_type, trigger_ref, trading_account_id, symbol,
		 instruction_count, status, executed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.TransferID,
		string(b.TriggerType),
		b.TriggerRef,
		b.TradingAccountID,
		b.Symbol,
		b.InstructionCount,
		string(b.Status),
		b.ExecutedBy,
		database.ToMillis(b.CreatedAt),
	)
	if err != nil {
		return domain.NewPersistenceError("insert transfer batch", err)
	}
	return nil
}

// FinishBatch stores the final counts and status of a batch
func (r *BatchRepository) FinishBatch(ctx context.Context, result *domain.ReconciliationTransferResult, now time.Time) error {
	metadata, err := database.MarshalJSONColumn(map[string]any{
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE reconciliation_transfer_batches
		SET executed_count = ?, failed_count = ?, total_quantity_transferred = ?,
		    status = ?, result_metadata = ?, completed_at = ?
		WHERE transfer_id = ?
	`,
		result.ExecutedCount,
		result.FailedCount,
		result.TotalQuantityTransferred.String(),
		string(result.Status),
		metadata,
		database.ToMillis(now),
		result.TransferID,
	)
	if err != nil {
		return domain.NewPersistenceError("finish transfer batch", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewPersistenceError("finish transfer batch", err)
	}
	if n == 0 {
		return &domain.NotFoundError{Resource: "transfer batch", ID: result.TransferID}
	}
	return nil
}

// InsertExecution records the outcome of one instruction
func (r *BatchRepository) InsertExecution(ctx context.Context, transferID, symbol string, o domain.InstructionOutcome, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_transfer_executions
		(transfer_id, instruction_index, operation, source_position_id, new_position_id,
		 source_execution_id, target_execution_id, symbol, requested_quantity,
		 transferred_quantity, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		transferID,
		o.Index,
		string(o.Operation),
		database.NullString(o.SourcePositionID),
		database.NullString(o.NewPositionID),
		o.SourceExecutionID,
		o.TargetExecutionID,
		symbol,
		o.RequestedQuantity.String(),
		o.TransferredQuantity.String(),
		database.BoolToInt(o.Success),
		database.NullString(o.Error),
		database.ToMillis(now),
	)
	if err != nil {
		return domain.NewPersistenceError("insert transfer execution", err)
	}
	return nil
}

// LatestBatchByTrigger returns the newest batch with the given trigger created
// at or after since, or nil if there is none
func (r *BatchRepository) LatestBatchByTrigger(ctx context.Context, trigger domain.TriggerType, triggerRef string, since time.Time) (*domain.TransferBatch, error) {
	var transferID string
	err := r.db.QueryRowContext(ctx, `
		SELECT transfer_id FROM reconciliation_transfer_batches
		WHERE trigger_type = ? AND trigger_ref = ? AND created_at >= ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, string(trigger), triggerRef, database.ToMillis(since)).Scan(&transferID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("query transfer batch by trigger", err)
	}
	return r.GetBatch(ctx, transferID)
}

// GetBatch returns a batch with its executions, or nil if it does not exist
func (r *BatchRepository) GetBatch(ctx context.Context, transferID string) (*domain.TransferBatch, error) {
	var b domain.TransferBatch
	var trigger, status, total string
	var createdAt int64
	var completedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT transfer_id, trigger_type, trigger_ref, trading_account_id, symbol,
		       instruction_count, executed_count, failed_count, total_quantity_transferred,
		       status, executed_by, created_at, completed_at
		FROM reconciliation_transfer_batches
		WHERE transfer_id = ?
	`, transferID).Scan(
		&b.TransferID,
		&trigger,
		&b.TriggerRef,
		&b.TradingAccountID,
		&b.Symbol,
		&b.InstructionCount,
		&b.ExecutedCount,
		&b.FailedCount,
		&total,
		&status,
		&b.ExecutedBy,
		&createdAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewPersistenceError("query transfer batch", err)
	}

	b.TriggerType = domain.TriggerType(trigger)
	b.Status = domain.BatchStatus(status)
	b.CreatedAt = database.FromMillis(createdAt)
	b.CompletedAt = database.TimePtr(completedAt)
	if b.TotalQuantityTransferred, err = decimal.NewFromString(total); err != nil {
		return nil, domain.NewPersistenceError("parse transferred quantity", err)
	}

	executions, err := r.GetExecutions(ctx, transferID)
	if err != nil {
		return nil, err
	}
	b.Executions = executions

	return &b, nil
}

// GetExecutions returns the execution rows of a batch in instruction order
func (r *BatchRepository) GetExecutions(ctx context.Context, transferID string) ([]domain.InstructionOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT instruction_index, operation, source_position_id, new_position_id,
		       source_execution_id, target_execution_id, requested_quantity,
		       transferred_quantity, success, error_message
		FROM reconciliation_transfer_executions
		WHERE transfer_id = ?
		ORDER BY instruction_index ASC, id ASC
	`, transferID)
	if err != nil {
		return nil, domain.NewPersistenceError("query transfer executions", err)
	}
	defer rows.Close()

	outcomes := []domain.InstructionOutcome{}
	for rows.Next() {
		var o domain.InstructionOutcome
		var operation, requested, transferred string
		var sourcePosition, newPosition, errMsg sql.NullString
		var success int

		if err := rows.Scan(
			&o.Index,
			&operation,
			&sourcePosition,
			&newPosition,
			&o.SourceExecutionID,
			&o.TargetExecutionID,
			&requested,
			&transferred,
			&success,
			&errMsg,
		); err != nil {
			return nil, domain.NewPersistenceError("scan transfer execution", err)
		}

		o.Operation = domain.TransferOperation(operation)
		o.SourcePositionID = sourcePosition.String
		o.NewPositionID = newPosition.String
		o.Error = errMsg.String
		o.Success = success == 1
		if o.RequestedQuantity, err = decimal.NewFromString(requested); err != nil {
			return nil, domain.NewPersistenceError("parse requested quantity", err)
		}
		if o.TransferredQuantity, err = decimal.NewFromString(transferred); err != nil {
			return nil, domain.NewPersistenceError("parse transferred quantity", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("iterate transfer executions", err)
	}
	return outcomes, nil
}
