package transfers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/reconciler/internal/database"
	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/metrics"
	"github.com/aristath/reconciler/internal/modules/positions"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SystemActor is recorded as executed_by for automatic batches
const SystemActor = "system"

// Executor applies transfer instructions to the position ledger.
// Each instruction commits on its own; a failed instruction never rolls back
// the ones before it.
type Executor struct {
	db        *sql.DB
	positions *positions.PositionRepository
	batches   *BatchRepository
	directory domain.Directory
	validate  *validator.Validate
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewExecutor creates a new transfer executor
func NewExecutor(
	db *sql.DB,
	positionRepo *positions.PositionRepository,
	batchRepo *BatchRepository,
	directory domain.Directory,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		db:        db,
		positions: positionRepo,
		batches:   batchRepo,
		directory: directory,
		validate:  validator.New(),
		metrics:   m,
		log:       log.With().Str("service", "transfers").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteAttributionTransfers hands every allocated quantity of an automatic
// attribution to manual control as one VARIANCE batch.
func (e *Executor) ExecuteAttributionTransfers(ctx context.Context, alloc *domain.AllocationResult, executedBy string) (*domain.ReconciliationTransferResult, error) {
	if alloc == nil {
		return nil, domain.NewValidationError("allocation", "is required")
	}
	if len(alloc.Allocations) == 0 {
		return nil, domain.NewValidationError("allocation", "has no position allocations")
	}
	if executedBy == "" {
		executedBy = SystemActor
	}

	instructions := make([]domain.TransferInstruction, 0, len(alloc.Allocations))
	for _, a := range alloc.Allocations {
		instructions = append(instructions, domain.TransferInstruction{
			SourcePositionID:  a.PositionID,
			SourceExecutionID: a.ExecutionID,
			TargetExecutionID: domain.TargetManual,
			TradingAccountID:  alloc.TradingAccountID,
			Symbol:            alloc.Symbol,
			Quantity:          a.AllocatedQuantity,
			AllocationReason:  a.AllocationReason,
			Metadata:          map[string]string{"allocation_id": alloc.AllocationID},
		})
	}

	return e.executeBatch(ctx, domain.TriggerVariance, alloc.AllocationID, alloc.TradingAccountID, alloc.Symbol, instructions, executedBy)
}

// ExecuteManualTransferInstructions runs operator or case instructions as one
// batch. Malformed instructions reject the whole batch before anything is written.
func (e *Executor) ExecuteManualTransferInstructions(ctx context.Context, caseID string, instructions []domain.TransferInstruction, executedBy string) (*domain.ReconciliationTransferResult, error) {
	if executedBy == "" {
		return nil, domain.NewValidationError("executed_by", "is required")
	}
	if len(instructions) == 0 {
		return nil, domain.NewValidationError("instructions", "at least one instruction is required")
	}
	for i, ins := range instructions {
		if err := e.validate.Struct(ins); err != nil {
			return nil, domain.NewValidationError(fmt.Sprintf("instructions[%d]", i), err.Error())
		}
		if !ins.Quantity.IsPositive() {
			return nil, domain.NewValidationError(fmt.Sprintf("instructions[%d].quantity", i),
				fmt.Sprintf("must be positive, got %s", ins.Quantity))
		}
	}

	trigger := domain.TriggerOperator
	if caseID != "" {
		trigger = domain.TriggerManualCase
	}

	return e.executeBatch(ctx, trigger, caseID, instructions[0].TradingAccountID, instructions[0].Symbol, instructions, executedBy)
}

// GetBatch returns a persisted batch with its executions, or nil if unknown
func (e *Executor) GetBatch(ctx context.Context, transferID string) (*domain.TransferBatch, error) {
	batch, err := e.batches.GetBatch(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer batch %s: %w", transferID, err)
	}
	return batch, nil
}

// FindCaseBatch returns the newest MANUAL_CASE batch run for caseID since
// the given time, or nil if the case never reached the executor
func (e *Executor) FindCaseBatch(ctx context.Context, caseID string, since time.Time) (*domain.TransferBatch, error) {
	batch, err := e.batches.LatestBatchByTrigger(ctx, domain.TriggerManualCase, caseID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer batch for case %s: %w", caseID, err)
	}
	return batch, nil
}

func (e *Executor) executeBatch(
	ctx context.Context,
	trigger domain.TriggerType,
	triggerRef, account, symbol string,
	instructions []domain.TransferInstruction,
	executedBy string,
) (*domain.ReconciliationTransferResult, error) {
	transferID := uuid.New().String()

	batch := domain.TransferBatch{
		TransferID:       transferID,
		TriggerType:      trigger,
		TriggerRef:       triggerRef,
		TradingAccountID: account,
		Symbol:           symbol,
		InstructionCount: len(instructions),
		Status:           domain.BatchStatusInProgress,
		ExecutedBy:       executedBy,
		CreatedAt:        e.now(),
	}
	if err := e.batches.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to record transfer batch: %w", err)
	}

	result := &domain.ReconciliationTransferResult{
		TransferID:               transferID,
		InstructionsCount:        len(instructions),
		TotalQuantityTransferred: decimal.Zero,
		Outcomes:                 make([]domain.InstructionOutcome, 0, len(instructions)),
		Errors:                   []string{},
		Warnings:                 []string{},
	}

	for i, ins := range instructions {
		outcome := e.executeInstruction(ctx, transferID, i, ins)
		result.Outcomes = append(result.Outcomes, outcome)
		e.metrics.RecordTransferInstruction(string(outcome.Operation), outcome.Success)

		if outcome.Success {
			result.ExecutedCount++
			result.TotalQuantityTransferred = result.TotalQuantityTransferred.Add(outcome.TransferredQuantity)
			continue
		}
		result.FailedCount++
		result.Errors = append(result.Errors, fmt.Sprintf("instruction %d: %s", i, outcome.Error))
	}

	switch {
	case result.FailedCount == 0:
		result.Status = domain.BatchStatusCompleted
	case result.ExecutedCount == 0:
		result.Status = domain.BatchStatusFailed
	default:
		result.Status = domain.BatchStatusPartial
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d of %d instructions failed; succeeded instructions were kept", result.FailedCount, result.InstructionsCount))
	}

	if err := e.batches.FinishBatch(ctx, result, e.now()); err != nil {
		// Instructions already committed; the batch row stays IN_PROGRESS for diagnosis
		e.log.Error().Err(err).Str("transfer_id", transferID).Msg("Failed to finalize transfer batch")
		result.Warnings = append(result.Warnings, "batch record could not be finalized: "+err.Error())
	}

	e.metrics.RecordTransferBatch(string(trigger), string(result.Status))

	e.log.Info().
		Str("transfer_id", transferID).
		Str("trigger", string(trigger)).
		Str("trigger_ref", triggerRef).
		Int("executed", result.ExecutedCount).
		Int("failed", result.FailedCount).
		Stringer("transferred", result.TotalQuantityTransferred).
		Str("status", string(result.Status)).
		Msg("Transfer batch executed")

	return result, nil
}

// executeInstruction runs one instruction in its own transaction and always
// leaves an execution row behind.
func (e *Executor) executeInstruction(ctx context.Context, transferID string, index int, ins domain.TransferInstruction) domain.InstructionOutcome {
	outcome := domain.InstructionOutcome{
		Index:               index,
		Operation:           operationFor(ins),
		SourcePositionID:    ins.SourcePositionID,
		SourceExecutionID:   ins.SourceExecutionID,
		TargetExecutionID:   ins.TargetExecutionID,
		RequestedQuantity:   ins.Quantity,
		TransferredQuantity: decimal.Zero,
	}

	fail := func(err error) domain.InstructionOutcome {
		outcome.Success = false
		outcome.TransferredQuantity = decimal.Zero
		outcome.NewPositionID = ""
		outcome.Error = err.Error()
		if recErr := e.batches.InsertExecution(ctx, transferID, ins.Symbol, outcome, e.now()); recErr != nil {
			e.log.Error().Err(recErr).Str("transfer_id", transferID).Int("index", index).Msg("Failed to record failed instruction")
		}
		e.log.Warn().Err(err).Str("transfer_id", transferID).Int("index", index).Msg("Transfer instruction failed")
		return outcome
	}

	if !ins.Quantity.IsPositive() {
		return fail(domain.NewValidationError("quantity", fmt.Sprintf("must be positive, got %s", ins.Quantity)))
	}

	// Directory lookups happen before the ledger transaction opens
	owner, control, err := e.resolveTarget(ctx, ins)
	if err != nil {
		return fail(err)
	}

	err = database.WithTransaction(ctx, e.db, func(tx *sql.Tx) error {
		repo := e.positions.WithTx(tx)
		now := e.now()

		var applyErr error
		if ins.IsEntry() {
			applyErr = e.attributeEntry(ctx, repo, ins, owner, control, now, &outcome)
		} else {
			applyErr = e.transferFromSource(ctx, repo, ins, owner, control, now, &outcome)
		}
		if applyErr != nil {
			return applyErr
		}

		outcome.Success = true
		outcome.TransferredQuantity = ins.Quantity
		return e.batches.WithTx(tx).InsertExecution(ctx, transferID, ins.Symbol, outcome, now)
	})
	if err != nil {
		return fail(err)
	}

	return outcome
}

// resolveTarget returns the ownership and control mode quantity moves to
func (e *Executor) resolveTarget(ctx context.Context, ins domain.TransferInstruction) (domain.Ownership, domain.ControlMode, error) {
	if ins.IsToManual() {
		owner, err := e.directory.DefaultManualOwner(ctx, ins.TradingAccountID)
		if err != nil {
			return domain.Ownership{}, "", fmt.Errorf("failed to resolve manual owner: %w", err)
		}
		return owner, domain.ControlModeManual, nil
	}

	owner, err := e.directory.LookupExecution(ctx, ins.TargetExecutionID)
	if err != nil {
		return domain.Ownership{}, "", fmt.Errorf("failed to resolve target execution %s: %w", ins.TargetExecutionID, err)
	}
	if owner.ExecutionID == "" {
		owner.ExecutionID = ins.TargetExecutionID
	}
	if ins.TargetStrategyID != "" {
		owner.StrategyID = ins.TargetStrategyID
	}
	return owner, domain.ControlModeScript, nil
}

func (e *Executor) attributeEntry(
	ctx context.Context,
	repo *positions.PositionRepository,
	ins domain.TransferInstruction,
	owner domain.Ownership,
	control domain.ControlMode,
	now time.Time,
	outcome *domain.InstructionOutcome,
) error {
	source := domain.PositionSourceReconciliation
	if control == domain.ControlModeManual {
		source = domain.PositionSourceManual
	}

	p := domain.Position{
		PositionID:       uuid.New().String(),
		TradingAccountID: ins.TradingAccountID,
		Symbol:           ins.Symbol,
		Quantity:         ins.Quantity,
		StrategyID:       owner.StrategyID,
		ExecutionID:      owner.ExecutionID,
		PortfolioID:      owner.PortfolioID,
		Source:           source,
		EntryPrice:       ins.EntryPrice,
		IsOpen:           true,
		ControlledBy:     control,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := repo.Insert(ctx, p); err != nil {
		return err
	}
	outcome.NewPositionID = p.PositionID
	return nil
}

// transferFromSource moves quantity out of the instruction's source lots.
// A pinned source position is used alone; otherwise the source execution's
// open lots are drawn oldest first.
func (e *Executor) transferFromSource(
	ctx context.Context,
	repo *positions.PositionRepository,
	ins domain.TransferInstruction,
	owner domain.Ownership,
	control domain.ControlMode,
	now time.Time,
	outcome *domain.InstructionOutcome,
) error {
	lots, err := e.sourceLots(ctx, repo, ins)
	if err != nil {
		return err
	}

	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.Available())
	}
	if available.LessThan(ins.Quantity) {
		id := ins.SourcePositionID
		if id == "" {
			id = ins.SourceExecutionID
		}
		return &domain.InsufficientQuantityError{PositionID: id, Requested: ins.Quantity, Available: available}
	}

	remaining := ins.Quantity
	split := false
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lot.Available())
		if !take.IsPositive() {
			continue
		}
		if outcome.SourcePositionID == "" {
			outcome.SourcePositionID = lot.PositionID
		}
		if outcome.SourceExecutionID == "" {
			outcome.SourceExecutionID = lot.ExecutionID
		}

		if ins.IsToManual() {
			err = toManual(ctx, repo, lot, take, owner, now)
		} else {
			var newID string
			newID, err = betweenExecutions(ctx, repo, lot, take, owner, control, now)
			if newID != "" {
				outcome.NewPositionID = newID
				split = true
			}
		}
		if err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}

	if !ins.IsToManual() {
		outcome.Operation = domain.TransferOpReassign
		if split {
			outcome.Operation = domain.TransferOpSplit
		}
	}
	return nil
}

func (e *Executor) sourceLots(ctx context.Context, repo *positions.PositionRepository, ins domain.TransferInstruction) ([]domain.Position, error) {
	if ins.SourcePositionID != "" {
		p, err := repo.GetByID(ctx, ins.SourcePositionID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, &domain.NotFoundError{Resource: "position", ID: ins.SourcePositionID}
		}
		if p.TradingAccountID != ins.TradingAccountID || p.Symbol != ins.Symbol {
			return nil, domain.NewValidationError("source_position_id",
				fmt.Sprintf("position %s is on %s/%s, not %s/%s", p.PositionID, p.TradingAccountID, p.Symbol, ins.TradingAccountID, ins.Symbol))
		}
		if ins.SourceExecutionID != "" && p.ExecutionID != ins.SourceExecutionID {
			return nil, domain.NewValidationError("source_position_id",
				fmt.Sprintf("position %s belongs to execution %s, not %s", p.PositionID, p.ExecutionID, ins.SourceExecutionID))
		}
		if !p.IsOpen {
			return nil, &domain.InsufficientQuantityError{PositionID: p.PositionID, Requested: ins.Quantity, Available: decimal.Zero}
		}
		return []domain.Position{*p}, nil
	}
	return repo.GetOpenByExecution(ctx, ins.TradingAccountID, ins.SourceExecutionID, ins.Symbol)
}

// toManual decrements the lot; a fully consumed lot is closed and its
// ownership handed to the manual owner. No lot is created for the manual
// side: the quantity handed over is recorded only in the execution row.
func toManual(ctx context.Context, repo *positions.PositionRepository, lot domain.Position, qty decimal.Decimal, owner domain.Ownership, now time.Time) error {
	left := reduce(lot.Quantity, qty)
	if err := repo.UpdateQuantity(ctx, lot.PositionID, left, now); err != nil {
		return err
	}
	if left.IsZero() {
		return repo.Reassign(ctx, lot.PositionID, owner, domain.ControlModeManual, now)
	}
	return nil
}

// betweenExecutions reassigns a fully consumed lot in place, or splits off a
// new lot under the target for a partial quantity. Returns the new lot id on split.
func betweenExecutions(
	ctx context.Context,
	repo *positions.PositionRepository,
	lot domain.Position,
	qty decimal.Decimal,
	owner domain.Ownership,
	control domain.ControlMode,
	now time.Time,
) (string, error) {
	if qty.Equal(lot.Available()) {
		return "", repo.Reassign(ctx, lot.PositionID, owner, control, now)
	}

	if err := repo.UpdateQuantity(ctx, lot.PositionID, reduce(lot.Quantity, qty), now); err != nil {
		return "", err
	}

	moved := qty
	if lot.Quantity.IsNegative() {
		moved = qty.Neg()
	}
	split := domain.Position{
		PositionID:       uuid.New().String(),
		TradingAccountID: lot.TradingAccountID,
		Symbol:           lot.Symbol,
		Quantity:         moved,
		StrategyID:       owner.StrategyID,
		ExecutionID:      owner.ExecutionID,
		PortfolioID:      owner.PortfolioID,
		Source:           domain.PositionSourceReconciliation,
		EntryPrice:       lot.EntryPrice,
		IsOpen:           true,
		ControlledBy:     control,
		// Keeps its place in FIFO order
		CreatedAt: lot.CreatedAt,
		UpdatedAt: now,
	}
	if err := repo.Insert(ctx, split); err != nil {
		return "", err
	}
	return split.PositionID, nil
}

// reduce moves a signed quantity qty closer to zero
func reduce(quantity, qty decimal.Decimal) decimal.Decimal {
	if quantity.IsNegative() {
		return quantity.Add(qty)
	}
	return quantity.Sub(qty)
}

func operationFor(ins domain.TransferInstruction) domain.TransferOperation {
	switch {
	case ins.IsEntry():
		return domain.TransferOpAttributeEntry
	case ins.IsToManual():
		return domain.TransferOpToManual
	default:
		return domain.TransferOpReassign
	}
}
