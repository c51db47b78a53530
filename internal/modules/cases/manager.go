package cases

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
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

// Audit event types
const (
	EventCaseCreated      = "case_created"
	EventCaseAssigned     = "case_assigned"
	EventCaseResolved     = "case_resolved"
	EventCaseApplyStarted = "case_apply_started"
	EventCaseApplied      = "case_applied"
	EventCaseApplyFailed  = "case_apply_failed"
	EventCaseExpired      = "case_expired"
)

// TransferExecutor applies a case's decisions as one batch
type TransferExecutor interface {
	ExecuteManualTransferInstructions(ctx context.Context, caseID string, instructions []domain.TransferInstruction, executedBy string) (*domain.ReconciliationTransferResult, error)
	FindCaseBatch(ctx context.Context, caseID string, since time.Time) (*domain.TransferBatch, error)
}

// Settings tunes case priority and apply recovery
type Settings struct {
	HighValueThreshold decimal.Decimal // notional above this is HIGH
	LowValueThreshold  decimal.Decimal // notional below this with at most one position is LOW
	HighPositionCount  int             // more affected positions than this is HIGH
	ApplyClaimTimeout  time.Duration   // an apply claim older than this may be taken over
}

// DefaultSettings returns the production priority thresholds
func DefaultSettings() Settings {
	return Settings{
		HighValueThreshold: decimal.NewFromInt(100000),
		LowValueThreshold:  decimal.NewFromInt(1000),
		HighPositionCount:  5,
		ApplyClaimTimeout:  defaultApplyClaimTimeout,
	}
}

const defaultApplyClaimTimeout = 10 * time.Minute

// CreateCaseRequest describes a new manual attribution case
type CreateCaseRequest struct {
	TradingAccountID    string                   `json:"trading_account_id" validate:"required"`
	Symbol              string                   `json:"symbol" validate:"required"`
	CaseType            domain.CaseType          `json:"case_type" validate:"omitempty,oneof=EXIT ENTRY"`
	ExitQuantity        decimal.Decimal          `json:"exit_quantity"`
	ExitPrice           decimal.Decimal          `json:"exit_price"`
	ExitTimestamp       time.Time                `json:"exit_timestamp"`
	AffectedPositions   []domain.Position        `json:"affected_positions"`
	SuggestedAllocation *domain.AllocationResult `json:"suggested_allocation,omitempty"`
	VarianceID          string                   `json:"variance_id,omitempty"`
	CreatedBy           string                   `json:"created_by"`
}

// Manager owns the manual attribution case lifecycle
type Manager struct {
	db        *sql.DB
	cases     *Repository
	executor  TransferExecutor
	directory domain.Directory
	settings  Settings
	validate  *validator.Validate
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewManager creates a new case manager
func NewManager(
	db *sql.DB,
	caseRepo *Repository,
	executor TransferExecutor,
	directory domain.Directory,
	settings Settings,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		db:        db,
		cases:     caseRepo,
		executor:  executor,
		directory: directory,
		settings:  settings,
		validate:  validator.New(),
		metrics:   m,
		log:       log.With().Str("service", "cases").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateCase opens a PENDING case and returns its id
func (m *Manager) CreateCase(ctx context.Context, req CreateCaseRequest) (string, error) {
	if err := m.validate.Struct(req); err != nil {
		return "", domain.NewValidationError("case", err.Error())
	}
	if !req.ExitQuantity.IsPositive() {
		return "", domain.NewValidationError("exit_quantity", fmt.Sprintf("must be positive, got %s", req.ExitQuantity))
	}

	now := m.now()
	c := &domain.AttributionCase{
		CaseID:              uuid.New().String(),
		TradingAccountID:    req.TradingAccountID,
		Symbol:              strings.ToUpper(strings.TrimSpace(req.Symbol)),
		CaseType:            req.CaseType,
		ExitQuantity:        req.ExitQuantity,
		ExitPrice:           req.ExitPrice,
		ExitTimestamp:       req.ExitTimestamp,
		AffectedPositions:   req.AffectedPositions,
		SuggestedAllocation: req.SuggestedAllocation,
		Status:              domain.CaseStatusPending,
		Priority:            m.determinePriority(req.ExitQuantity, req.ExitPrice, len(req.AffectedPositions)),
		VarianceID:          req.VarianceID,
		CreatedBy:           req.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if c.CaseType == "" {
		c.CaseType = domain.CaseTypeExit
	}
	if c.CreatedBy == "" {
		c.CreatedBy = "system"
	}
	if c.ExitTimestamp.IsZero() {
		c.ExitTimestamp = now
	}
	if c.AffectedPositions == nil {
		c.AffectedPositions = []domain.Position{}
	}

	err := database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		repo := m.cases.WithTx(tx)
		if err := repo.Insert(ctx, c); err != nil {
			return err
		}
		return repo.InsertAudit(ctx, domain.CaseAuditEvent{
			CaseID:    c.CaseID,
			EventType: EventCaseCreated,
			Actor:     c.CreatedBy,
			ToStatus:  c.Status,
			Details: map[string]string{
				"case_type":     string(c.CaseType),
				"priority":      string(c.Priority),
				"exit_quantity": c.ExitQuantity.String(),
				"variance_id":   c.VarianceID,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to create case: %w", err)
	}

	m.metrics.RecordCaseEvent(EventCaseCreated)
	m.log.Info().
		Str("case_id", c.CaseID).
		Str("symbol", c.Symbol).
		Str("case_type", string(c.CaseType)).
		Str("priority", string(c.Priority)).
		Stringer("quantity", c.ExitQuantity).
		Msg("Attribution case created")

	return c.CaseID, nil
}

// determinePriority ranks a case by notional and by how many positions it touches
func (m *Manager) determinePriority(quantity, price decimal.Decimal, positionCount int) domain.CasePriority {
	notional := quantity.Abs().Mul(price.Abs())

	if notional.GreaterThan(m.settings.HighValueThreshold) || positionCount > m.settings.HighPositionCount {
		return domain.CasePriorityHigh
	}
	if notional.LessThan(m.settings.LowValueThreshold) && positionCount <= 1 {
		return domain.CasePriorityLow
	}
	return domain.CasePriorityNormal
}

// GetCase returns a case with its audit trail, or nil if it does not exist
func (m *Manager) GetCase(ctx context.Context, caseID string) (*domain.AttributionCase, error) {
	c, err := m.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get case %s: %w", caseID, err)
	}
	if c == nil {
		return nil, nil
	}

	audit, err := m.cases.ListAudit(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit for case %s: %w", caseID, err)
	}
	c.AuditTrail = audit
	return c, nil
}

// GetCaseAudit returns a case's audit trail oldest first
func (m *Manager) GetCaseAudit(ctx context.Context, caseID string) ([]domain.CaseAuditEvent, error) {
	audit, err := m.cases.ListAudit(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit for case %s: %w", caseID, err)
	}
	return audit, nil
}

// ListPendingCases returns open cases, highest priority then oldest first
func (m *Manager) ListPendingCases(ctx context.Context, filter CaseFilter) ([]domain.AttributionCase, error) {
	cases, err := m.cases.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	if cases == nil {
		cases = []domain.AttributionCase{}
	}
	return cases, nil
}

// AssignCase hands a PENDING or IN_PROGRESS case to an assignee
func (m *Manager) AssignCase(ctx context.Context, caseID, assignee, assignedBy string) (bool, error) {
	if assignee == "" {
		return false, domain.NewValidationError("assignee", "is required")
	}
	if assignedBy == "" {
		assignedBy = assignee
	}

	err := database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		repo := m.cases.WithTx(tx)
		c, err := m.load(ctx, repo, caseID)
		if err != nil {
			return err
		}
		next, err := nextStatus(c.Status, eventAssign)
		if err != nil {
			return err
		}

		now := m.now()
		ok, err := repo.Assign(ctx, caseID, assignee, sourceStatuses(eventAssign), now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewConflictError("case", fmt.Sprintf("case %s cannot be assigned", caseID))
		}

		return repo.InsertAudit(ctx, domain.CaseAuditEvent{
			CaseID:     caseID,
			EventType:  EventCaseAssigned,
			Actor:      assignedBy,
			FromStatus: c.Status,
			ToStatus:   next,
			Details:    map[string]string{"assigned_to": assignee, "previous_assignee": c.AssignedTo},
			CreatedAt:  now,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to assign case %s: %w", caseID, err)
	}

	m.metrics.RecordCaseEvent(EventCaseAssigned)
	m.log.Info().Str("case_id", caseID).Str("assigned_to", assignee).Msg("Case assigned")
	return true, nil
}

// ResolveCase records a decision on an IN_PROGRESS case. The decision must
// account for exactly the case quantity or nothing is written.
func (m *Manager) ResolveCase(ctx context.Context, decision domain.AttributionDecision) (bool, error) {
	if err := m.validate.Struct(decision); err != nil {
		return false, domain.NewValidationError("decision", err.Error())
	}
	for i, d := range decision.AllocationDecisions {
		if !d.Quantity.IsPositive() {
			return false, domain.NewValidationError(fmt.Sprintf("allocation_decisions[%d].quantity", i),
				fmt.Sprintf("must be positive, got %s", d.Quantity))
		}
	}

	caseID := decision.CaseID
	err := database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		repo := m.cases.WithTx(tx)
		c, err := m.load(ctx, repo, caseID)
		if err != nil {
			return err
		}
		next, err := nextStatus(c.Status, eventResolve)
		if err != nil {
			return err
		}
		ledger := positions.NewPositionRepository(tx, m.log)
		if err := validateDecision(ctx, ledger, c, decision); err != nil {
			return err
		}

		now := m.now()
		if decision.DecisionTimestamp.IsZero() {
			decision.DecisionTimestamp = now
		}
		ok, err := repo.Resolve(ctx, caseID, &domain.CaseResolutionData{Decision: decision}, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewConflictError("case", fmt.Sprintf("case %s cannot be resolved", caseID))
		}

		return repo.InsertAudit(ctx, domain.CaseAuditEvent{
			CaseID:     caseID,
			EventType:  EventCaseResolved,
			Actor:      decision.DecisionMaker,
			FromStatus: c.Status,
			ToStatus:   next,
			Details: map[string]string{
				"decisions": fmt.Sprintf("%d", len(decision.AllocationDecisions)),
				"rationale": decision.DecisionRationale,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to resolve case %s: %w", caseID, err)
	}

	m.metrics.RecordCaseEvent(EventCaseResolved)
	m.log.Info().Str("case_id", caseID).Str("decision_maker", decision.DecisionMaker).Msg("Case resolved")
	return true, nil
}

// validateDecision checks a decision against the case it resolves. Exit
// decisions may only name lots on the case's account and symbol.
func validateDecision(ctx context.Context, ledger *positions.PositionRepository, c *domain.AttributionCase, decision domain.AttributionDecision) error {
	total := decision.TotalQuantity()
	if !total.Equal(c.ExitQuantity) {
		return domain.NewValidationError("allocation_decisions",
			fmt.Sprintf("decision total %s does not match exit quantity %s", total, c.ExitQuantity))
	}

	if c.CaseType == domain.CaseTypeEntry {
		return nil
	}
	for i, d := range decision.AllocationDecisions {
		field := fmt.Sprintf("allocation_decisions[%d].position_id", i)
		if d.PositionID == "" {
			return domain.NewValidationError(field, "is required for exit cases")
		}
		p, err := ledger.GetByID(ctx, d.PositionID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.NewValidationError(field, fmt.Sprintf("position %s does not exist", d.PositionID))
		}
		if p.TradingAccountID != c.TradingAccountID || p.Symbol != c.Symbol {
			return domain.NewValidationError(field, fmt.Sprintf("position %s is on %s/%s, not %s/%s",
				p.PositionID, p.TradingAccountID, p.Symbol, c.TradingAccountID, c.Symbol))
		}
	}
	return nil
}

// ApplyResolution executes a RESOLVED case's decision through the transfer
// executor. Applying an APPLIED case is a no-op that reports success.
func (m *Manager) ApplyResolution(ctx context.Context, caseID, appliedBy string) (bool, error) {
	if appliedBy == "" {
		return false, domain.NewValidationError("applied_by", "is required")
	}

	c, err := m.load(ctx, m.cases, caseID)
	if err != nil {
		return false, fmt.Errorf("failed to apply case %s: %w", caseID, err)
	}
	if c.Status == domain.CaseStatusApplied {
		m.log.Debug().Str("case_id", caseID).Msg("Case already applied")
		return true, nil
	}
	if _, err := nextStatus(c.Status, eventApply); err != nil {
		return false, err
	}

	previousClaim, err := m.cases.ApplyClaimedAt(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("failed to apply case %s: %w", caseID, err)
	}
	claimedAt := m.now()
	claimed, err := m.cases.ClaimApply(ctx, caseID, claimedAt, claimedAt.Add(-m.applyClaimTimeout()))
	if err != nil {
		return false, fmt.Errorf("failed to claim case %s: %w", caseID, err)
	}
	if !claimed {
		current, err := m.load(ctx, m.cases, caseID)
		if err != nil {
			return false, fmt.Errorf("failed to apply case %s: %w", caseID, err)
		}
		if current.Status == domain.CaseStatusApplied {
			return true, nil
		}
		return false, domain.NewConflictError("case", fmt.Sprintf("case %s is already being applied", caseID))
	}

	if previousClaim != nil {
		// The previous apply crashed; if it reached the executor, record
		// that batch instead of transferring again
		m.log.Warn().
			Str("case_id", caseID).
			Time("claimed_at", *previousClaim).
			Msg("Taking over stale apply claim")
		batch, err := m.executor.FindCaseBatch(ctx, caseID, *previousClaim)
		if err != nil {
			m.release(ctx, caseID)
			return false, fmt.Errorf("failed to apply case %s: %w", caseID, err)
		}
		if batch != nil {
			return m.recordApply(ctx, c, appliedBy, resultFromBatch(batch), interruption(batch),
				map[string]string{"recovered": "true"})
		}
	}

	if err := m.cases.InsertAudit(ctx, domain.CaseAuditEvent{
		CaseID:     caseID,
		EventType:  EventCaseApplyStarted,
		Actor:      appliedBy,
		FromStatus: c.Status,
		ToStatus:   c.Status,
		CreatedAt:  m.now(),
	}); err != nil {
		m.release(ctx, caseID)
		return false, fmt.Errorf("failed to apply case %s: %w", caseID, err)
	}

	instructions, err := m.buildInstructions(ctx, c)
	if err != nil {
		// Directory trouble is transient: the case stays RESOLVED for a retry
		m.release(ctx, caseID)
		return false, fmt.Errorf("failed to build transfer instructions for case %s: %w", caseID, err)
	}

	result, execErr := m.executor.ExecuteManualTransferInstructions(ctx, caseID, instructions, appliedBy)
	return m.recordApply(ctx, c, appliedBy, result, execErr, map[string]string{})
}

// recordApply moves a claimed case to APPLIED or FAILED from a transfer outcome
func (m *Manager) recordApply(
	ctx context.Context,
	c *domain.AttributionCase,
	appliedBy string,
	result *domain.ReconciliationTransferResult,
	execErr error,
	details map[string]string,
) (bool, error) {
	caseID := c.CaseID
	data := c.ResolutionData
	if data == nil {
		data = &domain.CaseResolutionData{}
	}
	now := m.now()
	data.AppliedBy = appliedBy
	data.AppliedAt = &now

	status := domain.CaseStatusApplied
	event := EventCaseApplied

	switch {
	case execErr != nil:
		status = domain.CaseStatusFailed
		event = EventCaseApplyFailed
		data.FailureReason = execErr.Error()
		details["error"] = execErr.Error()
	case !result.Succeeded():
		status = domain.CaseStatusFailed
		event = EventCaseApplyFailed
		data.FailureReason = strings.Join(result.Errors, "; ")
		details["error"] = data.FailureReason
	}
	if result != nil {
		data.TransferID = result.TransferID
		data.TransferResult = result
		details["transfer_id"] = result.TransferID
		details["executed"] = fmt.Sprintf("%d", result.ExecutedCount)
		details["failed"] = fmt.Sprintf("%d", result.FailedCount)
	}

	err := database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		repo := m.cases.WithTx(tx)
		if err := repo.FinishApply(ctx, caseID, status, data, now); err != nil {
			return err
		}
		return repo.InsertAudit(ctx, domain.CaseAuditEvent{
			CaseID:     caseID,
			EventType:  event,
			Actor:      appliedBy,
			FromStatus: domain.CaseStatusResolved,
			ToStatus:   status,
			Details:    details,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to record apply outcome for case %s: %w", caseID, err)
	}

	m.metrics.RecordCaseEvent(event)
	logEvent := m.log.Info()
	if status == domain.CaseStatusFailed {
		logEvent = m.log.Warn()
	}
	logEvent.
		Str("case_id", caseID).
		Str("status", string(status)).
		Str("transfer_id", data.TransferID).
		Msg("Case resolution applied")

	return status == domain.CaseStatusApplied, nil
}

// buildInstructions converts the stored decision into transfer instructions
func (m *Manager) buildInstructions(ctx context.Context, c *domain.AttributionCase) ([]domain.TransferInstruction, error) {
	if c.ResolutionData == nil {
		return nil, domain.NewValidationError("resolution_data", "resolved case has no decision")
	}

	executions := make(map[string]string, len(c.AffectedPositions))
	for _, p := range c.AffectedPositions {
		executions[p.PositionID] = p.ExecutionID
	}

	decisions := c.ResolutionData.Decision.AllocationDecisions
	instructions := make([]domain.TransferInstruction, 0, len(decisions))
	for _, d := range decisions {
		target := domain.TargetManual
		if d.StrategyID != "" && d.StrategyID != domain.TargetManual {
			owner, err := m.directory.ResolveExecutionForStrategy(ctx, c.TradingAccountID, d.StrategyID)
			if err != nil {
				return nil, err
			}
			target = owner.ExecutionID
		}

		ins := domain.TransferInstruction{
			TargetExecutionID: target,
			TargetStrategyID:  d.StrategyID,
			TradingAccountID:  c.TradingAccountID,
			Symbol:            c.Symbol,
			Quantity:          d.Quantity,
			AllocationReason:  fmt.Sprintf("case %s decision by %s", c.CaseID, c.ResolutionData.Decision.DecisionMaker),
			Metadata:          map[string]string{"case_id": c.CaseID},
		}
		if target == domain.TargetManual {
			ins.TargetStrategyID = ""
		}
		if c.CaseType == domain.CaseTypeEntry {
			ins.EntryPrice = c.ExitPrice
		} else {
			ins.SourcePositionID = d.PositionID
			ins.SourceExecutionID = executions[d.PositionID]
		}
		instructions = append(instructions, ins)
	}
	return instructions, nil
}

// ExpireStaleCases moves PENDING and IN_PROGRESS cases untouched for longer
// than olderThan to EXPIRED. Returns how many were expired.
func (m *Manager) ExpireStaleCases(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, domain.NewValidationError("older_than", "must be positive")
	}

	now := m.now()
	from := sourceStatuses(eventExpire)
	expired := 0

	err := database.WithTransaction(ctx, m.db, func(tx *sql.Tx) error {
		repo := m.cases.WithTx(tx)
		ids, err := repo.ListStale(ctx, from, now.Add(-olderThan))
		if err != nil {
			return err
		}

		for _, id := range ids {
			c, err := m.load(ctx, repo, id)
			if err != nil {
				return err
			}
			ok, err := repo.Transition(ctx, id, from, domain.CaseStatusExpired, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := repo.InsertAudit(ctx, domain.CaseAuditEvent{
				CaseID:     id,
				EventType:  EventCaseExpired,
				Actor:      "system",
				FromStatus: c.Status,
				ToStatus:   domain.CaseStatusExpired,
				Details:    map[string]string{"older_than": olderThan.String()},
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale cases: %w", err)
	}

	if expired > 0 {
		for i := 0; i < expired; i++ {
			m.metrics.RecordCaseEvent(EventCaseExpired)
		}
		m.log.Info().Int("expired", expired).Dur("older_than", olderThan).Msg("Stale cases expired")
	}
	return expired, nil
}

// load returns a case or a NotFoundError
func (m *Manager) load(ctx context.Context, repo *Repository, caseID string) (*domain.AttributionCase, error) {
	c, err := repo.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &domain.NotFoundError{Resource: "case", ID: caseID}
	}
	return c, nil
}

func (m *Manager) applyClaimTimeout() time.Duration {
	if m.settings.ApplyClaimTimeout <= 0 {
		return defaultApplyClaimTimeout
	}
	return m.settings.ApplyClaimTimeout
}

// resultFromBatch rebuilds a transfer result from a persisted batch
func resultFromBatch(b *domain.TransferBatch) *domain.ReconciliationTransferResult {
	result := &domain.ReconciliationTransferResult{
		TransferID:               b.TransferID,
		Status:                   b.Status,
		InstructionsCount:        b.InstructionCount,
		ExecutedCount:            b.ExecutedCount,
		FailedCount:              b.FailedCount,
		TotalQuantityTransferred: b.TotalQuantityTransferred,
		Outcomes:                 b.Executions,
		Errors:                   []string{},
		Warnings:                 []string{},
	}
	if result.Outcomes == nil {
		result.Outcomes = []domain.InstructionOutcome{}
	}
	for _, o := range result.Outcomes {
		if !o.Success {
			result.Errors = append(result.Errors, fmt.Sprintf("instruction %d: %s", o.Index, o.Error))
		}
	}
	return result
}

// interruption reports a batch that never finished; its counters are not
// trustworthy so the case fails for an operator to inspect the executions
func interruption(b *domain.TransferBatch) error {
	if b.Status != domain.BatchStatusInProgress {
		return nil
	}
	return fmt.Errorf("transfer batch %s was interrupted after %d of %d instructions",
		b.TransferID, len(b.Executions), b.InstructionCount)
}

func (m *Manager) release(ctx context.Context, caseID string) {
	if err := m.cases.ReleaseApply(ctx, caseID, m.now()); err != nil {
		m.log.Error().Err(err).Str("case_id", caseID).Msg("Failed to release apply claim")
	}
}
