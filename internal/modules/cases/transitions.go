package cases

import (
	"fmt"

	"github.com/aristath/reconciler/internal/domain"
)

// caseEvent is something that can happen to a case
type caseEvent string

const (
	eventAssign      caseEvent = "assign"
	eventResolve     caseEvent = "resolve"
	eventApply       caseEvent = "apply"
	eventApplyFailed caseEvent = "apply_failed"
	eventExpire      caseEvent = "expire"
)

// caseTransitions is the complete case state machine: current status and
// event to next status. Anything missing is a conflict.
var caseTransitions = map[domain.CaseStatus]map[caseEvent]domain.CaseStatus{
	domain.CaseStatusPending: {
		eventAssign: domain.CaseStatusInProgress,
		eventExpire: domain.CaseStatusExpired,
	},
	domain.CaseStatusInProgress: {
		eventAssign:  domain.CaseStatusInProgress,
		eventResolve: domain.CaseStatusResolved,
		eventExpire:  domain.CaseStatusExpired,
	},
	domain.CaseStatusResolved: {
		eventApply:       domain.CaseStatusApplied,
		eventApplyFailed: domain.CaseStatusFailed,
	},
}

var conflictMessages = map[caseEvent]string{
	eventAssign:      "cannot be assigned",
	eventResolve:     "cannot be resolved",
	eventApply:       "is not resolved",
	eventApplyFailed: "is not resolved",
	eventExpire:      "cannot be expired",
}

// nextStatus returns the status a case moves to, or a ConflictError
func nextStatus(current domain.CaseStatus, event caseEvent) (domain.CaseStatus, error) {
	if current.IsTerminal() {
		return "", domain.NewConflictError("case",
			fmt.Sprintf("case in status %s %s: status is terminal", current, conflictMessages[event]))
	}
	if next, ok := caseTransitions[current][event]; ok {
		return next, nil
	}
	return "", domain.NewConflictError("case",
		fmt.Sprintf("case in status %s %s", current, conflictMessages[event]))
}

// sourceStatuses lists every status from which event is legal
func sourceStatuses(event caseEvent) []domain.CaseStatus {
	var statuses []domain.CaseStatus
	// Fixed order keeps generated SQL stable
	for _, s := range []domain.CaseStatus{
		domain.CaseStatusPending,
		domain.CaseStatusInProgress,
		domain.CaseStatusResolved,
		domain.CaseStatusApplied,
		domain.CaseStatusFailed,
		domain.CaseStatusExpired,
	} {
		if s.IsTerminal() {
			continue
		}
		if _, ok := caseTransitions[s][event]; ok {
			statuses = append(statuses, s)
		}
	}
	return statuses
}
