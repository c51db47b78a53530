package handoff

import (
	"fmt"

	"github.com/aristath/reconciler/internal/domain"
)

type transitionRule struct {
	from      []domain.HandoffMode
	to        domain.HandoffMode
	cancel    domain.OrderSource // empty cancels every source
	control   domain.ControlMode
	emergency bool
}

var transitionRules = map[domain.TransitionType]transitionRule{
	domain.TransitionManualToScript: {
		from:    []domain.HandoffMode{domain.HandoffModeManual},
		to:      domain.HandoffModeScript,
		cancel:  domain.OrderSourceManual,
		control: domain.ControlModeScript,
	},
	domain.TransitionScriptToManual: {
		from:    []domain.HandoffMode{domain.HandoffModeScript},
		to:      domain.HandoffModeManual,
		cancel:  domain.OrderSourceScript,
		control: domain.ControlModeManual,
	},
	domain.TransitionEmergencyStop: {
		from:      []domain.HandoffMode{domain.HandoffModeManual, domain.HandoffModeScript, domain.HandoffModeTransitioning},
		to:        domain.HandoffModeManual,
		control:   domain.ControlModeManual,
		emergency: true,
	},
}

// ruleFor returns the rule of a transition type when it may start from mode
func ruleFor(t domain.TransitionType, mode domain.HandoffMode) (transitionRule, error) {
	rule, ok := transitionRules[t]
	if !ok {
		return transitionRule{}, domain.NewValidationError("transition_type", fmt.Sprintf("unsupported transition %q", t))
	}
	for _, from := range rule.from {
		if from == mode {
			return rule, nil
		}
	}
	return transitionRule{}, domain.NewConflictError("handoff",
		fmt.Sprintf("transition %s does not match current mode %s", t, mode))
}
