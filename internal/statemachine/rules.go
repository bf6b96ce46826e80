package statemachine

import "stagegate/internal/domain"

// Per-type validation rules. Declarative metadata: the engine and tracker
// decide which rule each caller enforces.
var typeRules = map[domain.TransitionType][]string{
	domain.TransitionAdvance:       {"human_approval", "checkpoint_requirements_met"},
	domain.TransitionRollback:      {"human_approval", "justification_required"},
	domain.TransitionLevelAdvance:  {"human_approval", "payment_gate_confirmed", "hardening_l3_complete", "min_dwell_time"},
	domain.TransitionLevelRollback: {"human_approval", "justification_required"},
	domain.TransitionAbort:         {"human_approval", "justification_required"},
	domain.TransitionMaintain:      {"human_approval"},
	domain.TransitionOptimize:      {"human_approval"},
}

// RulesForType returns the declared validation rules for a transition type.
func RulesForType(t domain.TransitionType) []string {
	rules, ok := typeRules[t]
	if !ok {
		return nil
	}
	out := make([]string, len(rules))
	copy(out, rules)
	return out
}

// RiskLevel classifies a transition for human presentation: any level change
// or abort is high risk, checkpoint moves and steady-state loops are medium.
func RiskLevel(t domain.TransitionType) string {
	switch t {
	case domain.TransitionLevelAdvance, domain.TransitionLevelRollback, domain.TransitionAbort:
		return "high"
	default:
		return "medium"
	}
}

// EstimatedEffort gives a coarse human-facing effort hint per type.
func EstimatedEffort(t domain.TransitionType) string {
	switch t {
	case domain.TransitionLevelAdvance:
		return "weeks"
	case domain.TransitionAdvance:
		return "days"
	case domain.TransitionRollback, domain.TransitionLevelRollback:
		return "days"
	case domain.TransitionAbort:
		return "hours"
	default:
		return "ongoing"
	}
}

// Describe renders a one-line human description of a transition.
func Describe(t domain.Transition) string {
	switch t.Type {
	case domain.TransitionAbort:
		return "Abort the project permanently. No further transitions will be possible."
	case domain.TransitionMaintain:
		return "Keep operating at " + stateKey(t.FromLevel, t.FromCheckpoint) + " with routine maintenance."
	case domain.TransitionOptimize:
		return "Stay at " + stateKey(t.FromLevel, t.FromCheckpoint) + " while optimizing cost and performance."
	case domain.TransitionLevelAdvance:
		return "Advance to the " + string(t.ToLevel) + " level (payment gate required)."
	case domain.TransitionLevelRollback:
		return "Roll the project back to the " + string(t.ToLevel) + " level."
	case domain.TransitionRollback:
		return "Roll back to checkpoint " + string(t.ToCheckpoint) + " of " + string(t.ToLevel) + "."
	default:
		return "Advance to checkpoint " + string(t.ToCheckpoint) + " of " + string(t.ToLevel) + "."
	}
}
