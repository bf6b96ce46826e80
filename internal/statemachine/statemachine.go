// Package statemachine is the static catalogue of maturity states, hardening
// checkpoints and legal transitions. It is pure data plus lookup functions:
// hardening completeness and payment status are the callers' concern.
package statemachine

import (
	"fmt"

	"stagegate/internal/domain"
)

// ErrUnknownTransition reports a label that is not legal from a given state.
type ErrUnknownTransition struct {
	From  string
	Label string
}

func (e ErrUnknownTransition) Error() string {
	return fmt.Sprintf("transition %s not available from %s", e.Label, e.From)
}

var levelOrder = []domain.Level{
	domain.LevelPOC,
	domain.LevelMVP,
	domain.LevelPilot,
	domain.LevelProduction,
	domain.LevelScale,
}

var checkpointOrder = []domain.Checkpoint{
	domain.CheckpointL1,
	domain.CheckpointL2,
	domain.CheckpointL3,
}

// StatesCatalog returns every legal (level, checkpoint) pair including the
// terminal ABORTED/N-A state.
func StatesCatalog() []domain.MaturityState {
	var states []domain.MaturityState
	for _, lvl := range levelOrder {
		for _, cp := range checkpointOrder {
			states = append(states, domain.MaturityState{Level: lvl, Checkpoint: cp})
		}
	}
	states = append(states, domain.MaturityState{Level: domain.LevelAborted, Checkpoint: domain.CheckpointNone})
	return states
}

// CheckpointsCatalog returns the hardening checkpoints in order of rigor.
func CheckpointsCatalog() []domain.Checkpoint {
	out := make([]domain.Checkpoint, len(checkpointOrder))
	copy(out, checkpointOrder)
	return out
}

// Levels returns the non-terminal maturity levels in ascending order.
func Levels() []domain.Level {
	out := make([]domain.Level, len(levelOrder))
	copy(out, levelOrder)
	return out
}

// NextLevel returns the level after lvl, or false at SCALE and for ABORTED.
func NextLevel(lvl domain.Level) (domain.Level, bool) {
	for i, l := range levelOrder {
		if l == lvl && i+1 < len(levelOrder) {
			return levelOrder[i+1], true
		}
	}
	return "", false
}

// PrevLevel returns the level before lvl, or false at POC and for ABORTED.
func PrevLevel(lvl domain.Level) (domain.Level, bool) {
	for i, l := range levelOrder {
		if l == lvl && i > 0 {
			return levelOrder[i-1], true
		}
	}
	return "", false
}

// ParseLevel validates a level name.
func ParseLevel(s string) (domain.Level, error) {
	switch domain.Level(s) {
	case domain.LevelPOC, domain.LevelMVP, domain.LevelPilot, domain.LevelProduction, domain.LevelScale, domain.LevelAborted:
		return domain.Level(s), nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// ParseCheckpoint validates a checkpoint name.
func ParseCheckpoint(s string) (domain.Checkpoint, error) {
	switch domain.Checkpoint(s) {
	case domain.CheckpointL1, domain.CheckpointL2, domain.CheckpointL3, domain.CheckpointNone:
		return domain.Checkpoint(s), nil
	}
	return "", fmt.Errorf("unknown checkpoint %q", s)
}

func stateKey(lvl domain.Level, cp domain.Checkpoint) string {
	return string(lvl) + "-" + string(cp)
}

func move(label string, t domain.TransitionType, fl domain.Level, fc domain.Checkpoint, tl domain.Level, tc domain.Checkpoint, payment bool) domain.Transition {
	return domain.Transition{
		Label:          label,
		Type:           t,
		FromLevel:      fl,
		FromCheckpoint: fc,
		ToLevel:        tl,
		ToCheckpoint:   tc,
		PaymentGate:    payment,
	}
}

// transitions is built once at init and never mutated.
var transitions = buildTransitions()

func buildTransitions() map[string][]domain.Transition {
	table := make(map[string][]domain.Transition)
	abortTo := func(fl domain.Level, fc domain.Checkpoint) domain.Transition {
		return move("abort", domain.TransitionAbort, fl, fc, domain.LevelAborted, domain.CheckpointNone, false)
	}
	for _, lvl := range levelOrder {
		// L1: advance to L2; level_rollback to previous L3 where one exists.
		l1 := []domain.Transition{
			move(stateKey(lvl, domain.CheckpointL2), domain.TransitionAdvance, lvl, domain.CheckpointL1, lvl, domain.CheckpointL2, false),
		}
		if prev, ok := PrevLevel(lvl); ok {
			l1 = append(l1, move(stateKey(prev, domain.CheckpointL3), domain.TransitionLevelRollback, lvl, domain.CheckpointL1, prev, domain.CheckpointL3, false))
		}
		l1 = append(l1, abortTo(lvl, domain.CheckpointL1))
		table[stateKey(lvl, domain.CheckpointL1)] = l1

		// L2: advance to L3, rollback to L1.
		table[stateKey(lvl, domain.CheckpointL2)] = []domain.Transition{
			move(stateKey(lvl, domain.CheckpointL3), domain.TransitionAdvance, lvl, domain.CheckpointL2, lvl, domain.CheckpointL3, false),
			move(stateKey(lvl, domain.CheckpointL1), domain.TransitionRollback, lvl, domain.CheckpointL2, lvl, domain.CheckpointL1, false),
			abortTo(lvl, domain.CheckpointL2),
		}

		// L3: level_advance (payment gated) or steady-state loops at SCALE.
		l3 := []domain.Transition{}
		if next, ok := NextLevel(lvl); ok {
			l3 = append(l3, move(stateKey(next, domain.CheckpointL1), domain.TransitionLevelAdvance, lvl, domain.CheckpointL3, next, domain.CheckpointL1, true))
		} else {
			l3 = append(l3,
				move("maintain", domain.TransitionMaintain, lvl, domain.CheckpointL3, lvl, domain.CheckpointL3, false),
				move("optimize", domain.TransitionOptimize, lvl, domain.CheckpointL3, lvl, domain.CheckpointL3, false),
			)
		}
		l3 = append(l3,
			move(stateKey(lvl, domain.CheckpointL2), domain.TransitionRollback, lvl, domain.CheckpointL3, lvl, domain.CheckpointL2, false),
			abortTo(lvl, domain.CheckpointL3),
		)
		table[stateKey(lvl, domain.CheckpointL3)] = l3
	}
	// ABORTED has no exits; key intentionally absent.
	return table
}

// AvailableTransitions returns the legal moves from a state. Unknown
// combinations (including ABORTED) return nil rather than failing: no legal
// moves.
func AvailableTransitions(state domain.MaturityState) []domain.Transition {
	ts, ok := transitions[stateKey(state.Level, state.Checkpoint)]
	if !ok {
		return nil
	}
	out := make([]domain.Transition, len(ts))
	copy(out, ts)
	return out
}

// ValidationResult is the structural answer for a candidate transition. Rules
// are declarative metadata consulted by callers, never enforced here.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Transition domain.Transition `json:"transition,omitempty"`
	Rules      []string          `json:"validation_rules,omitempty"`
	Err        error             `json:"-"`
}

// ValidateTransition checks that label names a transition defined from state.
// It performs structural matching only.
func ValidateTransition(state domain.MaturityState, label string) ValidationResult {
	for _, t := range AvailableTransitions(state) {
		if t.Label == label {
			return ValidationResult{Valid: true, Transition: t, Rules: RulesForType(t.Type)}
		}
	}
	return ValidationResult{Valid: false, Err: ErrUnknownTransition{From: state.Label(), Label: label}}
}
