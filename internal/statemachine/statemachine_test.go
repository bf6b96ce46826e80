package statemachine_test

import (
	"reflect"
	"testing"

	"stagegate/internal/domain"
	"stagegate/internal/statemachine"
)

func state(lvl domain.Level, cp domain.Checkpoint) domain.MaturityState {
	return domain.MaturityState{Level: lvl, Checkpoint: cp}
}

func labels(ts []domain.Transition) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.Label)
	}
	return out
}

func TestInitialStateOptions(t *testing.T) {
	got := labels(statemachine.AvailableTransitions(state(domain.LevelPOC, domain.CheckpointL1)))
	want := []string{"POC-L2", "abort"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("POC/L1 transitions = %v, want %v", got, want)
	}
}

func TestLevelAdvanceRequiresPaymentGate(t *testing.T) {
	ts := statemachine.AvailableTransitions(state(domain.LevelPOC, domain.CheckpointL3))
	var found bool
	for _, tr := range ts {
		if tr.Label == "MVP-L1" {
			found = true
			if tr.Type != domain.TransitionLevelAdvance {
				t.Errorf("MVP-L1 type = %s, want level_advance", tr.Type)
			}
			if !tr.PaymentGate {
				t.Errorf("MVP-L1 should require a payment gate")
			}
		}
		if tr.PaymentGate && tr.Type != domain.TransitionLevelAdvance {
			t.Errorf("payment gate flagged on %s (%s)", tr.Label, tr.Type)
		}
	}
	if !found {
		t.Fatalf("MVP-L1 not offered from POC/L3: %v", labels(ts))
	}
}

func TestScaleL3SelfLoops(t *testing.T) {
	got := labels(statemachine.AvailableTransitions(state(domain.LevelScale, domain.CheckpointL3)))
	want := []string{"maintain", "optimize", "SCALE-L2", "abort"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SCALE/L3 transitions = %v, want %v", got, want)
	}
	for _, tr := range statemachine.AvailableTransitions(state(domain.LevelScale, domain.CheckpointL3)) {
		if tr.Type == domain.TransitionMaintain || tr.Type == domain.TransitionOptimize {
			if tr.ToLevel != domain.LevelScale || tr.ToCheckpoint != domain.CheckpointL3 {
				t.Errorf("%s should be a self-loop, got %s-%s", tr.Label, tr.ToLevel, tr.ToCheckpoint)
			}
		}
	}
}

func TestAbortedIsTerminal(t *testing.T) {
	if ts := statemachine.AvailableTransitions(state(domain.LevelAborted, domain.CheckpointNone)); ts != nil {
		t.Fatalf("ABORTED should have no transitions, got %v", labels(ts))
	}
}

func TestUnknownStateReturnsEmpty(t *testing.T) {
	if ts := statemachine.AvailableTransitions(state("BANANA", domain.CheckpointL1)); ts != nil {
		t.Fatalf("unknown state should return nil, got %v", labels(ts))
	}
}

func TestValidateTransition(t *testing.T) {
	res := statemachine.ValidateTransition(state(domain.LevelPOC, domain.CheckpointL2), "POC-L3")
	if !res.Valid {
		t.Fatalf("POC-L3 should be valid from POC/L2: %v", res.Err)
	}
	if res.Transition.Type != domain.TransitionAdvance {
		t.Errorf("type = %s, want advance", res.Transition.Type)
	}
	if len(res.Rules) == 0 {
		t.Errorf("expected declarative rules for advance")
	}

	res = statemachine.ValidateTransition(state(domain.LevelPOC, domain.CheckpointL1), "SCALE-L3")
	if res.Valid {
		t.Fatalf("SCALE-L3 should not be valid from POC/L1")
	}
	if res.Err == nil {
		t.Fatalf("expected ErrUnknownTransition")
	}
}

func TestValidateTransitionIdempotent(t *testing.T) {
	s := state(domain.LevelMVP, domain.CheckpointL1)
	first := statemachine.AvailableTransitions(s)
	for i := 0; i < 3; i++ {
		if got := statemachine.AvailableTransitions(s); !reflect.DeepEqual(got, first) {
			t.Fatalf("lookup %d differs: %v vs %v", i, got, first)
		}
	}
	a := statemachine.ValidateTransition(s, "MVP-L2")
	b := statemachine.ValidateTransition(s, "MVP-L2")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("ValidateTransition not idempotent: %v vs %v", a, b)
	}
}

func TestLevelRollbackFromL1(t *testing.T) {
	res := statemachine.ValidateTransition(state(domain.LevelMVP, domain.CheckpointL1), "POC-L3")
	if !res.Valid {
		t.Fatalf("POC-L3 should be reachable from MVP/L1: %v", res.Err)
	}
	if res.Transition.Type != domain.TransitionLevelRollback {
		t.Errorf("type = %s, want level_rollback", res.Transition.Type)
	}
	if res.Transition.PaymentGate {
		t.Errorf("level_rollback must not require payment")
	}
}

func TestRiskLevels(t *testing.T) {
	cases := map[domain.TransitionType]string{
		domain.TransitionAdvance:       "medium",
		domain.TransitionRollback:      "medium",
		domain.TransitionMaintain:      "medium",
		domain.TransitionOptimize:      "medium",
		domain.TransitionLevelAdvance:  "high",
		domain.TransitionLevelRollback: "high",
		domain.TransitionAbort:         "high",
	}
	for typ, want := range cases {
		if got := statemachine.RiskLevel(typ); got != want {
			t.Errorf("RiskLevel(%s) = %s, want %s", typ, got, want)
		}
	}
}

func TestStatesCatalog(t *testing.T) {
	states := statemachine.StatesCatalog()
	// five levels x three checkpoints plus terminal ABORTED
	if len(states) != 16 {
		t.Fatalf("catalog size = %d, want 16", len(states))
	}
	last := states[len(states)-1]
	if last.Level != domain.LevelAborted || last.Checkpoint != domain.CheckpointNone {
		t.Fatalf("last state = %s, want ABORTED-N/A", last.Label())
	}
}
