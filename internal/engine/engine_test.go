package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
	"stagegate/internal/tracker"
)

var mvpRequirements = []string{
	"security.authn_enforced",
	"security.authz_model_reviewed",
	"security.pentest_basic",
	"reliability.health_checks",
	"reliability.alerting_configured",
	"reliability.incident_runbook",
	"scalability.horizontal_scaling_plan",
	"scalability.load_tested_baseline",
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := eng.Repo.UpsertProjectConfig(ctx, "proj-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) recordEvidence(t *testing.T, requirement string) {
	t.Helper()
	_, err := env.Engine.RecordEvidence(env.Ctx, domain.Evidence{
		ProjectID:   "proj-1",
		Requirement: requirement,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("record evidence %s: %v", requirement, err)
	}
}

func TestInitProjectStartsAtPOCL1(t *testing.T) {
	env := newTestEnv(t)
	state, err := env.Engine.Repo.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Label() != "POC-L1" {
		t.Fatalf("expected POC-L1, got %s", state.Label())
	}
	if state.DecisionPending {
		t.Fatalf("new project must not have an open decision window")
	}
}

func TestAssessWithoutEvidence(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.AssessCurrentLevel(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.CurrentLevel != domain.LevelPOC {
		t.Fatalf("expected POC, got %s", a.CurrentLevel)
	}
	if a.NextLevel == nil || *a.NextLevel != domain.LevelMVP {
		t.Fatalf("expected next level MVP, got %v", a.NextLevel)
	}
	if len(a.Blockers) == 0 {
		t.Fatalf("expected blockers for MVP without evidence")
	}
	// The entry level is settled by definition; nothing may block at POC.
	for _, b := range a.Blockers {
		if strings.HasPrefix(b, "POC:") {
			t.Fatalf("blocker names the entry level: %s", b)
		}
	}
	if a.Confidence != 0 {
		t.Fatalf("expected confidence 0 with no MVP evidence, got %v", a.Confidence)
	}
}

func TestAssessReflectsEvidence(t *testing.T) {
	env := newTestEnv(t)
	for _, req := range mvpRequirements {
		env.recordEvidence(t, req)
	}
	a, err := env.Engine.AssessCurrentLevel(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if a.CurrentLevel != domain.LevelMVP {
		t.Fatalf("expected MVP after full MVP evidence, got %s", a.CurrentLevel)
	}
	if a.NextLevel == nil || *a.NextLevel != domain.LevelPilot {
		t.Fatalf("expected next level PILOT, got %v", a.NextLevel)
	}
}

func TestValidateBlockedThenReady(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Engine.ValidateLevelRequirements(env.Ctx, "proj-1", domain.LevelMVP)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.OverallStatus != "BLOCKED" {
		t.Fatalf("expected BLOCKED without evidence, got %s", v.OverallStatus)
	}
	if len(v.Blockers) == 0 {
		t.Fatalf("blocked validation must list blockers")
	}
	for _, req := range mvpRequirements {
		env.recordEvidence(t, req)
	}
	v, err = env.Engine.ValidateLevelRequirements(env.Ctx, "proj-1", domain.LevelMVP)
	if err != nil {
		t.Fatalf("validate after evidence: %v", err)
	}
	if v.OverallStatus != "READY" {
		t.Fatalf("expected READY, got %s (blockers %v)", v.OverallStatus, v.Blockers)
	}
	for _, cat := range []string{"security", "reliability", "scalability"} {
		res, ok := v.Requirements[cat]
		if !ok || !res.Passed {
			t.Fatalf("category %s should pass: %+v", cat, res)
		}
	}
}

func TestValidateRejectsAbortedTarget(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ValidateLevelRequirements(env.Ctx, "proj-1", domain.LevelAborted); err == nil {
		t.Fatalf("expected error validating ABORTED as a target")
	}
}

func TestInitiateBlockedDoesNotOpenWindow(t *testing.T) {
	env := newTestEnv(t)
	init, err := env.Engine.InitiateTransition(env.Ctx, "proj-1", domain.LevelMVP, "tester")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if init.Status != "BLOCKED" {
		t.Fatalf("expected BLOCKED, got %s", init.Status)
	}
	if len(init.Blockers) == 0 {
		t.Fatalf("blocked initiation must report blockers")
	}
	state, err := env.Engine.Repo.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.DecisionPending {
		t.Fatalf("blocked initiation must not open the decision window")
	}
}

func TestInitiateRequiresReachableTarget(t *testing.T) {
	env := newTestEnv(t)
	for _, req := range mvpRequirements {
		env.recordEvidence(t, req)
	}
	// POC-L1 has no level advance edge; only POC-L3 does.
	if _, err := env.Engine.InitiateTransition(env.Ctx, "proj-1", domain.LevelMVP, "tester"); err == nil {
		t.Fatalf("expected error initiating MVP advance from POC-L1")
	}
}

func TestInitiateClosesWindowOnGateFailure(t *testing.T) {
	env := newTestEnv(t)
	trk := env.Engine.Tracker("proj-1")
	for _, label := range []string{"POC-L2", "POC-L3"} {
		if _, err := trk.PresentTransitionOptions(env.Ctx, "tester"); err != nil {
			t.Fatalf("present: %v", err)
		}
		if _, err := trk.ProcessHumanDecision(env.Ctx, domain.Decision{
			Transition: label, Approved: true, Justification: "step", DecidedBy: "tester",
		}); err != nil {
			t.Fatalf("advance %s: %v", label, err)
		}
	}
	for _, req := range mvpRequirements {
		env.recordEvidence(t, req)
	}
	// Without a configured amount the gate cannot be created.
	delete(env.Engine.Config.Payment.Amounts, "MVP")
	if _, err := env.Engine.InitiateTransition(env.Ctx, "proj-1", domain.LevelMVP, "tester"); err == nil {
		t.Fatalf("expected gate creation to fail without an MVP amount")
	}
	state, err := env.Engine.Repo.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.DecisionPending {
		t.Fatalf("failed initiation must not leave the decision window open")
	}
	if _, err := trk.PresentTransitionOptions(env.Ctx, "tester"); err != nil {
		t.Fatalf("present after failed initiation: %v", err)
	}
}

func TestCheckpointAdvanceViaDecision(t *testing.T) {
	env := newTestEnv(t)
	trk := env.Engine.Tracker("proj-1")
	opts, err := trk.PresentTransitionOptions(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	found := false
	for _, o := range opts {
		if o.Transition.Label == "POC-L2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("POC-L2 advance missing from options: %+v", opts)
	}
	outcome, err := env.Engine.RecordDecision(env.Ctx, "proj-1", domain.Decision{
		Transition:    "POC-L2",
		Approved:      true,
		Justification: "prototype demonstrated",
		DecidedBy:     "tester",
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if outcome.Status != "executed" || outcome.NewState == nil || outcome.NewState.Label() != "POC-L2" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestRejectionClosesWindow(t *testing.T) {
	env := newTestEnv(t)
	trk := env.Engine.Tracker("proj-1")
	if _, err := trk.PresentTransitionOptions(env.Ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	outcome, err := env.Engine.RecordDecision(env.Ctx, "proj-1", domain.Decision{
		Transition:    "POC-L2",
		Approved:      false,
		Justification: "not yet",
		DecidedBy:     "tester",
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if outcome.Status != "rejected" || outcome.NewState != nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	state, err := env.Engine.Repo.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.DecisionPending {
		t.Fatalf("rejection must close the decision window")
	}
	if state.Label() != "POC-L1" {
		t.Fatalf("rejection must not change state, got %s", state.Label())
	}
}

func TestDecisionWithoutWindowFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordDecision(env.Ctx, "proj-1", domain.Decision{
		Transition:    "POC-L2",
		Approved:      true,
		Justification: "skip the gate",
		DecidedBy:     "tester",
	})
	if !errors.Is(err, tracker.ErrNoDecisionPending) {
		t.Fatalf("expected ErrNoDecisionPending, got %v", err)
	}
}

func TestRecordEvidenceDerivesCategory(t *testing.T) {
	env := newTestEnv(t)
	ev, err := env.Engine.RecordEvidence(env.Ctx, domain.Evidence{
		ProjectID:   "proj-1",
		Requirement: "security.authn_enforced",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("record evidence: %v", err)
	}
	if ev.Category != "security" {
		t.Fatalf("expected category security, got %s", ev.Category)
	}
	if ev.ID == "" || ev.TS == "" {
		t.Fatalf("evidence must get an id and timestamp: %+v", ev)
	}
	if _, err := env.Engine.RecordEvidence(env.Ctx, domain.Evidence{
		ProjectID:   "proj-1",
		Requirement: "juggling.flaming_torches",
		ActorID:     "tester",
	}); err == nil {
		t.Fatalf("expected error for unrecognized category prefix")
	}
}

func TestLevelAdvanceRequiresConfirmedGate(t *testing.T) {
	env := newTestEnv(t)
	for _, req := range mvpRequirements {
		env.recordEvidence(t, req)
	}
	trk := env.Engine.Tracker("proj-1")
	for _, label := range []string{"POC-L2", "POC-L3"} {
		if _, err := trk.PresentTransitionOptions(env.Ctx, "tester"); err != nil {
			t.Fatalf("present %s: %v", label, err)
		}
		if _, err := env.Engine.RecordDecision(env.Ctx, "proj-1", domain.Decision{
			Transition: label, Approved: true, Justification: "step", DecidedBy: "tester",
		}); err != nil {
			t.Fatalf("advance %s: %v", label, err)
		}
	}

	init, err := env.Engine.InitiateTransition(env.Ctx, "proj-1", domain.LevelMVP, "tester")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if init.Status != "AWAITING_APPROVAL" || init.PaymentGate == nil {
		t.Fatalf("expected awaiting approval with a payment gate: %+v", init)
	}
	if init.PaymentGate.Amount != 5000 {
		t.Fatalf("expected MVP gate amount 5000, got %v", init.PaymentGate.Amount)
	}

	// Approving without a confirmation must trip the payment gate.
	_, err = env.Engine.RecordDecision(env.Ctx, "proj-1", domain.Decision{
		Transition: "MVP-L1", Approved: true, Justification: "ship it", DecidedBy: "tester",
	})
	if !errors.Is(err, tracker.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}

	outcome, err := env.Engine.RecordDecision(env.Ctx, "proj-1", domain.Decision{
		Transition:    "MVP-L1",
		Approved:      true,
		Justification: "budget approved",
		DecidedBy:     "tester",
		PaymentConfirmation: &domain.PaymentConfirmation{
			TransactionID: "txn-eng-001",
			AuthorizedBy:  "tester",
			PaymentMethod: "bank_transfer",
		},
	})
	if err != nil {
		t.Fatalf("record decision with payment: %v", err)
	}
	if outcome.Status != "executed" || outcome.NewState == nil || outcome.NewState.Label() != "MVP-L1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	gate, err := env.Engine.Repo.GetGate(env.Ctx, init.PaymentGate.ID)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if gate.Status != domain.GateConfirmed || gate.TransactionID == nil || *gate.TransactionID != "txn-eng-001" {
		t.Fatalf("gate not confirmed with the transaction: %+v", gate)
	}
}

func TestWhoAmIAndRoleChanges(t *testing.T) {
	env := newTestEnv(t)
	who, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	hasOwner := false
	for _, r := range who.Roles {
		if r == "owner" {
			hasOwner = true
		}
	}
	if !hasOwner {
		t.Fatalf("project creator should hold the owner role: %+v", who)
	}
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "tester", "dana", "auditor"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	dana, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "dana")
	if err != nil {
		t.Fatalf("whoami dana: %v", err)
	}
	if len(dana.Roles) != 1 || dana.Roles[0] != "auditor" {
		t.Fatalf("expected dana to hold auditor, got %v", dana.Roles)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "proj-1", "tester", "dana", "auditor"); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	// Actors without rbac.manage cannot grant.
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "dana", "dana", "owner"); err == nil {
		t.Fatalf("expected forbidden grant by non-manager")
	}
}
