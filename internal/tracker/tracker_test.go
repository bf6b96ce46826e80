package tracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/statemachine"
	"stagegate/internal/tracker"
)

func newTestTracker(t *testing.T) (*tracker.Tracker, engine.Engine, context.Context) {
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
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	trk := tracker.New(conn, cfg, "proj-1")
	trk.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return trk, eng, ctx
}

func countType(entries []domain.AuditEntry, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestPresentOpensSingleWindow(t *testing.T) {
	trk, _, ctx := newTestTracker(t)
	opts, err := trk.PresentTransitionOptions(ctx, "tester")
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if len(opts) == 0 {
		t.Fatalf("POC-L1 must offer transitions")
	}
	for _, o := range opts {
		if o.Description == "" || o.RiskLevel == "" || o.EstimatedEffort == "" {
			t.Fatalf("option not annotated: %+v", o)
		}
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); !errors.Is(err, tracker.ErrDecisionPending) {
		t.Fatalf("expected ErrDecisionPending on second present, got %v", err)
	}
}

func TestPresentAppendsDecisionRequested(t *testing.T) {
	trk, eng, ctx := newTestTracker(t)
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	entries, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if countType(entries, events.TypeDecisionRequested) != 1 {
		t.Fatalf("presenting options must append one decision requested entry, trail: %+v", entries)
	}
}

func TestCloseWindowWithoutPending(t *testing.T) {
	trk, _, ctx := newTestTracker(t)
	if err := trk.CloseDecisionWindow(ctx); !errors.Is(err, tracker.ErrNoDecisionPending) {
		t.Fatalf("expected ErrNoDecisionPending, got %v", err)
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	if err := trk.CloseDecisionWindow(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	state, err := trk.CurrentState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.DecisionPending {
		t.Fatalf("window should be closed")
	}
}

func TestUnknownTransitionRejectedAndAudited(t *testing.T) {
	trk, eng, ctx := newTestTracker(t)
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	_, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition:    "SCALE-L3",
		Approved:      true,
		Justification: "leap ahead",
		DecidedBy:     "tester",
	})
	var unknown statemachine.ErrUnknownTransition
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownTransition, got %v", err)
	}
	entries, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Type == events.TypeDecisionRejected {
			found = true
		}
	}
	if !found {
		t.Fatalf("rejected attempt must be audited")
	}
	state, err := trk.CurrentState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Label() != "POC-L1" {
		t.Fatalf("illegal decision must not change state, got %s", state.Label())
	}
}

func TestAbortIsTerminal(t *testing.T) {
	trk, _, ctx := newTestTracker(t)
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	state, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition:    "abort",
		Approved:      true,
		Justification: "funding withdrawn",
		DecidedBy:     "tester",
	})
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if state.Level != domain.LevelAborted || state.Status != "aborted" {
		t.Fatalf("expected aborted state, got %+v", state)
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); !errors.Is(err, tracker.ErrProjectAborted) {
		t.Fatalf("expected ErrProjectAborted on present, got %v", err)
	}
	if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "POC-L2", Approved: true, Justification: "undo", DecidedBy: "tester",
	}); !errors.Is(err, tracker.ErrProjectAborted) {
		t.Fatalf("expected ErrProjectAborted on decide, got %v", err)
	}
}

func TestAbortedTrailGrowsOnlyByRejections(t *testing.T) {
	trk, eng, ctx := newTestTracker(t)
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "abort", Approved: true, Justification: "funding withdrawn", DecidedBy: "tester",
	}); err != nil {
		t.Fatalf("abort: %v", err)
	}
	before, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); !errors.Is(err, tracker.ErrProjectAborted) {
		t.Fatalf("expected ErrProjectAborted, got %v", err)
	}
	if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "POC-L2", Approved: true, Justification: "undo", DecidedBy: "tester",
	}); !errors.Is(err, tracker.ErrProjectAborted) {
		t.Fatalf("expected ErrProjectAborted, got %v", err)
	}
	after, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	added := after[len(before):]
	if len(added) != 2 {
		t.Fatalf("expected 2 forensic entries, got %d", len(added))
	}
	for _, e := range added {
		if e.Type != events.TypeDecisionRejected {
			t.Fatalf("aborted project trail may only grow by rejected attempts, got %s", e.Type)
		}
	}
}

func TestRollbackTransition(t *testing.T) {
	trk, eng, ctx := newTestTracker(t)
	before, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "POC-L2", Approved: true, Justification: "forward", DecidedBy: "tester",
	}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	state, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "POC-L1", Approved: true, Justification: "regression found", DecidedBy: "tester",
	})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if state.Label() != "POC-L1" {
		t.Fatalf("expected POC-L1 after rollback, got %s", state.Label())
	}
	after, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	// Each round also appends its decision requested entry; the state-change
	// record count is what the round trip pins down.
	added := after[len(before):]
	if n := countType(added, events.TypeTransitionCompleted); n != 2 {
		t.Fatalf("advance then rollback must record exactly 2 state changes, got %d", n)
	}
	if n := countType(added, events.TypeDecisionRequested); n != 2 {
		t.Fatalf("expected 2 decision requested entries, got %d", n)
	}
}

func TestPaymentGateBlocksWithoutConfirmation(t *testing.T) {
	trk, _, ctx := newTestTracker(t)
	// Walk to POC-L3 where the payment-gated level advance lives.
	for _, label := range []string{"POC-L2", "POC-L3"} {
		if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
			t.Fatalf("present: %v", err)
		}
		if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
			Transition: label, Approved: true, Justification: "step", DecidedBy: "tester",
		}); err != nil {
			t.Fatalf("advance %s: %v", label, err)
		}
	}
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	_, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "MVP-L1", Approved: true, Justification: "go", DecidedBy: "tester",
	})
	if !errors.Is(err, tracker.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	state, stateErr := trk.CurrentState(ctx)
	if stateErr != nil {
		t.Fatalf("state: %v", stateErr)
	}
	if !state.DecisionPending {
		t.Fatalf("payment failure must leave the decision window open")
	}
	// A confirmation without any gate still fails: nothing was initiated.
	_, err = trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "MVP-L1", Approved: true, Justification: "go", DecidedBy: "tester",
		PaymentConfirmation: &domain.PaymentConfirmation{
			TransactionID: "txn-1", AuthorizedBy: "tester", PaymentMethod: "bank_transfer",
		},
	})
	if !errors.Is(err, tracker.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired without a gate, got %v", err)
	}
}

func TestObserversNotified(t *testing.T) {
	trk, _, ctx := newTestTracker(t)
	var seen []string
	trk.Observers = append(trk.Observers, func(n tracker.Notification) {
		seen = append(seen, n.Type)
	})
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "POC-L2", Approved: true, Justification: "step", DecidedBy: "tester",
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(seen) != 2 || seen[0] != events.TypeDecisionRequested || seen[1] != events.TypeTransitionCompleted {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestTransitionAuditCarriesSnapshot(t *testing.T) {
	trk, eng, ctx := newTestTracker(t)
	if _, err := trk.PresentTransitionOptions(ctx, "tester"); err != nil {
		t.Fatalf("present: %v", err)
	}
	if _, err := trk.ProcessHumanDecision(ctx, domain.Decision{
		Transition: "POC-L2", Approved: true, Justification: "step", DecidedBy: "tester",
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	entries, err := eng.Repo.AuditTrail(ctx, "proj-1")
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	for _, e := range entries {
		if e.Type == events.TypeTransitionCompleted {
			if e.StateSnapshot == "" {
				t.Fatalf("transition entry must carry a state snapshot")
			}
			return
		}
	}
	t.Fatalf("no transition completed entry found")
}
