package paygate_test

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
	"stagegate/internal/paygate"
	"stagegate/internal/repo"
)

var levelAdvance = domain.Transition{
	Label:          "MVP-L1",
	Type:           domain.TransitionLevelAdvance,
	FromLevel:      domain.LevelPOC,
	FromCheckpoint: domain.CheckpointL3,
	ToLevel:        domain.LevelMVP,
	ToCheckpoint:   domain.CheckpointL1,
	PaymentGate:    true,
}

func newValidator(t *testing.T, cfg *config.Config) (paygate.Validator, context.Context) {
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
	if cfg == nil {
		cfg = config.Default("proj-1")
	}
	ctx := context.Background()
	if _, err := engine.New(conn, cfg).InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	v := paygate.New(conn, cfg)
	v.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return v, ctx
}

func confirmation(txn string) domain.PaymentConfirmation {
	return domain.PaymentConfirmation{
		TransactionID: txn,
		AuthorizedBy:  "tester",
		PaymentMethod: "bank_transfer",
	}
}

func TestCreateAndPresentGate(t *testing.T) {
	v, ctx := newValidator(t, nil)
	gate, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	if gate.Amount != 5000 || gate.Currency != "USD" {
		t.Fatalf("unexpected gate pricing: %+v", gate)
	}
	if gate.Status != domain.GatePending {
		t.Fatalf("new gate must be pending, got %s", gate.Status)
	}
	p, err := v.PresentGate(ctx, gate.ID, "tester")
	if err != nil {
		t.Fatalf("present gate: %v", err)
	}
	if p.Expired {
		t.Fatalf("fresh gate must not be expired")
	}
	if !strings.Contains(p.Instructions, "5000.00 USD") {
		t.Fatalf("instructions missing amount: %s", p.Instructions)
	}
	if !strings.Contains(p.Instructions, "bank_transfer") {
		t.Fatalf("instructions missing approved methods: %s", p.Instructions)
	}
}

func TestCreateGateRequiresGatedTransition(t *testing.T) {
	v, ctx := newValidator(t, nil)
	ungated := levelAdvance
	ungated.PaymentGate = false
	_, err := v.CreateGate(ctx, "proj-1", ungated, "tester")
	re, ok := paygate.IsRejection(err)
	if !ok || re.Code != paygate.RejectNoGateDefined {
		t.Fatalf("expected no_gate_defined, got %v", err)
	}
}

func TestConfirmIsIrreversible(t *testing.T) {
	v, ctx := newValidator(t, nil)
	gate, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	confirmed, err := v.ProcessConfirmation(ctx, gate.ID, confirmation("txn-1"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.GateConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.TransactionID == nil || *confirmed.TransactionID != "txn-1" {
		t.Fatalf("transaction id not recorded: %+v", confirmed)
	}
	_, err = v.ProcessConfirmation(ctx, gate.ID, confirmation("txn-2"))
	re, ok := paygate.IsRejection(err)
	if !ok || re.Code != paygate.RejectNotPending {
		t.Fatalf("expected gate_not_pending on re-confirm, got %v", err)
	}
	_, err = v.PresentGate(ctx, gate.ID, "tester")
	if re, ok := paygate.IsRejection(err); !ok || re.Code != paygate.RejectNotPending {
		t.Fatalf("expected gate_not_pending on present, got %v", err)
	}
}

func TestTransactionIDGloballyUnique(t *testing.T) {
	v, ctx := newValidator(t, nil)
	first, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := v.ProcessConfirmation(ctx, first.ID, confirmation("txn-1")); err != nil {
		t.Fatalf("confirm first: %v", err)
	}
	_, err = v.ProcessConfirmation(ctx, second.ID, confirmation("txn-1"))
	re, ok := paygate.IsRejection(err)
	if !ok || re.Code != paygate.RejectTxnReused {
		t.Fatalf("expected transaction_reused, got %v", err)
	}
	// Second gate stays pending; a fresh transaction still works.
	if _, err := v.ProcessConfirmation(ctx, second.ID, confirmation("txn-2")); err != nil {
		t.Fatalf("confirm second with fresh txn: %v", err)
	}
}

func TestConfirmationFieldValidation(t *testing.T) {
	v, ctx := newValidator(t, nil)
	gate, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	cases := []struct {
		name string
		conf domain.PaymentConfirmation
		code string
	}{
		{"missing txn", domain.PaymentConfirmation{AuthorizedBy: "tester", PaymentMethod: "bank_transfer"}, paygate.RejectMissingField},
		{"missing authorizer", domain.PaymentConfirmation{TransactionID: "t1", PaymentMethod: "bank_transfer"}, paygate.RejectMissingField},
		{"missing method", domain.PaymentConfirmation{TransactionID: "t1", AuthorizedBy: "tester"}, paygate.RejectMissingField},
		{"bad method", domain.PaymentConfirmation{TransactionID: "t1", AuthorizedBy: "tester", PaymentMethod: "cash_in_envelope"}, paygate.RejectBadMethod},
	}
	for _, tc := range cases {
		_, err := v.ProcessConfirmation(ctx, gate.ID, tc.conf)
		re, ok := paygate.IsRejection(err)
		if !ok || re.Code != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
	g, err := v.Repo.GetGate(ctx, gate.ID)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if g.Status != domain.GatePending {
		t.Fatalf("rejected confirmations must not touch gate state, got %s", g.Status)
	}
}

func TestUnauthorizedPersonnel(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Payment.AuthorizedPersonnel = []string{"cfo"}
	v, ctx := newValidator(t, cfg)
	gate, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	_, err = v.ProcessConfirmation(ctx, gate.ID, confirmation("txn-1"))
	re, ok := paygate.IsRejection(err)
	if !ok || re.Code != paygate.RejectUnauthorized {
		t.Fatalf("expected unauthorized_personnel, got %v", err)
	}
	conf := confirmation("txn-1")
	conf.AuthorizedBy = "cfo"
	if _, err := v.ProcessConfirmation(ctx, gate.ID, conf); err != nil {
		t.Fatalf("confirm as cfo: %v", err)
	}
}

func TestExpiredGateRejectsConfirmation(t *testing.T) {
	v, ctx := newValidator(t, nil)
	gate, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	// Default expiry is 72h; jump past it.
	v.Now = func() time.Time { return time.Date(2026, 1, 4, 1, 0, 0, 0, time.UTC) }
	p, err := v.PresentGate(ctx, gate.ID, "tester")
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if !p.Expired {
		t.Fatalf("presentation should report expiry")
	}
	_, err = v.ProcessConfirmation(ctx, gate.ID, confirmation("txn-1"))
	re, ok := paygate.IsRejection(err)
	if !ok || re.Code != paygate.RejectExpired {
		t.Fatalf("expected gate_expired, got %v", err)
	}
}

func TestRejectGate(t *testing.T) {
	v, ctx := newValidator(t, nil)
	gate, err := v.CreateGate(ctx, "proj-1", levelAdvance, "tester")
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	if _, err := v.RejectGate(ctx, gate.ID, "", "tester"); err == nil {
		t.Fatalf("expected error for empty reason")
	}
	rejected, err := v.RejectGate(ctx, gate.ID, "budget frozen", "tester")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.GateRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	_, err = v.ProcessConfirmation(ctx, gate.ID, confirmation("txn-1"))
	re, ok := paygate.IsRejection(err)
	if !ok || re.Code != paygate.RejectNotPending {
		t.Fatalf("expected gate_not_pending after rejection, got %v", err)
	}
}

func TestUnknownGate(t *testing.T) {
	v, ctx := newValidator(t, nil)
	if _, err := v.ProcessConfirmation(ctx, "no-such-gate", confirmation("txn-1")); err == nil {
		t.Fatalf("expected error for unknown gate")
	}
	if _, err := v.PresentGate(ctx, "no-such-gate", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
