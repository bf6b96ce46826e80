package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/migrate"
)

const testProject = "stagegate"

var asTester = map[string]string{"X-Actor-Id": "tester"}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// advanceCheckpoint walks one present+decide round and fails on anything but
// an executed outcome.
func advanceCheckpoint(t *testing.T, srv *testServer, transition string) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions/present", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("present options: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions", map[string]any{
		"transition":    transition,
		"approved":      true,
		"justification": "checkpoint cleared",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide %s: %d %s", transition, res.StatusCode, string(body))
	}
	var outcome struct {
		Status   string `json:"status"`
		NewState struct {
			Level      string `json:"level"`
			Checkpoint string `json:"checkpoint"`
		} `json:"new_state"`
	}
	if err := json.Unmarshal(body, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Status != "executed" {
		t.Fatalf("decision %s not executed: %s", transition, string(body))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
}

func TestStatusAndAssessment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/status", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(body))
	}
	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.State.Label != "POC-L1" {
		t.Fatalf("expected POC-L1, got %s", status.State.Label)
	}
	if status.State.DecisionPending {
		t.Fatalf("fresh project should have no pending decision")
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/maturity/assessment", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assessment: %d %s", res.StatusCode, string(body))
	}
	var assessment struct {
		CurrentLevel string `json:"current_level"`
		NextLevel    string `json:"next_level"`
	}
	if err := json.Unmarshal(body, &assessment); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	if assessment.CurrentLevel != "POC" || assessment.NextLevel != "MVP" {
		t.Fatalf("unexpected assessment: %s", string(body))
	}
}

func TestDecisionWindowConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions/present", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first present: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions/present", nil, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second present, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "decision_pending" {
		t.Fatalf("expected decision_pending, got %s", envelope.Error.Code)
	}

	res, body = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/projects/"+testProject+"/decisions/pending", nil, asTester)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("close window: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions/present", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("present after close: %d %s", res.StatusCode, string(body))
	}
}

func TestCheckpointAdvance(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	advanceCheckpoint(t, srv, "POC-L2")
	advanceCheckpoint(t, srv, "POC-L3")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/status", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(body))
	}
	var status StatusResponse
	_ = json.Unmarshal(body, &status)
	if status.State.Label != "POC-L3" {
		t.Fatalf("expected POC-L3, got %s", status.State.Label)
	}
}

func TestLevelAdvanceThroughPaymentGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	advanceCheckpoint(t, srv, "POC-L2")
	advanceCheckpoint(t, srv, "POC-L3")

	mvpMandatory := []string{
		"security.authn_enforced",
		"reliability.health_checks",
		"security.authz_model_reviewed",
		"reliability.alerting_configured",
		"scalability.horizontal_scaling_plan",
		"security.pentest_basic",
		"reliability.incident_runbook",
		"scalability.load_tested_baseline",
	}
	for _, req := range mvpMandatory {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/evidence", map[string]any{
			"requirement": req,
			"payload":     map[string]any{"note": "verified"},
		}, asTester)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("record evidence %s: %d %s", req, res.StatusCode, string(body))
		}
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/maturity/validation?target=MVP", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validation: %d %s", res.StatusCode, string(body))
	}
	var validation struct {
		OverallStatus string `json:"overall_status"`
	}
	_ = json.Unmarshal(body, &validation)
	if validation.OverallStatus != "READY" {
		t.Fatalf("expected READY, got %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/maturity/transitions/initiate", map[string]any{
		"target_level": "MVP",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initiate: %d %s", res.StatusCode, string(body))
	}
	var initiation struct {
		Status      string `json:"status"`
		Transition  string `json:"transition"`
		PaymentGate *struct {
			ID     string  `json:"id"`
			Amount float64 `json:"amount"`
			Status string  `json:"status"`
		} `json:"payment_gate"`
	}
	if err := json.Unmarshal(body, &initiation); err != nil {
		t.Fatalf("unmarshal initiation: %v", err)
	}
	if initiation.Status != "AWAITING_APPROVAL" || initiation.Transition != "MVP-L1" {
		t.Fatalf("unexpected initiation: %s", string(body))
	}
	if initiation.PaymentGate == nil || initiation.PaymentGate.Status != "pending" {
		t.Fatalf("expected a pending payment gate: %s", string(body))
	}
	if initiation.PaymentGate.Amount != 5000 {
		t.Fatalf("expected MVP gate amount 5000, got %v", initiation.PaymentGate.Amount)
	}

	// Approving without payment proof must not move the state.
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions", map[string]any{
		"transition":    "MVP-L1",
		"approved":      true,
		"justification": "go",
	}, asTester)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 without confirmation, got %d %s", res.StatusCode, string(body))
	}

	gateID := initiation.PaymentGate.ID
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/gates/"+gateID+"/present", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("present gate: %d %s", res.StatusCode, string(body))
	}
	var presentation GatePresentationResponse
	_ = json.Unmarshal(body, &presentation)
	if presentation.Expired || presentation.Instructions == "" {
		t.Fatalf("unexpected presentation: %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions", map[string]any{
		"transition":    "MVP-L1",
		"approved":      true,
		"justification": "go",
		"payment_confirmation": map[string]any{
			"transaction_id": "txn-001",
			"authorized_by":  "tester",
			"payment_method": "bank_transfer",
		},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide with payment: %d %s", res.StatusCode, string(body))
	}
	var outcome struct {
		Status   string `json:"status"`
		NewState struct {
			Level      string `json:"level"`
			Checkpoint string `json:"checkpoint"`
		} `json:"new_state"`
	}
	_ = json.Unmarshal(body, &outcome)
	if outcome.Status != "executed" || outcome.NewState.Level != "MVP" || outcome.NewState.Checkpoint != "L1" {
		t.Fatalf("unexpected outcome: %s", string(body))
	}

	// The consumed transaction id must never be reusable.
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/gates/"+gateID, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get gate: %d %s", res.StatusCode, string(body))
	}
	var gate GateResponse
	_ = json.Unmarshal(body, &gate)
	if gate.Status != "confirmed" || gate.TransactionID == nil || *gate.TransactionID != "txn-001" {
		t.Fatalf("unexpected gate after confirm: %s", string(body))
	}
}

func TestInitiateBlockedWithoutEvidence(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	advanceCheckpoint(t, srv, "POC-L2")
	advanceCheckpoint(t, srv, "POC-L3")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/maturity/transitions/initiate", map[string]any{
		"target_level": "MVP",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initiate: %d %s", res.StatusCode, string(body))
	}
	var initiation struct {
		Status   string   `json:"status"`
		Blockers []string `json:"blockers"`
	}
	_ = json.Unmarshal(body, &initiation)
	if initiation.Status != "BLOCKED" || len(initiation.Blockers) == 0 {
		t.Fatalf("expected BLOCKED with blockers: %s", string(body))
	}

	// A blocked initiation must not open the decision window.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions/present", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("present after blocked initiate: %d %s", res.StatusCode, string(body))
	}
}

func TestAuditReportTracksHistory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	advanceCheckpoint(t, srv, "POC-L2")
	advanceCheckpoint(t, srv, "POC-L3")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/audit/report", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(body))
	}
	var report struct {
		TotalEvents     int64            `json:"total_events"`
		EventTypeCounts map[string]int64 `json:"event_type_counts"`
		StateHistory    []struct {
			FromState string `json:"from_state"`
			ToState   string `json:"to_state"`
		} `json:"state_history"`
		CurrentState struct {
			Level      string `json:"level"`
			Checkpoint string `json:"checkpoint"`
		} `json:"current_state"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.TotalEvents == 0 {
		t.Fatalf("expected events in report")
	}
	if len(report.StateHistory) != 2 {
		t.Fatalf("expected 2 state changes, got %d", len(report.StateHistory))
	}
	if report.StateHistory[0].FromState != "POC-L1" || report.StateHistory[1].ToState != "POC-L3" {
		t.Fatalf("unexpected history: %s", string(body))
	}
	if report.CurrentState.Level != "POC" || report.CurrentState.Checkpoint != "L3" {
		t.Fatalf("unexpected current state: %s", string(body))
	}
	if report.EventTypeCounts["state.transition.completed"] != 2 {
		t.Fatalf("expected 2 completed transitions, got %d", report.EventTypeCounts["state.transition.completed"])
	}
}

func TestAbortIsTerminal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	advanceCheckpoint(t, srv, "abort")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/decisions/present", nil, asTester)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 after abort, got %d %s", res.StatusCode, string(body))
	}
}
