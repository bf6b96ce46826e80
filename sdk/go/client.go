package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagegate HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// State is the LEVEL-CHECKPOINT maturity state of a project.
type State struct {
	ProjectID       string `json:"project_id"`
	Level           string `json:"level"`
	Checkpoint      string `json:"checkpoint"`
	Label           string `json:"label"`
	Status          string `json:"status"`
	DecisionPending bool   `json:"decision_pending"`
	UpdatedAt       string `json:"updated_at"`
}

// Status is the project scoreboard.
type Status struct {
	ProjectID  string `json:"project_id"`
	Status     string `json:"status"`
	State      State  `json:"state"`
	AuditCount int64  `json:"audit_count"`
}

// Assessment is the maturity engine's view of where a project stands.
type Assessment struct {
	ProjectID    string   `json:"project_id"`
	CurrentLevel string   `json:"current_level"`
	NextLevel    *string  `json:"next_level,omitempty"`
	Confidence   float64  `json:"confidence"`
	Blockers     []string `json:"blockers,omitempty"`
}

// CategoryResult is the outcome of validating one requirement category.
type CategoryResult struct {
	Category string   `json:"category"`
	Passed   bool     `json:"passed"`
	Checked  int      `json:"checked"`
	Failed   []string `json:"failed,omitempty"`
}

// Validation aggregates category results for a target level.
type Validation struct {
	ProjectID       string                    `json:"project_id"`
	TargetLevel     string                    `json:"target_level"`
	Requirements    map[string]CategoryResult `json:"requirements"`
	OverallStatus   string                    `json:"overall_status"`
	Blockers        []string                  `json:"blockers,omitempty"`
	Recommendations []string                  `json:"recommendations,omitempty"`
}

// Transition describes one edge of the maturity state machine.
type Transition struct {
	Label        string `json:"label"`
	Type         string `json:"type"`
	ToLevel      string `json:"to_level"`
	ToCheckpoint string `json:"to_checkpoint"`
	PaymentGate  bool   `json:"payment_gate_required"`
}

// TransitionOption is a transition annotated for human presentation.
type TransitionOption struct {
	Transition      Transition `json:"transition"`
	Description     string     `json:"description"`
	RiskLevel       string     `json:"risk_level"`
	EstimatedEffort string     `json:"estimated_effort"`
	PaymentRequired bool       `json:"payment_required"`
}

// Gate represents a payment gate.
type Gate struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	FromState     string  `json:"from_state"`
	ToState       string  `json:"to_state"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	ExpiresAt     string  `json:"expires_at"`
	TransactionID *string `json:"transaction_id,omitempty"`
}

// GatePresentation is a gate plus its payment instructions.
type GatePresentation struct {
	Gate         Gate   `json:"gate"`
	Instructions string `json:"instructions"`
	Expired      bool   `json:"expired"`
}

// PaymentConfirmation is the proof used to confirm a payment gate.
type PaymentConfirmation struct {
	TransactionID string `json:"transaction_id"`
	AuthorizedBy  string `json:"authorized_by"`
	PaymentMethod string `json:"payment_method"`
	Timestamp     string `json:"confirmation_timestamp,omitempty"`
}

// TransitionInitiation is the outcome of initiating a level advance.
type TransitionInitiation struct {
	ProjectID   string             `json:"project_id"`
	TargetLevel string             `json:"target_level"`
	Status      string             `json:"status"`
	Transition  string             `json:"transition,omitempty"`
	Blockers    []string           `json:"blockers,omitempty"`
	Options     []TransitionOption `json:"options,omitempty"`
	PaymentGate *Gate              `json:"payment_gate,omitempty"`
}

// DecisionOutcome is the result of submitting a decision.
type DecisionOutcome struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	NewState  *State `json:"new_state,omitempty"`
}

// Evidence is a recorded proof that a hardening requirement holds.
type Evidence struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Requirement string         `json:"requirement"`
	Category    string         `json:"category"`
	ActorID     string         `json:"actor_id"`
	TS          string         `json:"ts"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Event represents an audit trail entry.
type Event struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	Type          string         `json:"type"`
	ProjectID     string         `json:"project_id"`
	EntityKind    string         `json:"entity_kind"`
	EntityID      string         `json:"entity_id"`
	ActorID       string         `json:"actor_id"`
	Payload       map[string]any `json:"payload"`
	StateSnapshot map[string]any `json:"state_snapshot,omitempty"`
}

// AuditReport summarizes the audit trail for a project.
type AuditReport struct {
	ProjectID       string           `json:"project_id"`
	GeneratedAt     string           `json:"generated_at"`
	TotalEvents     int64            `json:"total_events"`
	EventTypeCounts map[string]int64 `json:"event_type_counts"`
	CurrentState    *State           `json:"current_state,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project starting at POC-L1.
func (c *Client) CreateProject(ctx context.Context, id, description string) (Project, error) {
	body := map[string]any{"id": id}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Status returns the project scoreboard.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Assess runs the maturity engine against recorded evidence.
func (c *Client) Assess(ctx context.Context) (Assessment, error) {
	var resp Assessment
	err := c.do(ctx, http.MethodGet, c.projectPath("maturity/assessment"), nil, &resp)
	return resp, err
}

// ValidateLevel validates readiness for a target level.
func (c *Client) ValidateLevel(ctx context.Context, target string) (Validation, error) {
	var resp Validation
	endpoint := c.projectPath("maturity/validation") + "?target=" + url.QueryEscape(target)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// InitiateTransition initiates a level advance toward the target level.
func (c *Client) InitiateTransition(ctx context.Context, target string) (TransitionInitiation, error) {
	var resp TransitionInitiation
	err := c.do(ctx, http.MethodPost, c.projectPath("maturity/transitions/initiate"), map[string]any{
		"target_level": target,
	}, &resp)
	return resp, err
}

// PresentOptions opens the decision window and returns the legal transitions.
func (c *Client) PresentOptions(ctx context.Context) ([]TransitionOption, error) {
	var resp []TransitionOption
	err := c.do(ctx, http.MethodPost, c.projectPath("decisions/present"), nil, &resp)
	return resp, err
}

// SubmitDecision records a human decision on a presented transition.
func (c *Client) SubmitDecision(ctx context.Context, transition string, approved bool, justification string, payment *PaymentConfirmation) (DecisionOutcome, error) {
	body := map[string]any{
		"transition":    transition,
		"approved":      approved,
		"justification": justification,
	}
	if payment != nil {
		body["payment_confirmation"] = payment
	}
	var resp DecisionOutcome
	err := c.do(ctx, http.MethodPost, c.projectPath("decisions"), body, &resp)
	return resp, err
}

// CloseWindow closes the open decision window without executing.
func (c *Client) CloseWindow(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("decisions/pending"), nil, nil)
}

// Gates lists payment gates, optionally filtered by status.
func (c *Client) Gates(ctx context.Context, status string) ([]Gate, error) {
	var resp struct {
		Items []Gate `json:"items"`
	}
	endpoint := c.projectPath("gates")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PresentGate returns a gate with its payment instructions.
func (c *Client) PresentGate(ctx context.Context, gateID string) (GatePresentation, error) {
	var resp GatePresentation
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/present", url.PathEscape(gateID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ConfirmGate confirms a pending gate with transaction details.
func (c *Client) ConfirmGate(ctx context.Context, gateID string, conf PaymentConfirmation) (Gate, error) {
	var resp Gate
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/confirm", url.PathEscape(gateID)))
	err := c.do(ctx, http.MethodPost, endpoint, conf, &resp)
	return resp, err
}

// RejectGate rejects a pending gate.
func (c *Client) RejectGate(ctx context.Context, gateID, reason string) (Gate, error) {
	var resp Gate
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/reject", url.PathEscape(gateID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RecordEvidence adds proof for a named hardening requirement.
func (c *Client) RecordEvidence(ctx context.Context, requirement string, payload any) (Evidence, error) {
	body := map[string]any{
		"requirement": requirement,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Evidence
	err := c.do(ctx, http.MethodPost, c.projectPath("evidence"), body, &resp)
	return resp, err
}

// ListEvidence returns recorded evidence for the project.
func (c *Client) ListEvidence(ctx context.Context) ([]Evidence, error) {
	var resp struct {
		Items []Evidence `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("evidence"), nil, &resp)
	return resp.Items, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AuditReport generates a summary of the project's audit trail.
func (c *Client) AuditReport(ctx context.Context) (AuditReport, error) {
	var resp AuditReport
	err := c.do(ctx, http.MethodGet, c.projectPath("audit/report"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
