package server

import (
	"encoding/json"

	"stagegate/internal/config"
	"stagegate/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml"`
}

type InitiateTransitionRequest struct {
	TargetLevel string `json:"target_level" enum:"MVP,PILOT,PRODUCTION,SCALE"`
}

type DecisionRequest struct {
	Transition          string                      `json:"transition"`
	Approved            bool                        `json:"approved"`
	Justification       string                      `json:"justification"`
	PaymentConfirmation *PaymentConfirmationRequest `json:"payment_confirmation,omitempty"`
}

type PaymentConfirmationRequest struct {
	TransactionID string `json:"transaction_id"`
	AuthorizedBy  string `json:"authorized_by"`
	PaymentMethod string `json:"payment_method"`
	Timestamp     string `json:"confirmation_timestamp,omitempty" format:"date-time"`
}

type RejectGateRequest struct {
	Reason string `json:"reason"`
}

type RecordEvidenceRequest struct {
	Requirement string         `json:"requirement"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type StateResponse struct {
	ProjectID       string         `json:"project_id"`
	Level           string         `json:"level" enum:"POC,MVP,PILOT,PRODUCTION,SCALE,ABORTED"`
	Checkpoint      string         `json:"checkpoint" enum:"L1,L2,L3,N/A"`
	Label           string         `json:"label"`
	Status          string         `json:"status"`
	DecisionPending bool           `json:"decision_pending"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type StatusResponse struct {
	ProjectID  string        `json:"project_id"`
	Status     string        `json:"status"`
	State      StateResponse `json:"state"`
	AuditCount int64         `json:"audit_count"`
}

type GateResponse struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	TransitionType string         `json:"transition_type"`
	FromState      string         `json:"from_state"`
	ToState        string         `json:"to_state"`
	Amount         float64        `json:"amount"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status" enum:"pending,confirmed,rejected"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	ExpiresAt      string         `json:"expires_at" format:"date-time"`
	TransactionID  *string        `json:"transaction_id,omitempty"`
	ProcessedAt    *string        `json:"processed_at,omitempty" format:"date-time"`
	Resolution     map[string]any `json:"resolution,omitempty"`
}

type GatePresentationResponse struct {
	Gate         GateResponse `json:"gate"`
	Instructions string       `json:"instructions"`
	Expired      bool         `json:"expired"`
}

type EvidenceResponse struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Requirement string         `json:"requirement"`
	Category    string         `json:"category"`
	ActorID     string         `json:"actor_id"`
	TS          string         `json:"ts" format:"date-time"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type EventResponse struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts" format:"date-time"`
	Type          string         `json:"type"`
	ProjectID     string         `json:"project_id,omitempty"`
	EntityKind    string         `json:"entity_kind"`
	EntityID      string         `json:"entity_id,omitempty"`
	ActorID       string         `json:"actor_id"`
	Payload       map[string]any `json:"payload"`
	StateSnapshot map[string]any `json:"state_snapshot,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"project"`
	Hardening struct {
		Catalog map[string]struct {
			Description string `json:"description"`
		} `json:"catalog"`
		Checkpoints map[string]map[string]checkpointPolicyResponse `json:"checkpoints"`
	} `json:"hardening"`
	Payment paymentPolicyResponse `json:"payment"`
}

type checkpointPolicyResponse struct {
	Mandatory   []string            `json:"mandatory"`
	Recommended []string            `json:"recommended,omitempty"`
	Optional    []string            `json:"optional,omitempty"`
	Criteria    map[string][]string `json:"criteria,omitempty"`
}

type paymentPolicyResponse struct {
	Currency        string             `json:"currency"`
	ExpiryHours     int                `json:"expiry_hours"`
	Amounts         map[string]float64 `json:"amounts"`
	ApprovedMethods []string           `json:"approved_methods"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedGates struct {
	Items []GateResponse `json:"items"`
}

type paginatedEvidence struct {
	Items []EvidenceResponse `json:"items"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func stateResponse(s domain.MaturityState) StateResponse {
	return StateResponse{
		ProjectID:       s.ProjectID,
		Level:           string(s.Level),
		Checkpoint:      string(s.Checkpoint),
		Label:           s.Label(),
		Status:          s.Status,
		DecisionPending: s.DecisionPending,
		UpdatedAt:       s.UpdatedAt,
		Metadata:        s.Metadata,
	}
}

func gateResponse(g domain.PaymentGate) GateResponse {
	return GateResponse{
		ID:             g.ID,
		ProjectID:      g.ProjectID,
		TransitionType: string(g.TransitionType),
		FromState:      g.FromState,
		ToState:        g.ToState,
		Amount:         g.Amount,
		Currency:       g.Currency,
		Status:         string(g.Status),
		CreatedAt:      g.CreatedAt,
		ExpiresAt:      g.ExpiresAt,
		TransactionID:  g.TransactionID,
		ProcessedAt:    g.ProcessedAt,
		Resolution:     decodeJSONMap(g.ResolutionJSON),
	}
}

func mapGates(items []domain.PaymentGate) []GateResponse {
	res := make([]GateResponse, 0, len(items))
	for _, g := range items {
		res = append(res, gateResponse(g))
	}
	return res
}

func evidenceResponse(ev domain.Evidence) EvidenceResponse {
	return EvidenceResponse{
		ID:          ev.ID,
		ProjectID:   ev.ProjectID,
		Requirement: ev.Requirement,
		Category:    ev.Category,
		ActorID:     ev.ActorID,
		TS:          ev.TS,
		Payload:     decodeJSONMap(strPtr(ev.PayloadJSON)),
	}
}

func eventResponse(e domain.AuditEntry) EventResponse {
	return EventResponse{
		ID:            e.ID,
		TS:            e.TS,
		Type:          e.Type,
		ProjectID:     e.ProjectID,
		EntityKind:    e.EntityKind,
		EntityID:      e.EntityID,
		ActorID:       e.ActorID,
		Payload:       decodeJSONMap(strPtr(e.Payload)),
		StateSnapshot: decodeJSONMap(strPtr(e.StateSnapshot)),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Kind = cfg.Project.Kind
	res.Hardening.Catalog = map[string]struct {
		Description string `json:"description"`
	}{}
	for k, v := range cfg.Hardening.Catalog {
		res.Hardening.Catalog[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	res.Hardening.Checkpoints = map[string]map[string]checkpointPolicyResponse{}
	for lvl, cps := range cfg.Hardening.Checkpoints {
		out := map[string]checkpointPolicyResponse{}
		for cp, policy := range cps {
			out[cp] = checkpointPolicyResponse{
				Mandatory:   nonNilSlice(policy.Mandatory),
				Recommended: policy.Recommended,
				Optional:    policy.Optional,
				Criteria:    policy.Criteria,
			}
		}
		res.Hardening.Checkpoints[lvl] = out
	}
	res.Payment = paymentPolicyResponse{
		Currency:        cfg.Payment.Currency,
		ExpiryHours:     cfg.Payment.ExpiryHours,
		Amounts:         cfg.Payment.Amounts,
		ApprovedMethods: nonNilSlice(cfg.Payment.ApprovedMethods),
	}
	return res
}

func confirmationFromRequest(req *PaymentConfirmationRequest) *domain.PaymentConfirmation {
	if req == nil {
		return nil
	}
	return &domain.PaymentConfirmation{
		TransactionID: req.TransactionID,
		AuthorizedBy:  req.AuthorizedBy,
		PaymentMethod: req.PaymentMethod,
		Timestamp:     req.Timestamp,
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
