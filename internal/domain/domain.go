package domain

// Level is a project maturity level. ABORTED is terminal.
type Level string

const (
	LevelPOC        Level = "POC"
	LevelMVP        Level = "MVP"
	LevelPilot      Level = "PILOT"
	LevelProduction Level = "PRODUCTION"
	LevelScale      Level = "SCALE"
	LevelAborted    Level = "ABORTED"
)

// Checkpoint is a hardening sub-stage within a level.
type Checkpoint string

const (
	CheckpointL1   Checkpoint = "L1"
	CheckpointL2   Checkpoint = "L2"
	CheckpointL3   Checkpoint = "L3"
	CheckpointNone Checkpoint = "N/A"
)

// TransitionType classifies a state machine edge.
type TransitionType string

const (
	TransitionAdvance       TransitionType = "advance"
	TransitionRollback      TransitionType = "rollback"
	TransitionLevelAdvance  TransitionType = "level_advance"
	TransitionLevelRollback TransitionType = "level_rollback"
	TransitionAbort         TransitionType = "abort"
	TransitionMaintain      TransitionType = "maintain"
	TransitionOptimize      TransitionType = "optimize"
)

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// MaturityState is the single current state of a project. Superseded states
// survive only in the audit trail.
type MaturityState struct {
	ProjectID       string         `json:"project_id"`
	Level           Level          `json:"level" enum:"POC,MVP,PILOT,PRODUCTION,SCALE,ABORTED"`
	Checkpoint      Checkpoint     `json:"checkpoint" enum:"L1,L2,L3,N/A"`
	Status          string         `json:"status"`
	DecisionPending bool           `json:"decision_pending"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Label renders the LEVEL-CHECKPOINT key used throughout the transition table.
func (s MaturityState) Label() string {
	return string(s.Level) + "-" + string(s.Checkpoint)
}

// Transition is an immutable edge in the state machine definition.
type Transition struct {
	Label          string         `json:"label"`
	Type           TransitionType `json:"type"`
	FromLevel      Level          `json:"from_level"`
	FromCheckpoint Checkpoint     `json:"from_checkpoint"`
	ToLevel        Level          `json:"to_level"`
	ToCheckpoint   Checkpoint     `json:"to_checkpoint"`
	PaymentGate    bool           `json:"payment_gate_required"`
}

// TransitionOption is a transition annotated for human presentation.
type TransitionOption struct {
	Transition      Transition `json:"transition"`
	Description     string     `json:"description"`
	RiskLevel       string     `json:"risk_level" enum:"medium,high"`
	EstimatedEffort string     `json:"estimated_effort"`
	PaymentRequired bool       `json:"payment_required"`
}

// CheckpointRequirement lists hardening requirements for one level/checkpoint.
type CheckpointRequirement struct {
	Level       Level               `json:"level"`
	Checkpoint  Checkpoint          `json:"checkpoint"`
	Mandatory   []string            `json:"mandatory"`
	Recommended []string            `json:"recommended,omitempty"`
	Optional    []string            `json:"optional,omitempty"`
	Criteria    map[string][]string `json:"validation_criteria,omitempty"`
}

// PaymentGateStatus is the lifecycle status of a payment gate.
type PaymentGateStatus string

const (
	GatePending   PaymentGateStatus = "pending"
	GateConfirmed PaymentGateStatus = "confirmed"
	GateRejected  PaymentGateStatus = "rejected"
)

// PaymentGate records the external-payment precondition for a level advance.
// The gate never carries raw payment details; confirmation references an
// already-completed external transaction.
type PaymentGate struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	TransitionType TransitionType    `json:"transition_type"`
	FromState      string            `json:"from_state"`
	ToState        string            `json:"to_state"`
	Amount         float64           `json:"amount"`
	Currency       string            `json:"currency"`
	Status         PaymentGateStatus `json:"status" enum:"pending,confirmed,rejected"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	ExpiresAt      string            `json:"expires_at" format:"date-time"`
	TransactionID  *string           `json:"transaction_id,omitempty"`
	ProcessedAt    *string           `json:"processed_at,omitempty" format:"date-time"`
	ResolutionJSON *string           `json:"resolution_json,omitempty"`
}

// PaymentConfirmation is the externally supplied proof used to confirm a gate.
type PaymentConfirmation struct {
	TransactionID string `json:"transaction_id"`
	AuthorizedBy  string `json:"authorized_by"`
	PaymentMethod string `json:"payment_method"`
	Timestamp     string `json:"confirmation_timestamp,omitempty" format:"date-time"`
}

// Decision is a human-supplied verdict on a presented transition. It is not
// persisted as an entity itself; every accepted decision produces one audit
// entry.
type Decision struct {
	Transition          string               `json:"transition"`
	Approved            bool                 `json:"approved"`
	Justification       string               `json:"justification"`
	DecidedBy           string               `json:"decided_by"`
	PaymentConfirmation *PaymentConfirmation `json:"payment_confirmation,omitempty"`
}

// Evidence is a recorded proof that a named hardening requirement holds.
type Evidence struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Requirement string `json:"requirement"`
	Category    string `json:"category"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts" format:"date-time"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

// AuditEntry is one append-only row of the audit trail.
type AuditEntry struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	ProjectID     string `json:"project_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
	StateSnapshot string `json:"state_snapshot,omitempty"`
}

// Assessment is the maturity engine's view of where a project stands.
type Assessment struct {
	ProjectID    string   `json:"project_id"`
	CurrentLevel Level    `json:"current_level"`
	NextLevel    *Level   `json:"next_level,omitempty"`
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

// LevelValidation aggregates category results for a target level.
type LevelValidation struct {
	ProjectID       string                    `json:"project_id"`
	TargetLevel     Level                     `json:"target_level"`
	Requirements    map[string]CategoryResult `json:"requirements"`
	OverallStatus   string                    `json:"overall_status" enum:"READY,BLOCKED"`
	Blockers        []string                  `json:"blockers,omitempty"`
	Recommendations []string                  `json:"recommendations,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
