package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"stagegate/internal/audit"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/statemachine"
)

func (s *Server) registerTools() {
	s.registerStatusTools()
	s.registerMaturityTools()
	s.registerDecisionTools()
	s.registerGateTools()
	s.registerEvidenceTools()
	s.registerAuditTools()
}

type projectInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
}

type statusOutput struct {
	ProjectID       string               `json:"project_id"`
	Status          string               `json:"status"`
	State           domain.MaturityState `json:"state"`
	DecisionPending bool                 `json:"decision_pending"`
	AuditCount      int64                `json:"audit_count"`
}

func (s *Server) registerStatusTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "project_status",
		Description: "Show the project's current maturity state, whether a decision window is open, and the audit trail length.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args projectInput) (*mcp.CallToolResult, statusOutput, error) {
		projectID := s.projectID(args.ProjectID)
		p, err := s.engine.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, statusOutput{}, err
		}
		state, err := s.engine.Repo.GetState(ctx, projectID)
		if err != nil {
			return nil, statusOutput{}, err
		}
		count, err := s.engine.Repo.AuditCount(ctx, projectID)
		if err != nil {
			return nil, statusOutput{}, err
		}
		return nil, statusOutput{
			ProjectID:       p.ID,
			Status:          p.Status,
			State:           state,
			DecisionPending: state.DecisionPending,
			AuditCount:      count,
		}, nil
	})
}

type validateInput struct {
	ProjectID   string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	TargetLevel string `json:"target_level" jsonschema:"required,Target maturity level (POC, MVP, PILOT, PRODUCTION, SCALE)"`
}

func (s *Server) registerMaturityTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "maturity_assess",
		Description: "Assess the project's current maturity level against recorded evidence. Returns current level, next level, confidence, and blockers.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args projectInput) (*mcp.CallToolResult, domain.Assessment, error) {
		a, err := s.engine.AssessCurrentLevel(ctx, s.projectID(args.ProjectID))
		if err != nil {
			return nil, domain.Assessment{}, err
		}
		return nil, a, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "maturity_validate",
		Description: "Validate readiness for a target level: per-category results, overall READY or BLOCKED, blockers, and recommendations.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args validateInput) (*mcp.CallToolResult, domain.LevelValidation, error) {
		target, err := parseTarget(args.TargetLevel)
		if err != nil {
			return nil, domain.LevelValidation{}, err
		}
		v, err := s.engine.ValidateLevelRequirements(ctx, s.projectID(args.ProjectID), target)
		if err != nil {
			return nil, domain.LevelValidation{}, err
		}
		return nil, v, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "transition_initiate",
		Description: "Initiate a level advance: re-validates readiness, and when ready opens the decision window and a payment gate. Blocked projects get their blockers back with no state change.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args transitionInitiateInput) (*mcp.CallToolResult, engine.TransitionInitiation, error) {
		target, err := parseTarget(args.TargetLevel)
		if err != nil {
			return nil, engine.TransitionInitiation{}, err
		}
		init, err := s.engine.InitiateTransition(ctx, s.projectID(args.ProjectID), target, actorOrDefault(args.ActorID))
		if err != nil {
			return nil, engine.TransitionInitiation{}, err
		}
		return nil, init, nil
	})
}

type transitionInitiateInput struct {
	ProjectID   string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	TargetLevel string `json:"target_level" jsonschema:"required,Target maturity level (MVP, PILOT, PRODUCTION, SCALE)"`
	ActorID     string `json:"actor_id,omitempty" jsonschema:"Acting identity (defaults to mcp-agent)"`
}

type decisionPresentInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	ActorID   string `json:"actor_id,omitempty" jsonschema:"Acting identity (defaults to mcp-agent)"`
}

type decisionPresentOutput struct {
	Options []domain.TransitionOption `json:"options" jsonschema:"Legal transitions from the current state, annotated with risk and effort"`
}

type decisionSubmitInput struct {
	ProjectID     string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	Transition    string `json:"transition" jsonschema:"required,Label of the presented transition (e.g. MVP-L1 or abort)"`
	Approved      bool   `json:"approved" jsonschema:"Whether the human approved the transition"`
	Justification string `json:"justification" jsonschema:"required,Why this decision was made"`
	DecidedBy     string `json:"decided_by" jsonschema:"required,The human who decided; never an agent identity"`
	TransactionID string `json:"transaction_id,omitempty" jsonschema:"Payment transaction id, required for level advances"`
	AuthorizedBy  string `json:"authorized_by,omitempty" jsonschema:"Who authorized the payment"`
	PaymentMethod string `json:"payment_method,omitempty" jsonschema:"Payment method (must be in the approved list)"`
}

func (s *Server) registerDecisionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "decision_present",
		Description: "Present the legal transitions from the current state and open the decision window. Fails with decision_pending if a window is already open.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args decisionPresentInput) (*mcp.CallToolResult, decisionPresentOutput, error) {
		trk := s.engine.Tracker(s.projectID(args.ProjectID))
		opts, err := trk.PresentTransitionOptions(ctx, actorOrDefault(args.ActorID))
		if err != nil {
			return nil, decisionPresentOutput{}, err
		}
		return nil, decisionPresentOutput{Options: opts}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "decision_submit",
		Description: "Record a human decision on a presented transition and execute it when approved. Level advances additionally require a confirmed payment gate.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args decisionSubmitInput) (*mcp.CallToolResult, engine.DecisionOutcome, error) {
		decision := domain.Decision{
			Transition:    args.Transition,
			Approved:      args.Approved,
			Justification: args.Justification,
			DecidedBy:     args.DecidedBy,
		}
		if args.TransactionID != "" {
			decision.PaymentConfirmation = &domain.PaymentConfirmation{
				TransactionID: args.TransactionID,
				AuthorizedBy:  args.AuthorizedBy,
				PaymentMethod: args.PaymentMethod,
				Timestamp:     time.Now().UTC().Format(time.RFC3339),
			}
		}
		outcome, err := s.engine.RecordDecision(ctx, s.projectID(args.ProjectID), decision)
		if err != nil {
			return nil, engine.DecisionOutcome{}, err
		}
		return nil, outcome, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "decision_close",
		Description: "Close the open decision window without deciding.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args projectInput) (*mcp.CallToolResult, struct{}, error) {
		trk := s.engine.Tracker(s.projectID(args.ProjectID))
		return nil, struct{}{}, trk.CloseDecisionWindow(ctx)
	})
}

type gateListInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	Status    string `json:"status,omitempty" jsonschema:"Filter by status (pending, confirmed, rejected)"`
}

type gateListOutput struct {
	Gates []domain.PaymentGate `json:"gates"`
}

type gatePresentInput struct {
	GateID  string `json:"gate_id" jsonschema:"required,Payment gate id"`
	ActorID string `json:"actor_id,omitempty" jsonschema:"Acting identity (defaults to mcp-agent)"`
}

type gateConfirmInput struct {
	GateID        string `json:"gate_id" jsonschema:"required,Payment gate id"`
	TransactionID string `json:"transaction_id" jsonschema:"required,Globally unique transaction id"`
	AuthorizedBy  string `json:"authorized_by" jsonschema:"required,Authorized personnel confirming the payment"`
	PaymentMethod string `json:"payment_method" jsonschema:"required,Payment method from the approved list"`
}

func (s *Server) registerGateTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "gate_list",
		Description: "List the project's payment gates, optionally filtered by status.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args gateListInput) (*mcp.CallToolResult, gateListOutput, error) {
		gates, err := s.engine.Repo.ListGates(ctx, s.projectID(args.ProjectID), domain.PaymentGateStatus(args.Status))
		if err != nil {
			return nil, gateListOutput{}, err
		}
		return nil, gateListOutput{Gates: gates}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "gate_present",
		Description: "Present a payment gate with payment instructions. Expired gates are rejected on presentation.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args gatePresentInput) (*mcp.CallToolResult, paygatePresentation, error) {
		p, err := s.engine.Gates.PresentGate(ctx, args.GateID, actorOrDefault(args.ActorID))
		if err != nil {
			return nil, paygatePresentation{}, err
		}
		return nil, paygatePresentation{Gate: p.Gate, Instructions: p.Instructions}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "gate_confirm",
		Description: "Confirm a pending payment gate with transaction details. The transaction id must never have been used before.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args gateConfirmInput) (*mcp.CallToolResult, domain.PaymentGate, error) {
		conf := domain.PaymentConfirmation{
			TransactionID: args.TransactionID,
			AuthorizedBy:  args.AuthorizedBy,
			PaymentMethod: args.PaymentMethod,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		}
		g, err := s.engine.Gates.ProcessConfirmation(ctx, args.GateID, conf)
		if err != nil {
			return nil, domain.PaymentGate{}, err
		}
		return nil, g, nil
	})
}

type paygatePresentation struct {
	Gate         domain.PaymentGate `json:"gate"`
	Instructions string             `json:"instructions"`
}

type evidenceRecordInput struct {
	ProjectID   string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	Requirement string `json:"requirement" jsonschema:"required,Requirement id with category prefix (e.g. security.authn_enforced)"`
	PayloadJSON string `json:"payload_json,omitempty" jsonschema:"Supporting payload JSON"`
	ActorID     string `json:"actor_id,omitempty" jsonschema:"Acting identity (defaults to mcp-agent)"`
}

type evidenceListOutput struct {
	Evidence []domain.Evidence `json:"evidence"`
}

func (s *Server) registerEvidenceTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evidence_record",
		Description: "Record proof that a named hardening requirement holds. The requirement's category is derived from its prefix.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args evidenceRecordInput) (*mcp.CallToolResult, domain.Evidence, error) {
		ev, err := s.engine.RecordEvidence(ctx, domain.Evidence{
			ProjectID:   s.projectID(args.ProjectID),
			Requirement: args.Requirement,
			PayloadJSON: args.PayloadJSON,
			ActorID:     actorOrDefault(args.ActorID),
		})
		if err != nil {
			return nil, domain.Evidence{}, err
		}
		return nil, ev, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "evidence_list",
		Description: "List the evidence recorded for the project.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args projectInput) (*mcp.CallToolResult, evidenceListOutput, error) {
		items, err := s.engine.Repo.ListEvidence(ctx, s.projectID(args.ProjectID))
		if err != nil {
			return nil, evidenceListOutput{}, err
		}
		return nil, evidenceListOutput{Evidence: items}, nil
	})
}

type auditTailInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"Project id (defaults to the workspace project)"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum events to return (default 20)"`
	Type      string `json:"type,omitempty" jsonschema:"Event type filter"`
}

type auditTailOutput struct {
	Events []domain.AuditEntry `json:"events"`
}

func (s *Server) registerAuditTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "audit_tail",
		Description: "Tail the project's append-only audit trail, newest first.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args auditTailInput) (*mcp.CallToolResult, auditTailOutput, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = 20
		}
		events, err := s.engine.Repo.LatestEventsFrom(ctx, limit, 0, s.projectID(args.ProjectID), args.Type, "", "")
		if err != nil {
			return nil, auditTailOutput{}, err
		}
		return nil, auditTailOutput{Events: events}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "audit_report",
		Description: "Generate an audit report: event counts by type, the complete state history, and the current state.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args projectInput) (*mcp.CallToolResult, audit.Report, error) {
		rep, err := audit.Generate(ctx, s.engine.Repo, s.projectID(args.ProjectID), time.Now)
		if err != nil {
			return nil, audit.Report{}, err
		}
		return nil, rep, nil
	})
}

// parseTarget validates a level string for the maturity tools.
func parseTarget(s string) (domain.Level, error) {
	lvl, err := statemachine.ParseLevel(s)
	if err != nil {
		return "", fmt.Errorf("target_level: %w", err)
	}
	return lvl, nil
}
