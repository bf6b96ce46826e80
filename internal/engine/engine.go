package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/engine/auth"
	"stagegate/internal/events"
	"stagegate/internal/paygate"
	"stagegate/internal/repo"
	"stagegate/internal/requirements"
	"stagegate/internal/statemachine"
	"stagegate/internal/tracker"
)

// Engine assesses project maturity against hardening requirements and drives
// the transition lifecycle end to end. It never selects a transition by
// itself: execution always goes through the decision-gate tracker.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Gates   paygate.Validator
	Checker requirements.Validator
	Auth    auth.Service
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Gates:   paygate.New(db, cfg),
		Checker: requirements.EvidenceValidator{Repo: r},
		Auth:    auth.Service{DB: db},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Tracker returns the decision-gate tracker bound to a project, sharing the
// engine's clock and gate validator.
func (e Engine) Tracker(projectID string) *tracker.Tracker {
	t := tracker.New(e.DB, e.Config, projectID)
	t.Now = e.Now
	t.Gates = e.Gates
	return t
}

// InitProject creates a project at POC/L1 with its config and RBAC footprint.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		Kind:        "delivery-project",
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	state := domain.MaturityState{
		ProjectID:  projectID,
		Level:      domain.LevelPOC,
		Checkpoint: domain.CheckpointL1,
		Status:     "active",
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertState(ctx, tx, state); err != nil {
		return domain.Project{}, fmt.Errorf("insert initial state: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, e.Config); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.seedRBAC(ctx, tx, projectID, actorID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectInit, projectID, "project", projectID, actorID, events.EventPayload{
		"status": p.Status,
		"state":  state.Label(),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) seedRBAC(ctx context.Context, tx *sql.Tx, projectID, ownerID string) error {
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("bind %s to %s: %w", perm, roleID, err)
			}
		}
	}
	if len(e.Config.RBAC.Roles) > 0 {
		if err := e.Repo.AssignRole(ctx, tx, projectID, ownerID, "owner"); err != nil {
			return fmt.Errorf("assign owner: %w", err)
		}
	}
	return nil
}

// AssessCurrentLevel settles on the highest level whose mandatory
// requirements are all met. The level the project has already reached through
// executed transitions is settled; only levels above it are evaluated.
// Confidence is the pass ratio of the first blocking level, surfacing partial
// progress even while blocked.
func (e Engine) AssessCurrentLevel(ctx context.Context, projectID string) (domain.Assessment, error) {
	if e.Config == nil {
		return domain.Assessment{}, errors.New("config not loaded")
	}
	state, err := e.Repo.GetState(ctx, projectID)
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	assessment := domain.Assessment{
		ProjectID:    projectID,
		CurrentLevel: state.Level,
		Confidence:   1.0,
	}
	if state.Level == domain.LevelAborted {
		return assessment, nil
	}
	reached := false
	for _, lvl := range statemachine.Levels() {
		if !reached {
			if lvl == state.Level {
				reached = true
			}
			continue
		}
		reqs := e.Config.LevelMandatory(lvl)
		passed := 0
		var blockers []string
		for _, req := range reqs {
			ok, err := e.Checker.Check(ctx, projectID, config.RequirementCategory(req), req)
			if err != nil {
				return domain.Assessment{}, fmt.Errorf("assess %s at %s: %w", projectID, lvl, err)
			}
			if ok {
				passed++
			} else {
				blockers = append(blockers, fmt.Sprintf("%s: requirement %s not satisfied", lvl, req))
			}
		}
		if len(blockers) > 0 {
			next := lvl
			assessment.NextLevel = &next
			assessment.Blockers = blockers
			if len(reqs) > 0 {
				assessment.Confidence = float64(passed) / float64(len(reqs))
			}
			return assessment, nil
		}
		assessment.CurrentLevel = lvl
	}
	return assessment, nil
}

// ValidateLevelRequirements checks the target level's mandatory requirements
// per category. Overall status is READY only when security, reliability and
// scalability all pass; failing categories pool their blockers into one
// flattened list.
func (e Engine) ValidateLevelRequirements(ctx context.Context, projectID string, target domain.Level) (domain.LevelValidation, error) {
	if e.Config == nil {
		return domain.LevelValidation{}, errors.New("config not loaded")
	}
	if _, err := statemachine.ParseLevel(string(target)); err != nil {
		return domain.LevelValidation{}, err
	}
	if target == domain.LevelAborted {
		return domain.LevelValidation{}, errors.New("ABORTED is not a validatable target level")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.LevelValidation{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	byCategory := map[string][]string{}
	for _, req := range e.Config.LevelMandatory(target) {
		cat := config.RequirementCategory(req)
		byCategory[cat] = append(byCategory[cat], req)
	}
	validation := domain.LevelValidation{
		ProjectID:     projectID,
		TargetLevel:   target,
		Requirements:  map[string]domain.CategoryResult{},
		OverallStatus: "READY",
	}
	for _, cat := range config.Categories() {
		result := domain.CategoryResult{Category: cat, Passed: true}
		for _, req := range byCategory[cat] {
			result.Checked++
			ok, err := e.Checker.Check(ctx, projectID, cat, req)
			if err != nil {
				return domain.LevelValidation{}, fmt.Errorf("validate %s for %s: %w", target, projectID, err)
			}
			if !ok {
				result.Passed = false
				result.Failed = append(result.Failed, req)
				validation.Blockers = append(validation.Blockers, fmt.Sprintf("%s: requirement %s not satisfied", cat, req))
			}
		}
		if !result.Passed {
			validation.OverallStatus = "BLOCKED"
		}
		validation.Requirements[cat] = result
	}
	validation.Recommendations = e.recommendations(ctx, projectID, target)
	return validation, nil
}

// recommendations lists recommended-but-unevidenced requirements across the
// target level's checkpoints. Missing ones never block.
func (e Engine) recommendations(ctx context.Context, projectID string, target domain.Level) []string {
	var recs []string
	for _, cp := range statemachine.CheckpointsCatalog() {
		req, ok := e.Config.RequirementsFor(target, cp)
		if !ok {
			continue
		}
		for _, name := range req.Recommended {
			passed, err := e.Checker.Check(ctx, projectID, config.RequirementCategory(name), name)
			if err != nil || passed {
				continue
			}
			recs = append(recs, fmt.Sprintf("record evidence for recommended requirement %s (%s/%s)", name, target, cp))
		}
	}
	return recs
}

// TransitionInitiation is the outcome of InitiateTransition.
type TransitionInitiation struct {
	ProjectID   string                    `json:"project_id"`
	TargetLevel domain.Level              `json:"target_level"`
	Status      string                    `json:"status" enum:"BLOCKED,AWAITING_APPROVAL"`
	Transition  string                    `json:"transition,omitempty"`
	Blockers    []string                  `json:"blockers,omitempty"`
	Options     []domain.TransitionOption `json:"options,omitempty"`
	PaymentGate *domain.PaymentGate       `json:"payment_gate,omitempty"`
}

// InitiateTransition re-validates readiness for the target level and, when
// ready, opens the decision window and a payment gate for the level advance.
// Blocked projects get their blockers back with no state change.
func (e Engine) InitiateTransition(ctx context.Context, projectID string, target domain.Level, actorID string) (TransitionInitiation, error) {
	validation, err := e.ValidateLevelRequirements(ctx, projectID, target)
	if err != nil {
		return TransitionInitiation{}, err
	}
	state, err := e.Repo.GetState(ctx, projectID)
	if err != nil {
		return TransitionInitiation{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	if validation.OverallStatus == "BLOCKED" {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return TransitionInitiation{}, err
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, events.TypeTransitionBlocked, projectID, "state", state.Label(), actorID, events.EventPayload{
			"target_level": string(target),
			"blockers":     validation.Blockers,
		}); err != nil {
			return TransitionInitiation{}, err
		}
		if err := tx.Commit(); err != nil {
			return TransitionInitiation{}, err
		}
		return TransitionInitiation{
			ProjectID:   projectID,
			TargetLevel: target,
			Status:      "BLOCKED",
			Blockers:    validation.Blockers,
		}, nil
	}
	var levelMove *domain.Transition
	for _, tr := range statemachine.AvailableTransitions(state) {
		if tr.Type == domain.TransitionLevelAdvance && tr.ToLevel == target {
			moved := tr
			levelMove = &moved
			break
		}
	}
	if levelMove == nil {
		return TransitionInitiation{}, fmt.Errorf("no level advance to %s is available from %s", target, state.Label())
	}
	options, err := e.Tracker(projectID).PresentTransitionOptions(ctx, actorID)
	if err != nil {
		return TransitionInitiation{}, err
	}
	init := TransitionInitiation{
		ProjectID:   projectID,
		TargetLevel: target,
		Status:      "AWAITING_APPROVAL",
		Transition:  levelMove.Label,
		Options:     options,
	}
	if levelMove.PaymentGate {
		gate, err := e.Gates.CreateGate(ctx, projectID, *levelMove, actorID)
		if err != nil {
			// The window just opened for this gate; do not leave it dangling.
			if cerr := e.Tracker(projectID).CloseDecisionWindow(ctx); cerr != nil && !errors.Is(cerr, tracker.ErrNoDecisionPending) {
				return TransitionInitiation{}, fmt.Errorf("close decision window after gate failure: %w", cerr)
			}
			return TransitionInitiation{}, err
		}
		init.PaymentGate = &gate
	}
	return init, nil
}

// DecisionOutcome is the result of RecordDecision.
type DecisionOutcome struct {
	ProjectID string                `json:"project_id"`
	Status    string                `json:"status" enum:"executed,rejected"`
	NewState  *domain.MaturityState `json:"new_state,omitempty"`
}

// RecordDecision persists the human decision unconditionally, then executes
// the transition only when approved. A rejection closes the decision window.
func (e Engine) RecordDecision(ctx context.Context, projectID string, decision domain.Decision) (DecisionOutcome, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return DecisionOutcome{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	if decision.Transition == "" {
		return DecisionOutcome{}, errors.New("decision.transition is required")
	}
	if decision.DecidedBy == "" {
		return DecisionOutcome{}, errors.New("decision.decided_by is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeDecisionRecorded, projectID, "decision", uuid.New().String(), decision.DecidedBy, events.EventPayload{
		"transition":    decision.Transition,
		"approved":      decision.Approved,
		"justification": decision.Justification,
	}); err != nil {
		return DecisionOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecisionOutcome{}, err
	}

	trk := e.Tracker(projectID)
	if !decision.Approved {
		if err := trk.CloseDecisionWindow(ctx); err != nil && !errors.Is(err, tracker.ErrNoDecisionPending) {
			return DecisionOutcome{}, err
		}
		return DecisionOutcome{ProjectID: projectID, Status: "rejected"}, nil
	}
	newState, err := trk.ProcessHumanDecision(ctx, decision)
	if err != nil {
		return DecisionOutcome{}, err
	}
	return DecisionOutcome{ProjectID: projectID, Status: "executed", NewState: &newState}, nil
}

// RecordEvidence stores proof that a named hardening requirement holds.
func (e Engine) RecordEvidence(ctx context.Context, ev domain.Evidence) (domain.Evidence, error) {
	if ev.ProjectID == "" {
		return ev, errors.New("project required")
	}
	if ev.Requirement == "" {
		return ev, errors.New("requirement required")
	}
	cat := config.RequirementCategory(ev.Requirement)
	if cat == "" {
		return ev, fmt.Errorf("requirement %s has no recognized category prefix", ev.Requirement)
	}
	ev.Category = cat
	if _, err := e.Repo.GetProject(ctx, ev.ProjectID); err != nil {
		return ev, fmt.Errorf("project %s: %w", ev.ProjectID, err)
	}
	ev.ID = uuid.New().String()
	if ev.TS == "" {
		ev.TS = e.now().UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ev, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return ev, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeEvidenceRecorded, ev.ProjectID, "evidence", ev.ID, ev.ActorID, events.EventPayload{
		"requirement": ev.Requirement,
		"category":    ev.Category,
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	return ev, nil
}
