// Package tracker holds the per-project decision-gate runtime: it presents
// legal transitions, accepts exactly one human decision at a time, enforces
// the payment gate on level advances and appends every executed transition to
// the audit trail. One Tracker value is bound per project; there is no shared
// mutable state between projects.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/paygate"
	"stagegate/internal/repo"
	"stagegate/internal/statemachine"
)

var (
	// ErrDecisionPending: a decision window is already open for the project.
	ErrDecisionPending = errors.New("a decision is already pending for this project")
	// ErrNoDecisionPending: no open decision window to answer.
	ErrNoDecisionPending = errors.New("no decision is pending for this project")
	// ErrPaymentRequired: the chosen transition needs a confirmed payment gate.
	ErrPaymentRequired = errors.New("payment confirmation required for this transition")
	// ErrProjectAborted: the project reached the terminal ABORTED state.
	ErrProjectAborted = errors.New("project aborted; no further transitions are possible")
)

// Notification is the typed event handed to registered observers. The type
// vocabulary is the closed set in the events package plus no others.
type Notification struct {
	Type      string
	ProjectID string
	Payload   events.EventPayload
}

// Tracker drives one project's decision-gate lifecycle.
type Tracker struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Gates     paygate.Validator
	ProjectID string
	Now       func() time.Time
	Observers []func(Notification)
}

func New(db *sql.DB, cfg *config.Config, projectID string) *Tracker {
	return &Tracker{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Gates:     paygate.New(db, cfg),
		ProjectID: projectID,
		Now:       time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) notify(n Notification) {
	for _, fn := range t.Observers {
		fn(n)
	}
}

// CurrentState returns the project's current maturity state.
func (t *Tracker) CurrentState(ctx context.Context) (domain.MaturityState, error) {
	return t.Repo.GetState(ctx, t.ProjectID)
}

// PresentTransitionOptions opens the project's single decision window and
// returns the annotated legal moves. It fails when a decision is already
// pending. This is a suspension point: nothing further happens until a human
// answers through ProcessHumanDecision.
func (t *Tracker) PresentTransitionOptions(ctx context.Context, actorID string) ([]domain.TransitionOption, error) {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	state, err := t.Repo.GetStateTx(ctx, tx, t.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", t.ProjectID, err)
	}
	if state.Level == domain.LevelAborted {
		if err := t.auditRejectedAttempt(ctx, tx, actorID, "present_options", "project aborted"); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrProjectAborted
	}
	if state.DecisionPending {
		return nil, ErrDecisionPending
	}
	options := t.annotate(statemachine.AvailableTransitions(state))
	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = o.Transition.Label
	}
	if err := t.Repo.SetDecisionPending(ctx, tx, t.ProjectID, true, t.now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if err := t.Events.Append(ctx, tx, events.TypeDecisionRequested, t.ProjectID, "maturity_state", t.ProjectID, actorID, events.EventPayload{
		"from":    state.Label(),
		"options": labels,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.notify(Notification{
		Type:      events.TypeDecisionRequested,
		ProjectID: t.ProjectID,
		Payload:   events.EventPayload{"from": state.Label(), "options": labels},
	})
	return options, nil
}

func (t *Tracker) annotate(transitions []domain.Transition) []domain.TransitionOption {
	options := make([]domain.TransitionOption, 0, len(transitions))
	for _, tr := range transitions {
		options = append(options, domain.TransitionOption{
			Transition:      tr,
			Description:     statemachine.Describe(tr),
			RiskLevel:       statemachine.RiskLevel(tr.Type),
			EstimatedEffort: statemachine.EstimatedEffort(tr.Type),
			PaymentRequired: tr.PaymentGate,
		})
	}
	return options
}

// ProcessHumanDecision executes the transition chosen by a human. The legal
// set is recomputed fresh rather than trusted from the presentation step.
// Payment-gated transitions require a confirmed gate; failure leaves the
// decision window open so the caller can settle payment and retry.
func (t *Tracker) ProcessHumanDecision(ctx context.Context, decision domain.Decision) (domain.MaturityState, error) {
	state, err := t.Repo.GetState(ctx, t.ProjectID)
	if err != nil {
		return domain.MaturityState{}, fmt.Errorf("project %s: %w", t.ProjectID, err)
	}
	if state.Level == domain.LevelAborted {
		if err := t.auditRejectedAttemptTx(ctx, decision.DecidedBy, decision.Transition, "project aborted"); err != nil {
			return domain.MaturityState{}, err
		}
		return domain.MaturityState{}, ErrProjectAborted
	}
	if !state.DecisionPending {
		return domain.MaturityState{}, ErrNoDecisionPending
	}
	res := statemachine.ValidateTransition(state, decision.Transition)
	if !res.Valid {
		if err := t.auditRejectedAttemptTx(ctx, decision.DecidedBy, decision.Transition, res.Err.Error()); err != nil {
			return domain.MaturityState{}, err
		}
		return domain.MaturityState{}, res.Err
	}
	if res.Transition.PaymentGate {
		if err := t.ensurePaymentConfirmed(ctx, res.Transition, decision.PaymentConfirmation); err != nil {
			return domain.MaturityState{}, err
		}
	}

	now := t.now().UTC().Format(time.RFC3339)
	newState := domain.MaturityState{
		ProjectID:       t.ProjectID,
		Level:           res.Transition.ToLevel,
		Checkpoint:      res.Transition.ToCheckpoint,
		Status:          "active",
		DecisionPending: false,
		UpdatedAt:       now,
		Metadata: map[string]any{
			"last_transition": res.Transition.Label,
			"transition_type": string(res.Transition.Type),
		},
	}
	if res.Transition.Type == domain.TransitionAbort {
		newState.Status = "aborted"
	}
	snapshot, err := json.Marshal(newState)
	if err != nil {
		return domain.MaturityState{}, fmt.Errorf("marshal state snapshot: %w", err)
	}

	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MaturityState{}, err
	}
	defer tx.Rollback()
	// Re-read inside the transaction; the window must still be open.
	current, err := t.Repo.GetStateTx(ctx, tx, t.ProjectID)
	if err != nil {
		return domain.MaturityState{}, err
	}
	if !current.DecisionPending {
		return domain.MaturityState{}, ErrNoDecisionPending
	}
	if err := t.Repo.ReplaceState(ctx, tx, newState); err != nil {
		return domain.MaturityState{}, err
	}
	if err := t.Events.AppendWithSnapshot(ctx, tx, events.TypeTransitionCompleted, t.ProjectID, "maturity_state", t.ProjectID, decision.DecidedBy, events.EventPayload{
		"previous_state": current.Label(),
		"new_state":      newState.Label(),
		"transition":     res.Transition.Label,
		"type":           string(res.Transition.Type),
		"justification":  decision.Justification,
	}, string(snapshot)); err != nil {
		return domain.MaturityState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MaturityState{}, err
	}
	t.notify(Notification{
		Type:      events.TypeTransitionCompleted,
		ProjectID: t.ProjectID,
		Payload:   events.EventPayload{"from": current.Label(), "to": newState.Label(), "transition": res.Transition.Label},
	})
	return newState, nil
}

// CloseDecisionWindow clears the pending flag without executing a transition,
// used when a human rejects every presented option.
func (t *Tracker) CloseDecisionWindow(ctx context.Context) error {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	state, err := t.Repo.GetStateTx(ctx, tx, t.ProjectID)
	if err != nil {
		return err
	}
	if !state.DecisionPending {
		return ErrNoDecisionPending
	}
	if err := t.Repo.SetDecisionPending(ctx, tx, t.ProjectID, false, t.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// ensurePaymentConfirmed checks for a confirmed gate covering the transition.
// A supplied confirmation may confirm a still-pending gate on the spot; the
// gate validator applies its full rule set either way.
func (t *Tracker) ensurePaymentConfirmed(ctx context.Context, tr domain.Transition, conf *domain.PaymentConfirmation) error {
	if conf == nil {
		return ErrPaymentRequired
	}
	confirmed, err := t.Repo.ConfirmedGateFor(ctx, t.ProjectID, tr.Label)
	if err == nil {
		if confirmed.TransactionID != nil && *confirmed.TransactionID == conf.TransactionID {
			return nil
		}
		return fmt.Errorf("%w: confirmation does not match the confirmed gate for %s", ErrPaymentRequired, tr.Label)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	pending, err := t.Repo.PendingGateFor(ctx, t.ProjectID, tr.Label)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: no payment gate exists for %s", ErrPaymentRequired, tr.Label)
		}
		return err
	}
	if _, err := t.Gates.ProcessConfirmation(ctx, pending.ID, *conf); err != nil {
		return err
	}
	return nil
}

func (t *Tracker) auditRejectedAttempt(ctx context.Context, tx *sql.Tx, actorID, attempted, reason string) error {
	return t.Events.Append(ctx, tx, events.TypeDecisionRejected, t.ProjectID, "maturity_state", t.ProjectID, actorID, events.EventPayload{
		"attempted": attempted,
		"reason":    reason,
	})
}

func (t *Tracker) auditRejectedAttemptTx(ctx context.Context, actorID, attempted, reason string) error {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := t.auditRejectedAttempt(ctx, tx, actorID, attempted, reason); err != nil {
		return err
	}
	return tx.Commit()
}
