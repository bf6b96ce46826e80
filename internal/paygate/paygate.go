// Package paygate validates externally completed payments before a level
// advance may execute. It never moves money: gates are unlocked only by a
// transaction identifier from a payment that already happened elsewhere.
package paygate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/config"
	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

// Rejection codes returned to callers. These are preconditions, not generic
// failures; callers are expected to branch on them.
const (
	RejectMissingField  = "missing_field"
	RejectUnauthorized  = "unauthorized_personnel"
	RejectBadMethod     = "unapproved_method"
	RejectTxnReused     = "transaction_reused"
	RejectExpired       = "gate_expired"
	RejectNotPending    = "gate_not_pending"
	RejectNoGateDefined = "no_gate_defined"
)

// RejectionError is a structured refusal to confirm or reject a gate. The
// gate state is unchanged when one is returned.
type RejectionError struct {
	Code   string
	Reason string
}

func (e RejectionError) Error() string {
	return fmt.Sprintf("payment gate rejected (%s): %s", e.Code, e.Reason)
}

// IsRejection extracts a RejectionError if err carries one.
func IsRejection(err error) (RejectionError, bool) {
	var re RejectionError
	ok := errors.As(err, &re)
	return re, ok
}

// Validator owns the pending and processed payment gate collections. Other
// components only read gate status.
type Validator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Validator {
	return Validator{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// CreateGate opens a pending gate for a payment-gated transition. The amount
// and currency come from the project's payment policy for the target level.
func (v Validator) CreateGate(ctx context.Context, projectID string, t domain.Transition, actorID string) (domain.PaymentGate, error) {
	if v.Config == nil {
		return domain.PaymentGate{}, errors.New("config not loaded")
	}
	if !t.PaymentGate {
		return domain.PaymentGate{}, RejectionError{Code: RejectNoGateDefined, Reason: fmt.Sprintf("transition %s does not require a payment gate", t.Label)}
	}
	amount, ok := v.Config.GateAmount(t.ToLevel)
	if !ok {
		return domain.PaymentGate{}, fmt.Errorf("no payment amount configured for level %s", t.ToLevel)
	}
	now := v.now().UTC()
	expiry := now.Add(time.Duration(v.Config.Payment.ExpiryHours) * time.Hour)
	gate := domain.PaymentGate{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		TransitionType: t.Type,
		FromState:      string(t.FromLevel) + "-" + string(t.FromCheckpoint),
		ToState:        t.Label,
		Amount:         amount,
		Currency:       v.Config.Payment.Currency,
		Status:         domain.GatePending,
		CreatedAt:      now.Format(time.RFC3339),
		ExpiresAt:      expiry.Format(time.RFC3339),
	}
	tx, err := v.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentGate{}, err
	}
	defer tx.Rollback()
	if err := v.Repo.InsertGate(ctx, tx, gate); err != nil {
		return domain.PaymentGate{}, fmt.Errorf("insert payment gate: %w", err)
	}
	if err := v.Events.Append(ctx, tx, events.TypeGateCreated, projectID, "payment_gate", gate.ID, actorID, events.EventPayload{
		"to_state": gate.ToState,
		"amount":   gate.Amount,
		"currency": gate.Currency,
		"expires":  gate.ExpiresAt,
	}); err != nil {
		return domain.PaymentGate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentGate{}, err
	}
	return gate, nil
}

// Presentation is the human-facing view of a pending gate.
type Presentation struct {
	Gate         domain.PaymentGate `json:"gate"`
	Instructions string             `json:"instructions"`
	Expired      bool               `json:"expired"`
}

// PresentGate renders payment instructions for a pending gate. Expiry is
// reported but, matching the lazy-expiry model, the gate itself stays pending.
func (v Validator) PresentGate(ctx context.Context, gateID, actorID string) (Presentation, error) {
	gate, err := v.Repo.GetGate(ctx, gateID)
	if err != nil {
		return Presentation{}, err
	}
	if gate.Status != domain.GatePending {
		return Presentation{}, RejectionError{Code: RejectNotPending, Reason: fmt.Sprintf("gate %s is %s", gateID, gate.Status)}
	}
	expired := v.gateExpired(gate)
	p := Presentation{
		Gate:         gate,
		Expired:      expired,
		Instructions: v.instructions(gate),
	}
	tx, err := v.DB.BeginTx(ctx, nil)
	if err != nil {
		return Presentation{}, err
	}
	defer tx.Rollback()
	if err := v.Events.Append(ctx, tx, events.TypeGatePresented, gate.ProjectID, "payment_gate", gate.ID, actorID, events.EventPayload{
		"to_state": gate.ToState,
		"expired":  expired,
	}); err != nil {
		return Presentation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Presentation{}, err
	}
	return p, nil
}

func (v Validator) instructions(gate domain.PaymentGate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment of %.2f %s is required before the %s transition can execute.\n", gate.Amount, gate.Currency, gate.ToState)
	fmt.Fprintf(&b, "Complete the payment through your organization's usual channel, then submit the resulting transaction ID.\n")
	fmt.Fprintf(&b, "This system never accepts card numbers, account details or any raw payment data; only the transaction identifier of an already-completed payment is recorded.\n")
	if len(v.Config.Payment.ApprovedMethods) > 0 {
		fmt.Fprintf(&b, "Approved methods: %s.\n", strings.Join(v.Config.Payment.ApprovedMethods, ", "))
	}
	fmt.Fprintf(&b, "The gate expires at %s.", gate.ExpiresAt)
	return b.String()
}

func (v Validator) gateExpired(gate domain.PaymentGate) bool {
	exp, err := time.Parse(time.RFC3339, gate.ExpiresAt)
	if err != nil {
		return false
	}
	return v.now().UTC().After(exp)
}

// ProcessConfirmation validates an external payment confirmation against the
// gate. Checks run in order: required fields, authorized personnel, approved
// method, transaction uniqueness, expiry. Any failure returns a typed
// rejection without touching gate state. Success is irreversible: the gate
// moves to the processed set and can never be re-confirmed.
func (v Validator) ProcessConfirmation(ctx context.Context, gateID string, conf domain.PaymentConfirmation) (domain.PaymentGate, error) {
	if v.Config == nil {
		return domain.PaymentGate{}, errors.New("config not loaded")
	}
	gate, err := v.Repo.GetGate(ctx, gateID)
	if err != nil {
		return domain.PaymentGate{}, err
	}
	if gate.Status != domain.GatePending {
		return domain.PaymentGate{}, RejectionError{Code: RejectNotPending, Reason: fmt.Sprintf("gate %s already %s", gateID, gate.Status)}
	}
	if conf.TransactionID == "" {
		return domain.PaymentGate{}, RejectionError{Code: RejectMissingField, Reason: "transaction_id is required"}
	}
	if conf.AuthorizedBy == "" {
		return domain.PaymentGate{}, RejectionError{Code: RejectMissingField, Reason: "authorized_by is required"}
	}
	if conf.PaymentMethod == "" {
		return domain.PaymentGate{}, RejectionError{Code: RejectMissingField, Reason: "payment_method is required"}
	}
	if !v.Config.PersonnelAuthorized(conf.AuthorizedBy) {
		return domain.PaymentGate{}, RejectionError{Code: RejectUnauthorized, Reason: fmt.Sprintf("%s is not authorized to confirm payments", conf.AuthorizedBy)}
	}
	if !v.Config.MethodApproved(conf.PaymentMethod) {
		return domain.PaymentGate{}, RejectionError{Code: RejectBadMethod, Reason: fmt.Sprintf("payment method %s is not approved", conf.PaymentMethod)}
	}
	used, err := v.Repo.TransactionIDUsed(ctx, conf.TransactionID)
	if err != nil {
		return domain.PaymentGate{}, err
	}
	if used {
		return domain.PaymentGate{}, RejectionError{Code: RejectTxnReused, Reason: fmt.Sprintf("transaction %s was already used", conf.TransactionID)}
	}
	if v.gateExpired(gate) {
		return domain.PaymentGate{}, RejectionError{Code: RejectExpired, Reason: fmt.Sprintf("gate expired at %s", gate.ExpiresAt)}
	}

	now := v.now().UTC().Format(time.RFC3339)
	// Only the transaction ID stays in clear; everything else is redacted at
	// the serialization boundary.
	resolution, err := json.Marshal(events.Redact(events.EventPayload{
		"transaction_id": conf.TransactionID,
		"authorized_by":  conf.AuthorizedBy,
		"payment_method": conf.PaymentMethod,
		"confirmed_at":   now,
	}))
	if err != nil {
		return domain.PaymentGate{}, fmt.Errorf("marshal gate resolution: %w", err)
	}
	tx, err := v.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentGate{}, err
	}
	defer tx.Rollback()
	txnID := conf.TransactionID
	if err := v.Repo.ResolveGate(ctx, tx, gate.ID, domain.GateConfirmed, &txnID, now, string(resolution)); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PaymentGate{}, RejectionError{Code: RejectNotPending, Reason: "gate already processed"}
		}
		return domain.PaymentGate{}, err
	}
	if err := v.Events.Append(ctx, tx, events.TypeGateConfirmed, gate.ProjectID, "payment_gate", gate.ID, conf.AuthorizedBy, events.EventPayload{
		"to_state":       gate.ToState,
		"transaction_id": conf.TransactionID,
		"payment_method": conf.PaymentMethod,
		"authorized_by":  conf.AuthorizedBy,
	}); err != nil {
		return domain.PaymentGate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentGate{}, err
	}
	gate.Status = domain.GateConfirmed
	gate.TransactionID = &txnID
	gate.ProcessedAt = &now
	resStr := string(resolution)
	gate.ResolutionJSON = &resStr
	return gate, nil
}

// RejectGate is the explicit human rejection path. Like confirmation it is
// irreversible and audited.
func (v Validator) RejectGate(ctx context.Context, gateID, reason, authorizedBy string) (domain.PaymentGate, error) {
	if reason == "" {
		return domain.PaymentGate{}, RejectionError{Code: RejectMissingField, Reason: "reason is required"}
	}
	if authorizedBy == "" {
		return domain.PaymentGate{}, RejectionError{Code: RejectMissingField, Reason: "authorized_by is required"}
	}
	gate, err := v.Repo.GetGate(ctx, gateID)
	if err != nil {
		return domain.PaymentGate{}, err
	}
	if gate.Status != domain.GatePending {
		return domain.PaymentGate{}, RejectionError{Code: RejectNotPending, Reason: fmt.Sprintf("gate %s already %s", gateID, gate.Status)}
	}
	now := v.now().UTC().Format(time.RFC3339)
	resolution, err := json.Marshal(events.Redact(events.EventPayload{
		"rejected_by": authorizedBy,
		"reason":      reason,
		"rejected_at": now,
	}))
	if err != nil {
		return domain.PaymentGate{}, fmt.Errorf("marshal gate resolution: %w", err)
	}
	tx, err := v.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentGate{}, err
	}
	defer tx.Rollback()
	if err := v.Repo.ResolveGate(ctx, tx, gate.ID, domain.GateRejected, nil, now, string(resolution)); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PaymentGate{}, RejectionError{Code: RejectNotPending, Reason: "gate already processed"}
		}
		return domain.PaymentGate{}, err
	}
	if err := v.Events.Append(ctx, tx, events.TypeGateRejected, gate.ProjectID, "payment_gate", gate.ID, authorizedBy, events.EventPayload{
		"to_state": gate.ToState,
		"reason":   reason,
	}); err != nil {
		return domain.PaymentGate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentGate{}, err
	}
	gate.Status = domain.GateRejected
	gate.ProcessedAt = &now
	resStr := string(resolution)
	gate.ResolutionJSON = &resStr
	return gate, nil
}
