// Package events owns the append-only audit trail. Entries are written once,
// in operation-completion order, and never edited or removed.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types emitted by the core. The vocabulary is closed: external
// observers (webhooks, reports) can rely on this set.
const (
	TypeProjectInit         = "project.init"
	TypeDecisionRequested   = "decision.requested"
	TypeDecisionRecorded    = "decision.recorded"
	TypeDecisionRejected    = "decision.rejected"
	TypeTransitionCompleted = "state.transition.completed"
	TypeTransitionBlocked   = "state.transition.blocked"
	TypeGateCreated         = "paygate.created"
	TypeGatePresented       = "paygate.presented"
	TypeGateConfirmed       = "paygate.confirmed"
	TypeGateRejected        = "paygate.rejected"
	TypeEvidenceRecorded    = "evidence.recorded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// sensitiveFields are redacted from any payload before it reaches the audit
// trail. Redaction happens once, at write time, never retroactively. The
// transaction ID is deliberately not listed: it is the non-repudiable proof.
var sensitiveFields = map[string]bool{
	"payment_method":     true,
	"authorized_by":      true,
	"account_number":     true,
	"card_number":        true,
	"payment_details":    true,
	"confirmation_notes": true,
}

// Redact returns a copy of payload with sensitive fields masked.
func Redact(payload EventPayload) EventPayload {
	if payload == nil {
		return nil
	}
	out := make(EventPayload, len(payload))
	for k, v := range payload {
		if sensitiveFields[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// Append writes one audit entry inside the caller's transaction. The payload
// passes through the redaction transform; snapshot may be empty.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.AppendWithSnapshot(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload, "")
}

// AppendWithSnapshot writes one audit entry carrying a serialized system
// state snapshot alongside the payload.
func (w Writer) AppendWithSnapshot(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload, snapshot string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(Redact(payload))
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json,state_snapshot) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data), nullable(snapshot))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
