package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/repo"
)

// StateChange is one executed transition reconstructed from the audit trail.
type StateChange struct {
	TS            string `json:"ts" format:"date-time"`
	FromState     string `json:"from_state"`
	ToState       string `json:"to_state"`
	Transition    string `json:"transition"`
	Type          string `json:"type"`
	ActorID       string `json:"actor_id"`
	Justification string `json:"justification,omitempty"`
}

// Report is an on-demand aggregation over a project's audit trail. It is
// never stored; every call recomputes from the append-only events.
type Report struct {
	ProjectID       string                `json:"project_id"`
	GeneratedAt     string                `json:"generated_at" format:"date-time"`
	TotalEvents     int64                 `json:"total_events"`
	FirstEventTS    string                `json:"first_event_ts,omitempty" format:"date-time"`
	LastEventTS     string                `json:"last_event_ts,omitempty" format:"date-time"`
	EventTypeCounts map[string]int64      `json:"event_type_counts"`
	StateHistory    []StateChange         `json:"state_history"`
	CurrentState    *domain.MaturityState `json:"current_state,omitempty"`
}

// Generate builds a report for one project. The current state is omitted when
// the project has no state row yet; the trail itself still reports.
func Generate(ctx context.Context, r repo.Repo, projectID string, now func() time.Time) (Report, error) {
	if now == nil {
		now = time.Now
	}
	trail, err := r.AuditTrail(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		ProjectID:       projectID,
		GeneratedAt:     now().UTC().Format(time.RFC3339),
		TotalEvents:     int64(len(trail)),
		EventTypeCounts: map[string]int64{},
		StateHistory:    []StateChange{},
	}
	if len(trail) > 0 {
		rep.FirstEventTS = trail[0].TS
		rep.LastEventTS = trail[len(trail)-1].TS
	}
	for _, entry := range trail {
		rep.EventTypeCounts[entry.Type]++
		if entry.Type != events.TypeTransitionCompleted {
			continue
		}
		var payload struct {
			PreviousState string `json:"previous_state"`
			NewState      string `json:"new_state"`
			Transition    string `json:"transition"`
			Type          string `json:"type"`
			Justification string `json:"justification"`
		}
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			continue
		}
		rep.StateHistory = append(rep.StateHistory, StateChange{
			TS:            entry.TS,
			FromState:     payload.PreviousState,
			ToState:       payload.NewState,
			Transition:    payload.Transition,
			Type:          payload.Type,
			ActorID:       entry.ActorID,
			Justification: payload.Justification,
		})
	}
	state, err := r.GetState(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return Report{}, err
		}
	} else {
		rep.CurrentState = &state
	}
	return rep, nil
}
