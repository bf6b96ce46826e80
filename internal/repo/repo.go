package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"stagegate/internal/config"
	"stagegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id)
	var p domain.Project
	err := row.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, id, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	query := `UPDATE projects SET `
	for i, f := range fields {
		if i > 0 {
			query += ","
		}
		query += f
	}
	query += ` WHERE id=?`
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- maturity state ---

func scanState(row *sql.Row) (domain.MaturityState, error) {
	var s domain.MaturityState
	var pending int
	var meta sql.NullString
	err := row.Scan(&s.ProjectID, &s.Level, &s.Checkpoint, &s.Status, &pending, &meta, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.DecisionPending = pending != 0
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &s.Metadata)
	}
	return s, nil
}

const stateColumns = `project_id,level,checkpoint,status,decision_pending,metadata_json,updated_at`

func (r Repo) GetState(ctx context.Context, projectID string) (domain.MaturityState, error) {
	return scanState(r.DB.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM maturity_states WHERE project_id=?`, projectID))
}

// GetStateTx reads the current state inside a transaction so decision-window
// checks and updates are atomic.
func (r Repo) GetStateTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.MaturityState, error) {
	return scanState(tx.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM maturity_states WHERE project_id=?`, projectID))
}

func (r Repo) InsertState(ctx context.Context, tx *sql.Tx, s domain.MaturityState) error {
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO maturity_states(project_id,level,checkpoint,status,decision_pending,metadata_json,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ProjectID, s.Level, s.Checkpoint, s.Status, boolToInt(s.DecisionPending), meta, s.UpdatedAt)
	return err
}

// ReplaceState overwrites the single current state row for the project.
func (r Repo) ReplaceState(ctx context.Context, tx *sql.Tx, s domain.MaturityState) error {
	meta, err := marshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE maturity_states SET level=?,checkpoint=?,status=?,decision_pending=?,metadata_json=?,updated_at=? WHERE project_id=?`,
		s.Level, s.Checkpoint, s.Status, boolToInt(s.DecisionPending), meta, s.UpdatedAt, s.ProjectID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDecisionPending flips the single decision-window flag.
func (r Repo) SetDecisionPending(ctx context.Context, tx *sql.Tx, projectID string, pending bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE maturity_states SET decision_pending=?,updated_at=? WHERE project_id=?`,
		boolToInt(pending), updatedAt, projectID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal state metadata: %w", err)
	}
	return string(b), nil
}

// --- evidence ---

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(id,project_id,requirement,category,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.ProjectID, ev.Requirement, ev.Category, ev.ActorID, ev.TS, nullable(ev.PayloadJSON))
	return err
}

func (r Repo) ListEvidence(ctx context.Context, projectID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,requirement,category,actor_id,ts,COALESCE(payload_json,'') FROM evidence WHERE project_id=? ORDER BY ts`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.Requirement, &ev.Category, &ev.ActorID, &ev.TS, &ev.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// EvidenceRequirements returns the distinct requirement names with recorded
// evidence for the project.
func (r Repo) EvidenceRequirements(ctx context.Context, projectID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT requirement FROM evidence WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var req string
		if err := rows.Scan(&req); err != nil {
			return nil, err
		}
		found[req] = true
	}
	return found, rows.Err()
}

// --- audit trail (read side; writes go through events.Writer) ---

const auditColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json,COALESCE(state_snapshot,'')`

func scanAuditRows(rows *sql.Rows) ([]domain.AuditEntry, error) {
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload, &e.StateSnapshot); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditTrail returns the full ordered trail for a project.
func (r Repo) AuditTrail(ctx context.Context, projectID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	return scanAuditRows(rows)
}

// EventsAfter returns up to limit entries with id greater than cursor, used
// by the webhook dispatcher and log tailing.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE id>?`
	args := []any{cursor}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAuditRows(rows)
}

// LatestEventsFrom pages the trail newest-first with optional filters; cursor
// is an exclusive upper bound on the entry id.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAuditRows(rows)
}

// LatestEventID returns the newest audit entry id for a project, zero when
// the trail is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// AuditCount returns the trail length for a project.
func (r Repo) AuditCount(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// --- project config ---

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	now := timeNowRFC3339()
	_, err = tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, projectID, string(raw), now)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
