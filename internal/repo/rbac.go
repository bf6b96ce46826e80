package repo

import (
	"context"
	"database/sql"
)

// RBAC writes are idempotent upserts so role bootstrap can run repeatedly.

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	return r.upsert(ctx, tx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	return r.upsert(ctx, tx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	return r.upsert(ctx, tx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	return r.upsert(ctx, tx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	return r.upsert(ctx, tx, `INSERT OR IGNORE INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?)`, projectID, actorID, roleID)
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	return r.upsert(ctx, tx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID)
}

func (r Repo) upsert(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
