package engine

import (
	"context"
	"fmt"
	"time"

	"stagegate/internal/engine/auth"
)

// Identity is the RBAC view of one actor on one project.
type Identity struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// WhoAmI resolves the roles and effective permissions of an actor.
func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (Identity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return Identity{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns a configured role to an actor. The granting actor needs
// rbac.manage on the project.
func (e Engine) GrantRole(ctx context.Context, projectID, grantedBy, actorID, roleID string) error {
	return e.changeRole(ctx, projectID, grantedBy, actorID, roleID, true)
}

// RevokeRole removes a role assignment. Revoking a role the actor does not
// hold is a no-op.
func (e Engine) RevokeRole(ctx context.Context, projectID, revokedBy, actorID, roleID string) error {
	return e.changeRole(ctx, projectID, revokedBy, actorID, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, projectID, by, actorID, roleID string, grant bool) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor_id and role_id are required")
	}
	if e.Config != nil {
		if _, ok := e.Config.RBAC.Roles[roleID]; !ok {
			return fmt.Errorf("unknown role %s", roleID)
		}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, by, "rbac.manage")
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if grant {
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
			return err
		}
	} else {
		if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
