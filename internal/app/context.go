package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stagegate/internal/config"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project +
// config exist in the database, seeding defaults if missing. It prefers the
// override, then falls back to the single project in the DB. A project that
// does not exist yet is created on the fly at POC/L1.
func ResolveProjectAndConfig(ctx context.Context, conn *sql.DB, projectOverride, actorID string) (string, *config.Config, error) {
	r := repo.Repo{DB: conn}
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	if actorID == "" {
		actorID = "local-user"
	}
	seedCfg := config.Default(projectID)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		e := engine.New(conn, seedCfg)
		if _, err := e.InitProject(ctx, projectID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("create project: %w", err)
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
