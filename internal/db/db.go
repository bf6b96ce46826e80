// Package db opens the per-workspace SQLite database. All stagegate state for
// a workspace lives in a single file under .stagegate/.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = "stagegate.db"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .stagegate directory if missing and returns its
// path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".stagegate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".stagegate", dbFile)
}

// Open ensures the workspace exists and opens its database with foreign keys
// enforced.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}
