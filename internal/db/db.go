package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// All persistent state lives in one SQLite file under the workspace's
// .veriflow directory.
const (
	workspaceDir = ".veriflow"
	dbFile       = "veriflow.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .veriflow directory under the workspace and
// returns its path. An empty workspace means the current directory.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database with foreign keys enforced.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(dir, dbFile) + "?cache=shared&_pragma=foreign_keys(1)"
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, dbFile)
}
