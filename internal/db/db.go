package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".projectflow"
	defaultDBName = "projectflow.db"
	lockName      = "automation.lock"
)

type Config struct {
	Workspace string
}

func root(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := root(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. The pool is a single
// connection; callers must not query outside an open transaction they hold.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(root(workspace), defaultDBName)
}

// LockPath returns the cross-process automation lock file for the workspace.
func LockPath(workspace string) string {
	return filepath.Join(root(workspace), lockName)
}

// BackupDir returns the default backup directory for the workspace.
func BackupDir(workspace string) string {
	return filepath.Join(root(workspace), "backups")
}
