package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupPrefix = "projectflow-"

// Backups writes point-in-time copies of the workspace database and prunes old ones.
type Backups struct {
	Repo Repo
	Dir  string
	Keep int
	Now  func() time.Time
}

// Backup copies the database with VACUUM INTO and keeps the newest Keep files.
func (b Backups) Backup(ctx context.Context) (string, error) {
	if b.Dir == "" {
		return "", fmt.Errorf("backup dir not configured")
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return "", err
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	path := filepath.Join(b.Dir, backupPrefix+now().UTC().Format("20060102-150405")+".db")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if _, err := b.Repo.DB.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := b.prune(); err != nil {
		return path, err
	}
	return path, nil
}

func (b Backups) prune() error {
	if b.Keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for len(names) > b.Keep {
		if err := os.Remove(filepath.Join(b.Dir, names[0])); err != nil {
			return fmt.Errorf("prune backup: %w", err)
		}
		names = names[1:]
	}
	return nil
}
