package repo

import (
	"context"
	"fmt"
)

// LoadSnapshot returns the project id -> project status pairs from the last sweep.
func (r Repo) LoadSnapshot(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id, project_status FROM status_snapshot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

// ReplaceSnapshot swaps the whole snapshot table for entries.
func (r Repo) ReplaceSnapshot(ctx context.Context, entries map[string]string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM status_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	for id, status := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO status_snapshot(project_id, project_status) VALUES (?,?)`, id, status); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", id, err)
		}
	}
	return tx.Commit()
}
