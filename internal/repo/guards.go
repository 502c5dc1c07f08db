package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertRowGuard stores the allowed automation status values for one row.
func (r Repo) UpsertRowGuard(ctx context.Context, row int, allowed []string) error {
	return upsertRowGuard(ctx, r.DB, row, allowed)
}

// ReplaceRowGuards rewrites the guard table for every row in guards.
func (r Repo) ReplaceRowGuards(ctx context.Context, guards map[int][]string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM row_guards`); err != nil {
		return err
	}
	for row, allowed := range guards {
		if err := upsertRowGuard(ctx, tx, row, allowed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RowGuard returns the stored allowed values for row.
func (r Repo) RowGuard(ctx context.Context, row int) ([]string, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT allowed_json FROM row_guards WHERE row_num=?`, row).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var allowed []string
	if err := json.Unmarshal([]byte(raw), &allowed); err != nil {
		return nil, fmt.Errorf("decode guard for row %d: %w", row, err)
	}
	return allowed, nil
}

func upsertRowGuard(ctx context.Context, db execer, row int, allowed []string) error {
	if allowed == nil {
		allowed = []string{}
	}
	data, err := json.Marshal(allowed)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO row_guards(row_num,allowed_json,updated_at) VALUES (?,?,?)
		ON CONFLICT(row_num) DO UPDATE SET allowed_json=excluded.allowed_json, updated_at=excluded.updated_at`,
		row, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert guard for row %d: %w", row, err)
	}
	return nil
}
