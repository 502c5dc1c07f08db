package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Repo groups the hand-written queries over the workspace database.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// WithTx runs fn in a transaction and commits when fn returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfigEntries returns the flat key -> value configuration table.
func (r Repo) ConfigEntries(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, value FROM config_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// GetConfig reads one configuration value. ok is false when the key is absent.
func (r Repo) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM config_entries WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetConfig writes one configuration value in its own autocommitted statement so the
// change is visible to other processes as soon as it returns.
func (r Repo) SetConfig(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("config key required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO config_entries(key,value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// SeedConfig inserts defaults for keys that are not set yet.
func (r Repo) SeedConfig(ctx context.Context, tx *sql.Tx, entries map[string]string) error {
	for k, v := range entries {
		if _, err := r.conn(tx).ExecContext(ctx, `INSERT INTO config_entries(key,value) VALUES (?,?) ON CONFLICT(key) DO NOTHING`, k, v); err != nil {
			return fmt.Errorf("seed config %s: %w", k, err)
		}
	}
	return nil
}

func (r Repo) DeleteConfig(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM config_entries WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfigTable adapts Repo to the allocator's serial store.
type ConfigTable struct {
	Repo Repo
}

func (c ConfigTable) Get(ctx context.Context, key string) (string, bool, error) {
	return c.Repo.GetConfig(ctx, key)
}

func (c ConfigTable) Set(ctx context.Context, key, value string) error {
	return c.Repo.SetConfig(ctx, key, value)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
