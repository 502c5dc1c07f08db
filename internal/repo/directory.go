package repo

import (
	"context"
	"errors"
	"strings"

	"projectflow/internal/domain"
)

func (r Repo) ListDirectory(ctx context.Context) ([]domain.DirectoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, address, active, global_access, main_role_override, folder_scope_override FROM directory ORDER BY name, address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DirectoryEntry
	for rows.Next() {
		var e domain.DirectoryEntry
		var active, global, main, scope string
		if err := rows.Scan(&e.Name, &e.Address, &active, &global, &main, &scope); err != nil {
			return nil, err
		}
		e.Active = domain.ActiveFlag(active)
		e.GlobalAccess = domain.Role(global)
		e.MainRoleOverride = domain.Role(main)
		e.FolderScopeOverride = domain.FolderScope(scope)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertDirectoryEntry inserts or replaces the entry keyed by address.
func (r Repo) UpsertDirectoryEntry(ctx context.Context, e domain.DirectoryEntry) error {
	if strings.TrimSpace(e.Address) == "" {
		return errors.New("directory address required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO directory(address,name,active,global_access,main_role_override,folder_scope_override)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(address) DO UPDATE SET name=excluded.name, active=excluded.active, global_access=excluded.global_access,
			main_role_override=excluded.main_role_override, folder_scope_override=excluded.folder_scope_override`,
		strings.TrimSpace(e.Address), strings.TrimSpace(e.Name), string(e.Active), string(e.GlobalAccess),
		string(e.MainRoleOverride), string(e.FolderScopeOverride))
	return err
}

func (r Repo) DeleteDirectoryEntry(ctx context.Context, address string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM directory WHERE address=?`, address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
