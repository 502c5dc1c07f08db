// Package local implements every provider capability on tables in the workspace
// database, so a workspace runs end to end without external services.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"projectflow/internal/domain"
	"projectflow/internal/provider"
)

type base struct {
	DB  *sql.DB
	Now func() time.Time
}

func (b base) now() string {
	if b.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return b.Now().UTC().Format(time.RFC3339)
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func notFound(op, id string) error {
	return &provider.Error{Op: op + " " + id, Status: 404, Err: provider.ErrNotFound}
}

// NewSet returns local implementations sharing db. owner receives the owner grant
// on everything created.
func NewSet(db *sql.DB, owner string) provider.Set {
	b := base{DB: db, Now: time.Now}
	return provider.Set{
		Documents: &Documents{base: b},
		Folders:   &Folders{base: b, Owner: owner},
		Calendar:  &Calendar{base: b},
		Mail:      &Outbox{base: b},
		Forms:     &Forms{base: b},
	}
}

type Folders struct {
	base
	Owner string
}

func NewFolders(db *sql.DB, owner string) *Folders {
	return &Folders{base: base{DB: db, Now: time.Now}, Owner: owner}
}

func (f *Folders) Create(ctx context.Context, parentID, name string) (string, error) {
	if parentID != "" {
		ok, err := f.Exists(ctx, parentID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", notFound("create folder under", parentID)
		}
	}
	id := newID("fld")
	tx, err := f.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO local_folders(id,parent_id,name,created_at) VALUES (?,?,?,?)`, id, nullable(parentID), name, f.now()); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	if f.Owner != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO local_grants(resource_id,address,role) VALUES (?,?,?)`, id, f.Owner, string(domain.RoleOwner)); err != nil {
			return "", err
		}
	}
	return id, tx.Commit()
}

// Share grants role unless address already holds an equal or higher role.
func (f *Folders) Share(ctx context.Context, folderID, address string, role domain.Role, suppressNotification bool) error {
	grants, err := f.ListGrants(ctx, folderID)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if strings.EqualFold(g.Address, address) && g.Role.Rank() >= role.Rank() {
			return nil
		}
	}
	return f.AddGrant(ctx, folderID, address, role)
}

func (f *Folders) ListGrants(ctx context.Context, id string) ([]domain.Grant, error) {
	ok, err := f.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("list grants", id)
	}
	rows, err := f.DB.QueryContext(ctx, `SELECT address, role FROM local_grants WHERE resource_id=? ORDER BY address`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Grant
	for rows.Next() {
		var g domain.Grant
		var role string
		if err := rows.Scan(&g.Address, &role); err != nil {
			return nil, err
		}
		g.Role = domain.Role(role)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (f *Folders) AddGrant(ctx context.Context, id, address string, role domain.Role) error {
	_, err := f.DB.ExecContext(ctx, `INSERT INTO local_grants(resource_id,address,role) VALUES (?,?,?)
		ON CONFLICT(resource_id,address) DO UPDATE SET role=excluded.role WHERE local_grants.role<>'Owner'`, id, address, string(role))
	return err
}

func (f *Folders) RemoveGrant(ctx context.Context, id, address string) error {
	_, err := f.DB.ExecContext(ctx, `DELETE FROM local_grants WHERE resource_id=? AND address=? AND role<>'Owner'`, id, address)
	return err
}

// Exists reports whether id is a folder, a file or a registered resource.
func (f *Folders) Exists(ctx context.Context, id string) (bool, error) {
	return resourceExists(ctx, f.DB, id)
}

func (f *Folders) Link(id string) string { return "projectflow://folders/" + id }

// RegisterResource records a shareable id that is neither folder nor file, like the
// record store, and grants the owner on it.
func (f *Folders) RegisterResource(ctx context.Context, id string) error {
	_, err := f.DB.ExecContext(ctx, `INSERT INTO local_grants(resource_id,address,role) VALUES (?,?,?) ON CONFLICT DO NOTHING`, id, f.Owner, string(domain.RoleOwner))
	return err
}

func resourceExists(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM local_folders WHERE id=?) +
		(SELECT COUNT(*) FROM local_files WHERE id=?) +
		(SELECT COUNT(*) FROM local_grants WHERE resource_id=? AND role='Owner')`, id, id, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type Documents struct {
	base
}

func NewDocuments(db *sql.DB) *Documents {
	return &Documents{base: base{DB: db, Now: time.Now}}
}

// CreateTemplate stores a blank template file and returns its id.
func (d *Documents) CreateTemplate(ctx context.Context, name string) (string, error) {
	id := newID("tpl")
	_, err := d.DB.ExecContext(ctx, `INSERT INTO local_files(id,folder_id,name,template_id,fields_json,created_at) VALUES (?,NULL,?,NULL,'{}',?)`, id, name, d.now())
	return id, err
}

func (d *Documents) Copy(ctx context.Context, templateID, name, parentFolderID string) (string, error) {
	var fields string
	err := d.DB.QueryRowContext(ctx, `SELECT fields_json FROM local_files WHERE id=?`, templateID).Scan(&fields)
	if err == sql.ErrNoRows {
		return "", notFound("copy template", templateID)
	}
	if err != nil {
		return "", err
	}
	id := newID("doc")
	if _, err := d.DB.ExecContext(ctx, `INSERT INTO local_files(id,folder_id,name,template_id,fields_json,created_at) VALUES (?,?,?,?,?,?)`,
		id, nullable(parentFolderID), name, templateID, fields, d.now()); err != nil {
		return "", fmt.Errorf("copy template: %w", err)
	}
	return id, nil
}

func (d *Documents) WriteFields(ctx context.Context, fileID string, fields map[string]string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT fields_json FROM local_files WHERE id=?`, fileID).Scan(&raw)
	if err == sql.ErrNoRows {
		return notFound("write fields", fileID)
	}
	if err != nil {
		return err
	}
	current := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return fmt.Errorf("decode fields of %s: %w", fileID, err)
		}
	}
	for k, v := range fields {
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE local_files SET fields_json=? WHERE id=?`, string(data), fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// Fields returns the current field map of a file.
func (d *Documents) Fields(ctx context.Context, fileID string) (map[string]string, error) {
	var raw string
	err := d.DB.QueryRowContext(ctx, `SELECT fields_json FROM local_files WHERE id=?`, fileID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, notFound("fields", fileID)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	return out, json.Unmarshal([]byte(raw), &out)
}

func (d *Documents) Exists(ctx context.Context, id string) (bool, error) {
	return resourceExists(ctx, d.DB, id)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
