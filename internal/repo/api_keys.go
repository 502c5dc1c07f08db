package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"projectflow/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	scopes, err := json.Marshal(nonNil(key.Scopes))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, scopes_json, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), string(scopes), key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value and stamps its last use.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, actor_id, COALESCE(name,''), scopes_json, key_hash, created_at, COALESCE(last_used_at,'') FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	key, err := scanAPIKey(row.Scan)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	_, _ = r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, time.Now().UTC().Format(time.RFC3339), key.ID)
	return key, nil
}

// ListAPIKeys returns API keys, newest first.
func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, actor_id, COALESCE(name,''), scopes_json, key_hash, created_at, COALESCE(last_used_at,'') FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var key domain.APIKey
	var scopes string
	if err := scan(&key.ID, &key.ActorID, &key.Name, &scopes, &key.KeyHash, &key.CreatedAt, &key.LastUsedAt); err != nil {
		return domain.APIKey{}, err
	}
	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &key.Scopes); err != nil {
			return domain.APIKey{}, err
		}
	}
	return key, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
