package repo

import (
	"context"

	"projectflow/internal/domain"
)

// TailEvents returns the newest events, optionally filtered by entity id, oldest first.
func (r Repo) TailEvents(ctx context.Context, limit int, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// EventsAfter returns up to limit events with id greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the id of the newest event, or 0 when there is none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
