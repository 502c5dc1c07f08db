package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeTransition      = "record.transition"
	TypeIntake          = "record.intake"
	TypeStatusEdit      = "record.status_edit"
	TypeSweep           = "maintenance.sweep"
	TypePermissionsSync = "permissions.sync"
)

// Writer appends audit rows to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. With a nil tx the write autocommits on w.DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
		return err
	}
	if w.DB == nil {
		return nil
	}
	_, err = w.DB.ExecContext(ctx, q, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
