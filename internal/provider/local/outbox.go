package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"projectflow/internal/provider"
)

// Outbox records outgoing mail in local_outbox instead of delivering it.
type Outbox struct {
	base
}

func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{base: base{DB: db, Now: time.Now}}
}

func (o *Outbox) Send(ctx context.Context, msg provider.Message) error {
	if len(msg.To) == 0 {
		return &provider.Error{Op: "send", Err: fmt.Errorf("no recipients for %q", msg.Subject)}
	}
	to, err := json.Marshal(msg.To)
	if err != nil {
		return err
	}
	cc, err := json.Marshal(nonNil(msg.Cc))
	if err != nil {
		return err
	}
	_, err = o.DB.ExecContext(ctx, `INSERT INTO local_outbox(to_json,cc_json,subject,body,sent_at) VALUES (?,?,?,?,?)`,
		string(to), string(cc), msg.Subject, msg.Body, o.now())
	return err
}

// Recent returns the newest limit messages, newest first.
func (o *Outbox) Recent(ctx context.Context, limit int) ([]provider.Message, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT to_json, cc_json, subject, body FROM local_outbox ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []provider.Message
	for rows.Next() {
		var to, cc string
		var m provider.Message
		if err := rows.Scan(&to, &cc, &m.Subject, &m.Body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(to), &m.To); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cc), &m.Cc); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Forms is a queue of form responses waiting for intake.
type Forms struct {
	base
}

func NewForms(db *sql.DB) *Forms {
	return &Forms{base: base{DB: db, Now: time.Now}}
}

// Enqueue stores a raw response and returns its id.
func (f *Forms) Enqueue(ctx context.Context, named map[string]string, raw []string) (string, error) {
	if named == nil {
		named = map[string]string{}
	}
	n, err := json.Marshal(named)
	if err != nil {
		return "", err
	}
	r, err := json.Marshal(nonNil(raw))
	if err != nil {
		return "", err
	}
	id := newID("frm")
	_, err = f.DB.ExecContext(ctx, `INSERT INTO form_responses(id,named_json,raw_json,received_at) VALUES (?,?,?,?)`, id, string(n), string(r), f.now())
	return id, err
}

func (f *Forms) Pending(ctx context.Context) ([]provider.Submission, error) {
	rows, err := f.DB.QueryContext(ctx, `SELECT id, named_json, raw_json, received_at FROM form_responses WHERE acked_at IS NULL ORDER BY received_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []provider.Submission
	for rows.Next() {
		var s provider.Submission
		var named, raw, received string
		if err := rows.Scan(&s.ID, &named, &raw, &received); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(named), &s.NamedFields); err != nil {
			return nil, fmt.Errorf("response %s: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(raw), &s.RawValues); err != nil {
			return nil, fmt.Errorf("response %s: %w", s.ID, err)
		}
		s.ReceivedAt, _ = time.Parse(time.RFC3339, received)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (f *Forms) Ack(ctx context.Context, id string) error {
	res, err := f.DB.ExecContext(ctx, `UPDATE form_responses SET acked_at=? WHERE id=? AND acked_at IS NULL`, f.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("ack response", id)
	}
	return nil
}
