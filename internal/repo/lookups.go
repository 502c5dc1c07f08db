package repo

import (
	"context"
	"database/sql"
	"fmt"

	"projectflow/internal/domain"
)

func (r Repo) ListReminderLabels(ctx context.Context) ([]domain.ReminderLabel, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT offset_days, label FROM reminder_labels ORDER BY offset_days`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReminderLabel
	for rows.Next() {
		var l domain.ReminderLabel
		if err := rows.Scan(&l.Offset, &l.Label); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r Repo) UpsertReminderLabel(ctx context.Context, tx *sql.Tx, l domain.ReminderLabel) error {
	if l.Offset < 0 {
		return fmt.Errorf("reminder offset %d must not be negative", l.Offset)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO reminder_labels(offset_days,label) VALUES (?,?)
		ON CONFLICT(offset_days) DO UPDATE SET label=excluded.label`, l.Offset, l.Label)
	return err
}

func (r Repo) ListIntakeAliases(ctx context.Context) ([]domain.IntakeAlias, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT alias, key FROM intake_aliases ORDER BY key, alias`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.IntakeAlias
	for rows.Next() {
		var a domain.IntakeAlias
		if err := rows.Scan(&a.Alias, &a.Key); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) UpsertIntakeAlias(ctx context.Context, tx *sql.Tx, a domain.IntakeAlias) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO intake_aliases(alias,key) VALUES (?,?)
		ON CONFLICT(alias) DO UPDATE SET key=excluded.key`, a.Alias, a.Key)
	return err
}

// MailTemplate implements the notification template source. found is false when no
// row overrides the built-in template.
func (r Repo) MailTemplate(ctx context.Context, name string) (domain.MailTemplate, bool, error) {
	t := domain.MailTemplate{Name: name}
	err := r.DB.QueryRowContext(ctx, `SELECT subject, body FROM mail_templates WHERE name=?`, name).Scan(&t.Subject, &t.Body)
	if err == sql.ErrNoRows {
		return domain.MailTemplate{}, false, nil
	}
	if err != nil {
		return domain.MailTemplate{}, false, err
	}
	return t, true, nil
}

func (r Repo) UpsertMailTemplate(ctx context.Context, tx *sql.Tx, t domain.MailTemplate) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO mail_templates(name,subject,body) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET subject=excluded.subject, body=excluded.body`, t.Name, t.Subject, t.Body)
	return err
}

// SaveMailTemplate upserts one template outside a transaction.
func (r Repo) SaveMailTemplate(ctx context.Context, t domain.MailTemplate) error {
	return r.UpsertMailTemplate(ctx, nil, t)
}
