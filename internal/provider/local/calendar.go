package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"projectflow/internal/provider"
)

const dateLayout = "2006-01-02"

// Calendar stores all-day events in local_events.
type Calendar struct {
	base
}

func NewCalendar(db *sql.DB) *Calendar {
	return &Calendar{base: base{DB: db, Now: time.Now}}
}

func (c *Calendar) CreateAllDayEvent(ctx context.Context, title string, date time.Time, description string, guests []string) (string, error) {
	data, err := json.Marshal(nonNil(guests))
	if err != nil {
		return "", err
	}
	id := newID("evt")
	if _, err := c.DB.ExecContext(ctx, `INSERT INTO local_events(id,title,event_date,description,guests_json,created_at) VALUES (?,?,?,?,?,?)`,
		id, title, date.Format(dateLayout), description, string(data), c.now()); err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return id, nil
}

func (c *Calendar) GetEvent(ctx context.Context, id string) (provider.CalendarEvent, error) {
	ev := provider.CalendarEvent{ID: id}
	var date, guests string
	err := c.DB.QueryRowContext(ctx, `SELECT title, event_date, description, guests_json FROM local_events WHERE id=?`, id).
		Scan(&ev.Title, &date, &ev.Description, &guests)
	if err == sql.ErrNoRows {
		return provider.CalendarEvent{}, notFound("get event", id)
	}
	if err != nil {
		return provider.CalendarEvent{}, err
	}
	if ev.Date, err = time.Parse(dateLayout, date); err != nil {
		return provider.CalendarEvent{}, fmt.Errorf("event %s date: %w", id, err)
	}
	if err := json.Unmarshal([]byte(guests), &ev.Guests); err != nil {
		return provider.CalendarEvent{}, fmt.Errorf("event %s guests: %w", id, err)
	}
	return ev, nil
}

func (c *Calendar) update(ctx context.Context, op, id, column string, value any) error {
	res, err := c.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE local_events SET %s=? WHERE id=?`, column), value, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, id)
	}
	return nil
}

func (c *Calendar) UpdateTitle(ctx context.Context, id, title string) error {
	return c.update(ctx, "update title", id, "title", title)
}

func (c *Calendar) UpdateDate(ctx context.Context, id string, date time.Time) error {
	return c.update(ctx, "update date", id, "event_date", date.Format(dateLayout))
}

func (c *Calendar) UpdateDescription(ctx context.Context, id, description string) error {
	return c.update(ctx, "update description", id, "description", description)
}

func (c *Calendar) UpdateGuests(ctx context.Context, id string, guests []string) error {
	data, err := json.Marshal(nonNil(guests))
	if err != nil {
		return err
	}
	return c.update(ctx, "update guests", id, "guests_json", string(data))
}

func (c *Calendar) DeleteEvent(ctx context.Context, id string) error {
	res, err := c.DB.ExecContext(ctx, `DELETE FROM local_events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("delete event", id)
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
