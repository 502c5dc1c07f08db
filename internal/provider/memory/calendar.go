package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"projectflow/internal/provider"
)

type Calendar struct {
	Faults

	mu     sync.Mutex
	events map[string]provider.CalendarEvent
	seq    int
}

func NewCalendar() *Calendar {
	return &Calendar{events: map[string]provider.CalendarEvent{}}
}

func (c *Calendar) CreateAllDayEvent(ctx context.Context, title string, date time.Time, description string, guests []string) (string, error) {
	if err := c.hit("create"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := fmt.Sprintf("event-%d", c.seq)
	c.events[id] = provider.CalendarEvent{ID: id, Title: title, Date: date, Description: description, Guests: append([]string(nil), guests...)}
	return id, nil
}

func (c *Calendar) GetEvent(ctx context.Context, id string) (provider.CalendarEvent, error) {
	if err := c.hit("get"); err != nil {
		return provider.CalendarEvent{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return provider.CalendarEvent{}, &provider.Error{Op: "get event " + id, Status: 404, Err: provider.ErrNotFound}
	}
	ev.Guests = append([]string(nil), ev.Guests...)
	return ev, nil
}

func (c *Calendar) update(op, id string, fn func(*provider.CalendarEvent)) error {
	if err := c.hit(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return &provider.Error{Op: op + " " + id, Status: 404, Err: provider.ErrNotFound}
	}
	fn(&ev)
	c.events[id] = ev
	return nil
}

func (c *Calendar) UpdateTitle(ctx context.Context, id, title string) error {
	return c.update("update_title", id, func(ev *provider.CalendarEvent) { ev.Title = title })
}

func (c *Calendar) UpdateDate(ctx context.Context, id string, date time.Time) error {
	return c.update("update_date", id, func(ev *provider.CalendarEvent) { ev.Date = date })
}

func (c *Calendar) UpdateDescription(ctx context.Context, id, description string) error {
	return c.update("update_description", id, func(ev *provider.CalendarEvent) { ev.Description = description })
}

func (c *Calendar) UpdateGuests(ctx context.Context, id string, guests []string) error {
	return c.update("update_guests", id, func(ev *provider.CalendarEvent) { ev.Guests = append([]string(nil), guests...) })
}

func (c *Calendar) DeleteEvent(ctx context.Context, id string) error {
	if err := c.hit("delete"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[id]; !ok {
		return &provider.Error{Op: "delete event " + id, Status: 404, Err: provider.ErrNotFound}
	}
	delete(c.events, id)
	return nil
}

// Put stores ev directly, replacing any event with the same id.
func (c *Calendar) Put(ev provider.CalendarEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[ev.ID] = ev
}

func (c *Calendar) Event(id string) (provider.CalendarEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	return ev, ok
}

func (c *Calendar) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
