package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"projectflow/internal/allocator"
	"projectflow/internal/domain"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

// validated holds the resolved inputs of a record that passed validation.
type validated struct {
	due        time.Time
	requester  string
	recipients []string
}

// validate checks every required field and reports all problems at once.
func (p *Processor) validate(rec *records.Record, requireID bool) (validated, error) {
	var v validated
	var problems []string
	if requireID && rec.ID() == "" {
		problems = append(problems, "project id is missing")
	}
	if strings.TrimSpace(rec.Name()) == "" {
		problems = append(problems, "project name is required")
	}
	due, ok, err := rec.DueDate()
	switch {
	case !ok:
		problems = append(problems, "due date is required")
	case err != nil:
		problems = append(problems, err.Error())
	default:
		v.due = due
	}
	requester := strings.TrimSpace(rec.Get(records.KeyRequestedBy))
	if requester == "" {
		problems = append(problems, "requested by is required")
	} else if addr, ok := p.Directory.ResolveToAddress(requester); ok {
		v.requester = addr
	} else {
		problems = append(problems, fmt.Sprintf("requester %q is not an address or a directory name", requester))
	}
	assignees := rec.Assignees()
	resolved, unresolved := p.Directory.ResolveAll(assignees)
	switch {
	case len(assignees) == 0:
		problems = append(problems, "at least one assignee is required")
	case len(resolved) == 0:
		problems = append(problems, fmt.Sprintf("no assignee could be resolved (%s)", strings.Join(unresolved, ", ")))
	case len(unresolved) > 0:
		p.logger().Warn("assignees not resolved", "row", rec.Row, "tokens", strings.Join(unresolved, ", "))
	}
	if len(problems) > 0 {
		return v, &ValidationError{Problems: problems}
	}
	v.recipients, _ = p.Directory.ResolveAll(append(resolved, v.requester))
	return v, nil
}

// checkpoint persists freshly recorded artifact ids so a crash mid-row resumes
// without duplicating them.
func (p *Processor) checkpoint(ctx context.Context, rec *records.Record) error {
	if _, err := p.Store.FlushDirty(ctx, []*records.Record{rec}); err != nil {
		return fmt.Errorf("checkpoint %s: %w", rec.Label(), err)
	}
	return nil
}

func title(rec *records.Record) string {
	return fmt.Sprintf("%s [%s]", strings.TrimSpace(rec.Name()), rec.ID())
}

func (p *Processor) mintID(ctx context.Context, rec *records.Record, due time.Time) error {
	if rec.ID() != "" {
		return nil
	}
	bucket := allocator.SchoolYearBucket(due, p.Settings.FiscalYearStartMonth)
	id, err := p.Allocator.Next(ctx, bucket)
	if err != nil {
		return fmt.Errorf("allocate id: %w", err)
	}
	rec.SetOnce(records.KeyID, id)
	if rec.Get(records.KeyCreatedAt) == "" {
		rec.Set(records.KeyCreatedAt, p.now().UTC().Format(time.RFC3339))
	}
	return p.checkpoint(ctx, rec)
}

func (p *Processor) ensureFolder(ctx context.Context, rec *records.Record) (string, error) {
	if id := rec.Get(records.KeyFolderID); id != "" {
		return id, nil
	}
	id, err := p.Providers.Folders.Create(ctx, p.Settings.ParentFolderID, title(rec))
	if err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	rec.SetOnce(records.KeyFolderID, id)
	return id, p.checkpoint(ctx, rec)
}

// ensureFile copies the template once and refreshes its fields on every run.
func (p *Processor) ensureFile(ctx context.Context, rec *records.Record, folderID string, v validated) error {
	fileID := rec.Get(records.KeyFileID)
	if fileID == "" {
		id, err := p.Providers.Documents.Copy(ctx, p.Settings.TemplateFileID, title(rec), folderID)
		if err != nil {
			return fmt.Errorf("copy template: %w", err)
		}
		rec.SetOnce(records.KeyFileID, id)
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
		fileID = id
	}
	if err := p.Providers.Documents.WriteFields(ctx, fileID, p.fileFields(rec, folderID, v)); err != nil {
		return fmt.Errorf("write file fields: %w", err)
	}
	return nil
}

func (p *Processor) fileFields(rec *records.Record, folderID string, v validated) map[string]string {
	return map[string]string{
		"id":           rec.ID(),
		"name":         rec.Name(),
		"category":     rec.Get(records.KeyCategory),
		"description":  rec.Get(records.KeyDescription),
		"school_year":  allocator.SchoolYearLabel(v.due, p.Settings.FiscalYearStartMonth),
		"due_date":     v.due.Format(records.DateLayout),
		"requested_by": v.requester,
		"assignees":    strings.Join(rec.Assignees(), ", "),
		"status":       rec.Get(records.KeyProjectStatus),
		"folder_link":  p.Providers.Folders.Link(folderID),
	}
}

// share re-asserts editor access for every recipient. Existing access is not an error.
func (p *Processor) share(ctx context.Context, folderID string, v validated) error {
	for _, addr := range v.recipients {
		if err := p.Providers.Folders.Share(ctx, folderID, addr, domain.RoleEditor, true); err != nil {
			return fmt.Errorf("share folder with %s: %w", addr, err)
		}
	}
	return nil
}

func (p *Processor) eventDescription(rec *records.Record, folderID string, v validated) string {
	lines := []string{
		"Project: " + rec.Name(),
		"ID: " + rec.ID(),
		"Category: " + rec.Get(records.KeyCategory),
		"Requested by: " + v.requester,
		"Assigned to: " + strings.Join(rec.Assignees(), ", "),
		"Description: " + rec.Get(records.KeyDescription),
		"Folder: " + p.Providers.Folders.Link(folderID),
	}
	return strings.Join(lines, "\n")
}

// syncEvent creates the calendar event once, or brings it in line with the record.
// It returns the event as it was before any change, nil when it was just created,
// could not be read or no longer exists.
func (p *Processor) syncEvent(ctx context.Context, rec *records.Record, folderID string, v validated) (*provider.CalendarEvent, error) {
	want := provider.CalendarEvent{
		Title:       title(rec),
		Date:        v.due,
		Description: p.eventDescription(rec, folderID, v),
		Guests:      v.recipients,
	}
	cal := p.Providers.Calendar
	eventID := rec.Get(records.KeyCalendarEventID)
	if eventID == "" {
		id, err := cal.CreateAllDayEvent(ctx, want.Title, want.Date, want.Description, want.Guests)
		if err != nil {
			return nil, fmt.Errorf("create calendar event: %w", err)
		}
		rec.SetOnce(records.KeyCalendarEventID, id)
		return nil, p.checkpoint(ctx, rec)
	}

	before, err := cal.GetEvent(ctx, eventID)
	if provider.IsNotFound(err) {
		// calendar_event_id is set once, so a vanished event is reported and left alone.
		p.logger().Warn("calendar event missing, sync skipped", "row", rec.Row, "id", rec.ID(), "event", eventID)
		if p.Notifier != nil {
			line := fmt.Sprintf("%s: calendar event %s is missing", rec.Label(), eventID)
			if err := p.Notifier.AdminReport(ctx, "Calendar event missing", []string{line}); err != nil {
				p.logger().Error("missing event report not sent", "row", rec.Row, "error", err)
			}
		}
		return nil, nil
	}
	var snapshot *provider.CalendarEvent
	if err != nil {
		p.logger().Warn("calendar event unreadable, refreshing every field", "row", rec.Row, "event", eventID, "error", err)
	} else {
		snapshot = &before
	}
	if snapshot == nil || snapshot.Title != want.Title {
		if err := cal.UpdateTitle(ctx, eventID, want.Title); err != nil {
			return snapshot, fmt.Errorf("update event title: %w", err)
		}
	}
	if snapshot == nil || !sameDay(snapshot.Date, want.Date) {
		if err := cal.UpdateDate(ctx, eventID, want.Date); err != nil {
			return snapshot, fmt.Errorf("update event date: %w", err)
		}
	}
	if snapshot == nil || snapshot.Description != want.Description {
		if err := cal.UpdateDescription(ctx, eventID, want.Description); err != nil {
			return snapshot, fmt.Errorf("update event description: %w", err)
		}
	}
	if snapshot == nil || !sameSet(snapshot.Guests, want.Guests) {
		if err := cal.UpdateGuests(ctx, eventID, want.Guests); err != nil {
			return snapshot, fmt.Errorf("update event guests: %w", err)
		}
	}
	return snapshot, nil
}

func (p *Processor) processReady(ctx context.Context, rec *records.Record) (resumed bool, err error) {
	v, err := p.validate(rec, false)
	if err != nil {
		return false, err
	}
	resumed = rec.ID() != "" && rec.Get(records.KeyFolderID) != "" &&
		rec.Get(records.KeyFileID) != "" && rec.Get(records.KeyCalendarEventID) != ""

	if err := p.mintID(ctx, rec, v.due); err != nil {
		return false, err
	}
	if rec.Get(records.KeySchoolYear) == "" {
		rec.Set(records.KeySchoolYear, allocator.SchoolYearLabel(v.due, p.Settings.FiscalYearStartMonth))
	}
	folderID, err := p.ensureFolder(ctx, rec)
	if err != nil {
		return false, err
	}
	if err := p.ensureFile(ctx, rec, folderID, v); err != nil {
		return false, err
	}
	if err := p.share(ctx, folderID, v); err != nil {
		return false, err
	}
	if _, err := p.syncEvent(ctx, rec, folderID, v); err != nil {
		return false, err
	}
	if rec.Get(records.KeyProjectStatus) == "" && p.Settings.DefaultProjectStatus != "" {
		rec.Set(records.KeyProjectStatus, p.Settings.DefaultProjectStatus)
	}
	p.StampCompletion(rec)
	if err := p.transition(ctx, rec, domain.StatusCreated, nil); err != nil {
		return false, err
	}
	rec.Set(records.KeyAutomationDetail, "")

	if resumed {
		p.logger().Info("resumed without notification", "row", rec.Row, "id", rec.ID())
		return true, nil
	}
	if p.Notifier != nil {
		if err := p.Notifier.NewProject(ctx, p.projectInfo(rec, v.recipients)); err != nil {
			p.logger().Error("new project notification not sent", "row", rec.Row, "id", rec.ID(), "error", err)
		}
	}
	return false, nil
}

func (p *Processor) processUpdated(ctx context.Context, rec *records.Record) error {
	v, err := p.validate(rec, true)
	if err != nil {
		return err
	}
	folderID, err := p.ensureFolder(ctx, rec)
	if err != nil {
		return err
	}
	if err := p.ensureFile(ctx, rec, folderID, v); err != nil {
		return err
	}
	if err := p.share(ctx, folderID, v); err != nil {
		return err
	}
	before, err := p.syncEvent(ctx, rec, folderID, v)
	if err != nil {
		return err
	}
	p.StampCompletion(rec)
	if err := p.transition(ctx, rec, domain.StatusCreated, nil); err != nil {
		return err
	}
	rec.Set(records.KeyAutomationDetail, "")

	summary := Diff(before, title(rec), v.due, v.recipients)
	if p.Notifier != nil {
		if err := p.Notifier.ProjectUpdated(ctx, p.projectInfo(rec, v.recipients), summary); err != nil {
			p.logger().Error("update notification not sent", "row", rec.Row, "id", rec.ID(), "error", err)
		}
	}
	return nil
}

func (p *Processor) processDelete(ctx context.Context, rec *records.Record) error {
	variant := rec.Status()
	if eventID := rec.Get(records.KeyCalendarEventID); eventID != "" {
		err := p.Providers.Calendar.DeleteEvent(ctx, eventID)
		if err != nil && !provider.IsNotFound(err) {
			return fmt.Errorf("cancel calendar event: %w", err)
		}
	}
	if variant == domain.StatusDeleteNotify && p.Notifier != nil {
		recipients, _ := p.Directory.ResolveAll(append(rec.Assignees(), rec.Get(records.KeyRequestedBy)))
		if err := p.Notifier.ProjectCancelled(ctx, p.projectInfo(rec, recipients)); err != nil {
			p.logger().Error("cancellation notice not sent", "row", rec.Row, "id", rec.ID(), "error", err)
		}
	}
	return p.transition(ctx, rec, domain.StatusDeleted, nil)
}

func (p *Processor) projectInfo(rec *records.Record, recipients []string) notify.ProjectInfo {
	info := notify.ProjectInfo{
		Row:         rec.Row,
		ID:          rec.ID(),
		Name:        rec.Name(),
		Category:    rec.Get(records.KeyCategory),
		Description: rec.Get(records.KeyDescription),
		DueDate:     rec.Get(records.KeyDueDate),
		Status:      rec.Get(records.KeyProjectStatus),
		Requester:   rec.Get(records.KeyRequestedBy),
		Recipients:  recipients,
		Assignees:   rec.Assignees(),
	}
	if folderID := rec.Get(records.KeyFolderID); folderID != "" && p.Providers.Folders != nil {
		info.FolderLink = p.Providers.Folders.Link(folderID)
	}
	return info
}

// Diff classifies what an update changed on the calendar event. A nil before
// snapshot yields an empty summary.
func Diff(before *provider.CalendarEvent, newTitle string, newDate time.Time, guests []string) notify.ChangeSummary {
	c := notify.ChangeSummary{
		OldTitle: newTitle, NewTitle: newTitle,
		OldDate: newDate.Format(records.DateLayout), NewDate: newDate.Format(records.DateLayout),
	}
	if before == nil {
		return c
	}
	c.OldTitle = before.Title
	c.OldDate = before.Date.Format(records.DateLayout)
	old := lowerSet(before.Guests)
	cur := lowerSet(guests)
	for _, g := range guests {
		if !old[strings.ToLower(g)] {
			c.Added = append(c.Added, g)
		}
	}
	for _, g := range before.Guests {
		if !cur[strings.ToLower(g)] {
			c.Removed = append(c.Removed, g)
		}
	}
	return c
}

func lowerSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[strings.ToLower(s)] = true
	}
	return out
}

func sameSet(a, b []string) bool {
	as, bs := lowerSet(a), lowerSet(b)
	if len(as) != len(bs) {
		return false
	}
	for k := range as {
		if !bs[k] {
			return false
		}
	}
	return true
}

func sameDay(a, b time.Time) bool {
	return a.Format(records.DateLayout) == b.Format(records.DateLayout)
}
