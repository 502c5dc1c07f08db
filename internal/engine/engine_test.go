package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"projectflow/internal/allocator"
	"projectflow/internal/config"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/engine"
	"projectflow/internal/guard"
	"projectflow/internal/lock"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/provider/memory"
	"projectflow/internal/records"
)

const (
	owner = "automation@district.org"
	admin = "admin@district.org"
)

type serials struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *serials) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *serials) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

type testEnv struct {
	Proc  *engine.Processor
	Store *records.MemoryStore
	Fakes *memory.Provider
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	fakes := memory.New(owner)
	fakes.Folders.AddFolder("parent", "Projects")
	fakes.Documents.AddTemplate("tpl")
	settings, err := config.SettingsFromEntries(map[string]string{
		config.KeyDistrictID:     "NSD",
		config.KeyParentFolderID: "parent",
		config.KeyTemplateFileID: "tpl",
		config.KeyAdminEmail:     admin,
	})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	tpls, err := notify.NewTemplates(nil, 16, time.Minute)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	store := records.NewMemoryStore(records.DefaultColumns)
	proc := &engine.Processor{
		Store:     store,
		Allocator: allocator.Allocator{Store: &serials{values: map[string]string{config.KeyDistrictID: "NSD", config.KeySerialNumber: "1"}}},
		Directory: directory.New([]domain.DirectoryEntry{
			{Name: "Ana Ruiz", Address: "ana@district.org", Active: domain.ActiveYes},
			{Name: "Ben Cho", Address: "ben@district.org", Active: domain.ActiveYes},
			{Name: "Req Person", Address: "req@district.org", Active: domain.ActiveYes},
		}),
		Providers: fakes.Set(),
		Notifier:  &notify.Dispatcher{Mail: fakes.Mail, Templates: tpls, AdminEmail: admin},
		Settings:  settings,
		Now:       func() time.Time { return time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC) },
	}
	return testEnv{Proc: proc, Store: store, Fakes: fakes, Ctx: context.Background()}
}

func (env testEnv) add(t *testing.T, fields map[string]string) int {
	t.Helper()
	base := map[string]string{
		records.KeyName:             "Gym floor",
		records.KeyDueDate:          "2024-10-15",
		records.KeyRequestedBy:      "Req Person",
		records.KeyAssignees:        "Ana Ruiz; ben@district.org",
		records.KeyAutomationStatus: "Ready",
	}
	for k, v := range fields {
		base[k] = v
	}
	rec, err := env.Store.AppendRecord(env.Ctx, base)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return rec.Row
}

func (env testEnv) get(t *testing.T, row int) *records.Record {
	t.Helper()
	rec, err := env.Store.Get(row)
	if err != nil {
		t.Fatalf("get row %d: %v", row, err)
	}
	return rec
}

func TestReadyRowIsProvisioned(t *testing.T) {
	env := newTestEnv(t)
	row := env.add(t, nil)

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Created != 1 || rep.Errored != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	rec := env.get(t, row)
	if rec.Status() != domain.StatusCreated {
		t.Fatalf("status = %s", rec.Status())
	}
	if rec.ID() != "NSD-24_25-0001" {
		t.Fatalf("id = %q", rec.ID())
	}
	if rec.Get(records.KeySchoolYear) != "2024-2025" || rec.Get(records.KeyProjectStatus) != "Not Started" {
		t.Fatalf("school year %q status %q", rec.Get(records.KeySchoolYear), rec.Get(records.KeyProjectStatus))
	}
	folder, ok := env.Fakes.Folders.Folder(rec.Get(records.KeyFolderID))
	if !ok || folder.Name != "Gym floor [NSD-24_25-0001]" || folder.ParentID != "parent" {
		t.Fatalf("folder = %+v", folder)
	}
	if env.Fakes.Folders.Role(folder.ID, "ana@district.org") != domain.RoleEditor ||
		env.Fakes.Folders.Role(folder.ID, "req@district.org") != domain.RoleEditor {
		t.Fatalf("folder not shared with recipients")
	}
	file, ok := env.Fakes.Documents.File(rec.Get(records.KeyFileID))
	if !ok || file.Fields["id"] != "NSD-24_25-0001" || file.FolderID != folder.ID {
		t.Fatalf("file = %+v", file)
	}
	ev, ok := env.Fakes.Calendar.Event(rec.Get(records.KeyCalendarEventID))
	if !ok || ev.Date.Format("2006-01-02") != "2024-10-15" || len(ev.Guests) != 3 {
		t.Fatalf("event = %+v", ev)
	}
	sent := env.Fakes.Mail.Sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject, "New project: Gym floor") {
		t.Fatalf("mail = %+v", sent)
	}
}

func TestResumeDoesNotDuplicateOrNotify(t *testing.T) {
	env := newTestEnv(t)
	env.Fakes.Folders.AddFolder("folder-x", "Gym floor [NSD-24_25-0009]")
	env.Fakes.Documents.AddTemplate("file-x")
	env.Fakes.Calendar.Put(provider.CalendarEvent{ID: "event-x", Title: "stale", Date: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)})
	row := env.add(t, map[string]string{
		records.KeyID:              "NSD-24_25-0009",
		records.KeyFolderID:        "folder-x",
		records.KeyFileID:          "file-x",
		records.KeyCalendarEventID: "event-x",
		records.KeyDescription:     "edited while in error",
	})

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Resumed != 1 {
		t.Fatalf("expected a resume, got %+v", rep)
	}
	rec := env.get(t, row)
	if rec.Status() != domain.StatusCreated || rec.ID() != "NSD-24_25-0009" {
		t.Fatalf("status %s id %s", rec.Status(), rec.ID())
	}
	if env.Fakes.Folders.Count() != 0 || env.Fakes.Documents.Count() != 0 || env.Fakes.Calendar.Count() != 1 {
		t.Fatalf("artifacts duplicated: folders=%d files=%d events=%d",
			env.Fakes.Folders.Count(), env.Fakes.Documents.Count(), env.Fakes.Calendar.Count())
	}
	if len(env.Fakes.Mail.Sent()) != 0 {
		t.Fatalf("resume must not notify: %+v", env.Fakes.Mail.Sent())
	}
	file, _ := env.Fakes.Documents.File("file-x")
	if file.Fields["description"] != "edited while in error" {
		t.Fatalf("file fields not refreshed: %+v", file.Fields)
	}
	ev, _ := env.Fakes.Calendar.Event("event-x")
	if ev.Title != "Gym floor [NSD-24_25-0009]" || ev.Date.Day() != 15 {
		t.Fatalf("event not refreshed: %+v", ev)
	}
	if v, _, _ := env.Proc.Allocator.(allocator.Allocator).Store.Get(env.Ctx, config.KeySerialNumber); v != "1" {
		t.Fatalf("serial advanced on resume: %s", v)
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	env := newTestEnv(t)
	row := env.add(t, map[string]string{
		records.KeyDueDate:   "",
		records.KeyAssignees: "Nobody Known",
	})
	ok := env.add(t, map[string]string{records.KeyName: "Library"})

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Errored != 1 || rep.Created != 1 {
		t.Fatalf("bulkhead broken: %+v", rep)
	}
	rec := env.get(t, row)
	if rec.Status() != domain.StatusError {
		t.Fatalf("status = %s", rec.Status())
	}
	detail := rec.Get(records.KeyAutomationDetail)
	if !strings.Contains(detail, "due date is required") || !strings.Contains(detail, "no assignee could be resolved (Nobody Known)") {
		t.Fatalf("detail = %q", detail)
	}
	if rec.ID() != "" {
		t.Fatalf("invalid row must not consume an id: %s", rec.ID())
	}
	if env.get(t, ok).ID() != "NSD-24_25-0001" {
		t.Fatalf("valid row id = %s", env.get(t, ok).ID())
	}
	adminMail := env.Fakes.Mail.SentTo(admin)
	if len(adminMail) != 1 || len(adminMail[0].Cc) != 1 || adminMail[0].Cc[0] != "req@district.org" {
		t.Fatalf("admin mail = %+v", adminMail)
	}
}

func TestProviderFailureParksRowAndResumes(t *testing.T) {
	env := newTestEnv(t)
	row := env.add(t, nil)
	env.Fakes.Documents.FailNext("copy", &provider.Error{Op: "copy", Status: 403, Err: errors.New("template not shared")})

	if _, err := env.Proc.Run(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec := env.get(t, row)
	if rec.Status() != domain.StatusError || rec.Get(records.KeyFolderID) == "" || rec.ID() == "" {
		t.Fatalf("expected error with partial artifacts, got %s %v", rec.Status(), rec.Fields())
	}
	if !strings.Contains(rec.Get(records.KeyAutomationDetail), "template not shared") {
		t.Fatalf("detail = %q", rec.Get(records.KeyAutomationDetail))
	}

	// The human fixes the problem and resets to Ready.
	rec.SetStatus(domain.StatusReady)
	if _, err := env.Store.FlushDirty(env.Ctx, []*records.Record{rec}); err != nil {
		t.Fatal(err)
	}
	env.Fakes.Mail.Reset()
	if _, err := env.Proc.Run(env.Ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	rec = env.get(t, row)
	if rec.Status() != domain.StatusCreated || rec.ID() != "NSD-24_25-0001" {
		t.Fatalf("status %s id %s", rec.Status(), rec.ID())
	}
	if env.Fakes.Folders.Count() != 1 {
		t.Fatalf("folder recreated: %d", env.Fakes.Folders.Count())
	}
	if rec.Get(records.KeyAutomationDetail) != "" {
		t.Fatalf("detail not cleared")
	}
	// Not every artifact existed before this run, so the new project mail goes out now.
	if len(env.Fakes.Mail.Sent()) != 1 {
		t.Fatalf("mail = %+v", env.Fakes.Mail.Sent())
	}
}

func TestUpdatedRowSendsDiff(t *testing.T) {
	env := newTestEnv(t)
	row := env.add(t, nil)
	if _, err := env.Proc.Run(env.Ctx); err != nil {
		t.Fatal(err)
	}
	rec := env.get(t, row)
	rec.Set(records.KeyDueDate, "2024-11-01")
	rec.Set(records.KeyAssignees, "Ana Ruiz")
	rec.Set(records.KeyProjectStatus, "Complete")
	rec.SetStatus(domain.StatusUpdated)
	if _, err := env.Store.FlushDirty(env.Ctx, []*records.Record{rec}); err != nil {
		t.Fatal(err)
	}
	env.Fakes.Mail.Reset()

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 1 {
		t.Fatalf("report %+v", rep)
	}
	rec = env.get(t, row)
	if rec.Status() != domain.StatusCreated || rec.Get(records.KeyCompletedAt) != "2024-09-01" {
		t.Fatalf("status %s completed %q", rec.Status(), rec.Get(records.KeyCompletedAt))
	}
	ev, _ := env.Fakes.Calendar.Event(rec.Get(records.KeyCalendarEventID))
	if ev.Date.Day() != 1 || len(ev.Guests) != 2 {
		t.Fatalf("event not synced: %+v", ev)
	}
	sent := env.Fakes.Mail.Sent()
	if len(sent) != 1 {
		t.Fatalf("mail = %+v", sent)
	}
	body := sent[0].Body
	if !strings.Contains(body, "Due date: 2024-10-15 -> 2024-11-01") || !strings.Contains(body, "Removed: ben@district.org") {
		t.Fatalf("body = %s", body)
	}
	if strings.Contains(body, "Title:") {
		t.Fatalf("title did not change: %s", body)
	}
}

func TestUpdateWithVanishedEventReachesCreated(t *testing.T) {
	env := newTestEnv(t)
	row := env.add(t, nil)
	if _, err := env.Proc.Run(env.Ctx); err != nil {
		t.Fatal(err)
	}
	rec := env.get(t, row)
	eventID := rec.Get(records.KeyCalendarEventID)
	if err := env.Fakes.Calendar.DeleteEvent(env.Ctx, eventID); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	rec.Set(records.KeyDueDate, "2024-11-01")
	rec.SetStatus(domain.StatusUpdated)
	if _, err := env.Store.FlushDirty(env.Ctx, []*records.Record{rec}); err != nil {
		t.Fatal(err)
	}
	env.Fakes.Mail.Reset()

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	rec = env.get(t, row)
	if rep.Errored != 0 || rec.Status() != domain.StatusCreated {
		t.Fatalf("status %s detail %q report %+v", rec.Status(), rec.Get(records.KeyAutomationDetail), rep)
	}
	if rec.Get(records.KeyCalendarEventID) != eventID {
		t.Fatalf("event id changed to %q", rec.Get(records.KeyCalendarEventID))
	}
	if env.Fakes.Calendar.Count() != 0 {
		t.Fatalf("event was recreated")
	}
	var reported bool
	for _, m := range env.Fakes.Mail.SentTo(admin) {
		if m.Subject == "Calendar event missing" && strings.Contains(m.Body, eventID) {
			reported = true
		}
	}
	if !reported {
		t.Fatalf("admin not told about missing event: %+v", env.Fakes.Mail.Sent())
	}

	// A resume on Ready takes the same path.
	rec.SetStatus(domain.StatusReady)
	if _, err := env.Store.FlushDirty(env.Ctx, []*records.Record{rec}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Proc.Run(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if got := env.get(t, row).Status(); got != domain.StatusCreated {
		t.Fatalf("resume status = %s", got)
	}
}

func TestDeleteToleratesMissingEvent(t *testing.T) {
	env := newTestEnv(t)
	notifyRow := env.add(t, map[string]string{
		records.KeyID: "NSD-24_25-0003", records.KeyCalendarEventID: "gone",
		records.KeyAutomationStatus: "DeleteNotify",
	})
	env.Fakes.Calendar.Put(provider.CalendarEvent{ID: "event-q", Title: "quiet"})
	quietRow := env.add(t, map[string]string{
		records.KeyID: "NSD-24_25-0004", records.KeyCalendarEventID: "event-q",
		records.KeyAutomationStatus: "DeleteNoNotify",
	})

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 2 || rep.Errored != 0 {
		t.Fatalf("report %+v", rep)
	}
	for _, row := range []int{notifyRow, quietRow} {
		rec := env.get(t, row)
		if rec.Status() != domain.StatusDeleted || !rec.Hidden {
			t.Fatalf("row %d status %s hidden %v", row, rec.Status(), rec.Hidden)
		}
		if rec.Get(records.KeyCalendarEventID) == "" {
			t.Fatalf("event id cleared on row %d", row)
		}
	}
	if _, ok := env.Fakes.Calendar.Event("event-q"); ok {
		t.Fatalf("event not cancelled")
	}
	sent := env.Fakes.Mail.Sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Subject, "Cancelled:") {
		t.Fatalf("mail = %+v", sent)
	}
	visible, _ := env.Store.LoadAll(env.Ctx)
	if len(visible) != 0 {
		t.Fatalf("deleted rows still visible: %d", len(visible))
	}
}

type recordingGuards struct {
	mu       sync.Mutex
	upserted map[int][]string
}

func (g *recordingGuards) UpsertRowGuard(ctx context.Context, row int, allowed []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upserted[row] = allowed
	return nil
}

func (g *recordingGuards) ReplaceRowGuards(ctx context.Context, guards map[int][]string) error {
	return errors.New("batch must refresh single rows")
}

func (g *recordingGuards) RowGuard(ctx context.Context, row int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	allowed, ok := g.upserted[row]
	if !ok {
		return nil, errors.New("no guard")
	}
	return allowed, nil
}

func TestGuardRefreshedOnlyForErroredAndDeletedRows(t *testing.T) {
	env := newTestEnv(t)
	guards := &recordingGuards{upserted: map[int][]string{}}
	env.Proc.Guard = guard.RowGuard{Store: guards}
	created := env.add(t, nil)
	failed := env.add(t, map[string]string{records.KeyDueDate: ""})
	deleted := env.add(t, map[string]string{
		records.KeyID: "NSD-24_25-0009", records.KeyAutomationStatus: "DeleteNoNotify",
	})

	rep, err := env.Proc.Run(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Created != 1 || rep.Errored != 1 || rep.Deleted != 1 {
		t.Fatalf("report %+v", rep)
	}
	if len(guards.upserted) != 2 {
		t.Fatalf("guards refreshed for rows %v", guards.upserted)
	}
	if _, ok := guards.upserted[created]; ok {
		t.Fatalf("guard refreshed for created row %d", created)
	}
	if got := strings.Join(guards.upserted[failed], ","); got != "Error,Ready" {
		t.Fatalf("errored row guard = %q", got)
	}
	if got := strings.Join(guards.upserted[deleted], ","); got != "Deleted" {
		t.Fatalf("deleted row guard = %q", got)
	}
}

type busyLock struct{}

func (busyLock) Acquire(ctx context.Context, wait time.Duration) (func() error, error) {
	return nil, fmt.Errorf("busy: %w", lock.ErrLockTimeout)
}

func TestBusyLockSkipsBatch(t *testing.T) {
	env := newTestEnv(t)
	row := env.add(t, nil)
	env.Proc.Lock = busyLock{}
	rep, err := env.Proc.Run(env.Ctx)
	if err != nil || !rep.LockSkipped {
		t.Fatalf("expected skipped batch, got %+v %v", rep, err)
	}
	if env.get(t, row).Status() != domain.StatusReady {
		t.Fatalf("row touched without lock")
	}
}

func TestCompletionIsNeverCleared(t *testing.T) {
	env := newTestEnv(t)
	rec := records.New(records.NewLayout(records.DefaultColumns), 3, nil)
	rec.Set(records.KeyProjectStatus, "complete")
	if !env.Proc.StampCompletion(rec) {
		t.Fatalf("expected stamp")
	}
	rec.Set(records.KeyProjectStatus, "In Progress")
	if env.Proc.StampCompletion(rec) || rec.Get(records.KeyCompletedAt) != "2024-09-01" {
		t.Fatalf("completed_at changed: %q", rec.Get(records.KeyCompletedAt))
	}
}

func TestDiffClassifiesChanges(t *testing.T) {
	before := &provider.CalendarEvent{Title: "A [1]", Date: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), Guests: []string{"a@x.org", "b@x.org"}}
	c := engine.Diff(before, "B [1]", time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), []string{"B@x.org", "c@x.org"})
	if !c.TitleChanged() || c.DateChanged() {
		t.Fatalf("summary %+v", c)
	}
	if len(c.Added) != 1 || c.Added[0] != "c@x.org" || len(c.Removed) != 1 || c.Removed[0] != "a@x.org" {
		t.Fatalf("people %+v", c)
	}
	if engine.Diff(nil, "B", time.Now(), nil).Any() {
		t.Fatalf("nil snapshot must produce an empty summary")
	}
}
