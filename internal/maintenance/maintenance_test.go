package maintenance_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/config"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/maintenance"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/provider/memory"
	"projectflow/internal/records"
)

func TestLabelsRoundTrip(t *testing.T) {
	l := maintenance.NewLabels([]domain.ReminderLabel{
		{Offset: 3, Label: "3 days before"},
		{Offset: 7, Label: "One week out"},
		{Offset: 14, Label: "2 weeks before"},
	})
	for _, row := range l.Options() {
		n, ok := l.LabelToOffset(row.Label)
		require.True(t, ok, row.Label)
		require.Equal(t, row.Label, l.OffsetToLabel(n))
	}
	require.Equal(t, "3 weeks before", l.OffsetToLabel(21))
	require.Equal(t, "1 week before", maintenance.GenerateLabel(7))
	require.Equal(t, "1 day before", maintenance.GenerateLabel(1))
	require.Equal(t, "On due date", maintenance.GenerateLabel(0))
	require.Equal(t, "10 days before", maintenance.GenerateLabel(10))
	for _, n := range []int{0, 1, 2, 7, 10, 21, 28} {
		back, ok := l.LabelToOffset(maintenance.GenerateLabel(n))
		require.True(t, ok)
		require.Equal(t, n, back)
	}
}

func TestParseOffsets(t *testing.T) {
	l := maintenance.NewLabels(nil)
	offsets, unknown := l.ParseOffsets("")
	require.Equal(t, []int{3, 7, 14}, offsets)
	require.Empty(t, unknown)

	offsets, unknown = l.ParseOffsets("2 weeks before; 3 days before, soonish, 1")
	require.Equal(t, []int{1, 3, 14}, offsets)
	require.Equal(t, []string{"soonish"}, unknown)
	require.Equal(t, "1 day before, 3 days before, 2 weeks before", l.Format(offsets))
}

func TestDiffSnapshotIgnoresNewProjects(t *testing.T) {
	changes := maintenance.DiffSnapshot(
		map[string]string{"P1": "On Track", "P0": "Gone"},
		map[string]string{"P1": "Complete", "P2": "On Track"},
	)
	require.Equal(t, []maintenance.StatusChange{{ID: "P1", From: "On Track", To: "Complete"}}, changes)
}

type memSnapshot struct {
	entries  map[string]string
	replaced int
}

func (m *memSnapshot) LoadSnapshot(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *memSnapshot) ReplaceSnapshot(ctx context.Context, entries map[string]string) error {
	m.entries = entries
	m.replaced++
	return nil
}

type memLedger map[string]string

func (m memLedger) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memLedger) Set(ctx context.Context, key, value string) error {
	m[key] = value
	return nil
}

type sweepEnv struct {
	sweeper  *maintenance.Sweeper
	store    *records.MemoryStore
	fakes    *memory.Provider
	snapshot *memSnapshot
}

func newSweepEnv(t *testing.T) sweepEnv {
	t.Helper()
	fakes := memory.New("automation@district.org")
	tpls, err := notify.NewTemplates(nil, 16, time.Minute)
	require.NoError(t, err)
	settings, err := config.SettingsFromEntries(map[string]string{config.KeyAdminEmail: "admin@district.org"})
	require.NoError(t, err)
	store := records.NewMemoryStore(records.DefaultColumns)
	snap := &memSnapshot{entries: map[string]string{}}
	return sweepEnv{
		sweeper: &maintenance.Sweeper{
			Store:    store,
			Snapshot: snap,
			Directory: directory.New([]domain.DirectoryEntry{
				{Name: "Ana Ruiz", Address: "ana@district.org", Active: domain.ActiveYes},
			}),
			Calendar: fakes.Calendar,
			Ledger:   memLedger{},
			Notifier: &notify.Dispatcher{Mail: fakes.Mail, Templates: tpls, AdminEmail: "admin@district.org"},
			Settings: settings,
			Now:      func() time.Time { return time.Date(2024, 10, 8, 6, 0, 0, 0, time.UTC) },
		},
		store:    store,
		fakes:    fakes,
		snapshot: snap,
	}
}

func (e sweepEnv) add(t *testing.T, id, due, offsets string) *records.Record {
	t.Helper()
	rec, err := e.store.AppendRecord(context.Background(), map[string]string{
		records.KeyID: id, records.KeyName: "Project " + id, records.KeyDueDate: due,
		records.KeyAssignees: "Ana Ruiz", records.KeyReminderOffsets: offsets,
		records.KeyProjectStatus: "On Track", records.KeyAutomationStatus: "Created",
	})
	require.NoError(t, err)
	return rec
}

func TestReminderMatching(t *testing.T) {
	env := newSweepEnv(t)
	env.add(t, "P1", "2024-10-15", "3 days before, 1 week before, 2 weeks before")
	env.add(t, "P2", "2024-10-15", "3 days before, 2 weeks before")

	rep, err := env.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Reminders)
	msgs := env.fakes.Mail.SentTo("ana@district.org")
	require.Len(t, msgs, 1)
	require.Equal(t, "Upcoming due dates (1)", msgs[0].Subject)
	require.Contains(t, msgs[0].Body, "Project P1 [P1] is due 2024-10-15 (1 week before)")
	require.NotContains(t, msgs[0].Body, "P2")
}

func TestSweepStatusDigestAndLateness(t *testing.T) {
	env := newSweepEnv(t)
	env.snapshot.entries = map[string]string{"P1": "On Track"}
	p1 := env.add(t, "P1", "2024-12-01", "")
	p1.Set(records.KeyProjectStatus, "Complete")
	_, err := env.store.FlushDirty(context.Background(), []*records.Record{p1})
	require.NoError(t, err)
	env.add(t, "P2", "2024-10-01", "")

	rep, err := env.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Completed)
	require.Equal(t, 1, rep.MarkedLate)
	// P2 is new to the snapshot, so its move to Late is not a change yet.
	require.Equal(t, 1, rep.StatusChanges)
	require.True(t, rep.SnapshotSaved)
	require.Equal(t, map[string]string{"P1": "Complete", "P2": "Late"}, env.snapshot.entries)

	stored, err := env.store.Get(p1.Row)
	require.NoError(t, err)
	require.Equal(t, "2024-10-08", stored.Get(records.KeyCompletedAt))

	var subjects []string
	for _, m := range env.fakes.Mail.Sent() {
		subjects = append(subjects, m.Subject)
	}
	require.Contains(t, subjects, "Project status changes (1)")
	require.Contains(t, subjects, "Late projects (1)")
}

func TestSecondSweepSameDaySkipsDigests(t *testing.T) {
	env := newSweepEnv(t)
	env.add(t, "P1", "2024-10-15", "1 week before")
	env.add(t, "P2", "2024-10-01", "")
	ctx := context.Background()

	first, err := env.sweeper.Run(ctx)
	require.NoError(t, err)
	require.False(t, first.DigestsSkipped)
	require.Len(t, env.fakes.Mail.SentTo("ana@district.org"), 2)

	second, err := env.sweeper.Run(ctx)
	require.NoError(t, err)
	require.True(t, second.DigestsSkipped)
	require.Len(t, env.fakes.Mail.SentTo("ana@district.org"), 2)

	env.sweeper.Now = func() time.Time { return time.Date(2024, 10, 9, 6, 0, 0, 0, time.UTC) }
	third, err := env.sweeper.Run(ctx)
	require.NoError(t, err)
	require.False(t, third.DigestsSkipped)
	var subjects []string
	for _, m := range env.fakes.Mail.SentTo("ana@district.org") {
		subjects = append(subjects, m.Subject)
	}
	require.Equal(t, []string{"Upcoming due dates (1)", "Late projects (1)", "Late projects (1)"}, subjects)
}

func TestFailedStatusDigestKeepsSnapshot(t *testing.T) {
	env := newSweepEnv(t)
	env.snapshot.entries = map[string]string{"P1": "On Track"}
	p1 := env.add(t, "P1", "2024-12-01", "")
	p1.Set(records.KeyProjectStatus, "Blocked")
	_, err := env.store.FlushDirty(context.Background(), []*records.Record{p1})
	require.NoError(t, err)
	env.fakes.Mail.FailNext("send", &provider.Error{Op: "send", Status: 400, Err: errors.New("rejected")})

	rep, err := env.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.False(t, rep.SnapshotSaved)
	require.Equal(t, 0, env.snapshot.replaced)
	require.NotEmpty(t, rep.Issues)
}

func TestCalendarReconciliation(t *testing.T) {
	env := newSweepEnv(t)
	env.fakes.Calendar.Put(provider.CalendarEvent{ID: "ev-1", Date: time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)})
	a := env.add(t, "P1", "2024-12-01", "")
	a.Set(records.KeyCalendarEventID, "ev-1")
	b := env.add(t, "P2", "2024-12-01", "")
	b.Set(records.KeyCalendarEventID, "ev-missing")
	_, err := env.store.FlushDirty(context.Background(), []*records.Record{a, b})
	require.NoError(t, err)

	rep, err := env.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.CalendarFixed)
	require.Equal(t, 1, rep.CalendarMissing)
	ev, _ := env.fakes.Calendar.Event("ev-1")
	require.Equal(t, 1, ev.Date.Day())
	require.Equal(t, 1, env.fakes.Calendar.Count())

	admin := env.fakes.Mail.SentTo("admin@district.org")
	require.Len(t, admin, 1)
	require.True(t, strings.Contains(admin[0].Body, "calendar event ev-missing is missing"))
}

func TestSchedulerRunsJobsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	s := maintenance.NewScheduler(nil, maintenance.Job{
		Name:     "batch",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, runs.Load())
	require.True(t, s.RunNow(context.Background(), "batch"))
	require.False(t, s.RunNow(context.Background(), "nope"))
}
