// Package maintenance runs the daily sweep over the record store and schedules the
// recurring jobs of a long-running workspace.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"projectflow/internal/config"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/engine"
	"projectflow/internal/events"
	"projectflow/internal/lock"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

var sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "projectflow_sweeps_total",
	Help: "Maintenance sweeps by outcome.",
}, []string{"outcome"})

type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (map[string]string, error)
	ReplaceSnapshot(ctx context.Context, entries map[string]string) error
}

// Digester is the part of the dispatcher the sweep uses.
type Digester interface {
	SendDigest(ctx context.Context, template string, items []notify.DigestItem) (int, error)
	AdminReport(ctx context.Context, title string, lines []string) error
}

// DigestLedger remembers the last date the reminder and late digests went out.
// repo.ConfigTable implements it.
type DigestLedger interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type Backuper interface {
	Backup(ctx context.Context) (string, error)
}

type Sweeper struct {
	Store     records.Store
	Snapshot  SnapshotStore
	Labels    *Labels
	Directory *directory.Directory
	Calendar  provider.CalendarProvider
	Notifier  Digester
	Backups   Backuper
	Ledger    DigestLedger
	Events    events.Writer
	Lock      lock.Locker
	LockWait  time.Duration
	Settings  config.Settings
	Logger    *slog.Logger
	Now       func() time.Time
}

type SweepReport struct {
	Completed       int      `json:"completed"`
	MarkedLate      int      `json:"marked_late"`
	StatusChanges   int      `json:"status_changes"`
	Reminders       int      `json:"reminders"`
	CalendarFixed   int      `json:"calendar_fixed"`
	CalendarMissing int      `json:"calendar_missing"`
	DigestsSent     int      `json:"digests_sent"`
	SnapshotSaved   bool     `json:"snapshot_saved"`
	DigestsSkipped  bool     `json:"digests_skipped,omitempty"`
	Backup          string   `json:"backup,omitempty"`
	LockSkipped     bool     `json:"lock_skipped,omitempty"`
	Issues          []string `json:"issues,omitempty"`
}

// StatusChange is one project whose status differs from the last snapshot.
type StatusChange struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// DiffSnapshot reports projects present in both maps whose status changed. Projects
// new since the snapshot are not changes. Output is ordered by id.
func DiffSnapshot(previous, current map[string]string) []StatusChange {
	var out []StatusChange
	for id, to := range current {
		from, ok := previous[id]
		if !ok || from == to {
			continue
		}
		out = append(out, StatusChange{ID: id, From: from, To: to})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DaysUntil counts calendar days from today to due. Both are dates at UTC midnight.
func DaysUntil(today, due time.Time) int {
	return int(due.Sub(today).Hours() / 24)
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// live reports whether a record takes part in reminders and reconciliation.
func live(rec *records.Record) bool {
	switch rec.Status() {
	case domain.StatusCreated, domain.StatusUpdated:
		return rec.ID() != ""
	}
	return false
}

func (s *Sweeper) recipients(rec *records.Record) []string {
	addrs, _ := s.Directory.ResolveAll(append(rec.Assignees(), rec.Get(records.KeyRequestedBy)))
	return addrs
}

// Run performs one daily sweep. A busy lock skips the sweep without error.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	logger := s.logger()
	if s.Lock != nil {
		release, err := s.Lock.Acquire(ctx, s.LockWait)
		if errors.Is(err, lock.ErrLockTimeout) {
			logger.Warn("sweep skipped, automation lock busy", "wait", s.LockWait)
			sweepsTotal.WithLabelValues("skipped").Inc()
			rep.LockSkipped = true
			return rep, nil
		}
		if err != nil {
			return rep, err
		}
		defer func() {
			if err := release(); err != nil {
				logger.Error("release automation lock", "error", err)
			}
		}()
	}
	if s.Directory == nil {
		s.Directory = directory.New(nil)
	}
	if s.Labels == nil {
		s.Labels = NewLabels(nil)
	}

	recs, err := s.Store.LoadAll(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("failed").Inc()
		return rep, fmt.Errorf("load records: %w", err)
	}
	today := s.Settings.Today(s.now())

	var lateItems, reminderItems, statusItems []notify.DigestItem
	current := map[string]string{}
	byID := map[string]*records.Record{}
	for _, rec := range recs {
		if rec.Status() == domain.StatusDeleted || rec.ID() == "" {
			continue
		}
		if engine.StampCompletion(rec, s.Settings, s.now()) {
			rep.Completed++
		}
		if live(rec) {
			if item, late := s.checkLate(rec, today, &rep); late {
				for _, addr := range s.recipients(rec) {
					lateItems = append(lateItems, notify.DigestItem{Recipient: addr, Line: item})
				}
			}
			reminderItems = append(reminderItems, s.reminders(rec, today, &rep)...)
			s.reconcileCalendar(ctx, rec, &rep)
		}
		current[rec.ID()] = rec.Get(records.KeyProjectStatus)
		byID[rec.ID()] = rec
	}

	if _, err := s.Store.FlushDirty(ctx, recs); err != nil {
		sweepsTotal.WithLabelValues("failed").Inc()
		return rep, fmt.Errorf("flush sweep changes: %w", err)
	}

	previous, err := s.Snapshot.LoadSnapshot(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("failed").Inc()
		return rep, fmt.Errorf("load status snapshot: %w", err)
	}
	changes := DiffSnapshot(previous, current)
	rep.StatusChanges = len(changes)
	for _, c := range changes {
		rec := byID[c.ID]
		line := fmt.Sprintf("%s [%s]: %s -> %s", rec.Name(), c.ID, orBlank(c.From), orBlank(c.To))
		for _, addr := range s.recipients(rec) {
			statusItems = append(statusItems, notify.DigestItem{Recipient: addr, Line: line})
		}
	}

	stamp := today.Format(records.DateLayout)
	rep.DigestsSkipped = s.digestsSentOn(ctx, stamp)
	statusOK := true
	if s.Notifier != nil {
		send := func(tpl string, items []notify.DigestItem) error {
			n, err := s.Notifier.SendDigest(ctx, tpl, items)
			rep.DigestsSent += n
			if err != nil {
				rep.Issues = append(rep.Issues, fmt.Sprintf("%s: %v", tpl, err))
			}
			return err
		}
		if !rep.DigestsSkipped {
			remindErr := send(notify.TplReminderDigest, reminderItems)
			lateErr := send(notify.TplLateDigest, lateItems)
			if remindErr == nil && lateErr == nil && s.Ledger != nil {
				if err := s.Ledger.Set(ctx, config.KeyLastDigestDate, stamp); err != nil {
					rep.Issues = append(rep.Issues, "record digest date: "+err.Error())
				}
			}
		} else {
			logger.Info("reminder and late digests already sent today", "date", stamp)
		}
		// Status changes are measured against the snapshot, so a rerun only reports new ones.
		statusOK = send(notify.TplStatusDigest, statusItems) == nil
	}
	// A failed status digest keeps the old snapshot so tomorrow reports the change again.
	if statusOK {
		if err := s.Snapshot.ReplaceSnapshot(ctx, current); err != nil {
			rep.Issues = append(rep.Issues, "replace snapshot: "+err.Error())
		} else {
			rep.SnapshotSaved = true
		}
	}

	if s.Backups != nil {
		path, err := s.Backups.Backup(ctx)
		if err != nil {
			rep.Issues = append(rep.Issues, "backup: "+err.Error())
		} else {
			rep.Backup = path
		}
	}
	if len(rep.Issues) > 0 && s.Notifier != nil {
		if err := s.Notifier.AdminReport(ctx, "Daily maintenance found problems", rep.Issues); err != nil {
			logger.Error("maintenance report not sent", "error", err)
		}
	}
	if err := s.Events.Append(ctx, nil, events.TypeSweep, "workspace", "", "maintenance", events.EventPayload{
		"completed": rep.Completed, "late": rep.MarkedLate, "changes": rep.StatusChanges,
		"reminders": rep.Reminders, "issues": len(rep.Issues),
	}); err != nil {
		logger.Warn("sweep event not recorded", "error", err)
	}
	sweepsTotal.WithLabelValues("completed").Inc()
	logger.Info("sweep finished", "completed", rep.Completed, "late", rep.MarkedLate, "changes", rep.StatusChanges,
		"reminders", rep.Reminders, "digests", rep.DigestsSent, "issues", len(rep.Issues))
	return rep, nil
}

// digestsSentOn reports whether the reminder and late digests already went out for date.
func (s *Sweeper) digestsSentOn(ctx context.Context, date string) bool {
	if s.Ledger == nil {
		return false
	}
	last, ok, err := s.Ledger.Get(ctx, config.KeyLastDigestDate)
	if err != nil {
		s.logger().Warn("last digest date unreadable", "error", err)
		return false
	}
	return ok && last == date
}

// checkLate marks an overdue, unfinished project late. Every overdue project is
// listed in the late digest, not only the ones marked today.
func (s *Sweeper) checkLate(rec *records.Record, today time.Time, rep *SweepReport) (string, bool) {
	if engine.IsTerminal(rec, s.Settings) {
		return "", false
	}
	due, ok, err := rec.DueDate()
	if !ok || err != nil || !due.Before(today) {
		return "", false
	}
	late := s.Settings.LateStatus
	if late != "" && !strings.EqualFold(rec.Get(records.KeyProjectStatus), late) {
		rec.Set(records.KeyProjectStatus, late)
		rep.MarkedLate++
	}
	return fmt.Sprintf("%s [%s] was due %s (%d days ago)", rec.Name(), rec.ID(), due.Format(records.DateLayout), DaysUntil(due, today)), true
}

// reminders returns one digest item per recipient when today is one of the
// record's reminder offsets before its due date.
func (s *Sweeper) reminders(rec *records.Record, today time.Time, rep *SweepReport) []notify.DigestItem {
	if engine.IsTerminal(rec, s.Settings) {
		return nil
	}
	due, ok, err := rec.DueDate()
	if !ok || err != nil {
		return nil
	}
	days := DaysUntil(today, due)
	if days < 0 {
		return nil
	}
	offsets, unknown := s.Labels.ParseOffsets(rec.Get(records.KeyReminderOffsets))
	if len(unknown) > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%s: unknown reminder labels %s", rec.Label(), strings.Join(unknown, ", ")))
	}
	hit := false
	for _, n := range offsets {
		if n == days {
			hit = true
			break
		}
	}
	if !hit {
		return nil
	}
	line := fmt.Sprintf("%s [%s] is due %s (%s)", rec.Name(), rec.ID(), due.Format(records.DateLayout), s.Labels.OffsetToLabel(days))
	var out []notify.DigestItem
	for _, addr := range s.recipients(rec) {
		out = append(out, notify.DigestItem{Recipient: addr, Line: line})
	}
	rep.Reminders++
	return out
}

// reconcileCalendar moves a drifted event back to the due date. A missing event is
// reported, never recreated, because calendar_event_id is set once.
func (s *Sweeper) reconcileCalendar(ctx context.Context, rec *records.Record, rep *SweepReport) {
	eventID := rec.Get(records.KeyCalendarEventID)
	if eventID == "" || s.Calendar == nil {
		return
	}
	due, ok, err := rec.DueDate()
	if !ok || err != nil {
		return
	}
	ev, err := s.Calendar.GetEvent(ctx, eventID)
	if provider.IsNotFound(err) {
		rep.CalendarMissing++
		rep.Issues = append(rep.Issues, fmt.Sprintf("%s: calendar event %s is missing", rec.Label(), eventID))
		return
	}
	if err != nil {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%s: read calendar event: %v", rec.Label(), err))
		return
	}
	if ev.Date.Format(records.DateLayout) == due.Format(records.DateLayout) {
		return
	}
	if err := s.Calendar.UpdateDate(ctx, eventID, due); err != nil {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%s: move calendar event: %v", rec.Label(), err))
		return
	}
	rep.CalendarFixed++
}

func orBlank(s string) string {
	if s == "" {
		return "(blank)"
	}
	return s
}
