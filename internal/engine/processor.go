// Package engine runs the lifecycle processor: one pass over the record store that
// provisions ready projects, re-syncs updated ones and tears down deleted ones.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"projectflow/internal/config"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/events"
	"projectflow/internal/guard"
	"projectflow/internal/lock"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

var rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "projectflow_batch_rows_total",
	Help: "Rows handled by the lifecycle processor by outcome.",
}, []string{"outcome"})

var batchSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "projectflow_batch_lock_skipped_total",
	Help: "Batches skipped because the automation lock was busy.",
})

const actorProcessor = "processor"

// IDAllocator mints project ids. Callers hold the automation lock.
type IDAllocator interface {
	Next(ctx context.Context, bucket string) (string, error)
}

// Notifier is the part of the dispatcher the processor uses.
type Notifier interface {
	NewProject(ctx context.Context, p notify.ProjectInfo) error
	ProjectUpdated(ctx context.Context, p notify.ProjectInfo, c notify.ChangeSummary) error
	ProjectCancelled(ctx context.Context, p notify.ProjectInfo) error
	AdminError(ctx context.Context, p notify.ProjectInfo, cause error, cc []string) error
	AdminReport(ctx context.Context, title string, lines []string) error
}

type Processor struct {
	Store     records.Store
	Allocator IDAllocator
	Directory *directory.Directory
	Providers provider.Set
	Notifier  Notifier
	Guard     guard.RowGuard
	Events    events.Writer
	Lock      lock.Locker
	LockWait  time.Duration
	Settings  config.Settings
	Logger    *slog.Logger
	Now       func() time.Time
}

// RowResult is the outcome of one processed row.
type RowResult struct {
	Row     int                     `json:"row"`
	ID      string                  `json:"id,omitempty"`
	From    domain.AutomationStatus `json:"from"`
	To      domain.AutomationStatus `json:"to"`
	Resumed bool                    `json:"resumed,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

type Report struct {
	Created     int         `json:"created"`
	Updated     int         `json:"updated"`
	Deleted     int         `json:"deleted"`
	Errored     int         `json:"errored"`
	Resumed     int         `json:"resumed"`
	Untouched   int         `json:"untouched"`
	LockSkipped bool        `json:"lock_skipped,omitempty"`
	Rows        []RowResult `json:"rows,omitempty"`
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run processes every actionable row once. A busy lock skips the batch without error;
// the next scheduled run catches up. Row failures never abort the batch.
func (p *Processor) Run(ctx context.Context) (Report, error) {
	var rep Report
	logger := p.logger()
	if p.Lock != nil {
		release, err := p.Lock.Acquire(ctx, p.LockWait)
		if errors.Is(err, lock.ErrLockTimeout) {
			logger.Warn("batch skipped, automation lock busy", "wait", p.LockWait)
			batchSkipped.Inc()
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
	if p.Directory == nil {
		p.Directory = directory.New(nil)
	}

	recs, err := p.Store.LoadAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("load records: %w", err)
	}
	var toHide []*records.Record
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		from := rec.Status()
		if from != domain.StatusReady && from != domain.StatusUpdated && !from.IsDelete() {
			rep.Untouched++
			continue
		}
		res := p.processRow(ctx, rec)
		rep.Rows = append(rep.Rows, res)
		switch {
		case res.To == domain.StatusError:
			rep.Errored++
		case res.To == domain.StatusDeleted:
			rep.Deleted++
			toHide = append(toHide, rec)
		case from == domain.StatusUpdated:
			rep.Updated++
		default:
			rep.Created++
			if res.Resumed {
				rep.Resumed++
			}
		}
		rowsTotal.WithLabelValues(strings.ToLower(string(res.To))).Inc()
		if _, err := p.Store.FlushDirty(ctx, []*records.Record{rec}); err != nil {
			return rep, fmt.Errorf("flush %s: %w", rec.Label(), err)
		}
		if res.To == domain.StatusError || res.To == domain.StatusDeleted {
			if err := p.Guard.Refresh(ctx, rec); err != nil {
				logger.Warn("row guard not refreshed", "row", rec.Row, "error", err)
			}
		}
	}
	// Hiding changes sheet geometry, so it waits until every row is flushed.
	for _, rec := range toHide {
		if err := p.Store.HideRecord(ctx, rec); err != nil {
			logger.Error("hide deleted row", "row", rec.Row, "error", err)
		}
	}
	logger.Info("batch finished", "created", rep.Created, "updated", rep.Updated, "deleted", rep.Deleted,
		"errored", rep.Errored, "resumed", rep.Resumed)
	return rep, nil
}

func (p *Processor) processRow(ctx context.Context, rec *records.Record) RowResult {
	from := rec.Status()
	res := RowResult{Row: rec.Row, From: from}
	var err error
	switch {
	case from == domain.StatusReady:
		res.Resumed, err = p.processReady(ctx, rec)
	case from == domain.StatusUpdated:
		err = p.processUpdated(ctx, rec)
	case from.IsDelete():
		err = p.processDelete(ctx, rec)
	}
	res.ID = rec.ID()
	if err != nil {
		p.fail(ctx, rec, from, err)
		res.Error = err.Error()
	}
	res.To = rec.Status()
	return res
}

// transition moves rec along a processor edge and records the audit event.
func (p *Processor) transition(ctx context.Context, rec *records.Record, to domain.AutomationStatus, extra events.EventPayload) error {
	from := rec.Status()
	if err := domain.EnsureProcessorTransition(from, to); err != nil {
		return err
	}
	rec.SetStatus(to)
	payload := events.EventPayload{"row": rec.Row, "from": string(from), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	if err := p.Events.Append(ctx, nil, events.TypeTransition, "record", rec.ID(), actorProcessor, payload); err != nil {
		p.logger().Warn("transition event not recorded", "row", rec.Row, "error", err)
	}
	return nil
}

// fail parks the row in Error with the diagnostic a human needs to fix it, and
// tells the admin.
func (p *Processor) fail(ctx context.Context, rec *records.Record, from domain.AutomationStatus, cause error) {
	logger := p.logger()
	logger.Error("row failed", "row", rec.Row, "id", rec.ID(), "status", string(from), "error", cause)
	if err := p.transition(ctx, rec, domain.StatusError, events.EventPayload{"error": cause.Error()}); err != nil {
		logger.Error("cannot mark row as error", "row", rec.Row, "error", err)
		return
	}
	rec.Set(records.KeyAutomationDetail, p.now().UTC().Format(time.RFC3339)+" "+cause.Error())

	var cc []string
	if p.Settings.CCRequesterOnError {
		if addr, ok := p.Directory.ResolveToAddress(rec.Get(records.KeyRequestedBy)); ok {
			cc = append(cc, addr)
		}
	}
	if p.Notifier != nil {
		if err := p.Notifier.AdminError(ctx, p.projectInfo(rec, nil), cause, cc); err != nil {
			logger.Error("admin error notification not sent", "row", rec.Row, "error", err)
		}
	}
}

// StampCompletion records completed_at the first time project_status is terminal.
func (p *Processor) StampCompletion(rec *records.Record) bool {
	return StampCompletion(rec, p.Settings, p.now())
}

// StampCompletion sets completed_at to today when the record is terminal and the
// cell is empty. It never clears the cell.
func StampCompletion(rec *records.Record, s config.Settings, now time.Time) bool {
	if !IsTerminal(rec, s) || rec.Get(records.KeyCompletedAt) != "" {
		return false
	}
	return rec.Set(records.KeyCompletedAt, s.Today(now).Format(records.DateLayout))
}

// IsTerminal reports whether the record's project status is the terminal value.
func IsTerminal(rec *records.Record, s config.Settings) bool {
	terminal := s.TerminalStatus
	if terminal == "" {
		terminal = "Complete"
	}
	return strings.EqualFold(strings.TrimSpace(rec.Get(records.KeyProjectStatus)), terminal)
}
