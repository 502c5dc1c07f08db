// Package guard keeps user input inside the lifecycle graph and refuses to start a
// run when the workspace configuration is incomplete.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"projectflow/internal/config"
	"projectflow/internal/domain"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

// StartupError aggregates every configuration problem found before a run.
type StartupError struct {
	MissingConfig    []string
	MissingColumns   []string
	DuplicateColumns []string
	Unreachable      []string
}

func (e *StartupError) empty() bool {
	return len(e.MissingConfig)+len(e.MissingColumns)+len(e.DuplicateColumns)+len(e.Unreachable) == 0
}

func (e *StartupError) Error() string {
	var b strings.Builder
	b.WriteString("workspace is not ready to run:")
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n  %s:", title)
		for _, it := range items {
			fmt.Fprintf(&b, "\n    - %s", it)
		}
	}
	section("missing config keys", e.MissingConfig)
	section("missing columns", e.MissingColumns)
	section("duplicate columns", e.DuplicateColumns)
	section("unreachable resources", e.Unreachable)
	return b.String()
}

// AsStartupError unwraps err into a *StartupError.
func AsStartupError(err error) (*StartupError, bool) {
	var se *StartupError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CheckConfig reports missing required config keys and missing or duplicated
// column keys. It never touches a provider.
func CheckConfig(entries map[string]string, layout *records.Layout) *StartupError {
	se := &StartupError{}
	for _, key := range config.RequiredKeys {
		if strings.TrimSpace(entries[key]) == "" {
			se.MissingConfig = append(se.MissingConfig, key)
		}
	}
	if layout == nil {
		se.MissingColumns = append(se.MissingColumns, records.RequiredKeys...)
	} else {
		se.MissingColumns = layout.Missing(records.RequiredKeys)
		se.DuplicateColumns = layout.Duplicates()
	}
	if se.empty() {
		return nil
	}
	return se
}

type probe struct {
	key    string
	exists func(ctx context.Context, id string) (bool, error)
}

// CheckStartup runs CheckConfig and then verifies that every configured folder and
// file id resolves through the providers. All findings come back in one error.
func CheckStartup(ctx context.Context, entries map[string]string, layout *records.Layout, set provider.Set) error {
	se := CheckConfig(entries, layout)
	if se == nil {
		se = &StartupError{}
	}
	var probes []probe
	if set.Folders != nil {
		probes = append(probes,
			probe{config.KeyRootFolderID, set.Folders.Exists},
			probe{config.KeyParentFolderID, set.Folders.Exists},
			probe{config.KeySpreadsheetID, set.Folders.Exists},
		)
	}
	if set.Documents != nil {
		probes = append(probes, probe{config.KeyTemplateFileID, set.Documents.Exists})
	}
	for _, p := range probes {
		id := strings.TrimSpace(entries[p.key])
		if id == "" {
			continue
		}
		ok, err := p.exists(ctx, id)
		switch {
		case err != nil:
			se.Unreachable = append(se.Unreachable, fmt.Sprintf("%s=%s: %v", p.key, id, err))
		case !ok:
			se.Unreachable = append(se.Unreachable, fmt.Sprintf("%s=%s: not found", p.key, id))
		}
	}
	if se.empty() {
		return nil
	}
	return se
}

// ApplyEdit validates a human edit of the automation status cell and applies it to rec.
func ApplyEdit(rec *records.Record, raw string) (from, to domain.AutomationStatus, err error) {
	from = rec.Status()
	to, err = domain.ParseStatus(raw)
	if err != nil {
		return from, to, err
	}
	if err := domain.EnsureActorTransition(from, to); err != nil {
		return from, to, err
	}
	rec.SetStatus(to)
	return from, to, nil
}

// GuardStore persists the per-row allowed values shown by editors.
type GuardStore interface {
	UpsertRowGuard(ctx context.Context, row int, allowed []string) error
	ReplaceRowGuards(ctx context.Context, guards map[int][]string) error
	RowGuard(ctx context.Context, row int) ([]string, error)
}

type RowGuard struct {
	Store GuardStore
}

// Refresh persists the allowed values for exactly one row.
func (g RowGuard) Refresh(ctx context.Context, rec *records.Record) error {
	if g.Store == nil {
		return nil
	}
	return g.Store.UpsertRowGuard(ctx, rec.Row, domain.AllowedNextStrings(rec.Status()))
}

// Allowed returns the stored allowed values for rec. A missing guard, or one written
// for a different status than the row now holds, falls back to the transition table.
func (g RowGuard) Allowed(ctx context.Context, rec *records.Record) []string {
	computed := domain.AllowedNextStrings(rec.Status())
	if g.Store == nil {
		return computed
	}
	stored, err := g.Store.RowGuard(ctx, rec.Row)
	if err != nil {
		return computed
	}
	for _, v := range stored {
		if v == string(rec.Status()) {
			return stored
		}
	}
	return computed
}

// SyncAll rewrites the guards of every record. It reads only, so it takes no lock.
func (g RowGuard) SyncAll(ctx context.Context, recs []*records.Record) (int, error) {
	guards := make(map[int][]string, len(recs))
	for _, rec := range recs {
		guards[rec.Row] = domain.AllowedNextStrings(rec.Status())
	}
	if err := g.Store.ReplaceRowGuards(ctx, guards); err != nil {
		return 0, err
	}
	return len(guards), nil
}

// Summary counts records per automation status, in display order.
func Summary(recs []*records.Record) []StatusCount {
	counts := map[domain.AutomationStatus]int{}
	for _, r := range recs {
		counts[r.Status()]++
	}
	var out []StatusCount
	for _, s := range domain.AllStatuses {
		if n := counts[s]; n > 0 {
			out = append(out, StatusCount{Status: s, Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

type StatusCount struct {
	Status domain.AutomationStatus `json:"status"`
	Count  int                     `json:"count"`
}
