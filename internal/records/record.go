package records

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"projectflow/internal/domain"
)

const DateLayout = "2006-01-02"

// Record is one project row. Cells are strings addressed by internal key; writes
// are tracked so a flush rewrites only the cells that changed.
type Record struct {
	Row    int
	Hidden bool

	layout *Layout
	cells  []string
	dirty  map[int]struct{}
}

// New wraps cells for row using layout. Short rows are padded to the layout width.
func New(layout *Layout, row int, cells []string) *Record {
	width := layout.Width()
	if len(cells) > width {
		width = len(cells)
	}
	padded := make([]string, width)
	copy(padded, cells)
	return &Record{Row: row, layout: layout, cells: padded, dirty: map[int]struct{}{}}
}

func (r *Record) Layout() *Layout { return r.layout }

// Get returns the trimmed cell value for key, or "" when the key is not in the layout.
func (r *Record) Get(key string) string {
	i, ok := r.layout.ColumnIndex(key)
	if !ok || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

// Set writes value and marks the cell dirty when it changed. Keys missing from the
// layout are ignored; startup checks reject layouts without the required keys.
func (r *Record) Set(key, value string) bool {
	i, ok := r.layout.ColumnIndex(key)
	if !ok {
		return false
	}
	for i >= len(r.cells) {
		r.cells = append(r.cells, "")
	}
	if r.cells[i] == value {
		return false
	}
	r.cells[i] = value
	r.dirty[i] = struct{}{}
	return true
}

// SetOnce writes value only when the cell is blank.
func (r *Record) SetOnce(key, value string) bool {
	if r.Get(key) != "" {
		return false
	}
	return r.Set(key, value)
}

func (r *Record) Dirty() bool { return len(r.dirty) > 0 }

// DirtyCells returns position -> value for every changed cell.
func (r *Record) DirtyCells() map[int]string {
	out := make(map[int]string, len(r.dirty))
	for i := range r.dirty {
		out[i] = r.cells[i]
	}
	return out
}

func (r *Record) ClearDirty() { r.dirty = map[int]struct{}{} }

func (r *Record) Cells() []string { return append([]string(nil), r.cells...) }

// Fields returns key -> value for every column in the layout.
func (r *Record) Fields() map[string]string {
	out := map[string]string{}
	for _, c := range r.layout.Columns() {
		if c.Key == "" {
			continue
		}
		out[c.Key] = r.Get(c.Key)
	}
	return out
}

func (r *Record) ID() string   { return r.Get(KeyID) }
func (r *Record) Name() string { return r.Get(KeyName) }

// Status parses the automation status cell. Unknown values read as blank so the
// processor leaves the row alone.
func (r *Record) Status() domain.AutomationStatus {
	s, err := domain.ParseStatus(r.Get(KeyAutomationStatus))
	if err != nil {
		return domain.StatusBlank
	}
	return s
}

func (r *Record) SetStatus(s domain.AutomationStatus) bool {
	return r.Set(KeyAutomationStatus, string(s))
}

// DueDate parses the due date cell. ok is false when the cell is blank.
func (r *Record) DueDate() (due time.Time, ok bool, err error) {
	raw := r.Get(KeyDueDate)
	if raw == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{DateLayout, time.RFC3339, "1/2/2006", "01/02/2006"} {
		if t, perr := time.Parse(layout, raw); perr == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true, nil
		}
	}
	return time.Time{}, true, fmt.Errorf("due date %q is not a date", raw)
}

func (r *Record) Assignees() []string { return SplitTokens(r.Get(KeyAssignees)) }

// Label is a short human reference used in logs and diagnostics.
func (r *Record) Label() string {
	if id := r.ID(); id != "" {
		return fmt.Sprintf("row %d (%s)", r.Row, id)
	}
	return fmt.Sprintf("row %d", r.Row)
}

// SplitTokens splits a comma or semicolon separated cell into an ordered set,
// dropping blanks and case-insensitive duplicates.
func SplitTokens(cell string) []string {
	parts := strings.FieldsFunc(cell, func(r rune) bool { return r == ',' || r == ';' || r == '\n' })
	seen := map[string]bool{}
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k := strings.ToLower(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// JoinTokens is the inverse of SplitTokens.
func JoinTokens(tokens []string) string { return strings.Join(tokens, ", ") }

// SortByRow orders records by row number.
func SortByRow(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Row < recs[j].Row })
}
