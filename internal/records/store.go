package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrRecordNotFound = errors.New("record not found")

// Store is the tabular record storage boundary.
type Store interface {
	// LoadAll returns every visible record. The layout is refreshed on each call.
	LoadAll(ctx context.Context) ([]*Record, error)
	Layout() *Layout
	AppendRecord(ctx context.Context, fields map[string]string) (*Record, error)
	// FlushDirty persists only dirty cells and clears their dirty marks.
	FlushDirty(ctx context.Context, recs []*Record) (int, error)
	HideRecord(ctx context.Context, rec *Record) error
}

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	layout *Layout
	rows   map[int][]string
	hidden map[int]bool
	next   int

	Flushes int
}

func NewMemoryStore(cols []Column) *MemoryStore {
	return &MemoryStore{
		layout: NewLayout(cols),
		rows:   map[int][]string{},
		hidden: map[int]bool{},
		next:   2,
	}
}

func (m *MemoryStore) Layout() *Layout { return m.layout }

func (m *MemoryStore) LoadAll(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for row, cells := range m.rows {
		if m.hidden[row] {
			continue
		}
		out = append(out, New(m.layout, row, cells))
	}
	SortByRow(out)
	return out, nil
}

// Get returns a fresh copy of row including hidden rows.
func (m *MemoryStore) Get(row int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cells, ok := m.rows[row]
	if !ok {
		return nil, fmt.Errorf("row %d: %w", row, ErrRecordNotFound)
	}
	rec := New(m.layout, row, cells)
	rec.Hidden = m.hidden[row]
	return rec, nil
}

func (m *MemoryStore) AppendRecord(ctx context.Context, fields map[string]string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := New(m.layout, m.next, nil)
	for k, v := range fields {
		rec.Set(k, v)
	}
	rec.ClearDirty()
	m.rows[m.next] = rec.Cells()
	m.next++
	return rec, nil
}

func (m *MemoryStore) FlushDirty(ctx context.Context, recs []*Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if !rec.Dirty() {
			continue
		}
		cells, ok := m.rows[rec.Row]
		if !ok {
			return n, fmt.Errorf("row %d: %w", rec.Row, ErrRecordNotFound)
		}
		for i, v := range rec.DirtyCells() {
			for i >= len(cells) {
				cells = append(cells, "")
			}
			cells[i] = v
		}
		m.rows[rec.Row] = cells
		rec.ClearDirty()
		n++
	}
	m.Flushes++
	return n, nil
}

func (m *MemoryStore) HideRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.Row]; !ok {
		return fmt.Errorf("row %d: %w", rec.Row, ErrRecordNotFound)
	}
	m.hidden[rec.Row] = true
	rec.Hidden = true
	return nil
}
