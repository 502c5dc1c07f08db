package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"projectflow/internal/records"
)

// Sheet is the SQLite-backed record store: a key row and label row in
// sheet_columns plus one JSON cell array per record row.
type Sheet struct {
	DB  *sql.DB
	Now func() time.Time

	mu     sync.Mutex
	layout *records.Layout
}

// Sheet row numbers start after the key and label rows.
const firstDataRow = 3

func NewSheet(db *sql.DB) *Sheet {
	return &Sheet{DB: db, Now: time.Now}
}

func (s *Sheet) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

// Layout returns the layout from the last load, loading it on first use.
func (s *Sheet) Layout() *records.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		if l, err := s.loadLayout(context.Background()); err == nil {
			s.layout = l
		} else {
			s.layout = records.NewLayout(nil)
		}
	}
	return s.layout
}

// Columns returns the stored key and label rows.
func (s *Sheet) Columns(ctx context.Context) ([]records.Column, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, label FROM sheet_columns ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []records.Column
	for rows.Next() {
		var c records.Column
		if err := rows.Scan(&c.Key, &c.Label); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *Sheet) loadLayout(ctx context.Context) (*records.Layout, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	return records.NewLayout(cols), nil
}

// SetColumns replaces the key and label rows. Existing cells keep their positions.
func (s *Sheet) SetColumns(ctx context.Context, cols []records.Column) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sheet_columns`); err != nil {
		return err
	}
	for i, c := range cols {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sheet_columns(position,key,label) VALUES (?,?,?)`, i, c.Key, c.Label); err != nil {
			return fmt.Errorf("insert column %s: %w", c.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.layout = records.NewLayout(cols)
	s.mu.Unlock()
	return nil
}

func (s *Sheet) LoadAll(ctx context.Context) ([]*records.Record, error) {
	layout, err := s.loadLayout(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.layout = layout
	s.mu.Unlock()

	rows, err := s.DB.QueryContext(ctx, `SELECT row_num, cells_json FROM sheet_rows WHERE hidden=0 ORDER BY row_num`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*records.Record
	for rows.Next() {
		var row int
		var raw string
		if err := rows.Scan(&row, &raw); err != nil {
			return nil, err
		}
		cells, err := decodeCells(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		out = append(out, records.New(layout, row, cells))
	}
	return out, rows.Err()
}

// Get loads a single row, hidden or not.
func (s *Sheet) Get(ctx context.Context, row int) (*records.Record, error) {
	layout := s.Layout()
	var raw string
	var hidden int
	err := s.DB.QueryRowContext(ctx, `SELECT cells_json, hidden FROM sheet_rows WHERE row_num=?`, row).Scan(&raw, &hidden)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("row %d: %w", row, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	cells, err := decodeCells(raw)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", row, err)
	}
	rec := records.New(layout, row, cells)
	rec.Hidden = hidden != 0
	return rec, nil
}

func (s *Sheet) AppendRecord(ctx context.Context, fields map[string]string) (*records.Record, error) {
	layout := s.Layout()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var maxRow sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(row_num) FROM sheet_rows`).Scan(&maxRow); err != nil {
		return nil, err
	}
	row := firstDataRow
	if maxRow.Valid && int(maxRow.Int64) >= row {
		row = int(maxRow.Int64) + 1
	}
	rec := records.New(layout, row, nil)
	for k, v := range fields {
		rec.Set(k, v)
	}
	rec.ClearDirty()
	data, err := json.Marshal(rec.Cells())
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sheet_rows(row_num,cells_json,hidden,updated_at) VALUES (?,?,0,?)`, row, string(data), s.now()); err != nil {
		return nil, fmt.Errorf("append row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// FlushDirty merges only the dirty positions of each record into the stored row, so
// concurrent edits to other cells survive the write.
func (s *Sheet) FlushDirty(ctx context.Context, recs []*records.Record) (int, error) {
	var dirty []*records.Record
	for _, rec := range recs {
		if rec.Dirty() {
			dirty = append(dirty, rec)
		}
	}
	if len(dirty) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	ts := s.now()
	for _, rec := range dirty {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT cells_json FROM sheet_rows WHERE row_num=?`, rec.Row).Scan(&raw)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("flush row %d: %w", rec.Row, ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		cells, err := decodeCells(raw)
		if err != nil {
			return 0, fmt.Errorf("flush row %d: %w", rec.Row, err)
		}
		for i, v := range rec.DirtyCells() {
			for i >= len(cells) {
				cells = append(cells, "")
			}
			cells[i] = v
		}
		data, err := json.Marshal(cells)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sheet_rows SET cells_json=?, updated_at=? WHERE row_num=?`, string(data), ts, rec.Row); err != nil {
			return 0, fmt.Errorf("flush row %d: %w", rec.Row, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, rec := range dirty {
		rec.ClearDirty()
	}
	return len(dirty), nil
}

func (s *Sheet) HideRecord(ctx context.Context, rec *records.Record) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE sheet_rows SET hidden=1, updated_at=? WHERE row_num=?`, s.now(), rec.Row)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hide row %d: %w", rec.Row, ErrNotFound)
	}
	rec.Hidden = true
	return nil
}

func decodeCells(raw string) ([]string, error) {
	var cells []string
	if raw == "" {
		return cells, nil
	}
	if err := json.Unmarshal([]byte(raw), &cells); err != nil {
		return nil, fmt.Errorf("decode cells: %w", err)
	}
	return cells, nil
}
