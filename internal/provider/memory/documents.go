package memory

import (
	"context"
	"fmt"
	"sync"

	"projectflow/internal/provider"
)

type File struct {
	ID         string
	Name       string
	FolderID   string
	TemplateID string
	Fields     map[string]string
}

type Documents struct {
	Faults

	mu    sync.Mutex
	files map[string]*File
	seq   int
}

func NewDocuments() *Documents {
	return &Documents{files: map[string]*File{}}
}

// AddTemplate registers a file that can be copied.
func (d *Documents) AddTemplate(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[id] = &File{ID: id, Name: id, Fields: map[string]string{}}
}

func (d *Documents) Copy(ctx context.Context, templateID, name, parentFolderID string) (string, error) {
	if err := d.hit("copy"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[templateID]; !ok {
		return "", &provider.Error{Op: "copy " + templateID, Err: provider.ErrNotFound}
	}
	d.seq++
	id := fmt.Sprintf("file-%d", d.seq)
	d.files[id] = &File{ID: id, Name: name, FolderID: parentFolderID, TemplateID: templateID, Fields: map[string]string{}}
	return id, nil
}

func (d *Documents) WriteFields(ctx context.Context, fileID string, fields map[string]string) error {
	if err := d.hit("write_fields"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return &provider.Error{Op: "write fields " + fileID, Err: provider.ErrNotFound}
	}
	for k, v := range fields {
		f.Fields[k] = v
	}
	return nil
}

func (d *Documents) Exists(ctx context.Context, id string) (bool, error) {
	if err := d.hit("exists"); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[id]
	return ok, nil
}

// File returns a copy of the stored file.
func (d *Documents) File(id string) (File, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[id]
	if !ok {
		return File{}, false
	}
	cp := *f
	cp.Fields = map[string]string{}
	for k, v := range f.Fields {
		cp.Fields[k] = v
	}
	return cp, true
}

// Count returns the number of copied files, templates excluded.
func (d *Documents) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.files {
		if f.TemplateID != "" {
			n++
		}
	}
	return n
}
