package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"projectflow/internal/domain"
	"projectflow/internal/provider"
)

type Folder struct {
	ID       string
	ParentID string
	Name     string
}

type Folders struct {
	Faults

	Owner string

	mu        sync.Mutex
	folders   map[string]*Folder
	resources map[string]bool
	grants    map[string]map[string]domain.Grant
	seq       int
}

func NewFolders(owner string) *Folders {
	return &Folders{
		Owner:     owner,
		folders:   map[string]*Folder{},
		resources: map[string]bool{},
		grants:    map[string]map[string]domain.Grant{},
	}
}

// AddResource registers a shareable id that is not a folder, like the record store.
func (f *Folders) AddResource(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[id] = true
	f.setGrant(id, f.Owner, domain.RoleOwner)
}

// AddFolder registers a pre-existing folder.
func (f *Folders) AddFolder(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[id] = &Folder{ID: id, Name: name}
	f.setGrant(id, f.Owner, domain.RoleOwner)
}

func (f *Folders) setGrant(id, address string, role domain.Role) {
	if address == "" {
		return
	}
	if f.grants[id] == nil {
		f.grants[id] = map[string]domain.Grant{}
	}
	f.grants[id][strings.ToLower(address)] = domain.Grant{Address: address, Role: role}
}

func (f *Folders) known(id string) bool {
	_, ok := f.folders[id]
	return ok || f.resources[id]
}

func (f *Folders) Create(ctx context.Context, parentID, name string) (string, error) {
	if err := f.hit("create"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if parentID != "" && !f.known(parentID) {
		return "", &provider.Error{Op: "create folder under " + parentID, Err: provider.ErrNotFound}
	}
	f.seq++
	id := fmt.Sprintf("folder-%d", f.seq)
	f.folders[id] = &Folder{ID: id, ParentID: parentID, Name: name}
	f.setGrant(id, f.Owner, domain.RoleOwner)
	return id, nil
}

// Share grants role unless the address already holds an equal or higher role.
func (f *Folders) Share(ctx context.Context, folderID, address string, role domain.Role, suppress bool) error {
	if err := f.hit("share"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known(folderID) {
		return &provider.Error{Op: "share " + folderID, Err: provider.ErrNotFound}
	}
	if cur, ok := f.grants[folderID][strings.ToLower(address)]; ok && cur.Role.Rank() >= role.Rank() {
		return nil
	}
	f.setGrant(folderID, address, role)
	return nil
}

func (f *Folders) ListGrants(ctx context.Context, id string) ([]domain.Grant, error) {
	if err := f.hit("list_grants"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known(id) {
		return nil, &provider.Error{Op: "list grants " + id, Err: provider.ErrNotFound}
	}
	var out []domain.Grant
	for _, g := range f.grants[id] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (f *Folders) AddGrant(ctx context.Context, id, address string, role domain.Role) error {
	if err := f.hit("add_grant"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known(id) {
		return &provider.Error{Op: "add grant " + id, Err: provider.ErrNotFound}
	}
	f.setGrant(id, address, role)
	return nil
}

func (f *Folders) RemoveGrant(ctx context.Context, id, address string) error {
	if err := f.hit("remove_grant"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[id][strings.ToLower(address)]
	if !ok {
		return nil
	}
	if g.IsOwner() {
		return errors.New("cannot remove owner grant")
	}
	delete(f.grants[id], strings.ToLower(address))
	return nil
}

func (f *Folders) Exists(ctx context.Context, id string) (bool, error) {
	if err := f.hit("exists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known(id), nil
}

func (f *Folders) Link(id string) string { return "memory://folders/" + id }

// Role returns the role address holds on id, or RoleNone.
func (f *Folders) Role(id, address string) domain.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[id][strings.ToLower(address)].Role
}

func (f *Folders) Folder(id string) (Folder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fo, ok := f.folders[id]
	if !ok {
		return Folder{}, false
	}
	return *fo, true
}

// Count returns the number of folders created through Create.
func (f *Folders) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fo := range f.folders {
		if fo.ParentID != "" {
			n++
		}
	}
	return n
}
