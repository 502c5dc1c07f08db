// Package directory resolves people to addresses and decides what access each
// tracked person should hold.
package directory

import (
	"regexp"
	"sort"
	"strings"

	"projectflow/internal/domain"
)

var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// IsAddress reports whether s is a well-formed mail address.
func IsAddress(s string) bool { return addressPattern.MatchString(strings.TrimSpace(s)) }

// Directory is an immutable lookup over the directory table, built once per run.
type Directory struct {
	byName    map[string]domain.DirectoryEntry
	byAddress map[string]domain.DirectoryEntry
	entries   []domain.DirectoryEntry
}

func New(entries []domain.DirectoryEntry) *Directory {
	d := &Directory{
		byName:    map[string]domain.DirectoryEntry{},
		byAddress: map[string]domain.DirectoryEntry{},
	}
	for _, e := range entries {
		e.Address = strings.TrimSpace(e.Address)
		e.Name = strings.TrimSpace(e.Name)
		if e.Address == "" {
			continue
		}
		addr := strings.ToLower(e.Address)
		if _, dup := d.byAddress[addr]; dup {
			continue
		}
		d.byAddress[addr] = e
		if e.Name != "" {
			if _, dup := d.byName[strings.ToLower(e.Name)]; !dup {
				d.byName[strings.ToLower(e.Name)] = e
			}
		}
		d.entries = append(d.entries, e)
	}
	return d
}

// Entries returns the directory in table order.
func (d *Directory) Entries() []domain.DirectoryEntry {
	return append([]domain.DirectoryEntry(nil), d.entries...)
}

// ResolveToAddress returns token unchanged when it is already an address, otherwise
// the address of the entry whose name matches case-insensitively.
func (d *Directory) ResolveToAddress(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	if IsAddress(token) {
		return token, true
	}
	if e, ok := d.byName[strings.ToLower(token)]; ok && IsAddress(e.Address) {
		return e.Address, true
	}
	return "", false
}

// ResolveAll resolves every token, deduplicating addresses case-insensitively.
// Tokens that cannot be resolved are returned separately in input order.
func (d *Directory) ResolveAll(tokens []string) (addresses, unresolved []string) {
	seen := map[string]bool{}
	for _, tok := range tokens {
		addr, ok := d.ResolveToAddress(tok)
		if !ok {
			unresolved = append(unresolved, tok)
			continue
		}
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		addresses = append(addresses, addr)
	}
	return addresses, unresolved
}

// Entry looks up a tracked address.
func (d *Directory) Entry(address string) (domain.DirectoryEntry, bool) {
	e, ok := d.byAddress[strings.ToLower(strings.TrimSpace(address))]
	return e, ok
}

// Tracked reports whether the directory knows address at all.
func (d *Directory) Tracked(address string) bool {
	_, ok := d.Entry(address)
	return ok
}

// DisplayName returns the directory name for address, or address itself.
func (d *Directory) DisplayName(address string) string {
	if e, ok := d.Entry(address); ok && e.Name != "" {
		return e.Name
	}
	return address
}

// EffectiveAccess applies directory precedence to one entry.
func EffectiveAccess(e domain.DirectoryEntry) domain.EffectiveAccess {
	switch e.Active {
	case domain.ActiveNo:
		return domain.EffectiveAccess{Action: domain.AccessRevoke}
	case domain.ActiveYes:
	default:
		return domain.EffectiveAccess{Action: domain.AccessSkip}
	}
	switch e.GlobalAccess {
	case domain.RoleEditor:
		return domain.EffectiveAccess{StoreRole: domain.RoleEditor, FolderScope: domain.ScopeAll, Action: domain.AccessGrant}
	case domain.RoleViewer:
		acc := domain.EffectiveAccess{StoreRole: domain.RoleViewer, FolderScope: domain.ScopeView, Action: domain.AccessGrant}
		if e.MainRoleOverride == domain.RoleEditor {
			acc.StoreRole = domain.RoleEditor
		}
		if e.FolderScopeOverride == domain.ScopeAll {
			acc.FolderScope = domain.ScopeAll
		}
		return acc
	}
	acc := domain.EffectiveAccess{StoreRole: e.MainRoleOverride, FolderScope: e.FolderScopeOverride, Action: domain.AccessGrant}
	if acc.StoreRole == domain.RoleOwner {
		acc.StoreRole = domain.RoleEditor
	}
	if acc.FolderScope == domain.ScopeNone {
		acc.FolderScope = domain.ScopeAssigned
	}
	return acc
}

// ParseRole accepts a role cell case-insensitively. Unknown values are blank.
func ParseRole(s string) domain.Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "editor":
		return domain.RoleEditor
	case "viewer":
		return domain.RoleViewer
	}
	return domain.RoleNone
}

func ParseScope(s string) domain.FolderScope {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all":
		return domain.ScopeAll
	case "view":
		return domain.ScopeView
	case "assigned":
		return domain.ScopeAssigned
	}
	return domain.ScopeNone
}

func ParseActive(s string) domain.ActiveFlag {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true":
		return domain.ActiveYes
	case "no", "n", "false":
		return domain.ActiveNo
	}
	return domain.ActiveBlank
}

func sortedKeys(m map[string]domain.Role) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
