package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"projectflow/internal/domain"
	"projectflow/internal/provider"
	"projectflow/internal/records"
)

// Surfaces are the shared resources the sync manages besides project folders.
type Surfaces struct {
	StoreID  string
	RootID   string
	ParentID string
}

// SyncFailure is one grant operation that could not be applied.
type SyncFailure struct {
	Surface  string `json:"surface"`
	Resource string `json:"resource"`
	Address  string `json:"address,omitempty"`
	Op       string `json:"op"`
	Err      string `json:"error"`
}

func (f SyncFailure) String() string {
	if f.Address == "" {
		return fmt.Sprintf("%s %s (%s): %s", f.Op, f.Surface, f.Resource, f.Err)
	}
	return fmt.Sprintf("%s %s on %s (%s): %s", f.Op, f.Address, f.Surface, f.Resource, f.Err)
}

type SyncResult struct {
	Surfaces int           `json:"surfaces"`
	Granted  int           `json:"granted"`
	Removed  int           `json:"removed"`
	Failures []SyncFailure `json:"failures,omitempty"`
}

// Reporter receives the consolidated failure list of one sync.
type Reporter interface {
	PermissionReport(ctx context.Context, failures []SyncFailure) error
}

// Syncer reconciles grants on every managed surface against the directory.
type Syncer struct {
	Directory *Directory
	Folders   provider.FolderStore
	Surfaces  Surfaces
	// Owner is never granted, downgraded or removed.
	Owner    string
	Reporter Reporter
	Logger   *slog.Logger
}

type plan struct {
	surface  string
	resource string
	desired  map[string]domain.Role
	remove   map[string]bool
}

func newPlan(surface, resource string) *plan {
	return &plan{surface: surface, resource: resource, desired: map[string]domain.Role{}, remove: map[string]bool{}}
}

// RefreshAll computes and applies the grant deltas for the record store, the root
// and parent containers and every live project folder. Individual failures never
// stop the pass; they are collected and reported once at the end.
func (s *Syncer) RefreshAll(ctx context.Context, recs []*records.Record) (SyncResult, error) {
	logger := s.logger()
	var plans []*plan
	if s.Surfaces.StoreID != "" {
		plans = append(plans, s.sharedPlan("record store", s.Surfaces.StoreID, func(a domain.EffectiveAccess) domain.Role {
			return a.StoreRole
		}))
	}
	if s.Surfaces.RootID != "" {
		plans = append(plans, s.sharedPlan("root folder", s.Surfaces.RootID, func(a domain.EffectiveAccess) domain.Role {
			if a.FolderScope == domain.ScopeAll {
				return domain.RoleEditor
			}
			return domain.RoleViewer
		}))
	}
	if s.Surfaces.ParentID != "" {
		plans = append(plans, s.sharedPlan("parent folder", s.Surfaces.ParentID, func(a domain.EffectiveAccess) domain.Role {
			switch a.FolderScope {
			case domain.ScopeAll:
				return domain.RoleEditor
			case domain.ScopeView:
				return domain.RoleViewer
			}
			return domain.RoleNone
		}))
	}
	for _, rec := range recs {
		if p := s.folderPlan(rec); p != nil {
			plans = append(plans, p)
		}
	}

	var res SyncResult
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Surfaces++
		s.apply(ctx, p, &res)
	}
	logger.Info("permissions refreshed", "surfaces", res.Surfaces, "granted", res.Granted, "removed", res.Removed, "failures", len(res.Failures))
	if len(res.Failures) > 0 && s.Reporter != nil {
		if err := s.Reporter.PermissionReport(ctx, res.Failures); err != nil {
			logger.Error("permission report not sent", "error", err)
		}
	}
	return res, nil
}

func (s *Syncer) sharedPlan(surface, resource string, role func(domain.EffectiveAccess) domain.Role) *plan {
	p := newPlan(surface, resource)
	for _, e := range s.Directory.Entries() {
		if s.isOwner(e.Address) {
			continue
		}
		acc := EffectiveAccess(e)
		switch acc.Action {
		case domain.AccessRevoke:
			p.remove[strings.ToLower(e.Address)] = true
		case domain.AccessGrant:
			if r := role(acc); r != domain.RoleNone {
				p.desired[strings.ToLower(e.Address)] = r
			} else {
				p.remove[strings.ToLower(e.Address)] = true
			}
		}
	}
	return p
}

// folderPlan gives assignees and the requester editor access on the project folder.
// Tracked people who are revoked or no longer involved lose their direct grant.
func (s *Syncer) folderPlan(rec *records.Record) *plan {
	folderID := rec.Get(records.KeyFolderID)
	if folderID == "" || rec.Status() == domain.StatusDeleted {
		return nil
	}
	p := newPlan("project folder "+rec.Label(), folderID)
	involved := append(rec.Assignees(), rec.Get(records.KeyRequestedBy))
	addrs, _ := s.Directory.ResolveAll(involved)
	for _, addr := range addrs {
		e, ok := s.Directory.Entry(addr)
		if !ok || s.isOwner(addr) {
			continue
		}
		if EffectiveAccess(e).Action == domain.AccessGrant {
			p.desired[strings.ToLower(addr)] = domain.RoleEditor
		}
	}
	for _, e := range s.Directory.Entries() {
		key := strings.ToLower(e.Address)
		if _, wanted := p.desired[key]; wanted || s.isOwner(e.Address) {
			continue
		}
		if EffectiveAccess(e).Action != domain.AccessSkip {
			p.remove[key] = true
		}
	}
	return p
}

func (s *Syncer) apply(ctx context.Context, p *plan, res *SyncResult) {
	fail := func(op, addr string, err error) {
		res.Failures = append(res.Failures, SyncFailure{Surface: p.surface, Resource: p.resource, Address: addr, Op: op, Err: err.Error()})
	}
	grants, err := s.Folders.ListGrants(ctx, p.resource)
	if err != nil {
		fail("list grants", "", err)
		return
	}
	current := map[string]domain.Grant{}
	for _, g := range grants {
		current[strings.ToLower(g.Address)] = g
	}
	for _, addr := range sortedKeys(p.desired) {
		want := p.desired[addr]
		g, has := current[addr]
		if has && (g.IsOwner() || g.Role == want) {
			continue
		}
		if err := s.Folders.AddGrant(ctx, p.resource, s.addressFor(addr), want); err != nil {
			fail("grant "+string(want), addr, err)
			continue
		}
		res.Granted++
	}
	for addr := range p.remove {
		g, has := current[addr]
		if !has || g.IsOwner() || !s.Directory.Tracked(addr) {
			continue
		}
		if err := s.Folders.RemoveGrant(ctx, p.resource, g.Address); err != nil {
			fail("remove", addr, err)
			continue
		}
		res.Removed++
	}
}

func (s *Syncer) addressFor(lower string) string {
	if e, ok := s.Directory.Entry(lower); ok {
		return e.Address
	}
	return lower
}

func (s *Syncer) isOwner(address string) bool {
	return s.Owner != "" && strings.EqualFold(strings.TrimSpace(address), s.Owner)
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger.With("component", "permissions")
}
