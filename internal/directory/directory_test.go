package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/provider"
	"projectflow/internal/provider/memory"
	"projectflow/internal/records"
)

const owner = "automation@district.org"

func entries() []domain.DirectoryEntry {
	return []domain.DirectoryEntry{
		{Name: "Ana Ruiz", Address: "ana@district.org", Active: domain.ActiveYes, GlobalAccess: domain.RoleEditor},
		{Name: "Ben Cho", Address: "ben@district.org", Active: domain.ActiveYes, GlobalAccess: domain.RoleViewer, FolderScopeOverride: domain.ScopeAll},
		{Name: "Cy Park", Address: "cy@district.org", Active: domain.ActiveYes, MainRoleOverride: domain.RoleViewer},
		{Name: "Dee Lee", Address: "dee@district.org", Active: domain.ActiveNo, GlobalAccess: domain.RoleEditor},
		{Name: "Eve Ng", Address: "eve@district.org", Active: domain.ActiveBlank, GlobalAccess: domain.RoleEditor},
	}
}

func TestResolveToAddress(t *testing.T) {
	d := directory.New(entries())
	addr, ok := d.ResolveToAddress("  ana ruiz ")
	require.True(t, ok)
	require.Equal(t, "ana@district.org", addr)

	addr, ok = d.ResolveToAddress("stranger@elsewhere.org")
	require.True(t, ok)
	require.Equal(t, "stranger@elsewhere.org", addr)

	_, ok = d.ResolveToAddress("Nobody Known")
	require.False(t, ok)

	addrs, unresolved := d.ResolveAll([]string{"Ana Ruiz", "ANA@district.org", "ghost", "cy@district.org"})
	require.Equal(t, []string{"ana@district.org", "cy@district.org"}, addrs)
	require.Equal(t, []string{"ghost"}, unresolved)
}

func TestEffectiveAccessPrecedence(t *testing.T) {
	cases := []struct {
		name  string
		entry domain.DirectoryEntry
		want  domain.EffectiveAccess
	}{
		{"global editor wins", domain.DirectoryEntry{Active: domain.ActiveYes, GlobalAccess: domain.RoleEditor, FolderScopeOverride: domain.ScopeAssigned},
			domain.EffectiveAccess{StoreRole: domain.RoleEditor, FolderScope: domain.ScopeAll, Action: domain.AccessGrant}},
		{"viewer baseline", domain.DirectoryEntry{Active: domain.ActiveYes, GlobalAccess: domain.RoleViewer},
			domain.EffectiveAccess{StoreRole: domain.RoleViewer, FolderScope: domain.ScopeView, Action: domain.AccessGrant}},
		{"viewer upgraded", domain.DirectoryEntry{Active: domain.ActiveYes, GlobalAccess: domain.RoleViewer, MainRoleOverride: domain.RoleEditor, FolderScopeOverride: domain.ScopeAll},
			domain.EffectiveAccess{StoreRole: domain.RoleEditor, FolderScope: domain.ScopeAll, Action: domain.AccessGrant}},
		{"viewer never downgraded", domain.DirectoryEntry{Active: domain.ActiveYes, GlobalAccess: domain.RoleViewer, FolderScopeOverride: domain.ScopeAssigned},
			domain.EffectiveAccess{StoreRole: domain.RoleViewer, FolderScope: domain.ScopeView, Action: domain.AccessGrant}},
		{"local overrides", domain.DirectoryEntry{Active: domain.ActiveYes, MainRoleOverride: domain.RoleViewer},
			domain.EffectiveAccess{StoreRole: domain.RoleViewer, FolderScope: domain.ScopeAssigned, Action: domain.AccessGrant}},
		{"inactive revokes", domain.DirectoryEntry{Active: domain.ActiveNo, GlobalAccess: domain.RoleEditor},
			domain.EffectiveAccess{Action: domain.AccessRevoke}},
		{"blank is untouched", domain.DirectoryEntry{GlobalAccess: domain.RoleEditor},
			domain.EffectiveAccess{Action: domain.AccessSkip}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, directory.EffectiveAccess(tc.entry))
		})
	}
}

type captureReporter struct{ failures []directory.SyncFailure }

func (c *captureReporter) PermissionReport(ctx context.Context, f []directory.SyncFailure) error {
	c.failures = append(c.failures, f...)
	return nil
}

func TestRefreshAllAppliesDeltas(t *testing.T) {
	ctx := context.Background()
	fakes := memory.New(owner)
	fakes.Folders.AddResource("sheet")
	fakes.Folders.AddFolder("root", "Root")
	fakes.Folders.AddFolder("parent", "Projects")
	fakes.Folders.AddFolder("proj", "Gym [NSD-1]")
	require.NoError(t, fakes.Folders.AddGrant(ctx, "sheet", "dee@district.org", domain.RoleEditor))
	require.NoError(t, fakes.Folders.AddGrant(ctx, "sheet", "eve@district.org", domain.RoleEditor))
	require.NoError(t, fakes.Folders.AddGrant(ctx, "proj", "outsider@else.org", domain.RoleEditor))
	require.NoError(t, fakes.Folders.AddGrant(ctx, "proj", "ben@district.org", domain.RoleEditor))

	store := records.NewMemoryStore(records.DefaultColumns)
	_, err := store.AppendRecord(ctx, map[string]string{
		records.KeyName: "Gym", records.KeyFolderID: "proj",
		records.KeyAssignees: "Cy Park", records.KeyRequestedBy: "ana@district.org",
		records.KeyAutomationStatus: "Created",
	})
	require.NoError(t, err)
	recs, err := store.LoadAll(ctx)
	require.NoError(t, err)

	reporter := &captureReporter{}
	s := &directory.Syncer{
		Directory: directory.New(entries()),
		Folders:   fakes.Folders,
		Surfaces:  directory.Surfaces{StoreID: "sheet", RootID: "root", ParentID: "parent"},
		Owner:     owner,
		Reporter:  reporter,
	}
	res, err := s.RefreshAll(ctx, recs)
	require.NoError(t, err)
	require.Equal(t, 4, res.Surfaces)
	require.Empty(t, res.Failures)
	require.Empty(t, reporter.failures)

	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("sheet", "ana@district.org"))
	require.Equal(t, domain.RoleViewer, fakes.Folders.Role("sheet", "ben@district.org"))
	require.Equal(t, domain.RoleViewer, fakes.Folders.Role("sheet", "cy@district.org"))
	require.Equal(t, domain.RoleNone, fakes.Folders.Role("sheet", "dee@district.org"))
	// Blank active flag leaves the existing grant alone.
	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("sheet", "eve@district.org"))
	require.Equal(t, domain.RoleOwner, fakes.Folders.Role("sheet", owner))

	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("parent", "ben@district.org"))
	require.Equal(t, domain.RoleNone, fakes.Folders.Role("parent", "cy@district.org"))
	require.Equal(t, domain.RoleViewer, fakes.Folders.Role("root", "cy@district.org"))

	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("proj", "cy@district.org"))
	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("proj", "ana@district.org"))
	require.Equal(t, domain.RoleNone, fakes.Folders.Role("proj", "ben@district.org"))
	// Untracked addresses are never touched.
	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("proj", "outsider@else.org"))

	// A second pass has nothing left to do.
	again, err := s.RefreshAll(ctx, recs)
	require.NoError(t, err)
	require.Zero(t, again.Granted)
	require.Zero(t, again.Removed)
}

func TestRefreshAllCollectsFailures(t *testing.T) {
	ctx := context.Background()
	fakes := memory.New(owner)
	fakes.Folders.AddResource("sheet")
	fakes.Folders.AddFolder("parent", "Projects")
	denied := &provider.Error{Op: "add grant", Status: 403, Err: errors.New("denied")}
	fakes.Folders.FailNext("add_grant", denied, denied)

	reporter := &captureReporter{}
	s := &directory.Syncer{
		Directory: directory.New(entries()),
		Folders:   fakes.Folders,
		Surfaces:  directory.Surfaces{StoreID: "sheet", RootID: "missing-root", ParentID: "parent"},
		Owner:     owner,
		Reporter:  reporter,
	}
	res, err := s.RefreshAll(ctx, nil)
	require.NoError(t, err)
	// Two failed grants on the store plus the unreachable root.
	require.Len(t, res.Failures, 3)
	require.Equal(t, res.Failures, reporter.failures)
	require.Equal(t, domain.RoleEditor, fakes.Folders.Role("parent", "ana@district.org"))
}
