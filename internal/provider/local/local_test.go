package local_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/db"
	"projectflow/internal/domain"
	"projectflow/internal/migrate"
	"projectflow/internal/provider"
	"projectflow/internal/provider/local"
)

const owner = "automation@district.org"

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFoldersGrantLifecycle(t *testing.T) {
	ctx := context.Background()
	folders := local.NewFolders(openTestDB(t), owner)

	parent, err := folders.Create(ctx, "", "Projects")
	require.NoError(t, err)
	child, err := folders.Create(ctx, parent, "Gym floor [NSD-24_25-0001]")
	require.NoError(t, err)

	_, err = folders.Create(ctx, "missing", "x")
	require.True(t, provider.IsNotFound(err))

	require.NoError(t, folders.Share(ctx, child, "ana@district.org", domain.RoleEditor, true))
	// A lower role never downgrades an existing grant.
	require.NoError(t, folders.Share(ctx, child, "ANA@district.org", domain.RoleViewer, true))
	grants, err := folders.ListGrants(ctx, child)
	require.NoError(t, err)
	require.Equal(t, []domain.Grant{
		{Address: "ana@district.org", Role: domain.RoleEditor},
		{Address: owner, Role: domain.RoleOwner},
	}, grants)

	require.NoError(t, folders.RemoveGrant(ctx, child, owner))
	require.NoError(t, folders.RemoveGrant(ctx, child, "ana@district.org"))
	grants, err = folders.ListGrants(ctx, child)
	require.NoError(t, err)
	require.Equal(t, []domain.Grant{{Address: owner, Role: domain.RoleOwner}}, grants)
}

func TestDocumentsCopyAndWriteFields(t *testing.T) {
	ctx := context.Background()
	docs := local.NewDocuments(openTestDB(t))

	tpl, err := docs.CreateTemplate(ctx, "Project brief")
	require.NoError(t, err)
	file, err := docs.Copy(ctx, tpl, "Gym floor", "")
	require.NoError(t, err)
	require.NoError(t, docs.WriteFields(ctx, file, map[string]string{"name": "Gym floor", "id": "NSD-1"}))
	require.NoError(t, docs.WriteFields(ctx, file, map[string]string{"name": "Gym floor v2"}))

	fields, err := docs.Fields(ctx, file)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"name": "Gym floor v2", "id": "NSD-1"}, fields)

	ok, err := docs.Exists(ctx, file)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = docs.Copy(ctx, "nope", "x", "")
	require.True(t, provider.IsNotFound(err))
}

func TestCalendarDeleteMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	cal := local.NewCalendar(openTestDB(t))
	due := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

	id, err := cal.CreateAllDayEvent(ctx, "Gym floor", due, "desc", []string{"ana@district.org"})
	require.NoError(t, err)
	require.NoError(t, cal.UpdateDate(ctx, id, due.AddDate(0, 0, 2)))
	require.NoError(t, cal.UpdateGuests(ctx, id, nil))

	ev, err := cal.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, due.AddDate(0, 0, 2), ev.Date)
	require.Empty(t, ev.Guests)

	require.NoError(t, cal.DeleteEvent(ctx, id))
	require.True(t, provider.IsNotFound(cal.DeleteEvent(ctx, id)))
	_, err = cal.GetEvent(ctx, id)
	require.True(t, provider.IsNotFound(err))
}

func TestOutboxAndForms(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	out := local.NewOutbox(conn)
	forms := local.NewForms(conn)

	require.Error(t, out.Send(ctx, provider.Message{Subject: "nobody"}))
	require.NoError(t, out.Send(ctx, provider.Message{To: []string{"a@b.org"}, Subject: "hi", Body: "x"}))
	msgs, err := out.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Subject)
	require.Empty(t, msgs[0].Cc)

	id, err := forms.Enqueue(ctx, map[string]string{"Project Name": "Gym"}, []string{"ts", "ana@district.org"})
	require.NoError(t, err)
	pending, err := forms.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "Gym", pending[0].NamedFields["Project Name"])
	require.NoError(t, forms.Ack(ctx, id))
	require.Error(t, forms.Ack(ctx, id))
	pending, err = forms.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}
