package records_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"projectflow/internal/domain"
	"projectflow/internal/records"
)

func TestLayoutIndexesByKeyAndReportsDuplicates(t *testing.T) {
	l := records.NewLayout([]records.Column{
		{Key: "name", Label: "Project"},
		{Key: "id", Label: "ID"},
		{Key: "name", Label: "Other"},
		{Key: "", Label: "Spacer"},
	})
	i, ok := l.ColumnIndex("name")
	require.True(t, ok)
	require.Equal(t, 0, i)
	i, ok = l.ColumnIndex("id")
	require.True(t, ok)
	require.Equal(t, 1, i)
	require.Equal(t, []string{"name"}, l.Duplicates())
	require.Equal(t, []string{"due_date"}, l.Missing([]string{"id", "due_date"}))
}

func TestRecordTracksOnlyChangedCells(t *testing.T) {
	l := records.NewLayout(records.DefaultColumns)
	rec := records.New(l, 2, nil)
	require.False(t, rec.Dirty())
	require.True(t, rec.Set(records.KeyName, "Bus routes"))
	require.False(t, rec.Set(records.KeyName, "Bus routes"))
	require.True(t, rec.SetStatus(domain.StatusReady))
	idx, _ := l.ColumnIndex(records.KeyName)
	dirty := rec.DirtyCells()
	require.Len(t, dirty, 2)
	require.Equal(t, "Bus routes", dirty[idx])
	require.False(t, rec.SetOnce(records.KeyName, "Other"))
	rec.ClearDirty()
	require.False(t, rec.Dirty())
	require.False(t, rec.Set("not_a_column", "x"))
}

func TestRecordDueDateFormats(t *testing.T) {
	l := records.NewLayout(records.DefaultColumns)
	rec := records.New(l, 2, nil)
	_, ok, err := rec.DueDate()
	require.NoError(t, err)
	require.False(t, ok)

	rec.Set(records.KeyDueDate, "2024-10-15")
	due, ok, err := rec.DueDate()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 15, due.Day())

	rec.Set(records.KeyDueDate, "10/16/2024")
	due, _, err = rec.DueDate()
	require.NoError(t, err)
	require.Equal(t, 16, due.Day())

	rec.Set(records.KeyDueDate, "next week")
	_, ok, err = rec.DueDate()
	require.True(t, ok)
	require.Error(t, err)
}

func TestSplitTokensDedupesCaseInsensitively(t *testing.T) {
	got := records.SplitTokens("Ann Lee; bob@district.org, ann lee,, BOB@district.org")
	require.Equal(t, []string{"Ann Lee", "bob@district.org"}, got)
}

func TestMemoryStoreFlushAndHide(t *testing.T) {
	ctx := context.Background()
	store := records.NewMemoryStore(records.DefaultColumns)
	rec, err := store.AppendRecord(ctx, map[string]string{records.KeyName: "Gym floor"})
	require.NoError(t, err)
	rec.Set(records.KeyNotes, "waxed")
	n, err := store.FlushDirty(ctx, []*records.Record{rec})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, rec.Dirty())

	got, err := store.Get(rec.Row)
	require.NoError(t, err)
	require.Equal(t, "waxed", got.Get(records.KeyNotes))
	require.Equal(t, "Gym floor", got.Name())

	require.NoError(t, store.HideRecord(ctx, rec))
	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestAutomationOwnedColumns(t *testing.T) {
	require.True(t, records.AutomationOwned(records.KeyFolderID))
	require.True(t, records.AutomationOwned(records.KeyAutomationStatus))
	require.False(t, records.AutomationOwned(records.KeyNotes))
	require.False(t, records.AutomationOwned(records.KeyDueDate))
}
