package intake_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/domain"
	"projectflow/internal/intake"
	"projectflow/internal/lock"
	"projectflow/internal/provider"
	"projectflow/internal/provider/memory"
	"projectflow/internal/records"
)

func newHandler(t *testing.T) (*intake.Handler, *records.MemoryStore, *memory.Forms) {
	t.Helper()
	store := records.NewMemoryStore(records.DefaultColumns)
	forms := &memory.Forms{}
	h := &intake.Handler{
		Store:      store,
		Normalizer: intake.NewNormalizer(nil),
		Strategies: intake.DefaultStrategies(1),
		Forms:      forms,
		Lock:       lock.NewFileLock(filepath.Join(t.TempDir(), "automation.lock")),
		LockWait:   time.Second,
		Now:        func() time.Time { return time.Date(2024, 9, 3, 15, 0, 0, 0, time.UTC) },
	}
	return h, store, forms
}

func TestNormalizerMapsAliases(t *testing.T) {
	n := intake.NewNormalizer(nil)
	fields, unmapped := n.Fields(map[string]string{
		"Project  Title": " Robotics Fair ",
		"deadline":       "2024-10-15",
		"Assigned To":    "Ana Ruiz",
		"due_date":       "",
		"Favourite Food": "tacos",
	})
	require.Equal(t, "Robotics Fair", fields[records.KeyName])
	require.Equal(t, "2024-10-15", fields[records.KeyDueDate])
	require.Equal(t, "Ana Ruiz", fields[records.KeyAssignees])
	require.Equal(t, []string{"Favourite Food"}, unmapped)
}

func TestSubmitterStrategiesInOrder(t *testing.T) {
	strategies := intake.DefaultStrategies(2)
	sub := provider.Submission{ID: "r1", RawValues: []string{"ts", "x", "kim@district.org"}}

	addr, err := intake.ResolveSubmitter(strategies, sub, map[string]string{intake.KeyEmail: "lee@district.org"})
	require.NoError(t, err)
	require.Equal(t, "lee@district.org", addr)

	addr, err = intake.ResolveSubmitter(strategies, sub, map[string]string{intake.KeyEmail: "not an address"})
	require.NoError(t, err)
	require.Equal(t, "kim@district.org", addr)

	_, err = intake.ResolveSubmitter(strategies, provider.Submission{ID: "r2"}, nil)
	require.ErrorIs(t, err, intake.ErrSubmitterUnresolved)
	require.Contains(t, err.Error(), "positional slot 2")
}

func TestSubmitAppendsReadyRecord(t *testing.T) {
	h, store, _ := newHandler(t)
	rec, err := h.Submit(context.Background(), provider.Submission{
		ID: "resp-1",
		NamedFields: map[string]string{
			"Project Name":  "Robotics Fair",
			"Due Date":      "2024-10-15",
			"Assigned To":   "Ana Ruiz",
			"Email Address": "lee@district.org",
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, rec.Status())
	require.Equal(t, "lee@district.org", rec.Get(records.KeyRequestedBy))
	require.Equal(t, "2024-09-03T15:00:00Z", rec.Get(records.KeyCreatedAt))

	all, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Empty(t, all[0].ID())
}

func TestSubmitReturnsBusyLock(t *testing.T) {
	h, store, _ := newHandler(t)
	path := h.Lock.(*lock.FileLock).Path()
	release, err := lock.NewFileLock(path).Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer release()

	h.LockWait = 100 * time.Millisecond
	_, err = h.Submit(context.Background(), provider.Submission{
		ID:          "resp-1",
		NamedFields: map[string]string{"Project Name": "X", "Email": "lee@district.org"},
	})
	require.True(t, errors.Is(err, lock.ErrLockTimeout), "got %v", err)
	all, _ := store.LoadAll(context.Background())
	require.Empty(t, all)
}

func TestDrainAcksOnlyStoredResponses(t *testing.T) {
	h, store, forms := newHandler(t)
	forms.Add(provider.Submission{ID: "ok", NamedFields: map[string]string{"Project Name": "A", "Email": "lee@district.org"}})
	forms.Add(provider.Submission{ID: "anon", NamedFields: map[string]string{"Project Name": "B"}})

	rep, err := h.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Accepted)
	require.Equal(t, 1, rep.Failed)
	require.True(t, forms.Acked("ok"))
	require.False(t, forms.Acked("anon"))

	rep, err = h.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, rep.Accepted)
	require.Equal(t, 1, rep.Failed)
	all, _ := store.LoadAll(context.Background())
	require.Len(t, all, 1)
}
