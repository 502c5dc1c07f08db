package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/provider/memory"
)

type tableSource struct {
	rows  map[string]domain.MailTemplate
	loads int
}

func (s *tableSource) MailTemplate(ctx context.Context, name string) (domain.MailTemplate, bool, error) {
	s.loads++
	t, ok := s.rows[name]
	return t, ok, nil
}

func newDispatcher(t *testing.T, src notify.Source) (*notify.Dispatcher, *memory.Mailer) {
	t.Helper()
	tpls, err := notify.NewTemplates(src, 8, time.Minute)
	require.NoError(t, err)
	mailer := &memory.Mailer{}
	return &notify.Dispatcher{Mail: mailer, Templates: tpls, AdminEmail: "admin@district.org"}, mailer
}

func TestRenderLeavesUnknownTokens(t *testing.T) {
	out := notify.Render("Hi {{ name }}, see {{missing}} by {{due_date}}", map[string]string{"name": "Ana", "due_date": "2025-03-01"})
	require.Equal(t, "Hi Ana, see {{missing}} by 2025-03-01", out)
}

func TestRenderAcceptsSpacedTokenNames(t *testing.T) {
	out := notify.Render("{{Project Name}} due {{ Due Date }}, {{Owner  }}", map[string]string{"Project Name": "Gym floor", "Due Date": "2025-03-01"})
	require.Equal(t, "Gym floor due 2025-03-01, {{Owner  }}", out)
}

func (s *tableSource) SaveMailTemplate(ctx context.Context, tpl domain.MailTemplate) error {
	s.rows[tpl.Name] = tpl
	return nil
}

func TestSaveDropsCachedTemplate(t *testing.T) {
	src := &tableSource{rows: map[string]domain.MailTemplate{}}
	tpls, err := notify.NewTemplates(src, 8, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	before, err := tpls.Get(ctx, notify.TplAdminReport)
	require.NoError(t, err)
	require.Equal(t, "{{title}}", before.Subject)

	require.NoError(t, tpls.Save(ctx, src, domain.MailTemplate{Name: notify.TplAdminReport, Subject: "[District] {{title}}", Body: "{{items}}"}))
	after, err := tpls.Get(ctx, notify.TplAdminReport)
	require.NoError(t, err)
	require.Equal(t, "[District] {{title}}", after.Subject)

	require.Error(t, tpls.Save(ctx, src, domain.MailTemplate{Name: "no_such", Subject: "x"}))
	require.Error(t, tpls.Save(ctx, src, domain.MailTemplate{Name: notify.TplAdminReport}))
	require.Contains(t, tpls.Names(), notify.TplLateDigest)
}

func TestDefaultTemplatesCoverEveryName(t *testing.T) {
	tpls, err := notify.DefaultTemplates()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, tpl := range tpls {
		names[tpl.Name] = true
		require.NotEmpty(t, tpl.Subject)
	}
	for _, n := range []string{notify.TplNewProject, notify.TplProjectUpdate, notify.TplProjectCancelled, notify.TplAdminError,
		notify.TplReminderDigest, notify.TplStatusDigest, notify.TplLateDigest, notify.TplPermissionReport, notify.TplAdminReport} {
		require.True(t, names[n], n)
	}
}

func TestTemplatesPreferTableAndCache(t *testing.T) {
	src := &tableSource{rows: map[string]domain.MailTemplate{
		notify.TplNewProject: {Name: notify.TplNewProject, Subject: "Custom {{id}}", Body: "x"},
	}}
	d, mailer := newDispatcher(t, src)
	p := notify.ProjectInfo{ID: "NSD-24_25-0001", Recipients: []string{"ana@district.org", "ANA@district.org"}}
	require.NoError(t, d.NewProject(context.Background(), p))
	require.NoError(t, d.NewProject(context.Background(), p))
	require.Equal(t, 1, src.loads)

	sent := mailer.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "Custom NSD-24_25-0001", sent[0].Subject)
	require.Equal(t, []string{"ana@district.org"}, sent[0].To)
}

func TestProjectUpdatedCarriesDiff(t *testing.T) {
	d, mailer := newDispatcher(t, nil)
	c := notify.ChangeSummary{OldTitle: "Gym", NewTitle: "Gym floor", OldDate: "2025-03-01", NewDate: "2025-03-01", Removed: []string{"ben@district.org"}}
	require.NoError(t, d.ProjectUpdated(context.Background(), notify.ProjectInfo{Name: "Gym floor", Recipients: []string{"ana@district.org"}}, c))
	msg := mailer.Sent()[0]
	require.Equal(t, []string{"ana@district.org", "ben@district.org"}, msg.To)
	require.Contains(t, msg.Body, "Title: Gym -> Gym floor")
	require.Contains(t, msg.Body, "Removed: ben@district.org")
	require.NotContains(t, msg.Body, "Due date:")
}

func TestAdminErrorCopiesRequester(t *testing.T) {
	d, mailer := newDispatcher(t, nil)
	err := d.AdminError(context.Background(), notify.ProjectInfo{Row: 7, Name: "Gym"}, errors.New("due date is required"), []string{"req@district.org", "admin@district.org"})
	require.NoError(t, err)
	msg := mailer.Sent()[0]
	require.Equal(t, []string{"admin@district.org"}, msg.To)
	require.Equal(t, []string{"req@district.org"}, msg.Cc)
	require.Contains(t, msg.Subject, "row 7")
	require.Contains(t, msg.Body, "due date is required")
}

func TestSendDigestGroupsPerRecipient(t *testing.T) {
	d, mailer := newDispatcher(t, nil)
	mailer.FailNext("send", &provider.Error{Op: "send", Status: 400, Err: errors.New("bounced")})
	items := []notify.DigestItem{
		{Recipient: "bad@district.org", Line: "P0"},
		{Recipient: "ana@district.org", Line: "P1 due in 3 days"},
		{Recipient: "ben@district.org", Line: "P1 due in 3 days"},
		{Recipient: "Ana@district.org", Line: "P2 due in 7 days"},
	}
	sent, err := d.SendDigest(context.Background(), notify.TplReminderDigest, items)
	require.Error(t, err)
	require.Equal(t, 2, sent)
	ana := mailer.SentTo("ana@district.org")
	require.Len(t, ana, 1)
	require.Equal(t, "Upcoming due dates (2)", ana[0].Subject)
	require.True(t, strings.Contains(ana[0].Body, "- P1 due in 3 days\n- P2 due in 7 days"))
}

func TestPermissionReportSkipsWhenClean(t *testing.T) {
	d, mailer := newDispatcher(t, nil)
	require.NoError(t, d.PermissionReport(context.Background(), nil))
	require.Empty(t, mailer.Sent())
	require.NoError(t, d.PermissionReport(context.Background(), []directory.SyncFailure{{Surface: "root folder", Resource: "r", Op: "list grants", Err: "boom"}}))
	require.Len(t, mailer.Sent(), 1)
}
