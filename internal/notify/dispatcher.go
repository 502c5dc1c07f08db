// Package notify renders mail templates and sends project notifications and
// per-recipient digests.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"projectflow/internal/directory"
	"projectflow/internal/provider"
)

var mailTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "projectflow_mail_total",
	Help: "Notifications by template and outcome.",
}, []string{"template", "outcome"})

// ProjectInfo is everything a project notification can mention.
type ProjectInfo struct {
	Row         int
	ID          string
	Name        string
	Category    string
	Description string
	DueDate     string
	Status      string
	Requester   string
	// Recipients are the resolved addresses of assignees and requester.
	Recipients []string
	Assignees  []string
	FolderLink string
}

func (p ProjectInfo) vars() map[string]string {
	return map[string]string{
		"row":         strconv.Itoa(p.Row),
		"id":          p.ID,
		"name":        p.Name,
		"category":    p.Category,
		"description": p.Description,
		"due_date":    p.DueDate,
		"status":      p.Status,
		"requester":   p.Requester,
		"assignees":   strings.Join(p.Assignees, ", "),
		"folder_link": p.FolderLink,
	}
}

// ChangeSummary is what an update changed on the calendar event.
type ChangeSummary struct {
	OldTitle, NewTitle string
	OldDate, NewDate   string
	Added, Removed     []string
}

func (c ChangeSummary) TitleChanged() bool { return c.OldTitle != c.NewTitle }
func (c ChangeSummary) DateChanged() bool  { return c.OldDate != c.NewDate }

func (c ChangeSummary) Any() bool {
	return c.TitleChanged() || c.DateChanged() || len(c.Added) > 0 || len(c.Removed) > 0
}

// Lines renders the summary one change per line.
func (c ChangeSummary) Lines() []string {
	var out []string
	if c.TitleChanged() {
		out = append(out, fmt.Sprintf("Title: %s -> %s", orNone(c.OldTitle), c.NewTitle))
	}
	if c.DateChanged() {
		out = append(out, fmt.Sprintf("Due date: %s -> %s", orNone(c.OldDate), c.NewDate))
	}
	if len(c.Added) > 0 {
		out = append(out, "Added: "+strings.Join(c.Added, ", "))
	}
	if len(c.Removed) > 0 {
		out = append(out, "Removed: "+strings.Join(c.Removed, ", "))
	}
	if len(out) == 0 {
		out = append(out, "Project details were refreshed.")
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// DigestItem is one line of a digest addressed to one recipient.
type DigestItem struct {
	Recipient string
	Line      string
}

type Dispatcher struct {
	Mail       provider.MailSender
	Templates  *Templates
	AdminEmail string
	Logger     *slog.Logger
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Dispatcher) send(ctx context.Context, name string, vars map[string]string, to, cc []string) error {
	to = dedupe(to)
	if len(to) == 0 {
		mailTotal.WithLabelValues(name, "skipped").Inc()
		return nil
	}
	tpl, err := d.Templates.Get(ctx, name)
	if err != nil {
		mailTotal.WithLabelValues(name, "failed").Inc()
		return err
	}
	msg := provider.Message{
		To:      to,
		Cc:      without(dedupe(cc), to),
		Subject: Render(tpl.Subject, vars),
		Body:    Render(tpl.Body, vars),
	}
	if err := d.Mail.Send(ctx, msg); err != nil {
		mailTotal.WithLabelValues(name, "failed").Inc()
		return fmt.Errorf("send %s: %w", name, err)
	}
	mailTotal.WithLabelValues(name, "sent").Inc()
	d.logger().Debug("mail sent", "template", name, "to", strings.Join(to, ","))
	return nil
}

func (d *Dispatcher) NewProject(ctx context.Context, p ProjectInfo) error {
	return d.send(ctx, TplNewProject, p.vars(), p.Recipients, nil)
}

// ProjectUpdated tells current recipients, and anyone just removed, what changed.
func (d *Dispatcher) ProjectUpdated(ctx context.Context, p ProjectInfo, c ChangeSummary) error {
	vars := p.vars()
	vars["changes"] = strings.Join(c.Lines(), "\n")
	return d.send(ctx, TplProjectUpdate, vars, append(append([]string(nil), p.Recipients...), c.Removed...), nil)
}

func (d *Dispatcher) ProjectCancelled(ctx context.Context, p ProjectInfo) error {
	return d.send(ctx, TplProjectCancelled, p.vars(), p.Recipients, nil)
}

// AdminError reports a failed row to the admin, copying cc.
func (d *Dispatcher) AdminError(ctx context.Context, p ProjectInfo, cause error, cc []string) error {
	vars := p.vars()
	vars["error"] = cause.Error()
	return d.send(ctx, TplAdminError, vars, []string{d.AdminEmail}, cc)
}

// SendDigest groups items by recipient and sends one message per recipient. Every
// recipient is attempted; failures are joined.
func (d *Dispatcher) SendDigest(ctx context.Context, name string, items []DigestItem) (int, error) {
	var order []string
	grouped := map[string][]string{}
	display := map[string]string{}
	for _, it := range items {
		key := strings.ToLower(strings.TrimSpace(it.Recipient))
		if key == "" {
			continue
		}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
			display[key] = strings.TrimSpace(it.Recipient)
		}
		grouped[key] = append(grouped[key], it.Line)
	}
	sent := 0
	var errs []error
	for _, key := range order {
		lines := grouped[key]
		vars := map[string]string{
			"recipient": display[key],
			"count":     strconv.Itoa(len(lines)),
			"items":     bullets(lines),
		}
		if err := d.send(ctx, name, vars, []string{display[key]}, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", display[key], err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// PermissionReport sends every sync failure to the admin in one message.
func (d *Dispatcher) PermissionReport(ctx context.Context, failures []directory.SyncFailure) error {
	if len(failures) == 0 {
		return nil
	}
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, f.String())
	}
	vars := map[string]string{"count": strconv.Itoa(len(failures)), "items": bullets(lines)}
	return d.send(ctx, TplPermissionReport, vars, []string{d.AdminEmail}, nil)
}

// AdminReport mails free-form findings to the admin.
func (d *Dispatcher) AdminReport(ctx context.Context, title string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	vars := map[string]string{"title": title, "count": strconv.Itoa(len(lines)), "items": bullets(lines)}
	return d.send(ctx, TplAdminReport, vars, []string{d.AdminEmail}, nil)
}

func bullets(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(l)
	}
	return b.String()
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range in {
		a = strings.TrimSpace(a)
		k := strings.ToLower(a)
		if a == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

func without(in, drop []string) []string {
	skip := map[string]bool{}
	for _, d := range drop {
		skip[strings.ToLower(d)] = true
	}
	var out []string
	for _, a := range in {
		if !skip[strings.ToLower(a)] {
			out = append(out, a)
		}
	}
	return out
}
