package notify

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"

	"projectflow/internal/domain"
)

// Template names.
const (
	TplNewProject       = "new_project"
	TplProjectUpdate    = "project_update"
	TplProjectCancelled = "project_cancelled"
	TplAdminError       = "admin_error"
	TplReminderDigest   = "reminder_digest"
	TplStatusDigest     = "status_digest"
	TplLateDigest       = "late_digest"
	TplPermissionReport = "permission_report"
	TplAdminReport      = "admin_report"
)

//go:embed templates.yaml
var builtinYAML []byte

var (
	templateCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projectflow_template_cache_hits_total",
		Help: "Mail template lookups served from the cache.",
	})
	templateCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projectflow_template_cache_misses_total",
		Help: "Mail template lookups that went to the template table.",
	})
)

// DefaultTemplates returns the built-in templates in declaration order.
func DefaultTemplates() ([]domain.MailTemplate, error) {
	var out []domain.MailTemplate
	if err := yaml.Unmarshal(builtinYAML, &out); err != nil {
		return nil, fmt.Errorf("builtin templates: %w", err)
	}
	return out, nil
}

// Source is the template table.
type Source interface {
	MailTemplate(ctx context.Context, name string) (domain.MailTemplate, bool, error)
}

// Templates resolves a template by name: cache, then the table, then the builtins.
type Templates struct {
	source   Source
	cache    *expirable.LRU[string, domain.MailTemplate]
	builtins map[string]domain.MailTemplate
	names    []string
}

func NewTemplates(source Source, size int, ttl time.Duration) (*Templates, error) {
	defaults, err := DefaultTemplates()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 64
	}
	t := &Templates{
		source:   source,
		cache:    expirable.NewLRU[string, domain.MailTemplate](size, nil, ttl),
		builtins: make(map[string]domain.MailTemplate, len(defaults)),
	}
	for _, d := range defaults {
		t.builtins[d.Name] = d
		t.names = append(t.names, d.Name)
	}
	return t, nil
}

func (t *Templates) Get(ctx context.Context, name string) (domain.MailTemplate, error) {
	if tpl, ok := t.cache.Get(name); ok {
		templateCacheHits.Inc()
		return tpl, nil
	}
	templateCacheMisses.Inc()
	if t.source != nil {
		tpl, found, err := t.source.MailTemplate(ctx, name)
		if err != nil {
			return domain.MailTemplate{}, fmt.Errorf("load template %s: %w", name, err)
		}
		if found {
			t.cache.Add(name, tpl)
			return tpl, nil
		}
	}
	tpl, ok := t.builtins[name]
	if !ok {
		return domain.MailTemplate{}, fmt.Errorf("unknown mail template %q", name)
	}
	t.cache.Add(name, tpl)
	return tpl, nil
}

// Invalidate drops a cached template after it was edited.
func (t *Templates) Invalidate(name string) { t.cache.Remove(name) }

// Writer stores edited templates in the template table.
type Writer interface {
	SaveMailTemplate(ctx context.Context, tpl domain.MailTemplate) error
}

// Save writes tpl through w and drops the cached copy so the next send sees it.
func (t *Templates) Save(ctx context.Context, w Writer, tpl domain.MailTemplate) error {
	tpl.Name = strings.TrimSpace(tpl.Name)
	if _, ok := t.builtins[tpl.Name]; !ok {
		return fmt.Errorf("unknown mail template %q", tpl.Name)
	}
	if strings.TrimSpace(tpl.Subject) == "" {
		return fmt.Errorf("template %s: subject is required", tpl.Name)
	}
	if err := w.SaveMailTemplate(ctx, tpl); err != nil {
		return err
	}
	t.Invalidate(tpl.Name)
	return nil
}

// Names lists the template names in declaration order.
func (t *Templates) Names() []string { return append([]string(nil), t.names...) }

var tokenPattern = regexp.MustCompile(`\{\{\s*([\w ]+?)\s*\}\}`)

// Render substitutes {{token}} placeholders. Unknown tokens are left as written.
func Render(text string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(m string) string {
		key := tokenPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}
