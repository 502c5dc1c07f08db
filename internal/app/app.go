// Package app wires one workspace: database, providers, and the automation components
// that share them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"projectflow/internal/allocator"
	"projectflow/internal/config"
	"projectflow/internal/db"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/engine"
	"projectflow/internal/events"
	"projectflow/internal/guard"
	"projectflow/internal/intake"
	"projectflow/internal/lock"
	"projectflow/internal/maintenance"
	"projectflow/internal/notify"
	"projectflow/internal/provider"
	"projectflow/internal/provider/local"
	"projectflow/internal/records"
	"projectflow/internal/repo"
)

// Context holds every component of a workspace, built once per invocation.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Sheet     *repo.Sheet
	Entries   map[string]string
	Settings  config.Settings
	// SettingsErr is kept so read-only commands work on a misconfigured workspace.
	SettingsErr error

	Providers provider.Set
	Folders   *local.Folders
	Outbox    *local.Outbox
	Forms     *local.Forms

	Directory  *directory.Directory
	Labels     *maintenance.Labels
	Templates  *notify.Templates
	Dispatcher *notify.Dispatcher
	Guard      guard.RowGuard
	Events     events.Writer
	Lock       *lock.FileLock
	Backups    repo.Backups

	Processor *engine.Processor
	Sweeper   *maintenance.Sweeper
	Syncer    *directory.Syncer
	Intake    *intake.Handler
}

// Build loads the config table and lookup tables and wires the components. The
// database must already be migrated.
func Build(ctx context.Context, workspace string, cfg *config.Config, conn *sql.DB, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn}
	c := &Context{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Repo:      r,
		Sheet:     repo.NewSheet(conn),
		Events:    events.Writer{DB: conn},
		Lock:      lock.NewFileLock(db.LockPath(workspace)),
		Guard:     guard.RowGuard{Store: r},
	}
	entries, err := r.ConfigEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config table: %w", err)
	}
	c.Entries = entries
	c.Settings, c.SettingsErr = config.SettingsFromEntries(entries)

	people, err := r.ListDirectory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	c.Directory = directory.New(people)
	labels, err := r.ListReminderLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reminder labels: %w", err)
	}
	c.Labels = maintenance.NewLabels(labels)
	aliases, err := r.ListIntakeAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("load intake aliases: %w", err)
	}

	c.Folders = local.NewFolders(conn, cfg.Providers.Owner)
	c.Outbox = local.NewOutbox(conn)
	c.Forms = local.NewForms(conn)
	base := provider.Set{
		Documents: local.NewDocuments(conn),
		Folders:   c.Folders,
		Calendar:  local.NewCalendar(conn),
		Mail:      c.Outbox,
		Forms:     c.Forms,
	}
	c.Providers = provider.WithRetry(base, provider.RetryPolicy{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	})

	c.Templates, err = notify.NewTemplates(r, cfg.Templates.CacheSize, cfg.Templates.CacheTTL)
	if err != nil {
		return nil, err
	}
	c.Dispatcher = &notify.Dispatcher{
		Mail:       c.Providers.Mail,
		Templates:  c.Templates,
		AdminEmail: c.Settings.AdminEmail,
		Logger:     logger.With("component", "notify"),
	}

	backupDir := cfg.Backup.Dir
	if backupDir == "" {
		backupDir = db.BackupDir(workspace)
	}
	c.Backups = repo.Backups{Repo: r, Dir: backupDir, Keep: cfg.Backup.Keep}

	c.Processor = &engine.Processor{
		Store:     c.Sheet,
		Allocator: allocator.Allocator{Store: repo.ConfigTable{Repo: r}},
		Directory: c.Directory,
		Providers: c.Providers,
		Notifier:  c.Dispatcher,
		Guard:     c.Guard,
		Events:    c.Events,
		Lock:      c.Lock,
		LockWait:  cfg.Lock.Wait,
		Settings:  c.Settings,
		Logger:    logger.With("component", "processor"),
	}
	c.Sweeper = &maintenance.Sweeper{
		Store:     c.Sheet,
		Snapshot:  r,
		Labels:    c.Labels,
		Directory: c.Directory,
		Calendar:  c.Providers.Calendar,
		Notifier:  c.Dispatcher,
		Backups:   c.Backups,
		Ledger:    repo.ConfigTable{Repo: r},
		Events:    c.Events,
		Lock:      c.Lock,
		LockWait:  cfg.Lock.Wait,
		Settings:  c.Settings,
		Logger:    logger.With("component", "maintenance"),
	}
	c.Syncer = &directory.Syncer{
		Directory: c.Directory,
		Folders:   c.Providers.Folders,
		Surfaces: directory.Surfaces{
			StoreID:  c.Settings.SpreadsheetID,
			RootID:   c.Settings.RootFolderID,
			ParentID: c.Settings.ParentFolderID,
		},
		Owner:    cfg.Providers.Owner,
		Reporter: c.Dispatcher,
		Logger:   logger.With("component", "permissions"),
	}
	c.Intake = &intake.Handler{
		Store:      c.Sheet,
		Normalizer: intake.NewNormalizer(aliases),
		Strategies: intake.DefaultStrategies(c.Settings.IntakeEmailSlot),
		Forms:      c.Providers.Forms,
		Events:     c.Events,
		Lock:       c.Lock,
		LockWait:   cfg.Lock.Wait,
		Logger:     logger.With("component", "intake"),
	}
	return c, nil
}

// Preflight runs the startup guard. Mutating runs refuse to start when it fails.
func (c *Context) Preflight(ctx context.Context) error {
	cols, err := c.Sheet.Columns(ctx)
	if err != nil {
		return fmt.Errorf("read record layout: %w", err)
	}
	err = guard.CheckStartup(ctx, c.Entries, records.NewLayout(cols), c.Providers)
	return errors.Join(err, c.SettingsErr)
}

// RefreshPermissions reconciles grants on every surface and records the run.
func (c *Context) RefreshPermissions(ctx context.Context, actor string) (directory.SyncResult, error) {
	recs, err := c.Sheet.LoadAll(ctx)
	if err != nil {
		return directory.SyncResult{}, err
	}
	res, err := c.Syncer.RefreshAll(ctx, recs)
	if err != nil {
		return res, err
	}
	if err := c.Events.Append(ctx, nil, events.TypePermissionsSync, "directory", "", actor, events.EventPayload{
		"granted": res.Granted, "removed": res.Removed, "failures": len(res.Failures),
	}); err != nil {
		c.Logger.Warn("permissions event not recorded", "error", err)
	}
	return res, nil
}

// Jobs returns the scheduled jobs of a long-running server.
func (c *Context) Jobs() []maintenance.Job {
	return []maintenance.Job{
		{Name: "batch", Interval: c.Config.Schedule.BatchInterval, Run: func(ctx context.Context) error {
			if _, err := c.Intake.Drain(ctx); err != nil && !errors.Is(err, lock.ErrLockTimeout) {
				return err
			}
			_, err := c.Processor.Run(ctx)
			return err
		}},
		{Name: "sweep", Interval: c.Config.Schedule.SweepInterval, Run: func(ctx context.Context) error {
			_, err := c.Sweeper.Run(ctx)
			return err
		}},
	}
}

type InitOptions struct {
	DistrictID string
	AdminEmail string
}

type InitResult struct {
	Created []string          `json:"created"`
	Entries map[string]string `json:"entries"`
}

// Init migrates the database and seeds the layout, config table, lookup tables and
// local provider resources. It is safe to run again; existing values are kept.
func Init(ctx context.Context, conn *sql.DB, cfg *config.Config, opts InitOptions) (InitResult, error) {
	var res InitResult
	r := repo.Repo{DB: conn}
	sheet := repo.NewSheet(conn)
	cols, err := sheet.Columns(ctx)
	if err != nil {
		return res, err
	}
	if len(cols) == 0 {
		if err := sheet.SetColumns(ctx, records.DefaultColumns); err != nil {
			return res, fmt.Errorf("seed columns: %w", err)
		}
		res.Created = append(res.Created, "record layout")
	}

	entries, err := r.ConfigEntries(ctx)
	if err != nil {
		return res, err
	}
	seed := config.DefaultEntries()
	if opts.DistrictID != "" {
		seed[config.KeyDistrictID] = strings.ToUpper(strings.TrimSpace(opts.DistrictID))
	}
	if opts.AdminEmail != "" {
		seed[config.KeyAdminEmail] = strings.TrimSpace(opts.AdminEmail)
	}

	folders := local.NewFolders(conn, cfg.Providers.Owner)
	docs := local.NewDocuments(conn)
	if entries[config.KeyRootFolderID] == "" {
		id, err := folders.Create(ctx, "", "Projects")
		if err != nil {
			return res, fmt.Errorf("create root folder: %w", err)
		}
		seed[config.KeyRootFolderID] = id
		entries[config.KeyRootFolderID] = id
		res.Created = append(res.Created, "root folder "+id)
	}
	if entries[config.KeyParentFolderID] == "" {
		id, err := folders.Create(ctx, entries[config.KeyRootFolderID], "Project Folders")
		if err != nil {
			return res, fmt.Errorf("create parent folder: %w", err)
		}
		seed[config.KeyParentFolderID] = id
		res.Created = append(res.Created, "parent folder "+id)
	}
	if entries[config.KeyTemplateFileID] == "" {
		id, err := docs.CreateTemplate(ctx, "Project Template")
		if err != nil {
			return res, fmt.Errorf("create template file: %w", err)
		}
		seed[config.KeyTemplateFileID] = id
		res.Created = append(res.Created, "template file "+id)
	}
	if entries[config.KeySpreadsheetID] == "" {
		id := "sheet-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		if err := folders.RegisterResource(ctx, id); err != nil {
			return res, fmt.Errorf("register record store: %w", err)
		}
		seed[config.KeySpreadsheetID] = id
		res.Created = append(res.Created, "record store "+id)
	}

	labels, err := r.ListReminderLabels(ctx)
	if err != nil {
		return res, err
	}
	aliases, err := r.ListIntakeAliases(ctx)
	if err != nil {
		return res, err
	}
	templates, err := notify.DefaultTemplates()
	if err != nil {
		return res, err
	}
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.SeedConfig(ctx, tx, seed); err != nil {
			return err
		}
		if len(labels) == 0 {
			for _, l := range maintenance.DefaultLabels() {
				if err := r.UpsertReminderLabel(ctx, tx, l); err != nil {
					return err
				}
			}
		}
		if len(aliases) == 0 {
			for _, a := range intake.DefaultAliases() {
				if err := r.UpsertIntakeAlias(ctx, tx, a); err != nil {
					return err
				}
			}
		}
		for _, t := range templates {
			if err := seedTemplate(ctx, tx, r, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("seed workspace: %w", err)
	}
	res.Entries, err = r.ConfigEntries(ctx)
	return res, err
}

// seedTemplate writes a template only when the table has no row of that name.
func seedTemplate(ctx context.Context, tx *sql.Tx, r repo.Repo, t domain.MailTemplate) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mail_templates WHERE name=?`, t.Name).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return r.UpsertMailTemplate(ctx, tx, t)
}
