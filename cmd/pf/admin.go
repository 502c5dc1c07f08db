package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"projectflow/internal/app"
	"projectflow/internal/auth"
	"projectflow/internal/config"
	"projectflow/internal/directory"
	"projectflow/internal/domain"
	"projectflow/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the config table"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configSetCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the config table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ConfigEntries(ctx)
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(entries))
				for k := range entries {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				return printJSONOrTable(entries, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Key", "Value"})
					for _, k := range keys {
						tw.AppendRow(table.Row{k, entries[k]})
					}
				})
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate projectflow.yml and the config table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Preflight(ctx); err != nil {
					return err
				}
				fmt.Println("config valid")
				return nil
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one config table value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToUpper(strings.TrimSpace(args[0]))
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetConfig(ctx, key, args[1]); err != nil {
					return err
				}
				entries, err := r.ConfigEntries(ctx)
				if err != nil {
					return err
				}
				if _, err := config.SettingsFromEntries(entries); err != nil {
					fmt.Fprintln(os.Stderr, "warning:", err)
				}
				fmt.Printf("%s=%s\n", key, args[1])
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config table values from a YAML map",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var entries map[string]string
			if err := yaml.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if _, err := config.SettingsFromEntries(entries); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for k, v := range entries {
					if err := r.SetConfig(ctx, strings.ToUpper(k), v); err != nil {
						return err
					}
				}
				fmt.Printf("imported %d value(s)\n", len(entries))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file of KEY: value pairs")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// directoryFile is the YAML shape of 'pf directory import'.
type directoryFile struct {
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	Active       string `yaml:"active"`
	GlobalAccess string `yaml:"global_access"`
	MainRole     string `yaml:"main_role_override"`
	FolderScope  string `yaml:"folder_scope_override"`
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{Use: "directory", Short: "Manage tracked people"}
	dir.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List directory entries with their effective access",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListDirectory(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Name", "Address", "Active", "Store", "Folders", "Project folders"})
					for _, e := range entries {
						eff := directory.EffectiveAccess(e)
						tw.AppendRow(table.Row{e.Name, e.Address, e.Active, eff.StoreRole, eff.FolderScope, eff.Action})
					}
				})
			})
		},
	})
	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Upsert directory entries from a YAML list",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rows []directoryFile
			if err := yaml.Unmarshal(data, &rows); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for i, row := range rows {
					if !directory.IsAddress(row.Address) {
						return fmt.Errorf("entry %d (%s): %q is not an address", i+1, row.Name, row.Address)
					}
					e := domain.DirectoryEntry{
						Name:                strings.TrimSpace(row.Name),
						Address:             strings.TrimSpace(row.Address),
						Active:              directory.ParseActive(row.Active),
						GlobalAccess:        directory.ParseRole(row.GlobalAccess),
						MainRoleOverride:    directory.ParseRole(row.MainRole),
						FolderScopeOverride: directory.ParseScope(row.FolderScope),
					}
					if err := r.UpsertDirectoryEntry(ctx, e); err != nil {
						return err
					}
				}
				fmt.Printf("imported %d entr(ies); run 'pf permissions refresh' to apply grants\n", len(rows))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "YAML list of directory entries")
	_ = imp.MarkFlagRequired("file")
	dir.AddCommand(imp)
	dir.AddCommand(&cobra.Command{
		Use:   "remove <address>",
		Short: "Stop tracking a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteDirectoryEntry(ctx, args[0])
			})
		},
	})
	return dir
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for integrations"}
	var actor, name string
	var roles []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return fmt.Errorf("--actor is required")
			}
			raw := "pf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Name:    name,
				Scopes:  roles,
				KeyHash: repo.HashAPIKey(raw),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "roles": roles, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key acts as")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&roles, "role", []string{"intake"}, "role ids from auth.roles")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Last used"})
					for _, k := range items {
						tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Scopes, ","), k.LastUsedAt})
					}
				})
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with PROJECTFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.IssueToken(viper.GetString("jwt-secret"), subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role ids from auth.roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

func outboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Show mail recorded by the local mail provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				msgs, err := a.Outbox.Recent(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"To", "Cc", "Subject"})
					for _, m := range msgs {
						tw.AppendRow(table.Row{strings.Join(m.To, ", "), strings.Join(m.Cc, ", "), m.Subject})
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")
	return cmd
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a point-in-time copy of the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				path, err := a.Backups.Backup(ctx)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	var entity string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.TailEvents(ctx, n, entity)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID, e.Payload})
					}
				})
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&entity, "entity", "", "filter by project id")
	lg.AddCommand(tail)
	return lg
}

func templateCmd() *cobra.Command {
	tc := &cobra.Command{Use: "template", Short: "Manage mail templates"}
	tc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List mail templates as they will be sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var out []domain.MailTemplate
				for _, name := range a.Templates.Names() {
					tpl, err := a.Templates.Get(ctx, name)
					if err != nil {
						return err
					}
					out = append(out, tpl)
				}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Name", "Subject"})
					for _, tpl := range out {
						tw.AppendRow(table.Row{tpl.Name, tpl.Subject})
					}
				})
			})
		},
	})
	var subject, bodyFile string
	set := &cobra.Command{
		Use:   "set NAME",
		Short: "Replace a mail template's subject and body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				current, err := a.Templates.Get(ctx, args[0])
				if err != nil {
					return err
				}
				tpl := domain.MailTemplate{Name: args[0], Subject: current.Subject, Body: current.Body}
				if subject != "" {
					tpl.Subject = subject
				}
				if bodyFile != "" {
					data, err := os.ReadFile(bodyFile)
					if err != nil {
						return err
					}
					tpl.Body = string(data)
				}
				if err := a.Templates.Save(ctx, a.Repo, tpl); err != nil {
					return err
				}
				fmt.Println("saved", tpl.Name)
				return nil
			})
		},
	}
	set.Flags().StringVar(&subject, "subject", "", "new subject line")
	set.Flags().StringVar(&bodyFile, "body-file", "", "file holding the new body")
	tc.AddCommand(set)
	return tc
}
