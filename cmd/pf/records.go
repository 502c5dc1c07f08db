package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"projectflow/internal/app"
	"projectflow/internal/config"
	"projectflow/internal/domain"
	"projectflow/internal/engine"
	"projectflow/internal/events"
	"projectflow/internal/guard"
	"projectflow/internal/records"
)

func initCmd() *cobra.Command {
	var district, admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or complete a workspace",
		Long:  "Runs migrations and seeds the record layout, config table, reminder labels, intake aliases, mail templates and local folders. Existing values are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := app.Init(cmd.Context(), conn, cfg, app.InitOptions{DistrictID: district, AdminEmail: admin})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			for _, c := range res.Created {
				fmt.Println("created", c)
			}
			var missing []string
			for _, key := range config.RequiredKeys {
				if strings.TrimSpace(res.Entries[key]) == "" {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				fmt.Printf("still required: %s (pf config set KEY VALUE)\n", strings.Join(missing, ", "))
			}
			fmt.Println("workspace ready at", workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&district, "district", "", "district id used in project ids")
	cmd.Flags().StringVar(&admin, "admin-email", "", "address that receives error and maintenance reports")
	return cmd
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Inspect and edit project records"}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordAddCmd())
	rec.AddCommand(recordEditCmd())
	rec.AddCommand(recordSetStatusCmd())
	rec.AddCommand(recordSummaryCmd())
	return rec
}

func parseRow(arg string) (int, error) {
	row, err := strconv.Atoi(arg)
	if err != nil || row < 1 {
		return 0, fmt.Errorf("invalid row %q", arg)
	}
	return row, nil
}

func recordListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				recs, err := a.Sheet.LoadAll(ctx)
				if err != nil {
					return err
				}
				if status != "" {
					want, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					kept := recs[:0]
					for _, r := range recs {
						if r.Status() == want {
							kept = append(kept, r)
						}
					}
					recs = kept
				}
				out := make([]map[string]string, 0, len(recs))
				for _, r := range recs {
					out = append(out, r.Fields())
				}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Row", "ID", "Name", "Due", "Project Status", "Automation"})
					for _, r := range recs {
						tw.AppendRow(table.Row{r.Row, r.ID(), r.Name(), r.Get(records.KeyDueDate), r.Get(records.KeyProjectStatus), r.Status()})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by automation status")
	return cmd
}

func recordShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <row>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseRow(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rec, err := a.Sheet.Get(ctx, row)
				if err != nil {
					return err
				}
				allowed := a.Guard.Allowed(ctx, rec)
				out := map[string]any{
					"row":              rec.Row,
					"hidden":           rec.Hidden,
					"fields":           rec.Fields(),
					"allowed_statuses": allowed,
				}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Column", "Value"})
					for _, c := range rec.Layout().Columns() {
						if c.Key == "" {
							continue
						}
						tw.AppendRow(table.Row{c.Label, rec.Get(c.Key)})
					}
					tw.AppendFooter(table.Row{"Next statuses", strings.Join(allowed, ", ")})
				})
			})
		},
	}
}

func recordAddCmd() *cobra.Command {
	var name, due, assignees, requester, category, description, reminders string
	var ready bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a record by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				fields := map[string]string{
					records.KeyName:            name,
					records.KeyDueDate:         due,
					records.KeyAssignees:       assignees,
					records.KeyRequestedBy:     requester,
					records.KeyCategory:        category,
					records.KeyDescription:     description,
					records.KeyReminderOffsets: reminders,
				}
				if ready {
					fields[records.KeyAutomationStatus] = string(domain.StatusReady)
				}
				release, err := a.Lock.Acquire(ctx, a.Config.Lock.Wait)
				if err != nil {
					return err
				}
				defer release()
				rec, err := a.Sheet.AppendRecord(ctx, fields)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec.Fields(), func(tw table.Writer) {
					tw.AppendRow(table.Row{"row", rec.Row})
					tw.AppendRow(table.Row{"automation status", rec.Status()})
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&assignees, "assignees", "", "comma separated names or addresses")
	cmd.Flags().StringVar(&requester, "requested-by", "", "requester name or address")
	cmd.Flags().StringVar(&category, "category", "", "project category")
	cmd.Flags().StringVar(&description, "description", "", "project description")
	cmd.Flags().StringVar(&reminders, "reminders", "", "reminder labels, e.g. \"1 week before, 3 days before\"")
	cmd.Flags().BoolVar(&ready, "ready", false, "mark the record Ready for provisioning")
	return cmd
}

func recordEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <row> key=value...",
		Short: "Edit human-owned columns of a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseRow(args[0])
			if err != nil {
				return err
			}
			edits := map[string]string{}
			for _, kv := range args[1:] {
				key, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", kv)
				}
				key = strings.TrimSpace(key)
				if key == records.KeyAutomationStatus {
					return errors.New("use 'pf record set-status' for the automation status")
				}
				if records.AutomationOwned(key) {
					return fmt.Errorf("%s is written by automation", key)
				}
				edits[key] = value
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				release, err := a.Lock.Acquire(ctx, a.Config.Lock.Wait)
				if err != nil {
					return err
				}
				defer release()
				rec, err := a.Sheet.Get(ctx, row)
				if err != nil {
					return err
				}
				for key, value := range edits {
					if _, ok := rec.Layout().ColumnIndex(key); !ok {
						return fmt.Errorf("unknown column %q", key)
					}
					rec.Set(key, value)
				}
				engine.StampCompletion(rec, a.Settings, time.Now())
				n, err := a.Sheet.FlushDirty(ctx, []*records.Record{rec})
				if err != nil {
					return err
				}
				fmt.Printf("row %d: %d cell(s) written\n", row, n)
				return nil
			})
		},
	}
}

func recordSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <row> <status>",
		Short: "Request a lifecycle action (Ready, Updated, DeleteNotify, DeleteNoNotify)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseRow(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				release, err := a.Lock.Acquire(ctx, a.Config.Lock.Wait)
				if err != nil {
					return err
				}
				defer release()
				rec, err := a.Sheet.Get(ctx, row)
				if err != nil {
					return err
				}
				from, to, err := guard.ApplyEdit(rec, args[1])
				if err != nil {
					var te *domain.TransitionError
					if errors.As(err, &te) {
						return fmt.Errorf("%w; allowed from %s: %s", err, from, strings.Join(domain.AllowedNextStrings(from), ", "))
					}
					return err
				}
				if _, err := a.Sheet.FlushDirty(ctx, []*records.Record{rec}); err != nil {
					return err
				}
				if err := a.Guard.Refresh(ctx, rec); err != nil {
					a.Logger.Warn("row guard not refreshed", "row", row, "error", err)
				}
				if err := a.Events.Append(ctx, nil, events.TypeTransition, "record", rec.ID(), viper.GetString("actor-id"), events.EventPayload{
					"row": row, "from": string(from), "to": string(to), "source": "cli",
				}); err != nil {
					return err
				}
				fmt.Printf("row %d: %s -> %s\n", row, displayStatus(from), to)
				return nil
			})
		},
	}
}

func recordSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count records by automation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				recs, err := a.Sheet.LoadAll(ctx)
				if err != nil {
					return err
				}
				counts := guard.Summary(recs)
				return printJSONOrTable(counts, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Automation status", "Records"})
					for _, c := range counts {
						tw.AppendRow(table.Row{displayStatus(c.Status), c.Count})
					}
					tw.AppendFooter(table.Row{"Total", len(recs)})
				})
			})
		},
	}
}

func displayStatus(s domain.AutomationStatus) string {
	if s == domain.StatusBlank {
		return "(blank)"
	}
	return string(s)
}
