package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"projectflow/internal/app"
	"projectflow/internal/maintenance"
	"projectflow/internal/provider"
	"projectflow/internal/server"
)

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run the lifecycle processor once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadyApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Processor.Run(ctx)
				if err != nil {
					return err
				}
				if rep.LockSkipped {
					fmt.Fprintln(os.Stderr, "automation lock busy, batch skipped")
				}
				return printJSONOrTable(rep, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Row", "ID", "From", "To", "Detail"})
					for _, r := range rep.Rows {
						detail := r.Error
						if r.Resumed {
							detail = "resumed"
						}
						tw.AppendRow(table.Row{r.Row, r.ID, displayStatus(r.From), r.To, detail})
					}
					tw.AppendFooter(table.Row{"", "", "created", rep.Created, fmt.Sprintf("updated %d, deleted %d, errors %d", rep.Updated, rep.Deleted, rep.Errored)})
				})
			})
		},
	}
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run the daily maintenance sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadyApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Sweeper.Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep, func(tw table.Writer) { sweepTable(tw, rep) })
			})
		},
	}
}

func sweepTable(tw table.Writer, rep maintenance.SweepReport) {
	tw.AppendHeader(table.Row{"Step", "Count"})
	tw.AppendRow(table.Row{"completions stamped", rep.Completed})
	tw.AppendRow(table.Row{"marked late", rep.MarkedLate})
	tw.AppendRow(table.Row{"status changes", rep.StatusChanges})
	tw.AppendRow(table.Row{"reminders", rep.Reminders})
	tw.AppendRow(table.Row{"calendar fixed", rep.CalendarFixed})
	tw.AppendRow(table.Row{"calendar missing", rep.CalendarMissing})
	tw.AppendRow(table.Row{"digests sent", rep.DigestsSent})
	if rep.Backup != "" {
		tw.AppendFooter(table.Row{"backup", rep.Backup})
	}
	for _, issue := range rep.Issues {
		tw.AppendRow(table.Row{"issue", issue})
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run intake, processor and sweep on their schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadyApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				s := maintenance.NewScheduler(a.Logger, a.Jobs()...)
				s.Start(ctx)
				<-ctx.Done()
				s.Stop()
				return nil
			})
		},
	}
}

func intakeCmd() *cobra.Command {
	in := &cobra.Command{Use: "intake", Short: "Accept project request form responses"}
	in.AddCommand(intakeSubmitCmd())
	in.AddCommand(intakeEnqueueCmd())
	in.AddCommand(intakeDrainCmd())
	return in
}

func readSubmission(path string) (provider.Submission, error) {
	var sub provider.Submission
	data, err := os.ReadFile(path)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		return sub, fmt.Errorf("parse %s: %w", path, err)
	}
	if sub.ID == "" {
		sub.ID = "cli-" + uuid.NewString()
	}
	return sub, nil
}

func intakeSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Append one response (JSON with named_fields and raw_values) as a Ready record",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubmission(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rec, err := a.Intake.Submit(ctx, sub)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec.Fields(), func(tw table.Writer) {
					tw.AppendRow(table.Row{"row", rec.Row})
					tw.AppendRow(table.Row{"name", rec.Name()})
					tw.AppendRow(table.Row{"requested by", rec.Get("requested_by")})
				})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "response JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func intakeEnqueueCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a response for the next drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := readSubmission(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				id, err := a.Forms.Enqueue(ctx, sub.NamedFields, sub.RawValues)
				if err != nil {
					return err
				}
				fmt.Println("queued", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "response JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func intakeDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Append every pending form response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Intake.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep, func(tw table.Writer) {
					tw.AppendRow(table.Row{"accepted", rep.Accepted})
					tw.AppendRow(table.Row{"failed", rep.Failed})
					for _, e := range rep.Errors {
						tw.AppendRow(table.Row{"error", e})
					}
				})
			})
		},
	}
}

func permissionsCmd() *cobra.Command {
	perm := &cobra.Command{Use: "permissions", Short: "Manage folder and record store grants"}
	perm.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Reconcile every surface against the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadyApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.RefreshPermissions(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.AppendRow(table.Row{"surfaces", res.Surfaces})
					tw.AppendRow(table.Row{"granted", res.Granted})
					tw.AppendRow(table.Row{"removed", res.Removed})
					for _, f := range res.Failures {
						tw.AppendRow(table.Row{"failure", f.String()})
					}
				})
			})
		},
	})
	return perm
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{Use: "guard", Short: "Startup checks and per-row edit guards"}
	g.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run the startup guard without processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Preflight(ctx); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Rewrite the allowed-status guard of every row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				recs, err := a.Sheet.LoadAll(ctx)
				if err != nil {
					return err
				}
				n, err := a.Guard.SyncAll(ctx, recs)
				if err != nil {
					return err
				}
				fmt.Printf("%d row guard(s) written\n", n)
				return nil
			})
		},
	})
	return g
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var schedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return errors.New("PROJECTFLOW_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Logger:   a.Logger.With("component", "http"),
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, a.Repo, a.Config.Webhooks, a.Logger.With("component", "webhooks"))
				if schedule {
					if err := a.Preflight(ctx); err != nil {
						return err
					}
					s := maintenance.NewScheduler(a.Logger, a.Jobs()...)
					s.Start(ctx)
					defer s.Stop()
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdown)
				}()
				a.Logger.Info("serving projectflow API", "addr", addr, "base_path", basePath, "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "also run the batch and sweep schedules")
	return cmd
}
