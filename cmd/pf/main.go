package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"projectflow/internal/app"
	"projectflow/internal/config"
	"projectflow/internal/db"
	"projectflow/internal/migrate"
	"projectflow/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "pf",
	Short: "projectflow CLI",
	Long: `projectflow tracks district project requests from intake to completion.
- Workspace: the .projectflow directory holding the database, lock file and backups.
- Record store: one row per project. People edit human columns; automation owns the rest.
- Automation status: the lifecycle column. Set Ready to provision, Updated to re-sync,
  DeleteNotify or DeleteNoNotify to tear down. The processor moves rows to Created,
  Deleted or Error.
- Processor: 'pf process' handles every actionable row once under the automation lock.
- Maintenance: 'pf maintain' stamps completions, marks late projects, sends reminder
  and status digests, reconciles calendar events and backs up the workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROJECTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded in audit events")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level from projectflow.yml")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(maintainCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(permissionsCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := config.SetupLogger(cfg, os.Stderr)
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	a, err := app.Build(ctx, viper.GetString("workspace"), cfg, conn, logger)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

// withReadyApp is withApp for mutating runs: the startup guard must pass first.
func withReadyApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		if err := a.Preflight(ctx); err != nil {
			a.Logger.Error("startup guard failed", "error", err)
			return err
		}
		return fn(ctx, a)
	})
}

// printJSONOrTable prints v as JSON with --json, otherwise renders the table built by fill.
func printJSONOrTable(v any, fill func(table.Writer)) error {
	if viper.GetBool("json") || fill == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	fill(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
