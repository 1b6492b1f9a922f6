// cmd/migration.go
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markb/sbexec/internal/config"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/migration"
	"github.com/markb/sbexec/internal/sqlexec"
)

var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Provision the backend objects sbexec relies on",
	Long: `Commands for the migrations that create the exec_sql and execute_sql
procedures and the operation log table.

Migrations are bundled with sbexec; --dir reads them from a directory instead.
Every statement runs through the fallback chain, so the first migration needs
the edge function or a direct database connection (SBEXEC_DATABASE_URL).`,
}

var migrationNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new migration file",
	Long: `Create a new migration file with a timestamp prefix.

The name should be a short description using snake_case. Migrations must be
idempotent: apply refuses any that could not run twice.

Examples:
  sbexec migration new add_status_index --dir ./migrations`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = "./migrations"
		}

		// Validate name (alphanumeric and underscores only)
		if !regexp.MustCompile(`^[a-z][a-z0-9_]*$`).MatchString(name) {
			return fmt.Errorf("migration name must be lowercase alphanumeric with underscores, starting with a letter")
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create migrations directory: %w", err)
		}

		m := migration.Migration{
			Version: migration.GenerateVersion(),
			Name:    name,
		}

		filename := filepath.Join(dir, m.Filename())
		content := fmt.Sprintf(`-- Migration: %s
-- Created: %s
-- Use IF NOT EXISTS, CREATE OR REPLACE and DROP ... IF EXISTS so the
-- migration can run again safely. {{audit_table}} names the operation log.

`, m.Name, m.Version)

		if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create migration file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created migration: %s\n", filename)
		return nil
	},
}

var migrationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, err := loadMigrations(cmd)
		if err != nil {
			return err
		}
		if len(ms) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No migrations found")
			return nil
		}

		applier := migration.NewApplier(nil, migration.WithMigrations(ms))
		table := newTable(cmd.OutOrStdout(), []string{"VERSION", "NAME", "STATEMENTS", "IDEMPOTENT"})
		for _, m := range ms {
			sql := applier.Render(m)
			idempotent := "yes"
			if err := migration.CheckIdempotent(sql); err != nil {
				idempotent = "no"
			}
			table.Append([]string{m.Version, m.Name, fmt.Sprint(len(migration.SplitStatements(sql))), idempotent})
		}
		table.Render()
		return nil
	},
}

var migrationShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Print a migration's SQL as it will be sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ms, err := loadMigrations(cmd)
		if err != nil {
			return err
		}
		m, ok := migration.Find(ms, args[0])
		if !ok {
			return fmt.Errorf("migration %s not found", args[0])
		}

		applier := migration.NewApplier(nil, migration.WithMigrations(ms), migration.WithAuditTable(cfg.AuditTable))
		fmt.Fprintf(cmd.OutOrStdout(), "-- %s\n%s", m.Filename(), applier.Render(m))
		return nil
	},
}

var migrationApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply migrations through the fallback chain",
	Long: `Apply every migration in version order, stopping at the first failure,
or only the one named by --version. Migrations are checked for idempotency
before anything is sent.

Examples:
  sbexec migration apply
  sbexec migration apply --version 20240501090100 --timeout 60s`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.Configured() {
			return config.ErrNotConfigured
		}
		ms, err := loadMigrations(cmd)
		if err != nil {
			return err
		}

		rt, err := setup(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.cleanup()

		applier := migration.NewApplier(rt.exec,
			migration.WithMigrations(ms),
			migration.WithAuditTable(cfg.AuditTable),
			migration.WithRecorder(rt.audit),
			migration.WithLogger(log.Logger()),
			migration.WithExecOptions(sqlexec.WithRecorder(nil)),
		)

		var outcomes []migration.Outcome
		if version, _ := cmd.Flags().GetString("version"); version != "" {
			m, ok := migration.Find(ms, version)
			if !ok {
				return fmt.Errorf("migration %s not found", version)
			}
			outcomes = []migration.Outcome{applier.Apply(cmd.Context(), m)}
		} else {
			outcomes = applier.ApplyAll(cmd.Context())
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(outcomes); err != nil {
				return err
			}
		} else {
			printOutcomes(cmd.OutOrStdout(), outcomes)
		}

		for _, o := range outcomes {
			if !o.Success {
				return fmt.Errorf("migration %s failed: %s", o.DebugInfo.Version, o.Error.Message)
			}
		}
		return nil
	},
}

// loadMigrations returns the migrations from --dir, or the bundled ones.
func loadMigrations(cmd *cobra.Command) ([]migration.Migration, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return migration.Embedded(), nil
	}
	return migration.Load(os.DirFS(dir))
}

func printOutcomes(w io.Writer, outcomes []migration.Outcome) {
	table := newTable(w, []string{"VERSION", "NAME", "STATUS", "STATEMENTS", "METHODS", "TIME"})
	for _, o := range outcomes {
		info := o.DebugInfo
		status := "applied"
		if !o.Success {
			status = "failed: " + o.Error.Error()
		}
		var methods []string
		for _, m := range info.Methods {
			if !slices.Contains(methods, string(m)) {
				methods = append(methods, string(m))
			}
		}
		table.Append([]string{
			info.Version,
			info.Name,
			status,
			fmt.Sprintf("%d/%d", info.Executed, info.Statements),
			strings.Join(methods, ","),
			fmt.Sprintf("%dms", info.DurationMs),
		})
	}
	table.Render()
}

func init() {
	rootCmd.AddCommand(migrationCmd)
	migrationCmd.AddCommand(migrationNewCmd)
	migrationCmd.AddCommand(migrationListCmd)
	migrationCmd.AddCommand(migrationShowCmd)
	migrationCmd.AddCommand(migrationApplyCmd)

	migrationCmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the bundled ones")

	migrationApplyCmd.Flags().String("version", "", "Apply only this migration")
	migrationApplyCmd.Flags().Duration("timeout", sqlexec.DefaultTimeout, "Timeout for each statement attempt")
	migrationApplyCmd.Flags().Int("max-retries", sqlexec.DefaultMaxRetries, "Retries per statement")
	migrationApplyCmd.Flags().Bool("json", false, "Print outcomes as JSON")
}
