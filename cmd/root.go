package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/markb/sbexec/internal/audit"
	"github.com/markb/sbexec/internal/config"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/observability"
	"github.com/markb/sbexec/internal/sqlexec"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:   "sbexec",
	Short: "Run SQL against a Supabase backend through a chain of fallbacks",
	Long: `sbexec sends SQL to a Supabase-style backend. It tries the execute-sql
edge function first, then the execute_sql and exec_sql RPC procedures, and
finally a raw REST call, retrying with backoff when every path fails.

Configuration comes from a YAML file (--config), SBEXEC_* environment
variables and the flags below, in increasing order of precedence.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("sbexec version {{.Version}}\n")
	observability.Version = Version

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.String("url", "", "Backend URL (overrides SBEXEC_URL)")
	pf.String("key", "", "API key (overrides SBEXEC_KEY)")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text or json")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Run executes args with the given output streams and returns the command's
// error. Flags are reset to their defaults first, so Run can be called more
// than once in a process.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.ExecuteContext(ctx)
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// loadConfig builds the configuration for cmd: defaults, the config file,
// the environment, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if url, _ := cmd.Flags().GetString("url"); url != "" {
		cfg.URL = url
	}
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		cfg.Key = key
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		cfg.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if f := cmd.Flags().Lookup("max-retries"); f != nil && f.Changed {
		cfg.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runtime is what every backend-facing command needs.
type runtime struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	audit     *audit.Writer
	exec      *sqlexec.Executor
	cleanup   func()
}

// setup initializes logging and telemetry and builds the executor.
func setup(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	tel, cleanupTel, err := observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	writer := audit.NewWriter(cfg.Client(), cfg.AuditTable, log.Logger())
	opts := []sqlexec.Option{
		sqlexec.WithTimeout(cfg.Timeout),
		sqlexec.WithMaxRetries(cfg.MaxRetries),
		sqlexec.WithBaseDelay(cfg.BaseDelay),
		sqlexec.WithStatementClassification(cfg.ClassifyStatementErrors),
		sqlexec.WithLogger(log.Logger()),
		sqlexec.WithMetrics(tel.Metrics()),
	}
	if cfg.RecordExecutions {
		opts = append(opts, sqlexec.WithRecorder(writer))
	}

	return &runtime{
		cfg:       cfg,
		telemetry: tel,
		audit:     writer,
		exec:      sqlexec.New(sqlexec.DefaultPlan(cfg.Channels()), opts...),
		cleanup: func() {
			cleanupTel()
			log.Close()
		},
	}, nil
}
