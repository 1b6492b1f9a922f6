// cmd/serve.go
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/markb/sbexec/internal/auth"
	"github.com/markb/sbexec/internal/emulator"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/transport"
)

const defaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a local backend emulator",
	Long: `Starts a local stand-in for a Supabase project, backed by SQLite. It
serves the execute-sql edge function, the execute_sql and exec_sql RPC
procedures and plain table reads and inserts, so the fallback chain can be
tried without a real project. The SQL dialect is SQLite's.

Use --disable to switch execution paths off and watch sbexec fall back.
With --pg-port the same database is also served over the Postgres wire
protocol for the direct-postgres channel.

Examples:
  sbexec serve --db :memory:
  sbexec serve --disable edge-function,rpc-variant-a
  sbexec serve --pg-port 54322 --pg-password secret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")
		disable, _ := cmd.Flags().GetString("disable")
		pgPort, _ := cmd.Flags().GetInt("pg-port")
		pgPassword, _ := cmd.Flags().GetString("pg-password")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := log.Init(cfg.Log); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer log.Close()

		disabled, err := parseChannels(disable)
		if err != nil {
			return err
		}

		store, err := emulator.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := store.EnsureAuditTable(ctx, cfg.AuditTable); err != nil {
			return err
		}

		secret := jwtSecret(cmd)
		keys := auth.NewKeys(secret)
		serviceKey, err := keys.Generate(auth.RoleServiceRole)
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}

		srv := emulator.New(store, keys,
			emulator.WithLogger(log.Logger()),
			emulator.WithEdgeFunction(cfg.EdgeFunction),
			emulator.WithProcedure(transport.RPCVariantA, cfg.RPCVariantA),
			emulator.WithProcedure(transport.RPCVariantB, cfg.RPCVariantB),
			emulator.WithDisabled(disabled...),
		)

		addr := fmt.Sprintf("%s:%d", host, port)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Starting sbexec emulator on %s\n", addr)
		fmt.Fprintf(out, "  Functions: http://%s/functions/v1/%s\n", addr, cfg.EdgeFunction)
		fmt.Fprintf(out, "  REST API:  http://%s/rest/v1\n", addr)
		fmt.Fprintf(out, "  Database:  %s\n", dbPath)
		if len(disabled) > 0 {
			fmt.Fprintf(out, "  Disabled:  %s\n", disable)
		}

		var wire *emulator.WireServer
		var pgAddr string
		if pgPort > 0 {
			wire, err = emulator.NewWireServer(store, emulator.WireConfig{
				Password: pgPassword,
				Logger:   log.Logger(),
			})
			if err != nil {
				return err
			}
			pgAddr = fmt.Sprintf("%s:%d", host, pgPort)
			fmt.Fprintf(out, "  Postgres:  %s\n", pgAddr)
		}

		fmt.Fprintf(out, "\nSBEXEC_URL=http://%s\nSBEXEC_KEY=%s\n", addr, serviceKey)
		if wire != nil {
			fmt.Fprintf(out, "SBEXEC_DATABASE_URL=postgres://postgres:%s@%s/postgres?sslmode=disable\n", pgPassword, pgAddr)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
		if wire != nil {
			g.Go(func() error { return wire.ListenAndServe(ctx, pgAddr) })
		}
		return g.Wait()
	},
}

// parseChannels parses a comma-separated list of channel ids.
func parseChannels(list string) ([]transport.ChannelID, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	known := map[transport.ChannelID]bool{}
	for _, id := range transport.KnownChannels() {
		known[id] = true
	}

	var ids []transport.ChannelID
	for _, s := range strings.Split(list, ",") {
		id := transport.ChannelID(strings.TrimSpace(s))
		if !known[id] {
			return nil, fmt.Errorf("unknown channel %q", id)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// jwtSecret returns the secret that signs emulator keys.
func jwtSecret(cmd *cobra.Command) string {
	secret := os.Getenv("SBEXEC_JWT_SECRET")
	if secret == "" {
		secret = defaultJWTSecret
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: Using default JWT secret. Set SBEXEC_JWT_SECRET to change it.")
	}
	return secret
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("db", "sbexec-emulator.db", "Path to the SQLite database (:memory: for a throwaway one)")
	serveCmd.Flags().IntP("port", "p", 54321, "Port to listen on")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("pg-port", 0, "Also serve the database over the Postgres wire protocol on this port (0 disables)")
	serveCmd.Flags().String("pg-password", "", "Password required by the Postgres listener")
	serveCmd.Flags().String("disable", "", "Comma-separated channels to refuse: edge-function, rpc-variant-a, rpc-variant-b, direct-rest")
}
