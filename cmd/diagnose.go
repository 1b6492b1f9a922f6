package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/markb/sbexec/internal/diagnostic"
	"github.com/markb/sbexec/internal/log"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Probe every execution path and recommend one",
	Long: `Run "SELECT 1" through each execution path and through the full fallback
chain at the same time, then print which paths work, which one to use, and
any configuration problems found. The report is also written to the audit
table when it exists.

Exits non-zero when no path works.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		rt, err := setup(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.cleanup()

		tool := diagnostic.New(rt.exec, cfg.Channels(),
			diagnostic.WithBackend(cfg.URL, cfg.Key),
			diagnostic.WithStore(rt.audit),
			diagnostic.WithTimeout(cfg.Timeout),
			diagnostic.WithLogger(log.Logger()),
			diagnostic.WithMetrics(rt.telemetry.Metrics()),
		)
		report := tool.Run(cmd.Context())

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(cmd.OutOrStdout(), report)
		}

		if !report.Summary.HasWorkingMethod {
			return errors.New("no working execution method")
		}
		return nil
	},
}

func printReport(w io.Writer, r *diagnostic.Report) {
	fmt.Fprintf(w, "Backend: %s\n", orNone(r.Config.URL))
	fmt.Fprintf(w, "  url set: %t  key set: %t  https: %t\n\n", r.Config.URLPresent, r.Config.KeyPresent, r.Config.HTTPS)

	table := newTable(w, []string{"METHOD", "WORKING", "TIME", "ERROR"})
	probes := append(append([]diagnostic.Probe{}, r.Channels...), r.Composite)
	for _, p := range probes {
		working := "no"
		if p.Working {
			working = "yes"
		}
		var msg string
		if p.Error != nil {
			msg = p.Error.Error()
		}
		table.Append([]string{p.Method, working, fmt.Sprintf("%dms", p.DurationMs), msg})
	}
	table.Render()

	fmt.Fprintf(w, "\nRecommended: %s\n", orNone(r.Summary.RecommendedMethod))
	for _, issue := range r.Summary.CriticalIssues {
		fmt.Fprintf(w, "CRITICAL: %s\n", issue)
	}
	for _, warning := range r.Summary.Warnings {
		fmt.Fprintf(w, "WARNING: %s\n", warning)
	}
	if r.Persisted {
		fmt.Fprintf(w, "Report %s saved to the audit table.\n", r.ID)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().Bool("json", false, "Print the report as JSON")
}
