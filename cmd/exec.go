package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/sbexec/internal/config"
	"github.com/markb/sbexec/internal/sqlexec"
	"github.com/markb/sbexec/internal/transport"
)

var execCmd = &cobra.Command{
	Use:   "exec [SQL]",
	Short: "Execute SQL through the fallback chain",
	Long: `Execute one SQL string against the configured backend.

The SQL comes from the argument, from --file, or from standard input when it
is piped. The result is printed as JSON or as a table; the command exits
non-zero when every execution path failed.

Examples:
  sbexec exec "select now()"
  sbexec exec -f schema.sql --timeout 30s
  echo "select 1" | sbexec exec --output table`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sql, err := readSQL(cmd, args)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.Configured() {
			return config.ErrNotConfigured
		}

		rt, err := setup(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.cleanup()

		res, err := rt.exec.Execute(cmd.Context(), sql)
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		if err := printResult(cmd.OutOrStdout(), output, res); err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("execution failed after %d attempts: %s", res.Attempts, res.Error.Message)
		}
		return nil
	},
}

// stdinIsTerminal reports whether standard input is interactive.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readSQL returns the SQL to run from the argument, --file or piped stdin.
func readSQL(cmd *cobra.Command, args []string) (string, error) {
	file, _ := cmd.Flags().GetString("file")
	if file != "" && len(args) > 0 {
		return "", errors.New("pass SQL as an argument or with --file, not both")
	}

	var sql string
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading SQL file: %w", err)
		}
		sql = string(data)
	case len(args) == 1:
		sql = args[0]
	case !stdinIsTerminal():
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading SQL from stdin: %w", err)
		}
		sql = string(data)
	}

	if strings.TrimSpace(sql) == "" {
		return "", errors.New("no SQL given (pass it as an argument, with --file, or on stdin)")
	}
	return sql, nil
}

// printResult writes res as JSON or as a table.
func printResult(w io.Writer, format string, res *sqlexec.Result) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "table":
		if res.OK() {
			renderData(w, res.Data)
		} else {
			renderErrorChain(w, res.Error)
		}
		fmt.Fprintf(w, "method: %s  attempts: %d  fallback: %t  time: %dms\n",
			res.Method, res.Attempts, res.FallbackUsed, res.ExecutionTimeMs)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want json or table)", format)
	}
}

// renderData prints an array of objects as a table and anything else as
// indented JSON.
func renderData(w io.Writer, data json.RawMessage) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		var v any
		if json.Unmarshal(data, &v) == nil {
			if out, err := json.MarshalIndent(v, "", "  "); err == nil {
				data = out
			}
		}
		fmt.Fprintln(w, string(data))
		return
	}

	seen := map[string]bool{}
	var columns []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	table := newTable(w, columns)
	for _, row := range rows {
		line := make([]string, len(columns))
		for i, c := range columns {
			line[i] = cell(row[c])
		}
		table.Append(line)
	}
	table.Render()
	fmt.Fprintf(w, "(%d rows)\n", len(rows))
}

// renderErrorChain prints a failure and everything that preceded it.
func renderErrorChain(w io.Writer, info *transport.ErrorInfo) {
	table := newTable(w, []string{"#", "CHANNEL", "CODE", "MESSAGE"})
	for i, e := range info.Chain() {
		table.Append([]string{fmt.Sprint(i), string(e.Channel), e.Code, e.Message})
	}
	table.Render()
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(header)
	return table
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return t
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringP("file", "f", "", "Read SQL from a file")
	execCmd.Flags().Duration("timeout", sqlexec.DefaultTimeout, "Timeout for each attempt")
	execCmd.Flags().Int("max-retries", sqlexec.DefaultMaxRetries, "Retries after the first pass over every channel")
	execCmd.Flags().StringP("output", "o", "json", "Output format: json or table")
}
