package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbexec/internal/auth"
	"github.com/markb/sbexec/internal/config"
	"github.com/markb/sbexec/internal/diagnostic"
	"github.com/markb/sbexec/internal/emulator"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/migration"
	"github.com/markb/sbexec/internal/sqlexec"
	"github.com/markb/sbexec/internal/transport"
)

// clearEnv unsets every variable config.Load reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SBEXEC_URL", "SUPABASE_URL", "SBEXEC_KEY", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_ANON_KEY",
		"SBEXEC_DATABASE_URL", "SBEXEC_SCHEMA", "SBEXEC_AUDIT_TABLE", "SBEXEC_LOG_LEVEL", "SBEXEC_LOG_FORMAT",
		"SBEXEC_OTEL_EXPORTER", "SBEXEC_OTEL_ENDPOINT", "SBEXEC_TIMEOUT", "SBEXEC_MAX_RETRIES",
		"SBEXEC_RECORD_EXECUTIONS",
	} {
		t.Setenv(name, "")
	}
}

// startBackend runs an emulator and points the environment at it.
func startBackend(t *testing.T) *emulator.Server {
	t.Helper()
	clearEnv(t)

	store, err := emulator.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureAuditTable(context.Background(), "operation_logs"))

	keys := auth.NewKeys("cmd-test-secret")
	key, err := keys.Generate(auth.RoleServiceRole)
	require.NoError(t, err)

	srv := emulator.New(store, keys, emulator.WithLogger(log.Discard()))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	t.Setenv("SBEXEC_URL", ts.URL)
	t.Setenv("SBEXEC_KEY", key)
	t.Setenv("SBEXEC_LOG_LEVEL", "error")
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := Run(context.Background(), args, strings.NewReader(""), &out, &errOut)
	return out.String(), err
}

func TestReadSQL(t *testing.T) {
	orig := stdinIsTerminal
	t.Cleanup(func() { stdinIsTerminal = orig })
	stdinIsTerminal = func() bool { return false }

	newCmd := func(stdin string) *cobra.Command {
		c := &cobra.Command{}
		c.Flags().StringP("file", "f", "", "")
		c.SetIn(strings.NewReader(stdin))
		return c
	}

	sql, err := readSQL(newCmd(""), []string{"select 1"})
	require.NoError(t, err)
	assert.Equal(t, "select 1", sql)

	sql, err = readSQL(newCmd("select 2\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "select 2\n", sql)

	path := filepath.Join(t.TempDir(), "q.sql")
	require.NoError(t, os.WriteFile(path, []byte("select 3"), 0644))
	c := newCmd("")
	require.NoError(t, c.Flags().Set("file", path))
	sql, err = readSQL(c, nil)
	require.NoError(t, err)
	assert.Equal(t, "select 3", sql)

	_, err = readSQL(c, []string{"select 4"})
	assert.Error(t, err, "argument and --file together")

	_, err = readSQL(newCmd("   "), nil)
	assert.Error(t, err)

	stdinIsTerminal = func() bool { return true }
	_, err = readSQL(newCmd("select 5"), nil)
	assert.Error(t, err, "a terminal is not read")
}

func TestPrintResult(t *testing.T) {
	ok := &sqlexec.Result{
		Data:            json.RawMessage(`[{"name":"widget","id":1},{"id":2,"name":null}]`),
		Method:          transport.RPCVariantB,
		ExecutionTimeMs: 12,
		FallbackUsed:    true,
		Attempts:        1,
	}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, "table", ok))
	out := buf.String()
	assert.Contains(t, out, "widget")
	assert.Contains(t, out, "NULL")
	assert.Contains(t, out, "(2 rows)")
	assert.Contains(t, out, "method: rpc-variant-b  attempts: 1  fallback: true")
	assert.Less(t, strings.Index(out, "id"), strings.Index(out, "name"), "columns are sorted")

	failed := &sqlexec.Result{
		Data:   json.RawMessage("null"),
		Method: transport.DirectREST,
		Error: &transport.ErrorInfo{
			Message:  "all methods failed",
			Code:     transport.CodeExhausted,
			Previous: &transport.ErrorInfo{Message: "boom", Code: "XX000", Channel: transport.DirectREST},
		},
		Attempts: 3,
	}
	buf.Reset()
	require.NoError(t, printResult(&buf, "table", failed))
	assert.Contains(t, buf.String(), transport.CodeExhausted)
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	require.NoError(t, printResult(&buf, "json", failed))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(3), decoded["attempts"])

	assert.Error(t, printResult(&buf, "yaml", ok))
}

func TestPrintResult_Scalar(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, "table", &sqlexec.Result{Data: json.RawMessage(`{"command":"CREATE","rows_affected":0}`)}))
	assert.Contains(t, buf.String(), `"command": "CREATE"`)
}

func TestParseChannels(t *testing.T) {
	ids, err := parseChannels("edge-function, rpc-variant-a")
	require.NoError(t, err)
	assert.Equal(t, []transport.ChannelID{transport.EdgeFunction, transport.RPCVariantA}, ids)

	ids, err = parseChannels("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseChannels("carrier-pigeon")
	assert.Error(t, err)
}

func TestExecCommand(t *testing.T) {
	startBackend(t)

	out, err := run(t, "exec", "SELECT 1 AS one")
	require.NoError(t, err)

	var res sqlexec.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, transport.EdgeFunction, res.Method)
	assert.False(t, res.FallbackUsed)
	assert.JSONEq(t, `[{"one":1}]`, string(res.Data))
}

func TestExecCommand_FallsBack(t *testing.T) {
	srv := startBackend(t)
	srv.Disable(transport.EdgeFunction)

	out, err := run(t, "exec", "--output", "table", "SELECT 'x' AS letter")
	require.NoError(t, err)
	assert.Contains(t, out, "letter")
	assert.Contains(t, out, "fallback: true")
}

func TestExecCommand_Failure(t *testing.T) {
	startBackend(t)

	out, err := run(t, "exec", "--max-retries", "0", "SELEC 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution failed")
	assert.Contains(t, out, "42601")
}

func TestExecCommand_NotConfigured(t *testing.T) {
	clearEnv(t)

	_, err := run(t, "exec", "SELECT 1")
	assert.ErrorIs(t, err, config.ErrNotConfigured)
}

func TestDiagnoseCommand(t *testing.T) {
	startBackend(t)

	out, err := run(t, "diagnose", "--json")
	require.NoError(t, err)

	var report diagnostic.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Summary.HasWorkingMethod)
	assert.Equal(t, diagnostic.MethodExecutor, report.Summary.RecommendedMethod)
	assert.Len(t, report.Channels, 4)
	assert.True(t, report.Persisted)

	out, err = run(t, "diagnose")
	require.NoError(t, err)
	assert.Contains(t, out, "Recommended: executor")
}

func TestDiagnoseCommand_NothingWorks(t *testing.T) {
	startBackend(t)

	out, err := run(t, "diagnose", "--key", "wrong")
	require.Error(t, err)
	assert.Contains(t, out, "CRITICAL")
}

func TestMigrationCommands(t *testing.T) {
	clearEnv(t)

	out, err := run(t, "migration", "list")
	require.NoError(t, err)
	for _, m := range migration.Embedded() {
		assert.Contains(t, out, m.Version)
	}
	assert.NotContains(t, out, " no ")

	out, err = run(t, "migration", "show", "20240501090100")
	require.NoError(t, err)
	assert.Contains(t, out, `CREATE TABLE IF NOT EXISTS "operation_logs"`)

	_, err = run(t, "migration", "show", "19990101000000")
	assert.Error(t, err)
}

func TestMigrationNewAndApply(t *testing.T) {
	startBackend(t)
	dir := t.TempDir()

	out, err := run(t, "migration", "new", "widgets", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Created migration")

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	path := filepath.Join(dir, files[0].Name())
	require.NoError(t, os.WriteFile(path, []byte(
		"CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY, name TEXT);\n"+
			"CREATE INDEX IF NOT EXISTS widgets_name_idx ON widgets (name);\n"), 0644))

	for n := 0; n < 2; n++ {
		out, err = run(t, "migration", "apply", "--dir", dir, "--json")
		require.NoError(t, err)
		var outcomes []migration.Outcome
		require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
		require.Len(t, outcomes, 1)
		assert.True(t, outcomes[0].Success)
		assert.Equal(t, 2, outcomes[0].DebugInfo.Executed)
	}

	_, err = run(t, "migration", "new", "Bad-Name", "--dir", dir)
	assert.Error(t, err)
}

func TestMigrationApply_RejectsNonIdempotent(t *testing.T) {
	startBackend(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20250101000000_bad.sql"),
		[]byte("CREATE TABLE gadgets (id INTEGER);"), 0644))

	out, err := run(t, "migration", "apply", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, out, migration.CodeNotIdempotent)
}

func TestKeysGenerate(t *testing.T) {
	t.Setenv("SBEXEC_JWT_SECRET", "keys-test-secret")

	out, err := run(t, "keys", "generate")
	require.NoError(t, err)

	keys := auth.NewKeys("keys-test-secret")
	roles := map[string]auth.Role{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, value, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		role, err := keys.Validate(value)
		require.NoError(t, err, name)
		roles[name] = role
	}
	assert.Equal(t, auth.RoleAnon, roles["SBEXEC_ANON_KEY"])
	assert.Equal(t, auth.RoleServiceRole, roles["SBEXEC_KEY"])

	out, err = run(t, "keys", "generate", "--new-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "SBEXEC_JWT_SECRET="))
}
