package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbexec/internal/transport"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.True(t, cfg.ClassifyStatementErrors)
	assert.Equal(t, "operation_logs", cfg.AuditTable)
	assert.Equal(t, "execute_sql", cfg.RPCVariantA.Name)
	assert.Equal(t, "query_text", cfg.RPCVariantA.Param)
	assert.Equal(t, "exec_sql", cfg.RPCVariantB.Name)
	assert.Equal(t, "sql", cfg.RPCVariantB.Param)
	assert.False(t, cfg.Configured())
	require.NoError(t, cfg.Validate())
}

func TestDecode(t *testing.T) {
	cfg := Default()
	err := cfg.Decode(strings.NewReader(`
url: https://example.supabase.co
key: secret
timeout: 3s
max_retries: 4
classify_statement_errors: false
rpc_variant_a:
  name: run_sql
  param: statement
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "https://example.supabase.co", cfg.URL)
	assert.Equal(t, "secret", cfg.Key)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.False(t, cfg.ClassifyStatementErrors)
	assert.Equal(t, transport.Procedure{Name: "run_sql", Param: "statement"}, cfg.RPCVariantA)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched fields keep their defaults
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "exec_sql", cfg.RPCVariantB.Name)
	assert.True(t, cfg.Configured())
}

func TestDecode_Empty(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Decode(strings.NewReader("")))
	assert.Equal(t, Default(), cfg)
}

func TestDecode_Invalid(t *testing.T) {
	cfg := Default()
	err := cfg.Decode(strings.NewReader("timeout: [1, 2"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"SBEXEC_URL":         "http://localhost:8080",
		"SBEXEC_KEY":         "k",
		"SBEXEC_TIMEOUT":     "250ms",
		"SBEXEC_MAX_RETRIES": "0",
		"SBEXEC_LOG_LEVEL":   "error",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.URL)
	assert.Equal(t, "k", cfg.Key)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestApplyEnv_SupabaseFallback(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"SUPABASE_URL":              "https://x.supabase.co",
		"SUPABASE_SERVICE_ROLE_KEY": "service",
		"SUPABASE_ANON_KEY":         "anon",
	})))
	assert.Equal(t, "https://x.supabase.co", cfg.URL)
	assert.Equal(t, "service", cfg.Key)

	cfg = Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"SBEXEC_KEY":        "own",
		"SUPABASE_ANON_KEY": "anon",
	})))
	assert.Equal(t, "own", cfg.Key)
}

func TestApplyEnv_BadValues(t *testing.T) {
	tests := map[string]string{
		"SBEXEC_TIMEOUT":           "soon",
		"SBEXEC_MAX_RETRIES":       "many",
		"SBEXEC_RECORD_EXECUTIONS": "perhaps",
	}
	for name, value := range tests {
		name, value := name, value
		t.Run(name, func(t *testing.T) {
			err := Default().ApplyEnv(envMap(map[string]string{name: value}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: https://file.example\nmax_retries: 2\n"), 0644))

	t.Setenv("SBEXEC_URL", "https://env.example")
	t.Setenv("SBEXEC_KEY", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.URL, "environment overrides file")
	assert.Equal(t, 2, cfg.MaxRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"negative delay", func(c *Config) { c.BaseDelay = -time.Second }, "base_delay"},
		{"bad audit table", func(c *Config) { c.AuditTable = "logs; drop table x" }, "audit_table"},
		{"bad procedure", func(c *Config) { c.RPCVariantB.Name = "1exec" }, "rpc_variant_b.name"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestChannels(t *testing.T) {
	cfg := Default()
	cfg.URL = "https://example.supabase.co"
	cfg.Key = "k"

	var ids []transport.ChannelID
	for _, ch := range cfg.Channels() {
		ids = append(ids, ch.ID())
	}
	assert.Equal(t, transport.KnownChannels(), ids)

	cfg.DatabaseURL = "postgres://localhost/db"
	channels := cfg.Channels()
	require.Len(t, channels, 5)
	assert.Equal(t, transport.DirectPostgres, channels[4].ID())
}

func TestTelemetrySettings(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Decode(strings.NewReader(`
telemetry:
  exporter: stdout
  service_version: 2.3.0
`)))
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"OTEL_SERVICE_NAME": "billing-migrations",
	})))

	assert.Equal(t, "stdout", cfg.Telemetry.Exporter)
	assert.Equal(t, "billing-migrations", cfg.Telemetry.ServiceName)
	assert.Equal(t, "2.3.0", cfg.Telemetry.ServiceVersion)
	assert.True(t, cfg.Telemetry.ShouldEnable())
}
