// Package config loads sbexec settings. Sources are applied in order:
// built-in defaults, a YAML file, SBEXEC_* environment variables, and finally
// command-line flags (applied by cmd).
package config

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/observability"
	"github.com/markb/sbexec/internal/transport"
)

// ErrNotConfigured is returned when the backend URL or key is missing.
var ErrNotConfigured = errors.New("backend url and key are required (set SBEXEC_URL and SBEXEC_KEY)")

// Config holds everything needed to reach the backend and run SQL against it.
type Config struct {
	URL         string `yaml:"url"`
	Key         string `yaml:"key"`
	DatabaseURL string `yaml:"database_url"`
	Schema      string `yaml:"schema"`

	EdgeFunction string              `yaml:"edge_function"`
	RPCVariantA  transport.Procedure `yaml:"rpc_variant_a"`
	RPCVariantB  transport.Procedure `yaml:"rpc_variant_b"`
	DirectREST   transport.Procedure `yaml:"direct_rest"`

	// Timeout bounds each attempt, MaxRetries bounds the retry loop and
	// BaseDelay is the wait before the first retry (doubled after each).
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`

	// ClassifyStatementErrors stops retrying when the database rejected the
	// statement itself.
	ClassifyStatementErrors bool `yaml:"classify_statement_errors"`

	AuditTable       string `yaml:"audit_table"`
	RecordExecutions bool   `yaml:"record_executions"`

	Log       *log.Config           `yaml:"log"`
	Telemetry *observability.Config `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Schema:                  "public",
		EdgeFunction:            transport.DefaultEdgeFunction,
		RPCVariantA:             transport.Procedure{Name: transport.DefaultProcedureA, Param: transport.DefaultParamA},
		RPCVariantB:             transport.Procedure{Name: transport.DefaultProcedureB, Param: transport.DefaultParamB},
		DirectREST:              transport.Procedure{Name: transport.DefaultProcedureB, Param: transport.DefaultParamB},
		Timeout:                 10 * time.Second,
		MaxRetries:              1,
		BaseDelay:               time.Second,
		ClassifyStatementErrors: true,
		AuditTable:              "operation_logs",
		Log:                     log.DefaultConfig(),
		Telemetry:               observability.NewConfig(),
	}
}

// Decode merges YAML from r over c.
func (c *Config) Decode(r io.Reader) error {
	if err := yaml.NewDecoder(r).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. SUPABASE_URL and
// SUPABASE_SERVICE_ROLE_KEY are accepted when the SBEXEC_ names are unset.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v, ok := lookup(name); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	str(&c.URL, "SBEXEC_URL", "SUPABASE_URL")
	str(&c.Key, "SBEXEC_KEY", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_ANON_KEY")
	str(&c.DatabaseURL, "SBEXEC_DATABASE_URL")
	str(&c.Schema, "SBEXEC_SCHEMA")
	str(&c.AuditTable, "SBEXEC_AUDIT_TABLE")
	str(&c.Log.Level, "SBEXEC_LOG_LEVEL")
	str(&c.Log.Format, "SBEXEC_LOG_FORMAT")
	str(&c.Telemetry.Exporter, "SBEXEC_OTEL_EXPORTER")
	str(&c.Telemetry.Endpoint, "SBEXEC_OTEL_ENDPOINT")
	str(&c.Telemetry.ServiceName, "SBEXEC_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")

	if v, ok := lookup("SBEXEC_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing SBEXEC_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v, ok := lookup("SBEXEC_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing SBEXEC_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v, ok := lookup("SBEXEC_RECORD_EXECUTIONS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing SBEXEC_RECORD_EXECUTIONS: %w", err)
		}
		c.RecordExecutions = b
	}
	return nil
}

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate checks values that would otherwise fail deep inside a call.
// Missing credentials are not an error here; the diagnostic tool reports them.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative, got %s", c.BaseDelay)
	}
	for field, name := range map[string]string{
		"audit_table":        c.AuditTable,
		"rpc_variant_a.name": c.RPCVariantA.Name,
		"rpc_variant_b.name": c.RPCVariantB.Name,
		"direct_rest.name":   c.DirectREST.Name,
	} {
		if !identifierRegex.MatchString(name) {
			return fmt.Errorf("%s %q is not a valid identifier", field, name)
		}
	}
	return nil
}

// Configured reports whether the backend URL and key are both set.
func (c *Config) Configured() bool {
	return c.URL != "" && c.Key != ""
}

// Client returns a PostgREST client for the configured backend.
func (c *Config) Client() *transport.Client {
	return transport.NewClient(c.URL, c.Key,
		transport.WithSchema(c.Schema),
		transport.WithHTTPClient(&http.Client{Timeout: c.Timeout + 5*time.Second}),
	)
}

// Channels returns every configured channel in priority order. The direct
// Postgres channel is included only when a database URL is set.
func (c *Config) Channels() []transport.Channel {
	client := c.Client()
	channels := []transport.Channel{
		transport.NewEdgeFunction(client, c.EdgeFunction),
		transport.NewRPCVariantA(client, c.RPCVariantA),
		transport.NewRPCVariantB(client, c.RPCVariantB),
		transport.NewDirectREST(c.URL, c.Key, c.DirectREST, &http.Client{Timeout: c.Timeout + 5*time.Second}),
	}
	if c.DatabaseURL != "" {
		channels = append(channels, transport.NewPostgres(c.DatabaseURL))
	}
	return channels
}
