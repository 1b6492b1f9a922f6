// Package observability wires OpenTelemetry tracing and metrics for sbexec.
package observability

// Config holds OpenTelemetry configuration.
type Config struct {
	// Exporter type: "none", "stdout", or "otlp"
	Exporter string `yaml:"exporter"`

	// OTLP endpoint (for otlp exporter)
	Endpoint string `yaml:"endpoint"`

	// Service name and version reported on every span and metric
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Trace sampling rate (0.0 to 1.0)
	SampleRate float64 `yaml:"sample_rate"`

	MetricsEnabled bool `yaml:"metrics"`
	TracesEnabled  bool `yaml:"traces"`
}

// NewConfig returns default configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:       "none",
		Endpoint:       "localhost:4317",
		ServiceName:    "sbexec",
		ServiceVersion: Version,
		SampleRate:     1.0,
		MetricsEnabled: true,
		TracesEnabled:  true,
	}
}

// ShouldEnable returns true if OTel should be initialized.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != "none"
}
