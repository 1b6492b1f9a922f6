package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the metric instruments recorded by the executor and the
// diagnostic tool. A nil *Metrics records nothing.
type Metrics struct {
	Executions        metric.Int64Counter
	Attempts          metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	ChannelFailures   metric.Int64Counter
	DiagnosticRuns    metric.Int64Counter
}

// InitMetrics initializes and returns metric instruments.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("sbexec")

	m := &Metrics{}

	var err error
	m.Executions, err = meter.Int64Counter(
		"sql.executions",
		metric.WithDescription("Number of top-level SQL executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}

	m.Attempts, err = meter.Int64Counter(
		"sql.attempts",
		metric.WithDescription("Number of passes through the channel plan"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	m.ExecutionDuration, err = meter.Float64Histogram(
		"sql.execution_duration",
		metric.WithDescription("Wall time of a SQL execution including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution duration histogram: %w", err)
	}

	m.ChannelFailures, err = meter.Int64Counter(
		"sql.channel_failures",
		metric.WithDescription("Number of failed channel calls"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel failures counter: %w", err)
	}

	m.DiagnosticRuns, err = meter.Int64Counter(
		"diagnostic.runs",
		metric.WithDescription("Number of diagnostic runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create diagnostic runs counter: %w", err)
	}

	return m, nil
}

// RecordExecution records one finished top-level execution.
func (m *Metrics) RecordExecution(ctx context.Context, method string, ok bool, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrSQLMethod.String(method), AttrSQLSuccess.Bool(ok))
	m.Executions.Add(ctx, 1, attrs)
	m.Attempts.Add(ctx, int64(attempts), attrs)
	m.ExecutionDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// RecordChannelFailure records a failed call on one channel.
func (m *Metrics) RecordChannelFailure(ctx context.Context, channel, code string) {
	if m == nil {
		return
	}
	m.ChannelFailures.Add(ctx, 1, metric.WithAttributes(AttrSQLChannel.String(channel), AttrSQLErrorCode.String(code)))
}

// RecordDiagnostic records a diagnostic run.
func (m *Metrics) RecordDiagnostic(ctx context.Context, recommended string, working bool) {
	if m == nil {
		return
	}
	m.DiagnosticRuns.Add(ctx, 1, metric.WithAttributes(AttrSQLMethod.String(recommended), AttrSQLSuccess.Bool(working)))
}

// initMeterProvider initializes the meter provider based on config.
func initMeterProvider(ctx context.Context, cfg *Config) (metric.MeterProvider, any, error) {
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(
			stdoutmetric.WithWriter(os.Stderr),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "otlp":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		conn, err := grpc.DialContext(ctx, cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to OTLP collector: %w", err)
		}

		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "none":
		return sdkmetric.NewMeterProvider(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	return mp, reader, nil
}

// newResource describes this process to exporters.
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	version := cfg.ServiceVersion
	if version == "" {
		version = Version
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Version is reported as service.version; cmd overrides it from ldflags.
var Version = "dev"
