package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type shutdowner interface {
	Shutdown(context.Context) error
}

type flusher interface {
	ForceFlush(context.Context) error
}

// Telemetry owns the tracer and meter providers for one sbexec process. Init
// installs them globally so spans started through Tracer and the executor's
// instruments reach the configured exporter.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics

	// closers run in registration order on Shutdown.
	closers     []func(context.Context) error
	once        sync.Once
	shutdownErr error
}

// Init starts the providers cfg asks for. A disabled config yields a Telemetry
// whose Metrics is nil, which the executor treats as "record nothing".
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, func() {}, nil
	}

	if cfg.TracesEnabled {
		tp, err := initTracerProvider(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		if s, ok := tp.(shutdowner); ok {
			tel.onShutdown(s.Shutdown)
		}
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, reader, err := initMeterProvider(ctx, cfg)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.meterProvider = mp
		// The provider shuts its reader down, so the reader is only flushed.
		if f, ok := reader.(flusher); ok {
			tel.onShutdown(f.ForceFlush)
		}
		if s, ok := mp.(shutdowner); ok {
			tel.onShutdown(s.Shutdown)
		}
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, nil, err
		}
		tel.metrics = metrics
	}

	return tel, tel.Cleanup, nil
}

func (t *Telemetry) onShutdown(fn func(context.Context) error) {
	t.closers = append(t.closers, fn)
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider != nil {
		return t.tracerProvider
	}
	return noop.NewTracerProvider()
}

// MeterProvider returns the meter provider, falling back to the global one.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t.meterProvider != nil {
		return t.meterProvider
	}
	return otel.GetMeterProvider()
}

// Metrics returns the sbexec instruments, nil when metrics are off.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Shutdown flushes and closes every provider. Each closer runs even if an
// earlier one fails; the failures are joined. Later calls return the same
// error without closing anything again.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.once.Do(func() {
		var errs []error
		for _, fn := range t.closers {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		t.shutdownErr = errors.Join(errs...)
	})
	return t.shutdownErr
}

// Cleanup shuts down with a bounded wait, for defer.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

const shutdownTimeout = 5 * time.Second
