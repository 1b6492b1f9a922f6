package sqlexec

import (
	"context"
	"log/slog"
	"time"

	"github.com/markb/sbexec/internal/audit"
	"github.com/markb/sbexec/internal/observability"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 1
	DefaultBaseDelay  = time.Second

	// maxDelay caps a single backoff wait.
	maxDelay = 30 * time.Second
)

// Recorder stores a finished execution. *audit.Writer satisfies it.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

type settings struct {
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	classify   bool

	logger   *slog.Logger
	metrics  *observability.Metrics
	recorder Recorder
}

func defaultSettings() settings {
	return settings{
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		classify:   true,
	}
}

// Option configures an Executor, or a single Execute call.
type Option func(*settings)

// WithTimeout bounds every channel call. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxRetries sets how many times the plan is retried after the first
// attempt. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBaseDelay sets the wait before the first retry; each later wait doubles.
func WithBaseDelay(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.baseDelay = d
		}
	}
}

// WithStatementClassification controls whether a statement the database
// rejected (SQLSTATE class 22, 23 or 42) stops the retry loop.
func WithStatementClassification(on bool) Option {
	return func(s *settings) {
		s.classify = on
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records executions and channel failures on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithRecorder writes every finished execution to rec.
func WithRecorder(rec Recorder) Option {
	return func(s *settings) {
		s.recorder = rec
	}
}
