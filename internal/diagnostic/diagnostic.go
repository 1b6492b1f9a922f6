// Package diagnostic answers which execution channels work against the
// configured backend. Every channel is probed with a harmless statement, the
// full executor chain is run once, and the results are summarized into a
// recommendation.
package diagnostic

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markb/sbexec/internal/audit"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/observability"
	"github.com/markb/sbexec/internal/sqlexec"
	"github.com/markb/sbexec/internal/transport"
)

// ProbeSQL is the statement every probe runs.
const ProbeSQL = "SELECT 1"

// Store persists reports. *audit.Writer satisfies it.
type Store interface {
	Available(ctx context.Context) (bool, error)
	Record(ctx context.Context, e audit.Entry) error
	Table() string
}

// Tool runs diagnostics. It keeps no state between runs.
type Tool struct {
	executor *sqlexec.Executor
	channels []transport.Channel

	url, key string
	store    Store
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Tool.
type Option func(*Tool)

// WithBackend sets the backend URL and key checked by the config check.
func WithBackend(url, key string) Option {
	return func(t *Tool) {
		t.url = url
		t.key = key
	}
}

// WithStore persists every report to s when its table exists.
func WithStore(s Store) Option {
	return func(t *Tool) {
		t.store = s
	}
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics counts runs on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tool) {
		t.metrics = m
	}
}

// New creates a tool that probes channels individually and exec as a whole.
func New(exec *sqlexec.Executor, channels []transport.Channel, opts ...Option) *Tool {
	t := &Tool{
		executor: exec,
		channels: channels,
		timeout:  sqlexec.DefaultTimeout,
		logger:   log.Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run probes every channel and the composite executor concurrently and
// returns the report. It never fails; problems end up in the summary.
func (t *Tool) Run(ctx context.Context) *Report {
	report := &Report{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		Config:    t.checkConfig(),
		Channels:  make([]Probe, len(t.channels)),
	}

	// Probes report failures in their results, so the group never errors.
	var g errgroup.Group
	for i, ch := range t.channels {
		i, ch := i, ch
		g.Go(func() error {
			report.Channels[i] = t.probe(ctx, ch)
			return nil
		})
	}
	g.Go(func() error {
		report.Composite = t.composite(ctx)
		return nil
	})
	g.Wait()

	report.Summary = summarize(report)
	report.Duration = time.Since(report.StartedAt)
	report.DurationMs = report.Duration.Milliseconds()

	t.persist(ctx, report)
	t.metrics.RecordDiagnostic(ctx, report.Summary.RecommendedMethod, report.Summary.HasWorkingMethod)

	t.logger.Info("diagnostic finished",
		"id", report.ID,
		"recommended", report.Summary.RecommendedMethod,
		"working", report.Working(),
		"critical", len(report.Summary.CriticalIssues),
		"warnings", len(report.Summary.Warnings),
	)
	return report
}

func (t *Tool) checkConfig() ConfigCheck {
	c := ConfigCheck{
		URL:        t.url,
		URLPresent: t.url != "",
		KeyPresent: t.key != "",
	}
	if u, err := url.Parse(t.url); err == nil {
		c.HTTPS = u.Scheme == "https"
	}
	return c
}

func (t *Tool) probe(ctx context.Context, ch transport.Channel) Probe {
	start := time.Now()
	out := t.executor.Try(ctx, ch, ProbeSQL, sqlexec.WithTimeout(t.timeout))
	return Probe{
		Method:     string(ch.ID()),
		Working:    out.OK(),
		DurationMs: time.Since(start).Milliseconds(),
		Data:       out.Data,
		Error:      out.Err,
	}
}

func (t *Tool) composite(ctx context.Context) Probe {
	start := time.Now()
	res, err := t.executor.Execute(ctx, ProbeSQL,
		sqlexec.WithMaxRetries(0),
		sqlexec.WithTimeout(t.timeout),
		sqlexec.WithRecorder(nil),
	)
	if err != nil {
		return Probe{Method: MethodExecutor, Error: transport.FromError("", ProbeSQL, err)}
	}
	p := Probe{
		Method:     MethodExecutor,
		Working:    res.OK(),
		DurationMs: time.Since(start).Milliseconds(),
		Error:      res.Error,
	}
	if res.OK() {
		p.Data = res.Data
	}
	return p
}

// preference is the order in which individually working channels are
// recommended when the composite executor failed.
var preference = []transport.ChannelID{
	transport.RPCVariantA,
	transport.RPCVariantB,
	transport.EdgeFunction,
}

func summarize(r *Report) Summary {
	s := Summary{CriticalIssues: []string{}, Warnings: []string{}}

	if !r.Config.URLPresent {
		s.CriticalIssues = append(s.CriticalIssues, "backend URL is not configured")
	}
	if !r.Config.KeyPresent {
		s.CriticalIssues = append(s.CriticalIssues, "backend API key is not configured")
	}
	if r.Config.URLPresent && !r.Config.HTTPS {
		s.Warnings = append(s.Warnings, fmt.Sprintf("backend URL %s does not use https", r.Config.URL))
	}

	working := map[string]bool{}
	var authFailed []string
	for _, p := range r.Channels {
		working[p.Method] = p.Working
		if p.Error != nil && p.Error.IsAuth() {
			authFailed = append(authFailed, p.Method)
		}
	}
	if len(authFailed) > 0 {
		s.CriticalIssues = append(s.CriticalIssues,
			fmt.Sprintf("credentials rejected by %s", strings.Join(authFailed, ", ")))
	}

	switch {
	case r.Composite.Working:
		s.RecommendedMethod = MethodExecutor
	default:
		for _, id := range preference {
			if working[string(id)] {
				s.RecommendedMethod = string(id)
				break
			}
		}
		if s.RecommendedMethod == "" {
			if w := r.Working(); len(w) > 0 {
				s.RecommendedMethod = w[0]
			}
		}
	}
	s.HasWorkingMethod = s.RecommendedMethod != ""
	if !s.HasWorkingMethod {
		s.CriticalIssues = append(s.CriticalIssues, "no SQL execution method works; apply the exec SQL migration or deploy the execute-sql edge function")
	}

	rpcWorks := working[string(transport.RPCVariantA)] || working[string(transport.RPCVariantB)]
	if _, ok := working[string(transport.EdgeFunction)]; ok && !working[string(transport.EdgeFunction)] && rpcWorks {
		s.Warnings = append(s.Warnings, "edge function is unavailable; calls fall back to RPC")
	}
	if w := r.Working(); len(w) == 1 && w[0] == string(transport.DirectREST) {
		s.Warnings = append(s.Warnings, "only the direct REST channel works; check the PostgREST client configuration")
	}
	return s
}

// persist records the report when the store's table exists. Failure is
// never fatal.
func (t *Tool) persist(ctx context.Context, r *Report) {
	if t.store == nil {
		return
	}
	ok, err := t.store.Available(ctx)
	if err != nil {
		t.logger.Debug("checking audit table", "error", err)
	}
	if !ok {
		r.Summary.Warnings = append(r.Summary.Warnings,
			fmt.Sprintf("audit table %s not found; report not persisted", t.store.Table()))
		return
	}

	status := audit.StatusSuccess
	if !r.Summary.HasWorkingMethod {
		status = audit.StatusFailure
	}
	err = t.store.Record(ctx, audit.Entry{
		OperationID:     r.ID,
		OperationType:   audit.TypeDiagnostic,
		Status:          status,
		MethodUsed:      r.Summary.RecommendedMethod,
		ExecutionTimeMs: r.DurationMs,
		Details: map[string]any{
			"channels":  r.Channels,
			"composite": r.Composite,
			"summary":   r.Summary,
		},
		CreatedAt: r.StartedAt,
	})
	if err != nil {
		t.logger.Warn("persisting diagnostic report", "error", err)
		return
	}
	r.Persisted = true
}
