package migration

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/markb/sbexec/internal/audit"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/sqlexec"
	"github.com/markb/sbexec/internal/transport"
)

// CodeNotIdempotent marks a migration rejected before anything was sent.
const CodeNotIdempotent = "NOT_IDEMPOTENT"

// Outcome is the result of applying one migration.
type Outcome struct {
	Success   bool                 `json:"success"`
	Error     *transport.ErrorInfo `json:"error,omitempty"`
	DebugInfo *DebugInfo           `json:"debugInfo,omitempty"`
}

// DebugInfo describes how far a migration got.
type DebugInfo struct {
	Version         string                `json:"version"`
	Name            string                `json:"name"`
	Statements      int                   `json:"statements"`
	Executed        int                   `json:"executed"`
	Methods         []transport.ChannelID `json:"methods,omitempty"`
	FallbackUsed    bool                  `json:"fallbackUsed"`
	FailedStatement string                `json:"failedStatement,omitempty"`
	DurationMs      int64                 `json:"durationMs"`
}

// Applier sends migrations through the SQL executor.
type Applier struct {
	exec       *sqlexec.Executor
	migrations []Migration
	auditTable string
	recorder   sqlexec.Recorder
	logger     *slog.Logger
	execOpts   []sqlexec.Option
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithMigrations replaces the embedded migrations.
func WithMigrations(ms []Migration) ApplierOption {
	return func(a *Applier) {
		a.migrations = ms
	}
}

// WithAuditTable sets the table name substituted for the audit table
// placeholders.
func WithAuditTable(name string) ApplierOption {
	return func(a *Applier) {
		if name != "" {
			a.auditTable = name
		}
	}
}

// WithRecorder records every applied migration.
func WithRecorder(r sqlexec.Recorder) ApplierOption {
	return func(a *Applier) {
		a.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ApplierOption {
	return func(a *Applier) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithExecOptions passes options to every Execute call, e.g. a longer
// timeout for slow DDL.
func WithExecOptions(opts ...sqlexec.Option) ApplierOption {
	return func(a *Applier) {
		a.execOpts = append(a.execOpts, opts...)
	}
}

// NewApplier creates an applier over exec using the embedded migrations.
func NewApplier(exec *sqlexec.Executor, opts ...ApplierOption) *Applier {
	a := &Applier{
		exec:       exec,
		auditTable: audit.DefaultTable,
		logger:     log.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.migrations == nil {
		a.migrations = Embedded()
	}
	return a
}

// Migrations returns the migrations the applier knows, ordered by version.
func (a *Applier) Migrations() []Migration {
	return a.migrations
}

var placeholder = regexp.MustCompile(`\{\{audit_table((?:_[a-z]+)*)\}\}`)

// Render substitutes the audit table placeholders in m. {{audit_table}} is the
// table itself; {{audit_table_suffix}} names an object derived from it.
func (a *Applier) Render(m Migration) string {
	return placeholder.ReplaceAllStringFunc(m.SQL, func(match string) string {
		suffix := placeholder.FindStringSubmatch(match)[1]
		return pq.QuoteIdentifier(a.auditTable + suffix)
	})
}

// Apply runs m statement by statement and stops at the first failure.
// A migration that is not idempotent is rejected before any statement runs.
func (a *Applier) Apply(ctx context.Context, m Migration) Outcome {
	start := time.Now()
	sql := a.Render(m)
	stmts := SplitStatements(sql)
	info := &DebugInfo{Version: m.Version, Name: m.Name, Statements: len(stmts)}

	outcome := a.apply(ctx, sql, stmts, info)
	info.DurationMs = time.Since(start).Milliseconds()

	logger := a.logger.With("version", m.Version, "name", m.Name)
	if outcome.Success {
		logger.Info("migration applied", "statements", info.Executed, "methods", info.Methods)
	} else {
		logger.Error("migration failed", "executed", info.Executed, "error", outcome.Error.Message)
	}
	a.record(ctx, outcome)
	return outcome
}

func (a *Applier) apply(ctx context.Context, sql string, stmts []string, info *DebugInfo) Outcome {
	if err := CheckIdempotent(sql); err != nil {
		return Outcome{
			Error: &transport.ErrorInfo{
				Message: err.Error(),
				Code:    CodeNotIdempotent,
			},
			DebugInfo: info,
		}
	}

	for _, stmt := range stmts {
		res, err := a.exec.Execute(ctx, stmt, a.execOpts...)
		if err != nil {
			// Unreachable for split statements, which are never blank.
			info.FailedStatement = stmt
			return Outcome{Error: transport.FromError("", stmt, err), DebugInfo: info}
		}
		info.Methods = append(info.Methods, res.Method)
		info.FallbackUsed = info.FallbackUsed || res.FallbackUsed
		if !res.OK() {
			info.FailedStatement = stmt
			return Outcome{Error: res.Error, DebugInfo: info}
		}
		info.Executed++
	}
	return Outcome{Success: true, DebugInfo: info}
}

// ApplyAll applies every migration in version order and stops at the first
// failure. The returned outcomes cover the migrations attempted.
func (a *Applier) ApplyAll(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for _, m := range a.migrations {
		o := a.Apply(ctx, m)
		outcomes = append(outcomes, o)
		if !o.Success {
			break
		}
	}
	return outcomes
}

func (a *Applier) record(ctx context.Context, o Outcome) {
	if a.recorder == nil {
		return
	}
	status := audit.StatusSuccess
	if !o.Success {
		status = audit.StatusFailure
	}
	var method string
	if n := len(o.DebugInfo.Methods); n > 0 {
		method = string(o.DebugInfo.Methods[n-1])
	}
	err := a.recorder.Record(ctx, audit.Entry{
		OperationType:   audit.TypeMigration,
		Status:          status,
		MethodUsed:      method,
		ExecutionTimeMs: o.DebugInfo.DurationMs,
		Details:         o,
	})
	if err != nil {
		a.logger.Debug("recording migration", "version", o.DebugInfo.Version, "error", err)
	}
}
