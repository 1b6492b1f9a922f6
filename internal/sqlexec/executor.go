package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markb/sbexec/internal/audit"
	"github.com/markb/sbexec/internal/log"
	"github.com/markb/sbexec/internal/observability"
	"github.com/markb/sbexec/internal/transport"
)

// ErrEmptySQL is returned by Execute for blank SQL, before anything is sent.
var ErrEmptySQL = errors.New("sql must not be empty")

// CodeCancelled marks a call abandoned because the caller's context ended.
const CodeCancelled = "CANCELLED"

const recordTimeout = 5 * time.Second

// Executor runs SQL through a Plan. It holds no per-call state and is safe for
// concurrent use.
type Executor struct {
	plan     Plan
	settings settings
	tracer   trace.Tracer
}

// New creates an executor for plan.
func New(plan Plan, opts ...Option) *Executor {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = log.Logger()
	}
	return &Executor{
		plan:     plan,
		settings: s,
		tracer:   observability.Tracer("github.com/markb/sbexec/internal/sqlexec"),
	}
}

// Plan returns the executor's channel plan.
func (e *Executor) Plan() Plan {
	return e.plan
}

// Execute runs sql and returns its single Result. Channel failures never
// surface as an error; they are chained in Result.Error. The only error is
// ErrEmptySQL.
func (e *Executor) Execute(ctx context.Context, sql string, opts ...Option) (*Result, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, ErrEmptySQL
	}

	s := e.settings
	for _, opt := range opts {
		opt(&s)
	}

	ctx, span := e.tracer.Start(ctx, "sqlexec.Execute", trace.WithAttributes(
		observability.AttrDBStatement.String(sql),
		observability.AttrSQLMaxRetries.Int(s.maxRetries),
	))
	defer span.End()

	start := time.Now()
	res := e.run(ctx, sql, s)
	res.ExecutionTime = time.Since(start)
	res.ExecutionTimeMs = res.ExecutionTime.Milliseconds()

	span.SetAttributes(
		observability.AttrSQLMethod.String(string(res.Method)),
		observability.AttrSQLSuccess.Bool(res.OK()),
		observability.AttrSQLFallback.Bool(res.FallbackUsed),
		observability.AttrSQLAttempt.Int(res.Attempts),
	)
	if !res.OK() {
		span.SetStatus(codes.Error, res.Error.Message)
		span.SetAttributes(observability.AttrSQLErrorCode.String(res.Error.Code))
	}

	s.metrics.RecordExecution(ctx, string(res.Method), res.OK(), res.Attempts, res.ExecutionTime)
	e.record(ctx, s, res)

	if res.OK() {
		s.logger.Debug("sql executed",
			"method", res.Method,
			"fallback_used", res.FallbackUsed,
			"attempts", res.Attempts,
			"duration_ms", res.ExecutionTimeMs,
		)
	} else {
		s.logger.Warn("sql execution failed",
			"method", res.Method,
			"code", res.Error.Code,
			"attempts", res.Attempts,
			"error", res.Error.Message,
		)
	}
	return res, nil
}

// Try makes one bounded attempt on ch outside the plan, without retries.
func (e *Executor) Try(ctx context.Context, ch transport.Channel, sql string, opts ...Option) transport.Outcome {
	s := e.settings
	for _, opt := range opts {
		opt(&s)
	}
	return e.call(ctx, ch, sql, s)
}

// run drives the retry loop: the whole plan is attempted, retried up to
// maxRetries times with backoff, and then the final channel gets one call.
func (e *Executor) run(ctx context.Context, sql string, s settings) *Result {
	state := &RetryState{MaxRetries: s.maxRetries}
	var attempts []transport.Attempt
	var success *transport.Outcome
	var method transport.ChannelID
	fatal := false

	operation := func() error {
		attemptStart := time.Now()
		out, id, tried, stop := e.runPlan(ctx, sql, s)
		method = id
		if out.OK() {
			success = &out
			return nil
		}

		attempts = append(attempts, transport.Attempt{
			Number:     len(attempts) + 1,
			Channels:   tried,
			Message:    out.Err.Message,
			Code:       out.Err.Code,
			DurationMs: time.Since(attemptStart).Milliseconds(),
		})
		state.LastError = transport.Link(out.Err, state.LastError)
		if stop {
			fatal = true
			return backoff.Permanent(out.Err)
		}
		return out.Err
	}

	notify := func(err error, wait time.Duration) {
		state.RetryCount++
		s.logger.Debug("retrying sql execution",
			"retry", state.RetryCount,
			"max_retries", state.MaxRetries,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, retryPolicy(ctx, s), notify)
	if err == nil && success != nil {
		return &Result{
			Data:         success.Data,
			Method:       method,
			FallbackUsed: method != e.plan.First(),
			Attempts:     len(attempts) + 1,
		}
	}

	if fatal {
		last := state.LastError
		last.Attempts = attempts
		return &Result{
			Data:     json.RawMessage("null"),
			Error:    last,
			Method:   method,
			Attempts: len(attempts),
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		code := CodeCancelled
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			code = transport.CodeTimeout
		}
		return &Result{
			Data: json.RawMessage("null"),
			Error: &transport.ErrorInfo{
				Message:  fmt.Sprintf("execution abandoned after %d attempts: %v", len(attempts), ctxErr),
				Code:     code,
				Query:    sql,
				Attempts: attempts,
				Previous: state.LastError,
			},
			Method:   method,
			Attempts: len(attempts),
		}
	}

	return e.finalAttempt(ctx, sql, s, state, attempts)
}

// finalAttempt makes the single last call on the plan's final channel after
// the retry budget is spent.
func (e *Executor) finalAttempt(ctx context.Context, sql string, s settings, state *RetryState, attempts []transport.Attempt) *Result {
	final := e.plan.Final
	if final == nil {
		return exhausted(sql, attempts, state.LastError, "")
	}

	start := time.Now()
	out := e.call(ctx, final, sql, s)
	if out.OK() {
		return &Result{
			Data:         out.Data,
			Method:       final.ID(),
			FallbackUsed: final.ID() != e.plan.First(),
			Attempts:     len(attempts) + 1,
		}
	}

	attempts = append(attempts, transport.Attempt{
		Number:     len(attempts) + 1,
		Channels:   []transport.ChannelID{final.ID()},
		Message:    out.Err.Message,
		Code:       out.Err.Code,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return exhausted(sql, attempts, transport.Link(out.Err, state.LastError), final.ID())
}

func exhausted(sql string, attempts []transport.Attempt, chain *transport.ErrorInfo, method transport.ChannelID) *Result {
	return &Result{
		Data: json.RawMessage("null"),
		Error: &transport.ErrorInfo{
			Message:  fmt.Sprintf("all execution methods failed after %d attempts", len(attempts)),
			Code:     transport.CodeExhausted,
			Query:    sql,
			Attempts: attempts,
			Previous: chain,
		},
		Method:   method,
		Attempts: len(attempts),
	}
}

// runPlan makes one pass over the plan's stages and stops at the first
// success. stop is set when a failure makes further attempts pointless. A
// rejected credential ends the pass at once; a rejected statement lets the
// pass finish and then skips the retries and the final call.
func (e *Executor) runPlan(ctx context.Context, sql string, s settings) (out transport.Outcome, method transport.ChannelID, tried []transport.ChannelID, stop bool) {
	var chain *transport.ErrorInfo
	rejected := false
	for _, stage := range e.plan.Stages {
		if len(stage) == 0 {
			continue
		}
		for _, ch := range stage {
			tried = append(tried, ch.ID())
		}

		out, method = e.runStage(ctx, sql, stage, s)
		if out.OK() {
			return out, method, tried, false
		}
		auth := isAuthFailure(out.Err)
		if s.classify && isStatementFailure(out.Err) {
			rejected = true
		}
		chain = transport.Link(out.Err, chain)
		if auth {
			stop = true
			break
		}
	}
	stop = stop || rejected
	if chain == nil {
		chain = &transport.ErrorInfo{
			Message: "execution plan has no channels",
			Code:    transport.CodeNotConfigured,
			Query:   sql,
		}
	}
	return transport.Outcome{Err: chain}, method, tried, stop
}

// isAuthFailure reports whether any failure in the stage's chain is a
// rejected credential.
func isAuthFailure(err *transport.ErrorInfo) bool {
	for _, cur := range err.Chain() {
		if cur.IsAuth() {
			return true
		}
	}
	return false
}

// isStatementFailure reports whether the database rejected the statement
// itself somewhere in the stage's chain.
func isStatementFailure(err *transport.ErrorInfo) bool {
	for _, cur := range err.Chain() {
		if cur.IsStatementError() {
			return true
		}
	}
	return false
}

// runStage calls a single channel directly and races several. The race
// returns on the first success and cancels the others; when all fail their
// errors are chained, most recent first.
func (e *Executor) runStage(ctx context.Context, sql string, stage []transport.Channel, s settings) (transport.Outcome, transport.ChannelID) {
	if len(stage) == 1 {
		return e.call(ctx, stage[0], sql, s), stage[0].ID()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raced struct {
		id  transport.ChannelID
		out transport.Outcome
	}
	results := make(chan raced, len(stage))
	for _, ch := range stage {
		go func(ch transport.Channel) {
			results <- raced{id: ch.ID(), out: e.call(ctx, ch, sql, s)}
		}(ch)
	}

	var chain *transport.ErrorInfo
	var last transport.ChannelID
	for range stage {
		r := <-results
		if r.out.OK() {
			return r.out, r.id
		}
		chain = transport.Link(r.out.Err, chain)
		last = r.id
	}
	return transport.Outcome{Err: chain}, last
}

// call makes one channel attempt bounded by the per-call timeout. The channel
// runs in its own goroutine so a call that ignores its context is abandoned
// rather than waited on.
func (e *Executor) call(ctx context.Context, ch transport.Channel, sql string, s settings) transport.Outcome {
	id := ch.ID()
	ctx, span := e.tracer.Start(ctx, "sqlexec.channel", trace.WithAttributes(
		observability.AttrSQLChannel.String(string(id)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type attempt struct {
		out transport.Outcome
		err error
	}
	done := make(chan attempt, 1)
	go func() {
		out, err := ch.Attempt(callCtx, sql)
		done <- attempt{out, err}
	}()

	var out transport.Outcome
	select {
	case a := <-done:
		out = a.out
		if a.err != nil {
			out = transport.Outcome{Err: transport.FromError(id, sql, a.err)}
		}
	case <-callCtx.Done():
		info := &transport.ErrorInfo{
			Message: fmt.Sprintf("no response within %s", s.timeout),
			Code:    transport.CodeTimeout,
			Query:   sql,
			Channel: id,
		}
		if ctx.Err() != nil {
			info.Message = "call cancelled"
			info.Code = CodeCancelled
		}
		out = transport.Outcome{Err: info}
	}

	if out.OK() {
		if out.Data == nil {
			out.Data = json.RawMessage("null")
		}
		return out
	}

	if out.Err.Channel == "" {
		out.Err.Channel = id
	}
	if out.Err.Query == "" {
		out.Err.Query = sql
	}
	span.SetStatus(codes.Error, out.Err.Message)
	span.SetAttributes(attribute.String("error.code", out.Err.Code))
	if out.Err.Code != CodeCancelled {
		s.metrics.RecordChannelFailure(ctx, string(id), out.Err.Code)
	}
	s.logger.Debug("channel attempt failed", "channel", id, "code", out.Err.Code, "error", out.Err.Message)
	return out
}

// record writes res to the recorder, if any. Failures only reach the debug log.
func (e *Executor) record(ctx context.Context, s settings, res *Result) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	status := audit.StatusSuccess
	details := map[string]any{
		"attempts":     res.Attempts,
		"fallbackUsed": res.FallbackUsed,
	}
	if !res.OK() {
		status = audit.StatusFailure
		details["error"] = res.Error
	}

	err := s.recorder.Record(ctx, audit.Entry{
		OperationType:   audit.TypeSQLExecution,
		Status:          status,
		MethodUsed:      string(res.Method),
		ExecutionTimeMs: res.ExecutionTimeMs,
		Details:         details,
	})
	if err != nil {
		s.logger.Debug("recording sql execution", "error", err)
	}
}
