// Package transport implements the individual channels sbexec can use to run a SQL
// string against a Supabase-style backend: an edge function, two PostgREST RPC
// procedures, a raw REST call and an optional direct Postgres connection.
//
// Every channel normalizes its outcome into an Outcome. Failures the backend reports
// (HTTP status, PostgREST error body, Postgres error) land in Outcome.Err; only
// unexpected failures such as a refused connection are returned as a Go error.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ChannelID identifies an execution channel.
type ChannelID string

const (
	EdgeFunction   ChannelID = "edge-function"
	RPCVariantA    ChannelID = "rpc-variant-a"
	RPCVariantB    ChannelID = "rpc-variant-b"
	DirectREST     ChannelID = "direct-rest"
	DirectPostgres ChannelID = "direct-postgres"
)

// KnownChannels returns the canonical channels in priority order.
func KnownChannels() []ChannelID {
	return []ChannelID{EdgeFunction, RPCVariantA, RPCVariantB, DirectREST}
}

// Error codes set by sbexec itself. Codes reported by the backend (SQLSTATE,
// PGRSTxxx) are passed through unchanged.
const (
	CodeAuth          = "AUTH_ERROR"
	CodeHTTP          = "HTTP_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeNetwork       = "NETWORK_ERROR"
	CodeEdgeFunction  = "EDGE_FUNCTION_ERROR"
	CodeNotConfigured = "NOT_CONFIGURED"
	CodeExhausted     = "ALL_METHODS_FAILED"
)

// Channel runs one SQL string through one execution path.
type Channel interface {
	ID() ChannelID
	Attempt(ctx context.Context, sql string) (Outcome, error)
}

// Outcome is the normalized {data, error} pair of a single channel attempt.
type Outcome struct {
	Data json.RawMessage
	Err  *ErrorInfo
}

// OK reports whether the attempt succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Attempt summarizes one pass through the channel plan.
type Attempt struct {
	Number     int         `json:"number"`
	Channels   []ChannelID `json:"channels"`
	Message    string      `json:"message,omitempty"`
	Code       string      `json:"code,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// ErrorInfo describes a failure and links to the failure that preceded it, so the
// final error of a call carries the whole history of what was tried.
type ErrorInfo struct {
	Message  string     `json:"message"`
	Details  string     `json:"details,omitempty"`
	Hint     string     `json:"hint,omitempty"`
	Code     string     `json:"code,omitempty"`
	Query    string     `json:"query,omitempty"`
	Channel  ChannelID  `json:"channel,omitempty"`
	Status   int        `json:"status,omitempty"`
	Attempts []Attempt  `json:"attempts,omitempty"`
	Previous *ErrorInfo `json:"previousError,omitempty"`
}

func (e *ErrorInfo) Error() string {
	var b strings.Builder
	if e.Channel != "" {
		b.WriteString(string(e.Channel))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the previous failure to errors.Is and errors.As.
func (e *ErrorInfo) Unwrap() error {
	if e.Previous == nil {
		return nil
	}
	return e.Previous
}

// Chain returns the error followed by every earlier failure.
func (e *ErrorInfo) Chain() []*ErrorInfo {
	var out []*ErrorInfo
	for cur := e; cur != nil; cur = cur.Previous {
		out = append(out, cur)
	}
	return out
}

// Link appends prev to the end of err's chain and returns err. A nil err yields prev.
func Link(err, prev *ErrorInfo) *ErrorInfo {
	if err == nil {
		return prev
	}
	if prev == nil {
		return err
	}
	tail := err
	for tail.Previous != nil {
		tail = tail.Previous
	}
	tail.Previous = prev
	return err
}

// PgError returns the failure as a Postgres error when its code is a SQLSTATE.
func (e *ErrorInfo) PgError() *pgconn.PgError {
	if !isSQLState(e.Code) {
		return nil
	}
	return &pgconn.PgError{
		Severity: "ERROR",
		Code:     e.Code,
		Message:  e.Message,
		Detail:   e.Details,
		Hint:     e.Hint,
	}
}

// statementClasses are SQLSTATE classes that mean the statement itself was rejected.
var statementClasses = map[string]bool{
	"22": true, // data exception
	"23": true, // integrity constraint violation
	"42": true, // syntax error or access rule violation
}

// IsStatementError reports whether the database rejected the SQL itself, in which
// case sending it again cannot succeed.
func (e *ErrorInfo) IsStatementError() bool {
	pgErr := e.PgError()
	if pgErr == nil {
		return false
	}
	// Older PostgREST reports a missing exec procedure as undefined_function.
	if pgErr.Code == "42883" && isRPC(e.Channel) {
		return false
	}
	return statementClasses[pgErr.Code[:2]]
}

// IsAuth reports whether the backend rejected the credentials.
func (e *ErrorInfo) IsAuth() bool {
	return e.Code == CodeAuth
}

func isRPC(id ChannelID) bool {
	return id == RPCVariantA || id == RPCVariantB || id == DirectREST
}

func isSQLState(code string) bool {
	if len(code) != 5 {
		return false
	}
	for _, r := range code {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// FromPgError converts a Postgres error into an ErrorInfo.
func FromPgError(id ChannelID, query string, pgErr *pgconn.PgError) *ErrorInfo {
	return &ErrorInfo{
		Message: pgErr.Message,
		Details: pgErr.Detail,
		Hint:    pgErr.Hint,
		Code:    pgErr.Code,
		Query:   query,
		Channel: id,
	}
}

// FromError converts an unexpected failure into an ErrorInfo, classifying
// deadlines as timeouts.
func FromError(id ChannelID, query string, err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	code := CodeNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return FromPgError(id, query, pgErr)
	}
	return &ErrorInfo{
		Message: err.Error(),
		Code:    code,
		Query:   query,
		Channel: id,
	}
}
