package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresChannel connects straight to the database with pgx. It is only
// available when a connection string is configured.
type PostgresChannel struct {
	dsn string
}

// NewPostgres creates the direct Postgres channel.
func NewPostgres(dsn string) *PostgresChannel {
	return &PostgresChannel{dsn: dsn}
}

func (c *PostgresChannel) ID() ChannelID { return DirectPostgres }

// commandResult is returned for statements that produce no rows.
type commandResult struct {
	Command      string `json:"command"`
	RowsAffected int64  `json:"rows_affected"`
}

// Attempt opens a connection for the duration of the call. Row-returning
// statements yield a JSON array of objects, everything else a command tag.
func (c *PostgresChannel) Attempt(ctx context.Context, sql string) (Outcome, error) {
	if c.dsn == "" {
		return Outcome{Err: &ErrorInfo{
			Message: "database url not configured",
			Code:    CodeNotConfigured,
			Query:   sql,
			Channel: DirectPostgres,
		}}, nil
	}

	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return Outcome{}, fmt.Errorf("connecting to postgres: %w", err)
	}
	defer conn.Close(context.Background())

	var data []byte
	if returnsRows(sql) {
		rows, err := conn.Query(ctx, sql)
		if err != nil {
			return c.failure(sql, err)
		}
		records, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return c.failure(sql, err)
		}
		if records == nil {
			records = []map[string]any{}
		}
		data, err = json.Marshal(records)
		if err != nil {
			return Outcome{}, fmt.Errorf("encoding rows: %w", err)
		}
	} else {
		// Exec without arguments uses the simple protocol, so multi-statement
		// DDL runs in one round trip.
		tag, err := conn.Exec(ctx, sql)
		if err != nil {
			return c.failure(sql, err)
		}
		data, err = json.Marshal(commandResult{
			Command:      tag.String(),
			RowsAffected: tag.RowsAffected(),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("encoding command tag: %w", err)
		}
	}
	return Outcome{Data: data}, nil
}

// failure maps Postgres errors into the outcome and returns anything else.
func (c *PostgresChannel) failure(sql string, err error) (Outcome, error) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Outcome{Err: FromPgError(DirectPostgres, sql, pgErr)}, nil
	}
	return Outcome{}, fmt.Errorf("executing on postgres: %w", err)
}

// returnsRows guesses whether sql is a single row-returning statement.
func returnsRows(sql string) bool {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if strings.Contains(s, ";") {
		return false
	}
	upper := strings.ToUpper(s)
	for _, kw := range []string{"SELECT", "WITH", "VALUES", "TABLE", "SHOW", "EXPLAIN"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return returningClause.MatchString(s)
}

var returningClause = regexp.MustCompile(`(?i)\bRETURNING\b`)
