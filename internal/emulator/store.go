package emulator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/markb/sbexec/internal/transport"
)

// Store is the SQLite database behind the emulator.
type Store struct {
	db *sql.DB
}

// Open opens the database at path. ":memory:" gives a private in-memory
// database that lives as long as the store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || path == "" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureAuditTable creates the operation log table with the columns the
// audit writer sends.
func (s *Store) EnsureAuditTable(ctx context.Context, table string) error {
	if !identifier.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		operation_id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		method_used TEXT,
		execution_time_ms INTEGER,
		details TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT
	)`, table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// commandResult mirrors what the direct Postgres channel returns for
// statements without rows.
type commandResult struct {
	Command      string `json:"command"`
	RowsAffected int64  `json:"rows_affected"`
}

// returnsRows is textual: RETURNING inside a string literal or a comment
// also matches, and such statements are then run as queries.
var returnsRows = regexp.MustCompile(`(?is)^(SELECT|WITH|VALUES|PRAGMA|EXPLAIN)\b|\bRETURNING\b`)

// Exec runs sql and returns rows as a JSON array of objects, or a command
// result for statements that produce none.
func (s *Store) Exec(ctx context.Context, query string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(query)
	if returnsRows.MatchString(trimmed) {
		rows, err := s.query(ctx, trimmed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	}

	res, err := s.db.ExecContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	cmd := strings.ToUpper(strings.SplitN(trimmed, " ", 2)[0])
	return json.Marshal(commandResult{Command: cmd, RowsAffected: n})
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// tableColumns returns the columns of table, or nil when it does not exist.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.query(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols := make(map[string]bool, len(rows))
	for _, r := range rows {
		if name, ok := r["name"].(string); ok {
			cols[name] = true
		}
	}
	return cols, nil
}

// Select returns up to limit rows of table with the given columns. A limit
// of zero or less returns every row.
func (s *Store) Select(ctx context.Context, table string, columns []string, limit int) ([]map[string]any, error) {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = fmt.Sprintf("%q", c)
		}
		cols = strings.Join(quoted, ", ")
	}
	q := fmt.Sprintf("SELECT %s FROM %q", cols, table)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.query(ctx, q)
}

// Insert writes one row into table. Nested values are stored as JSON text.
func (s *Store) Insert(ctx context.Context, table string, row map[string]any) error {
	if len(row) == 0 {
		return errors.New("empty row")
	}
	names := make([]string, 0, len(row))
	marks := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for k, v := range row {
		names = append(names, fmt.Sprintf("%q", k))
		marks = append(marks, "?")
		switch v.(type) {
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding column %s: %w", k, err)
			}
			v = string(data)
		}
		args = append(args, v)
	}
	q := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(marks, ", "))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqlState maps a SQLite failure onto the closest Postgres SQLSTATE so the
// executor classifies it the same way as a real backend.
func sqlState(err error) string {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return "23505"
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return "23502"
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return "23503"
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return "23514"
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return "55P03"
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "syntax error"), strings.Contains(msg, "incomplete input"):
		return "42601"
	case strings.Contains(msg, "no such table"):
		return "42P01"
	case strings.Contains(msg, "no such column"):
		return "42703"
	case strings.Contains(msg, "no such function"):
		return "42883"
	case strings.Contains(msg, "already exists"):
		return "42P07"
	case strings.Contains(msg, "constraint failed"):
		return "23000"
	}
	return "XX000"
}

// toErrorInfo converts a database failure into a PostgREST-style error.
func toErrorInfo(err error) *transport.ErrorInfo {
	return &transport.ErrorInfo{
		Message: err.Error(),
		Code:    sqlState(err),
	}
}
