package emulator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	pqoid "github.com/lib/pq/oid"
)

// WireConfig configures the Postgres wire listener.
type WireConfig struct {
	Password string // empty disables authentication
	Logger   *slog.Logger
}

// WireServer speaks the Postgres wire protocol in front of the store, so the
// direct database channel has something to connect to. Statements are run
// as SQLite, unchanged.
type WireServer struct {
	store  *Store
	config WireConfig
	server *wire.Server
}

// NewWireServer creates a wire listener for store.
func NewWireServer(store *Store, cfg WireConfig) (*WireServer, error) {
	s := &WireServer{store: store, config: cfg}

	opts := []wire.OptionFn{
		wire.Version("sbexec emulator (PostgreSQL compatible)"),
		wire.GlobalParameters(wire.Parameters{
			wire.ParamServerEncoding: "UTF8",
			wire.ParamServerVersion:  "15.0",
			"DateStyle":              "ISO, MDY",
			"TimeZone":               "UTC",
		}),
	}
	if cfg.Logger != nil {
		opts = append(opts, wire.Logger(cfg.Logger))
	}
	if cfg.Password != "" {
		opts = append(opts, wire.SessionAuthStrategy(wire.ClearTextPassword(func(ctx context.Context, username, password string) (context.Context, bool, error) {
			return s.passwordAuth(ctx, "", username, password)
		})))
	}

	server, err := wire.NewServer(s.handleQuery, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create wire server: %w", err)
	}
	s.server = server
	return s, nil
}

func (s *WireServer) passwordAuth(ctx context.Context, database, username, password string) (context.Context, bool, error) {
	return ctx, password == s.config.Password, nil
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *WireServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.server.Close()
	}()
	if s.config.Logger != nil {
		s.config.Logger.Info("wire server listening", "address", ln.Addr().String())
	}
	err := s.server.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *WireServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

var (
	versionQuery  = regexp.MustCompile(`(?i)^\s*SELECT\s+VERSION\s*\(\s*\)\s*;?\s*$`)
	sideEffecting = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|REPLACE)\b`)
)

func (s *WireServer) handleQuery(ctx context.Context, query string) (wire.PreparedStatements, error) {
	query = strings.TrimSpace(query)
	switch {
	case query == "":
		return wire.Prepared(), nil
	case versionQuery.MatchString(query):
		return s.constant("version", "sbexec emulator, SQLite dialect"), nil
	case strings.HasPrefix(strings.ToUpper(query), "SET "):
		return wire.Prepared(wire.NewStatement(func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
			return writer.Complete("SET")
		})), nil
	case returnsRows.MatchString(query):
		if sideEffecting.MatchString(query) {
			return s.prepareReturning(ctx, query)
		}
		return s.prepareSelect(ctx, query)
	}

	stmt := wire.NewStatement(func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
		res, err := s.store.db.ExecContext(ctx, query, paramValues(params)...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		return writer.Complete(commandTag(query, n))
	})
	return wire.Prepared(stmt), nil
}

func (s *WireServer) constant(name, value string) wire.PreparedStatements {
	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
			if err := writer.Row([]any{value}); err != nil {
				return err
			}
			return writer.Complete("SELECT 1")
		},
		wire.WithColumns(wire.Columns{{Name: name, Oid: pgtype.TextOID, Width: -1}}),
	))
}

// prepareSelect describes the columns with a LIMIT 0 probe and runs the
// query when the statement executes.
func (s *WireServer) prepareSelect(ctx context.Context, query string) (wire.PreparedStatements, error) {
	probe := fmt.Sprintf("SELECT * FROM (%s) AS _probe LIMIT 0", strings.TrimSuffix(query, ";"))
	rows, err := s.store.db.QueryContext(ctx, probe)
	if err != nil {
		// PRAGMA and EXPLAIN cannot be wrapped.
		rows, err = s.store.db.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
	}
	colTypes, err := rows.ColumnTypes()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}
	columns := wireColumns(colTypes)

	stmt := wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
			_, values, err := s.fetch(ctx, query, paramValues(params)...)
			if err != nil {
				return err
			}
			return writeRows(writer, columns, values, "SELECT")
		},
		wire.WithColumns(columns),
	)
	return wire.Prepared(stmt), nil
}

// prepareReturning runs a data-modifying statement with RETURNING up front,
// because its columns are only known once it has run. The buffered rows are
// written when the statement executes.
func (s *WireServer) prepareReturning(ctx context.Context, query string) (wire.PreparedStatements, error) {
	colTypes, values, err := s.fetch(ctx, query)
	if err != nil {
		return nil, err
	}
	columns := wireColumns(colTypes)
	verb := strings.ToUpper(strings.Fields(query)[0])

	stmt := wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
			return writeRows(writer, columns, values, verb)
		},
		wire.WithColumns(columns),
	)
	return wire.Prepared(stmt), nil
}

func (s *WireServer) fetch(ctx context.Context, query string, args ...any) ([]*sql.ColumnType, [][]any, error) {
	rows, err := s.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(colTypes))
		ptrs := make([]any, len(colTypes))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, values)
	}
	return colTypes, out, rows.Err()
}

func writeRows(writer wire.DataWriter, columns wire.Columns, values [][]any, verb string) error {
	for _, row := range values {
		encoded := make([]any, len(row))
		for i, v := range row {
			encoded[i] = encodeValue(uint32(columns[i].Oid), v)
		}
		if err := writer.Row(encoded); err != nil {
			return err
		}
	}
	return writer.Complete(commandTag(verb, int64(len(values))))
}

// declaredOIDs maps SQLite declared column types to the OIDs sent to clients.
// Anything else is sent as text.
var declaredOIDs = map[string]uint32{
	"INTEGER": pgtype.Int8OID,
	"INT":     pgtype.Int8OID,
	"BIGINT":  pgtype.Int8OID,
	"REAL":    pgtype.Float8OID,
	"FLOAT":   pgtype.Float8OID,
	"DOUBLE":  pgtype.Float8OID,
}

func wireColumns(colTypes []*sql.ColumnType) wire.Columns {
	columns := make(wire.Columns, len(colTypes))
	for i, ct := range colTypes {
		oid, ok := declaredOIDs[strings.ToUpper(ct.DatabaseTypeName())]
		if !ok {
			oid = pgtype.TextOID
		}
		columns[i] = wire.Column{Name: ct.Name(), Oid: pqoid.Oid(oid), Width: -1}
	}
	return columns
}

// encodeValue converts a SQLite value into one the column's codec accepts.
// SQLite columns are loosely typed, so a mismatch falls back to text.
func encodeValue(oid uint32, v any) any {
	if v == nil {
		return nil
	}
	switch oid {
	case pgtype.Int8OID:
		switch n := v.(type) {
		case int64:
			return n
		case float64:
			return int64(n)
		}
	case pgtype.Float8OID:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// commandTag builds the completion tag Postgres would send for query.
func commandTag(query string, rows int64) string {
	fields := strings.Fields(strings.ToUpper(query))
	if len(fields) == 0 {
		return ""
	}
	switch verb := fields[0]; verb {
	case "INSERT":
		return fmt.Sprintf("INSERT 0 %d", rows)
	case "UPDATE", "DELETE", "SELECT":
		return fmt.Sprintf("%s %d", verb, rows)
	case "CREATE", "DROP", "ALTER":
		if len(fields) > 3 && fields[1] == "OR" {
			return verb + " " + fields[3]
		}
		if len(fields) > 1 {
			return verb + " " + fields[1]
		}
		return verb
	default:
		return verb
	}
}

func paramValues(params []wire.Parameter) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}
