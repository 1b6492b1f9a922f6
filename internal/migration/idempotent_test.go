package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "simple",
			sql:  "SELECT 1; SELECT 2;",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "no trailing semicolon",
			sql:  "SELECT 1;\nSELECT 2",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "semicolon in string",
			sql:  "INSERT INTO t VALUES ('a;b'); SELECT 'it''s;';",
			want: []string{"INSERT INTO t VALUES ('a;b')", "SELECT 'it''s;'"},
		},
		{
			name: "semicolon in quoted identifier",
			sql:  `SELECT 1 AS "x;y";`,
			want: []string{`SELECT 1 AS "x;y"`},
		},
		{
			name: "comments dropped",
			sql:  "-- header; still comment\nSELECT 1; /* a; b */ SELECT 2;",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "dollar quoted body",
			sql:  "CREATE OR REPLACE FUNCTION f() RETURNS int AS $$ BEGIN RETURN 1; END; $$ LANGUAGE plpgsql; SELECT f();",
			want: []string{
				"CREATE OR REPLACE FUNCTION f() RETURNS int AS $$ BEGIN RETURN 1; END; $$ LANGUAGE plpgsql",
				"SELECT f()",
			},
		},
		{
			name: "tagged dollar quote",
			sql:  "DO $body$ BEGIN PERFORM 'x;'; END $body$; SELECT 1",
			want: []string{"DO $body$ BEGIN PERFORM 'x;'; END $body$", "SELECT 1"},
		},
		{
			name: "positional parameter is not a dollar quote",
			sql:  "SELECT $1; SELECT 2",
			want: []string{"SELECT $1", "SELECT 2"},
		},
		{
			name: "blank",
			sql:  " ;\n; -- nothing\n",
			want: nil,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitStatements(tt.sql))
		})
	}
}

func TestCheckIdempotent_Accepts(t *testing.T) {
	sql := `
CREATE TABLE IF NOT EXISTS t (id int);
CREATE UNIQUE INDEX IF NOT EXISTS t_id_idx ON t (id);
CREATE INDEX CONCURRENTLY IF NOT EXISTS t_x_idx ON t (id);
CREATE SCHEMA IF NOT EXISTS app;
CREATE EXTENSION IF NOT EXISTS pgcrypto;
CREATE OR REPLACE FUNCTION f() RETURNS int LANGUAGE sql AS $$ CREATE TABLE nope (); SELECT 1 $$;
CREATE OR REPLACE VIEW v AS SELECT 1;
DROP TRIGGER IF EXISTS "t_touch" ON t;
CREATE TRIGGER t_touch BEFORE UPDATE ON t FOR EACH ROW EXECUTE FUNCTION f();
DROP POLICY IF EXISTS read_all ON t;
CREATE POLICY read_all ON t FOR SELECT USING (true);
ALTER TABLE t ADD COLUMN IF NOT EXISTS note text;
ALTER TABLE t ENABLE ROW LEVEL SECURITY;
DROP INDEX IF EXISTS old_idx;
GRANT SELECT ON t TO anon;
`
	assert.NoError(t, CheckIdempotent(sql))
}

func TestCheckIdempotent_Rejects(t *testing.T) {
	tests := map[string]string{
		"table":             "CREATE TABLE t (id int)",
		"temp table":        "CREATE TEMP TABLE t (id int)",
		"index":             "CREATE INDEX t_idx ON t (id)",
		"unique index":      "create unique index t_idx on t (id)",
		"schema":            "CREATE SCHEMA app",
		"extension":         "CREATE EXTENSION pgcrypto",
		"materialized view": "CREATE MATERIALIZED VIEW mv AS SELECT 1",
		"function":          "CREATE FUNCTION f() RETURNS int LANGUAGE sql AS $$ SELECT 1 $$",
		"view":              "CREATE VIEW v AS SELECT 1",
		"trigger":           "CREATE TRIGGER t_touch BEFORE UPDATE ON t FOR EACH ROW EXECUTE FUNCTION f()",
		"policy":            "CREATE POLICY p ON t USING (true)",
		"type":              "CREATE TYPE mood AS ENUM ('ok')",
		"drop":              "DROP TABLE t",
		"add column":        "ALTER TABLE t ADD COLUMN note text",
	}
	for name, sql := range tests {
		name, sql := name, sql
		t.Run(name, func(t *testing.T) {
			err := CheckIdempotent(sql)
			require.Error(t, err)
			var ie *IdempotencyError
			require.ErrorAs(t, err, &ie)
			assert.Len(t, ie.Violations, 1)
		})
	}
}

func TestCheckIdempotent_TriggerDropMustMatch(t *testing.T) {
	sql := `
DROP TRIGGER IF EXISTS other ON t;
CREATE TRIGGER t_touch BEFORE UPDATE ON t FOR EACH ROW EXECUTE FUNCTION f();
`
	err := CheckIdempotent(sql)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREATE TRIGGER t_touch")

	// Unquoted names fold to lower case.
	sql = `
DROP TRIGGER IF EXISTS T_Touch ON t;
CREATE TRIGGER t_touch BEFORE UPDATE ON t FOR EACH ROW EXECUTE FUNCTION f();
`
	assert.NoError(t, CheckIdempotent(sql))

	// CREATE OR REPLACE TRIGGER needs no drop.
	assert.NoError(t, CheckIdempotent("CREATE OR REPLACE TRIGGER t_touch BEFORE UPDATE ON t FOR EACH ROW EXECUTE FUNCTION f()"))
}
