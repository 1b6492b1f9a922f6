package migration

import (
	"fmt"
	"regexp"
	"strings"
)

// SplitStatements splits a SQL script on top-level semicolons. Semicolons
// inside quoted strings, quoted identifiers, comments and dollar-quoted
// bodies do not split. Comments outside those are dropped.
func SplitStatements(sql string) []string {
	var stmts []string
	var b strings.Builder

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			stmts = append(stmts, s)
		}
		b.Reset()
	}

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '-' && strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}
		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 4
			}
			b.WriteByte(' ')
		case c == '\'' || c == '"':
			n := quotedLen(sql[i:], c)
			b.WriteString(sql[i : i+n])
			i += n
		case c == '$':
			if tag := dollarTag.FindString(sql[i:]); tag != "" {
				end := strings.Index(sql[i+len(tag):], tag)
				n := len(sql) - i
				if end >= 0 {
					n = len(tag) + end + len(tag)
				}
				b.WriteString(sql[i : i+n])
				i += n
				continue
			}
			b.WriteByte(c)
			i++
		case c == ';':
			flush()
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	flush()
	return stmts
}

var dollarTag = regexp.MustCompile(`^\$(?:[A-Za-z_][A-Za-z0-9_]*)?\$`)

// quotedLen returns the length of the quoted run at the start of s, treating a
// doubled quote as an escape. An unterminated run extends to the end.
func quotedLen(s string, q byte) int {
	for i := 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

// IdempotencyError lists the statements that would fail or change behavior
// when run a second time.
type IdempotencyError struct {
	Violations []string
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("migration is not idempotent: %s", strings.Join(e.Violations, "; "))
}

var (
	spaceRun = regexp.MustCompile(`\s+`)

	createNeedsIfNotExists = regexp.MustCompile(`^CREATE\s+(?:(?:GLOBAL|LOCAL)\s+)?(?:TEMP\s+|TEMPORARY\s+|UNLOGGED\s+|UNIQUE\s+)?(TABLE|INDEX|SCHEMA|EXTENSION|SEQUENCE|MATERIALIZED VIEW)\s+(?:CONCURRENTLY\s+)?`)
	createNeedsReplace     = regexp.MustCompile(`^CREATE\s+(FUNCTION|PROCEDURE|VIEW)\s`)
	createTrigger          = regexp.MustCompile(`(?i)^CREATE\s+(OR\s+REPLACE\s+)?(?:CONSTRAINT\s+)?TRIGGER\s+("(?:[^"]|"")+"|[\w.]+)`)
	dropTrigger            = regexp.MustCompile(`(?i)^DROP\s+TRIGGER\s+IF\s+EXISTS\s+("(?:[^"]|"")+"|[\w.]+)`)
	createPolicy           = regexp.MustCompile(`(?i)^CREATE\s+POLICY\s+("(?:[^"]|"")+"|[\w.]+)`)
	dropPolicy             = regexp.MustCompile(`(?i)^DROP\s+POLICY\s+IF\s+EXISTS\s+("(?:[^"]|"")+"|[\w.]+)`)
	addColumn              = regexp.MustCompile(`\bADD\s+COLUMN\s+`)
	addColumnGuarded       = regexp.MustCompile(`\bADD\s+COLUMN\s+IF\s+NOT\s+EXISTS\b`)
	dropGuarded            = regexp.MustCompile(`^DROP\s+(?:\w+\s+){1,2}IF\s+EXISTS\b`)
)

// CheckIdempotent reports statements in sql that are not safe to run twice:
// CREATE TABLE, INDEX, SCHEMA, EXTENSION, SEQUENCE or MATERIALIZED VIEW without
// IF NOT EXISTS, CREATE FUNCTION or VIEW without OR REPLACE, CREATE TRIGGER or
// POLICY not preceded by a DROP ... IF EXISTS of the same name, ADD COLUMN
// without IF NOT EXISTS, CREATE TYPE, and DROP without IF EXISTS.
func CheckIdempotent(sql string) error {
	var violations []string
	dropped := map[string]bool{}

	for _, stmt := range SplitStatements(sql) {
		flat := spaceRun.ReplaceAllString(stmt, " ")
		upper := strings.ToUpper(flat)

		if m := dropTrigger.FindStringSubmatch(flat); m != nil {
			dropped["trigger "+normalizeName(m[1])] = true
			continue
		}
		if m := dropPolicy.FindStringSubmatch(flat); m != nil {
			dropped["policy "+normalizeName(m[1])] = true
			continue
		}

		switch {
		case createNeedsIfNotExists.MatchString(upper):
			m := createNeedsIfNotExists.FindStringSubmatch(upper)
			if !strings.HasPrefix(upper[len(m[0]):], "IF NOT EXISTS") {
				violations = append(violations, fmt.Sprintf("CREATE %s without IF NOT EXISTS: %s", m[1], summarize(flat)))
			}
		case createNeedsReplace.MatchString(upper):
			m := createNeedsReplace.FindStringSubmatch(upper)
			violations = append(violations, fmt.Sprintf("CREATE %s without OR REPLACE: %s", m[1], summarize(flat)))
		case createTrigger.MatchString(flat):
			m := createTrigger.FindStringSubmatch(flat)
			if m[1] == "" && !dropped["trigger "+normalizeName(m[2])] {
				violations = append(violations, fmt.Sprintf("CREATE TRIGGER %s without a preceding DROP TRIGGER IF EXISTS", m[2]))
			}
		case createPolicy.MatchString(flat):
			m := createPolicy.FindStringSubmatch(flat)
			if !dropped["policy "+normalizeName(m[1])] {
				violations = append(violations, fmt.Sprintf("CREATE POLICY %s without a preceding DROP POLICY IF EXISTS", m[1]))
			}
		case strings.HasPrefix(upper, "CREATE TYPE "):
			violations = append(violations, fmt.Sprintf("CREATE TYPE cannot be repeated: %s", summarize(flat)))
		case strings.HasPrefix(upper, "DROP ") && !dropGuarded.MatchString(upper):
			violations = append(violations, fmt.Sprintf("DROP without IF EXISTS: %s", summarize(flat)))
		case strings.HasPrefix(upper, "ALTER TABLE ") && addColumn.MatchString(upper) && !addColumnGuarded.MatchString(upper):
			violations = append(violations, fmt.Sprintf("ADD COLUMN without IF NOT EXISTS: %s", summarize(flat)))
		}
	}

	if len(violations) > 0 {
		return &IdempotencyError{Violations: violations}
	}
	return nil
}

// normalizeName folds unquoted identifiers to lower case, as Postgres does,
// and strips quotes from quoted ones.
func normalizeName(name string) string {
	if strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) && len(name) >= 2 {
		return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
	}
	return strings.ToLower(name)
}

func summarize(stmt string) string {
	const limit = 60
	if len(stmt) <= limit {
		return stmt
	}
	return stmt[:limit] + "..."
}
