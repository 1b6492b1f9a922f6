// Package migration provisions the backend objects sbexec relies on: the SQL
// execution functions, the operation log table and its trigger. Migrations are
// embedded versioned SQL files, checked for idempotency and sent through the
// SQL executor one statement at a time.
package migration

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"time"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migration represents a single versioned migration.
type Migration struct {
	Version string // Timestamp version (YYYYMMDDHHmmss)
	Name    string // Human-readable name
	SQL     string // SQL statements, possibly with audit table placeholders
}

// GenerateVersion creates a new migration version based on current UTC time.
func GenerateVersion() string {
	return time.Now().UTC().Format("20060102150405")
}

// Filename returns the migration filename in the format: version_name.sql
func (m Migration) Filename() string {
	return fmt.Sprintf("%s_%s.sql", m.Version, m.Name)
}

// filenameRegex matches migration filenames: YYYYMMDDHHmmss_name.sql
var filenameRegex = regexp.MustCompile(`^(\d{14})_(.+)\.sql$`)

// ParseFilename parses a migration filename into a Migration struct.
// Returns an error if the filename doesn't match the expected format.
func ParseFilename(filename string) (Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return Migration{}, fmt.Errorf("invalid migration filename: %s", filename)
	}

	return Migration{
		Version: matches[1],
		Name:    matches[2],
	}, nil
}

// Load reads every migration file in fsys, ordered by version.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var out []Migration
	seen := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, err := ParseFilename(e.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Version]; ok {
			return nil, fmt.Errorf("duplicate migration version %s: %s and %s", m.Version, prev, e.Name())
		}
		seen[m.Version] = e.Name()

		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}
		m.SQL = string(data)
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Embedded returns the migrations bundled with sbexec.
func Embedded() []Migration {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	ms, err := Load(sub)
	if err != nil {
		panic(fmt.Sprintf("bundled migrations are invalid: %v", err))
	}
	return ms
}

// Find returns the migration with the given version.
func Find(ms []Migration, version string) (Migration, bool) {
	for _, m := range ms {
		if m.Version == version {
			return m, true
		}
	}
	return Migration{}, false
}
