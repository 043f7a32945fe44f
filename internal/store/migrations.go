package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Scripts live under migrations/<dialect>/NNN_name.sql.
//
//go:embed migrations
var migrationFS embed.FS

type migration struct {
	Version int
	Name    string
	SQL     string
}

type dialect struct {
	dir           string
	versionTable  string
	recordVersion string
}

var (
	libsqlDialect = dialect{
		dir: "libsql",
		versionTable: `CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		recordVersion: `INSERT INTO schema_version (version, name) VALUES (?, ?)`,
	}
	postgresDialect = dialect{
		dir: "postgres",
		versionTable: `CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT now()
		)`,
		recordVersion: `INSERT INTO schema_version (version, name) VALUES ($1, $2)`,
	}
)

// loadMigrations reads the scripts of one dialect, ordered by version.
func loadMigrations(d dialect) ([]migration, error) {
	dir := path.Join("migrations", d.dir)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil {
			return nil, fmt.Errorf("migration file %q: want NNN_name.sql", e.Name())
		}
		body, err := fs.ReadFile(migrationFS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

type execFunc func(ctx context.Context, query string, args ...any) error

// migrator applies pending scripts, one transaction per version. Each store
// supplies its own way to execute, to read one integer and to run a
// transaction.
type migrator struct {
	dialect  dialect
	exec     execFunc
	queryInt func(ctx context.Context, query string) (int, error)
	inTx     func(ctx context.Context, fn func(exec execFunc) error) error
}

func (m migrator) run(ctx context.Context) error {
	if err := m.exec(ctx, m.dialect.versionTable); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := m.queryInt(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	scripts, err := loadMigrations(m.dialect)
	if err != nil {
		return err
	}

	for _, s := range scripts {
		if s.Version <= current {
			continue
		}
		err := m.inTx(ctx, func(exec execFunc) error {
			for _, stmt := range splitStatements(s.SQL) {
				if err := exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", s.Version, s.Name, err)
				}
			}
			if err := exec(ctx, m.dialect.recordVersion, s.Version, s.Name); err != nil {
				return fmt.Errorf("record migration %d: %w", s.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a script on semicolons and drops chunks that hold
// only comments.
func splitStatements(script string) []string {
	var stmts []string
	for _, chunk := range strings.Split(script, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" && hasCode(chunk) {
			stmts = append(stmts, chunk)
		}
	}
	return stmts
}

func hasCode(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
