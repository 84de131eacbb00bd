package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every embedded migration of the DB's dialect that is not
// yet recorded in schema_migrations, in file name order. Each file runs
// statement by statement; MySQL does not accept multi-statement Exec.
func (db *DB) Migrate(ctx context.Context, logger *slog.Logger) (int, error) {
	if _, err := db.Conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename VARCHAR(191) NOT NULL PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir, err := fs.Sub(migrations, "migrations/"+string(db.Dialect))
	if err != nil {
		return 0, fmt.Errorf("migrations for %s: %w", db.Dialect, err)
	}
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, file := range files {
		if applied[file] {
			continue
		}
		content, err := fs.ReadFile(dir, file)
		if err != nil {
			return n, fmt.Errorf("read migration %s: %w", file, err)
		}
		for i, stmt := range splitStatements(string(content)) {
			if _, err := db.Conn.ExecContext(ctx, stmt); err != nil {
				return n, fmt.Errorf("migration %s (statement %d): %w", file, i+1, err)
			}
		}
		if _, err := db.Conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)",
			file, time.Now().UTC().Truncate(time.Second)); err != nil {
			return n, fmt.Errorf("record migration %s: %w", file, err)
		}
		logger.Info("migration applied", "file", file, "dialect", db.Dialect)
		n++
	}
	return n, nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.Conn.QueryContext(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// splitStatements splits SQL text on semicolons outside single-quoted
// literals. Lines starting with "--" are dropped first.
func splitStatements(src string) []string {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	text := strings.Join(lines, "\n")

	var (
		out      []string
		current  strings.Builder
		inString bool
	)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch == '\'' {
			if inString && i+1 < len(text) && text[i+1] == '\'' {
				current.WriteString("''")
				i++
				continue
			}
			inString = !inString
		}
		if ch == ';' && !inString {
			if s := strings.TrimSpace(current.String()); s != "" {
				out = append(out, s)
			}
			current.Reset()
			continue
		}
		current.WriteByte(ch)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}
