package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = "schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded migrations not recorded in the tracking table yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger logr.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return classify(err, "migrations: acquire connection")
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version     TEXT PRIMARY KEY,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, migrationsTable))
	if err != nil {
		return classify(err, "migrations: create tracking table")
	}

	applied := make(map[string]struct{})

	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return classify(err, "migrations: list applied versions")
	}
	defer rows.Close()

	for rows.Next() {
		var version string

		err = rows.Scan(&version)
		if err != nil {
			return classify(err, "migrations: scan applied version")
		}

		applied[version] = struct{}{}
	}

	err = rows.Err()
	if err != nil {
		return classify(err, "migrations: iterate applied versions")
	}

	filenames, err := migrationFiles()
	if err != nil {
		return err
	}

	for _, name := range filenames {
		version := strings.TrimSuffix(name, ".up.sql")

		_, ok := applied[version]
		if ok {
			continue
		}

		logger.V(1).Info("Applying migration", "migration", name)

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}

		for idx, statement := range splitStatements(string(content)) {
			_, err = conn.Exec(ctx, statement)
			if err != nil {
				return classify(err, "migrations: statement %d in %s", idx+1, name)
			}
		}

		_, err = conn.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, migrationsTable), version)
		if err != nil {
			return classify(err, "migrations: record %s", name)
		}

		logger.V(0).Info("Migration complete", "migration", name)
	}

	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: read embedded migrations: %w", err)
	}

	ret := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		ret = append(ret, entry.Name())
	}

	sort.Strings(ret)

	return ret, nil
}

// splitStatements splits on semicolons outside of quoted strings, dropping "--" comments.
func splitStatements(content string) []string {
	var (
		ret     []string
		current strings.Builder
		quoted  bool
	)

	for _, line := range strings.Split(content, "\n") {
		if !quoted && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}

		for _, r := range line {
			switch {
			case r == '\'':
				quoted = !quoted
			case r == ';' && !quoted:
				stmt := strings.TrimSpace(current.String())
				if stmt != "" {
					ret = append(ret, stmt)
				}

				current.Reset()

				continue
			}

			current.WriteRune(r)
		}

		current.WriteByte('\n')
	}

	stmt := strings.TrimSpace(current.String())
	if stmt != "" {
		ret = append(ret, stmt)
	}

	return ret
}
