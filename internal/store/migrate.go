package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// migrationLockKey serialises migration runs across API replicas.
const migrationLockKey int64 = 0x63686172746572

// ApplyMigrations runs the *.up.sql files of dir in name order. Each file
// runs in its own transaction under a Postgres advisory lock and is skipped
// when schema_migrations already records it.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	files, err := migrationFiles(fsys, dir, ".up.sql")
	if err != nil {
		return err
	}
	for _, file := range files {
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path.Base(file), err)
		}
		if err := applyOne(ctx, db, path.Base(file), string(body)); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, version, body string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	var done bool
	if err = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&done); err != nil {
		return fmt.Errorf("check migration %s: %w", version, err)
	}
	if done {
		return tx.Commit()
	}
	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

// migrationFiles lists the files of dir ending in suffix, sorted by name.
func migrationFiles(fsys fs.FS, dir, suffix string) ([]string, error) {
	matches, err := fs.Glob(fsys, path.Join(dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(matches) == 0 {
		if _, statErr := fs.Stat(fsys, dir); statErr != nil {
			return nil, fmt.Errorf("read migrations dir: %w", statErr)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// migrationVersion is the numeric prefix of a migration file name.
func migrationVersion(file string) string {
	version, _, _ := strings.Cut(path.Base(file), "_")
	return version
}
