// Package migrate applies the embedded schema migrations in order.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate brings the schema up to the newest embedded version. Each pending
// migration runs in its own transaction and bumps schema_version, so a
// failure leaves the schema at the last version that applied cleanly.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	files, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, name := range files {
		v, err := versionOf(name)
		if err != nil {
			return err
		}
		if v <= current {
			continue
		}
		script, err := schemaFS.ReadFile(name)
		if err != nil {
			return err
		}
		if err := apply(db, v, string(script)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		current = v
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

func versionOf(name string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(path.Base(name), "%d_", &v); err != nil {
		return 0, fmt.Errorf("migration filename %s: %w", name, err)
	}
	return v, nil
}

func apply(db *sql.DB, version int, script string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(script); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE schema_version SET version=?`, version); err != nil {
		return err
	}
	return tx.Commit()
}
