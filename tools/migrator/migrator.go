package migrator

import (
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
)

const (
	advisoryLockID = 727100414
	mysqlLockName  = "statsync_migrations"
)

// RunMigrations applies every pending migration found in fsys.
// Migrations are applied in version order; each one runs in its own
// transaction unless it is marked notransaction.
func RunMigrations(db *sql.DB, fsys fs.FS) error {
	driver := detectDriver(db)

	if err := createSchemaTable(db); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	if err := acquireLock(db, driver); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(db, driver)

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	var pending []Migration
	for _, m := range migrations {
		if appliedSet[m.Version] {
			continue
		}
		// History only moves forward.
		if m.Version < maxApplied {
			return fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
		pending = append(pending, m)
	}

	for _, migration := range pending {
		for _, dep := range migration.Dependencies {
			if !appliedSet[dep] {
				return fmt.Errorf("migration %d depends on version %d which has not been applied", migration.Version, dep)
			}
		}

		if err := applyMigration(db, driver, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		appliedSet[migration.Version] = true
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version, or 0 when
// nothing has been applied yet.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}

	return version, nil
}

// GetAppliedMigrations returns all applied migration versions in ascending order.
func GetAppliedMigrations(db *sql.DB) ([]int, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

func createSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func applyMigration(db *sql.DB, driver string, migration Migration) error {
	if migration.NoTransaction {
		return execMigration(db, driver, migration)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := execMigration(tx, driver, migration); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func execMigration(e execer, driver string, migration Migration) error {
	if _, err := e.Exec(migration.UpSQL); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}

	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"
	if _, err := e.Exec(record, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

// placeholder returns the bind parameter syntax for the given driver.
func placeholder(driver string, n int) string {
	switch driver {
	case "postgres", "pgx":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

func acquireLock(db *sql.DB, driver string) error {
	switch driver {
	case "postgres", "pgx":
		_, err := db.Exec(fmt.Sprintf("SELECT pg_advisory_lock(%d)", advisoryLockID))
		return err
	case "mysql":
		var result int
		if err := db.QueryRow("SELECT GET_LOCK('" + mysqlLockName + "', 10)").Scan(&result); err != nil {
			return err
		}
		if result != 1 {
			return fmt.Errorf("failed to acquire MySQL lock")
		}
		return nil
	default:
		// SQLite relies on its file-level locking.
		return nil
	}
}

func releaseLock(db *sql.DB, driver string) error {
	switch driver {
	case "postgres", "pgx":
		_, err := db.Exec(fmt.Sprintf("SELECT pg_advisory_unlock(%d)", advisoryLockID))
		return err
	case "mysql":
		_, err := db.Exec("SELECT RELEASE_LOCK('" + mysqlLockName + "')")
		return err
	default:
		return nil
	}
}

// detectDriver guesses the backend since sql.DB does not expose its driver name.
func detectDriver(db *sql.DB) string {
	var result string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&result); err == nil {
		return "sqlite3"
	}

	if err := db.QueryRow("SELECT version()").Scan(&result); err == nil {
		lower := strings.ToLower(result)
		switch {
		case strings.Contains(lower, "postgresql"):
			return "postgres"
		case strings.Contains(lower, "mysql"), strings.Contains(lower, "mariadb"):
			return "mysql"
		}
	}

	return "sqlite3"
}
