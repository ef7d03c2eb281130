package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	journalMigrationsPath = "migrations/journal"

	// Keep in sync with the SQL files under migrations/journal/.
	journalVersionRuns         = 1
	journalVersionGroupWindows = 2
	journalLatestVersion       = journalVersionGroupWindows

	migrateDefaultTable = "schema_migrations"
)

//go:embed migrations/journal/*.sql
var migrationsFS embed.FS

// MigrateJournalDB applies journal migrations.
func MigrateJournalDB(db *sql.DB) error {
	return migrateSQLiteDB(db, journalMigrationsPath, migrateDefaultTable)
}

func migrateSQLiteDB(db *sql.DB, fsPath, migrationsTable string) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", fsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, fsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", fsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", fsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", fsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", fsPath, err)
	}
	return nil
}

// schemaVersion reads the applied migration version. A database that was
// never migrated reports 0.
func schemaVersion(db *sql.DB, table string) (int, bool, error) {
	ok, err := hasTable(db, table)
	if err != nil || !ok {
		return 0, false, err
	}
	var (
		version int
		dirty   bool
	)
	err = db.QueryRow(fmt.Sprintf("SELECT version, dirty FROM %s LIMIT 1", table)).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", table, err)
	}
	return version, dirty, nil
}
