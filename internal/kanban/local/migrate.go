package local

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/marcushq/marcus/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateDriver adapts an open *sql.DB to golang-migrate's database.Driver.
// The stock sqlite3 driver registers a conflicting database/sql driver name,
// so migrations run through this adapter instead.
type migrateDriver struct {
	db *sql.DB
}

var _ database.Driver = (*migrateDriver)(nil)

func (d *migrateDriver) Open(string) (database.Driver, error) {
	return nil, errors.New("local: migrate driver is instance-based")
}

// Close is a no-op; the store owns the connection.
func (d *migrateDriver) Close() error { return nil }

// Lock and Unlock are no-ops. SQLite serializes writers itself and the
// store runs migrations once, before serving.
func (d *migrateDriver) Lock() error   { return nil }
func (d *migrateDriver) Unlock() error { return nil }

func (d *migrateDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

func (d *migrateDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin version update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if version >= 0 {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return tx.Commit()
}

func (d *migrateDriver) Version() (int, bool, error) {
	var (
		version int
		dirty   bool
	)
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return database.NilVersion, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

func (d *migrateDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	for _, name := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", &migrateDriver{db: db})
	if err != nil {
		return fmt.Errorf("failed to build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, err := (&migrateDriver{db: db}).Version()
	if err != nil {
		return err
	}
	log.Debug(log.CatDB, "board schema ready", "version", version)
	return nil
}
