package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending migrations. Calling it on an up-to-date schema is a no-op.
func Up(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	current, dirty, verr := m.Version()
	switch {
	case verr == nil:
		log.Printf("migrations: schema version %d (dirty=%t)", current, dirty)
	case errors.Is(verr, migrate.ErrNilVersion):
		log.Printf("migrations: fresh database")
	default:
		log.Printf("migrations: unable to read version: %v", verr)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("migrations: up to date (version %d)", current)
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		log.Printf("migrations: applied; schema version now %d", v)
	}
	return nil
}

// Version reports the current schema version. A fresh database yields 0.
func Version(db *sql.DB) (uint, bool, error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: read version: %w", err)
	}
	return v, dirty, nil
}

// ForceVersion sets the recorded version without running any migration and
// clears the dirty flag.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force %d: %w", version, err)
	}
	return nil
}

// FixDirtyDatabase rolls a dirty schema back to the last version that applied
// cleanly so Up can retry the failed migration.
func FixDirtyDatabase(db *sql.DB) error {
	v, dirty, err := Version(db)
	if err != nil {
		return err
	}
	if !dirty {
		log.Printf("migrations: version %d is clean, nothing to fix", v)
		return nil
	}

	target := int(v) - 1
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if target < 1 {
		// Nothing applied cleanly before the first migration.
		target = -1
	}
	log.Printf("migrations: dirty at %d, forcing %d", v, target)
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force %d: %w", target, err)
	}
	return nil
}
