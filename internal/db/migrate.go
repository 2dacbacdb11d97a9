package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/logging"
)

// SchemaVersion is the schema version this build expects.
const SchemaVersion = 2

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded, additive-only schema migrations.
type Migrator struct {
	m      *migrate.Migrate
	logger *logging.Logger
}

type migrationLogger struct {
	logger *logging.Logger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l migrationLogger) Verbose() bool {
	return false
}

// NewMigrator creates a new Migrator over an open database.
// The Migrator must not be closed: closing it closes the database.
func NewMigrator(db *sql.DB, logger *logging.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to load embedded migrations", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to create migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to create migrate instance", err)
	}
	m.Log = migrationLogger{logger: logger}

	return &Migrator{m: m, logger: logger}, nil
}

// CurrentVersion returns the applied schema version and whether the last
// migration left the schema dirty. Version 0 means no migration has run.
func (mg *Migrator) CurrentVersion() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Up applies every pending migration.
func (mg *Migrator) Up() error {
	return mg.handle(mg.m.Up())
}

// MigrateTo moves the schema to an exact version.
func (mg *Migrator) MigrateTo(version uint) error {
	return mg.handle(mg.m.Migrate(version))
}

func (mg *Migrator) handle(err error) error {
	if err == nil {
		v, _, _ := mg.CurrentVersion()
		mg.logger.Info("applied migrations", map[string]interface{}{"version": v})
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}

	v, dirty, verr := mg.CurrentVersion()
	if verr == nil {
		mg.logger.Error("migration failed", err, map[string]interface{}{
			"version": v,
			"dirty":   dirty,
		})
	}
	return apperrors.Wrap(apperrors.ErrMigration, "migration failed", err)
}
