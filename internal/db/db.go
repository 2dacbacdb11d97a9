// Package db provides the durable on-device store: record collections, cached
// blobs and the pending-action table, all in one SQLite database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/uuid"
)

// FileName is the database file created inside the data directory.
const FileName = "fieldops.db"

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the durable local store.
type Store struct {
	*ops
	db     *sqlx.DB
	logger *logging.Logger
}

// Open opens (or creates) the store in dataDir and brings its schema up to date.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A busy timeout so a concurrent writer waits instead of failing
func Open(ctx context.Context, dataDir string) (*Store, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	s, err := open(ctx, dbPath, true)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a private in-memory store. Used by tests and the demo.
func OpenMemory(ctx context.Context) (*Store, error) {
	dsn := fmt.Sprintf("file:fieldops-%s?mode=memory&cache=shared", uuid.New())
	return open(ctx, dsn, false)
}

func open(ctx context.Context, dsn string, wal bool) (*Store, error) {
	logger := logging.Get().Named("db")

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA foreign_keys=ON;", "PRAGMA busy_timeout=5000;"}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to configure database", err)
		}
	}

	m, err := NewMigrator(sqlDB, logger)
	if err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to prepare migrations", err)
	}
	if err := m.Up(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to migrate database", err)
	}

	xdb := sqlx.NewDb(sqlDB, "sqlite")
	version, _, _ := m.CurrentVersion()
	logger.Info("local store opened", map[string]interface{}{
		"path":           dsn,
		"schema_version": version,
	})

	return &Store{
		ops:    &ops{ext: xdb},
		db:     xdb,
		logger: logger,
	}, nil
}

// DB exposes the underlying handle for health checks and tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one transaction. Every Ops call made through the handle
// passed to fn commits or rolls back together.
func (s *Store) InTx(ctx context.Context, fn func(Ops) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("rollback failed", rbErr)
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transaction", cErr)
		}
	}()

	return fn(&ops{ext: tx})
}

// PutAll upserts records in one transaction; either all are stored or none.
func (s *Store) PutAll(ctx context.Context, c Collection, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.InTx(ctx, func(o Ops) error {
		return o.PutAll(ctx, c, records)
	})
}
