// Package sqlite implements the datastore interfaces backed by an
// embedded SQLite database.
//
// The database is a single file with WAL journaling. SQLite is a
// single-writer engine; the pool is capped at one connection so
// concurrent loader and enrichment writes queue instead of failing
// with busy errors.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/quay/zlog"
	"github.com/remind101/migrate"
	sqlite3 "modernc.org/sqlite"

	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/datastore/sqlite/migrations"
)

var _ datastore.Store = (*Store)(nil)

// Store implements datastore.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the named database file and runs
// any pending migrations.
//
// The special name ":memory:" opens a private in-memory database,
// used by tests.
func Open(ctx context.Context, name string) (*Store, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/Open")
	u := url.URL{
		Scheme: `file`,
		Opaque: name,
		RawQuery: url.Values{
			"_pragma": {
				"foreign_keys(1)",
				"journal_mode(wal)",
				"busy_timeout(5000)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator := migrate.NewMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to perform migrations: %w", err)
	}
	zlog.Debug(ctx).Str("database", name).Msg("database opened")
	return &Store{db: db}, nil
}

// SchemaVersion reports the version recorded in schema_state. An
// unparseable or missing value is version 0.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_state WHERE key = 'schema_version';`).Scan(&v)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	default:
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM;`)
	return err
}

// Close releases the underlying handle.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

// Constraint violations surface as primary result code 19.
func isIntegrityViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == 19
	}
	return false
}
