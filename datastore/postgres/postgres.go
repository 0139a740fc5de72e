// Package postgres implements the datastore interfaces backed by
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/quay/zlog"
	"github.com/remind101/migrate"

	"github.com/quay/honeycore"
	"github.com/quay/honeycore/datastore"
	"github.com/quay/honeycore/datastore/postgres/migrations"
)

var _ datastore.Store = (*Store)(nil)

// Store implements datastore.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes a [pgxpool.Pool] based on the connection string.
func Connect(ctx context.Context, connString string, applicationName string) (*pgxpool.Pool, error) {
	const op = `datastore/postgres/Connect`
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &honeycore.Error{
			Op:      op,
			Kind:    honeycore.ErrInvalid,
			Message: "failed to parse connection string",
			Inner: &honeycore.Error{
				Kind:  honeycore.ErrPermanent,
				Inner: err,
			},
		}
	}
	const appnameKey = `application_name`
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params[appnameKey]; !ok {
		params[appnameKey] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &honeycore.Error{
			Op:      op,
			Kind:    honeycore.ErrPrecondition,
			Message: "failed to create connection pool",
			Inner:   err,
		}
	}
	return pool, nil
}

// New wraps a pool in a Store, optionally running migrations first.
func New(ctx context.Context, pool *pgxpool.Pool, doMigration bool) (*Store, error) {
	if doMigration {
		if err := MigrateDB(ctx, pool); err != nil {
			return nil, err
		}
	}
	return &Store{pool: pool}, nil
}

// MigrateDB applies any pending migrations. Re-running completed
// migrations is a no-op.
func MigrateDB(ctx context.Context, pool *pgxpool.Pool) error {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/MigrateDB")
	cfg := pool.Config().ConnConfig
	db := stdlib.OpenDB(*cfg)
	defer db.Close()
	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return fmt.Errorf("failed to perform migrations: %w", err)
	}
	zlog.Debug(ctx).Int("version", len(migrations.Migrations)).Msg("migrations complete")
	return nil
}

// SchemaVersion reports the version recorded in schema_state. An
// unparseable or missing value is version 0.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM schema_state WHERE key = 'schema_version';`).Scan(&v)
	switch {
	case err == nil:
	case isUndefinedTable(err), err == sql.ErrNoRows:
		return 0, nil
	default:
		// A missing row also reports version 0.
		if err.Error() == "no rows in result set" {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Vacuum reclaims dead rows.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `VACUUM;`)
	return err
}

// Close releases the underlying pool.
func (s *Store) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}
