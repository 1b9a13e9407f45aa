package apppg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Setup applies the queue, registry and push record migrations to the
// database behind connectionString.
func Setup(connectionString string) error {
	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return fmt.Errorf("apppg.Setup: %w", err)
	}
	defer closeWithLog(db)

	version, err := migrateDB(db)
	if err != nil {
		return fmt.Errorf("apppg.Setup: %w", err)
	}
	slog.Info("migrated database", "version", version)
	return nil
}

// NewPool returns a pool that has reached the database once, so a
// misconfigured process fails at start instead of on its first job.
func NewPool(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("apppg.NewPool: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("apppg.NewPool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apppg.NewPool: %w", err)
	}

	return pool, nil
}

//go:embed migrations/*.sql
var migrations embed.FS

func migrationsFS() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// migrateDB migrates db up and returns the resulting schema version.
func migrateDB(db *sql.DB) (uint, error) {
	sourceDriver, err := iofs.New(migrationsFS(), ".")
	if err != nil {
		return 0, err
	}

	databaseDriver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "localci_schema_migrations"})
	if err != nil {
		return 0, err
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", databaseDriver)
	if err != nil {
		return 0, err
	}

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

func closeWithLog(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Error("didn't close", "err", err)
	}
}
