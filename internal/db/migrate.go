package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

func source(dialect string) migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations/" + dialect,
	}
}

// MigratePostgres applies the embedded PostgreSQL migrations that have not
// run yet and returns how many it applied.
func MigratePostgres(pool *pgxpool.Pool) (int, error) {
	conn := stdlib.OpenDBFromPool(pool)
	defer conn.Close()

	n, err := migrate.Exec(conn, "postgres", source("postgres"), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("migrate postgres: %w", err)
	}
	return n, nil
}

// MigrateSQLite is the SQLite counterpart of MigratePostgres.
func MigrateSQLite(conn *sql.DB) (int, error) {
	n, err := migrate.Exec(conn, "sqlite3", source("sqlite"), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("migrate sqlite: %w", err)
	}
	return n, nil
}
