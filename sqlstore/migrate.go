package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

const migrationsTable = "dagqueue_schema_migrations"

// migrateUp applies all pending migrations of the dialect. The migration
// driver takes ownership of db and closes it.
func migrateUp(db *sql.DB, d dialect) (err error) {
	src, err := iofs.New(migrations, "migrations/"+d.name)
	if err != nil {
		return err
	}

	var drv database.Driver
	switch d.name {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	case "mysql":
		drv, err = migratemysql.WithInstance(db, &migratemysql.Config{MigrationsTable: migrationsTable})
	case "postgres":
		drv, err = migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrationsTable})
	default:
		err = fmt.Errorf("sqlstore: no migrations for %q", d.name)
	}
	if err != nil {
		_ = src.Close()
		_ = db.Close()
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, d.name, drv)
	if err != nil {
		_ = src.Close()
		_ = drv.Close()
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlstore: migrate %s: %w", d.name, err)
	}
	return nil
}
