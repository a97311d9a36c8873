package index

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/starford/opsml/internal/apperr"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending schema migration. The revision is kept in
// the migrator's bootstrap table; ErrNoChange is success.
func Migrate(d Dialect, driver, dsn string) (version uint, err error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return 0, fmt.Errorf("%w: open: %v", apperr.ErrMigration, err)
	}
	// The migrator owns conn from here and closes it with m.Close.
	var dbDriver database.Driver
	switch d {
	case Postgres:
		dbDriver, err = migratepgx.WithInstance(conn, &migratepgx.Config{})
	case MySQL:
		dbDriver, err = migratemysql.WithInstance(conn, &migratemysql.Config{})
	default:
		dbDriver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	}
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("%w: %s driver: %v", apperr.ErrMigration, d, err)
	}
	src, err := iofs.New(migrations, "migrations/"+string(d))
	if err != nil {
		dbDriver.Close()
		return 0, fmt.Errorf("%w: source: %v", apperr.ErrMigration, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(d), dbDriver)
	if err != nil {
		dbDriver.Close()
		return 0, fmt.Errorf("%w: %v", apperr.ErrMigration, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("%w: %v", apperr.ErrMigration, err)
	}
	v, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("%w: read version: %v", apperr.ErrMigration, err)
	}
	if dirty {
		return v, fmt.Errorf("%w: schema revision %d is dirty", apperr.ErrMigration, v)
	}
	return v, nil
}
