package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite" // modernc driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies all pending migrations from the embedded source to the
// database at dbPath. Safe to call repeatedly: ErrNoChange is not an error.
func Migrate(dbPath string, migrations fs.FS, dir string) error {
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+migrateDBPath(dbPath))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	if _, dirty, err := m.Version(); err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	} else if dirty {
		return errors.New("database is in dirty migration state")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateDBPath escapes the path for use in a sqlite:// URL, keeping query
// parameters (busy timeout etc.) intact.
func migrateDBPath(dbPath string) string {
	path, query, _ := strings.Cut(dbPath, "?")
	escaped := (&url.URL{Path: path}).EscapedPath()
	if query != "" {
		return escaped + "?" + query
	}
	return escaped
}
