package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

// Extensions required by the Postgres schema. pg_trgm backs the channel
// name search index.
var requiredExtensions = []string{"pg_trgm"}

// EnsureExtensions creates the Postgres extensions the schema needs. When
// the role may not create extensions, it is enough that an admin already
// did.
func EnsureExtensions(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	for _, ext := range requiredExtensions {
		if err := ensureExtension(db, ext); err != nil {
			return err
		}
	}
	return nil
}

func ensureExtension(db *sql.DB, ext string) error {
	_, err := db.Exec("CREATE EXTENSION IF NOT EXISTS " + pq.QuoteIdentifier(ext))
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "42501" {
		return fmt.Errorf("create %s extension: %w", ext, err)
	}
	var exists bool
	if qErr := db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = $1)", ext).Scan(&exists); qErr != nil {
		return fmt.Errorf("check %s: %w (original: %w)", ext, qErr, err)
	}
	if exists {
		return nil
	}
	return fmt.Errorf("%s extension is not installed and the current database user lacks permission to create it; "+
		"ask your database admin to run: CREATE EXTENSION %s; (original: %w)", ext, ext, err)
}

// RunMigrations runs SQL migrations from the given directory (e.g. "file://migrations") against the DSN.
func RunMigrations(dsn string, migrationsPath string) error {
	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate.Up: %w", err)
	}
	return nil
}
