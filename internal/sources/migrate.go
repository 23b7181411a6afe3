package sources

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultMigrationsURL is where the binary expects its SQL migrations when
// run from the repository or container root.
const DefaultMigrationsURL = "file://migrations"

// Migrate applies all pending up migrations.
func Migrate(connString, migrationsURL string) error {
	if migrationsURL == "" {
		migrationsURL = DefaultMigrationsURL
	}
	m, err := migrate.New(migrationsURL, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
