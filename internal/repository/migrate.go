package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	log "github.com/sirupsen/logrus"
)

const migrationsTable = "reconciler_schema_migrations"

// Migrate applies the schema from sourceURL (e.g. file://db/migrations).
func Migrate(sourceURL, dbURL string) error {
	m, err := migrate.New(sourceURL, migrationDatabaseURL(dbURL))
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply migration: %w", err)
	}
	log.Info("Database migration successfully applied")
	return nil
}

// migrationDatabaseURL keeps this job's migration history apart from other
// services sharing the database.
func migrationDatabaseURL(dbURL string) string {
	if strings.Contains(dbURL, "?") {
		return dbURL + "&x-migrations-table=" + migrationsTable
	}
	return dbURL + "?x-migrations-table=" + migrationsTable
}
