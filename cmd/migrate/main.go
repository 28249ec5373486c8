package main

import (
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/frostdev-ops/shelly-fleet-go/internal/config"
	"github.com/frostdev-ops/shelly-fleet-go/pkg/logger"
)

// Maintenance entry point for the history database. The server applies
// pending migrations itself on startup; this tool exists for rollbacks
// and pre-deploy checks against the same configuration.
func main() {
	log := logger.New()

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	m, err := migrate.New(
		"file://"+cfg.Database.MigrationsPath,
		"sqlite3://"+cfg.Database.Path,
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create migrate instance")
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.WithError(err).Fatal("Migration up failed")
		}
		log.Info("Migrations applied")
	case "down":
		if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
			log.WithError(err).Fatal("Migration down failed")
		}
		log.Info("Rolled back one migration")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && err != migrate.ErrNilVersion {
			log.WithError(err).Fatal("Failed to read migration version")
		}
		log.WithField("version", version).WithField("dirty", dirty).Info("Migration state")
	default:
		log.Fatalf("Unknown command %q: use up, down or version", command)
	}
}
