package database

import (
	"database/sql"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"

	"github.com/dotpay/backend/src/logger"
)

var DB *sql.DB

// InitDB opens the sqlite database, creating the parent directory when
// needed. The connection pool is capped at one writer; every service-layer
// write goes through a single transaction row anyway.
func InitDB(databasePath string) {
	if dir := filepath.Dir(databasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			stdlog.Fatalf("failed to create database directory %s: %v", dir, err)
		}
	}

	dsn := databasePath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(on)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		stdlog.Fatalf("failed to open database at %s: %v", databasePath, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		stdlog.Fatalf("failed to ping database at %s: %v", databasePath, err)
	}

	DB = db
	logger.L.Info("Database ready", "path", databasePath, "journalMode", "WAL")
}

// RunMigrations applies every pending migration from db/migrations. The
// directory can be overridden with MIGRATIONS_DIR for container deployments.
func RunMigrations(databasePath string) {
	if DB == nil {
		stdlog.Fatal("database must be initialized before running migrations")
	}

	driver, err := sqlite.WithInstance(DB, &sqlite.Config{})
	if err != nil {
		stdlog.Fatalf("could not create sqlite migration driver: %v", err)
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			stdlog.Fatalf("failed to resolve working directory: %v", err)
		}
		migrationsDir = filepath.Join(cwd, "db", "migrations")
	}
	sourceURL := fmt.Sprintf("file://%s", filepath.ToSlash(migrationsDir))

	m, err := migrate.NewWithDatabaseInstance(sourceURL, databasePath, driver)
	if err != nil {
		stdlog.Fatalf("migration setup failed for %s: %v", sourceURL, err)
	}

	logger.L.Info("Applying database migrations", "source", sourceURL)
	switch err := m.Up(); {
	case err == nil:
		logger.L.Info("Database migrations applied")
	case errors.Is(err, migrate.ErrNoChange):
		logger.L.Info("Database schema is up to date")
	default:
		stdlog.Fatalf("failed to apply migrations: %v", err)
	}
}
