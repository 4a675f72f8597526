// Package migration applies the schema for the cache and pool statistics tables.
package migration

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Config holds the migration configuration
type Config struct {
	// MigrationsPath overrides the embedded migrations with a directory on disk
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`

	// Timeout for migration operations
	MigrationTimeout time.Duration `json:"migration_timeout" yaml:"migration_timeout"`

	// Use a specific number of steps for migration (0 means all)
	Steps int `json:"steps" yaml:"steps"`
}

// Manager handles database migrations
type Manager struct {
	db       *sqlx.DB
	config   Config
	migrator *migrate.Migrate
}

// NewManager creates a new migration manager
func NewManager(db *sqlx.DB, config Config) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db connection cannot be nil")
	}

	if config.MigrationTimeout == 0 {
		config.MigrationTimeout = time.Minute
	}

	return &Manager{
		db:     db,
		config: config,
	}, nil
}

// Init initializes the migration manager
func (m *Manager) Init(ctx context.Context) error {
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var migrator *migrate.Migrate
	if m.config.MigrationsPath != "" {
		migrator, err = migrate.NewWithDatabaseInstance("file://"+m.config.MigrationsPath, "postgres", driver)
	} else {
		src, srcErr := iofs.New(embeddedMigrations, "sql")
		if srcErr != nil {
			return fmt.Errorf("failed to open embedded migrations: %w", srcErr)
		}
		migrator, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	m.migrator = migrator
	return nil
}

// RunMigrations applies all pending migrations
func (m *Manager) RunMigrations(ctx context.Context) error {
	if m.migrator == nil {
		if err := m.Init(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.MigrationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if m.config.Steps > 0 {
			err = m.migrator.Steps(m.config.Steps)
		} else {
			err = m.migrator.Up()
		}
		if errors.Is(err, migrate.ErrNoChange) {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		return nil
	case <-ctx.Done():
		m.migrator.GracefulStop <- true
		return fmt.Errorf("migration timeout after %s", m.config.MigrationTimeout)
	}
}

// Version returns the current migration version and dirty flag
func (m *Manager) Version(ctx context.Context) (uint, bool, error) {
	if m.migrator == nil {
		if err := m.Init(ctx); err != nil {
			return 0, false, err
		}
	}

	version, dirty, err := m.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Rollback rolls back the last applied migration
func (m *Manager) Rollback(ctx context.Context) error {
	if m.migrator == nil {
		if err := m.Init(ctx); err != nil {
			return err
		}
	}
	return m.migrator.Steps(-1)
}

// Close releases the migrator. The postgres driver closes the handle passed to
// NewManager as well, so callers give the manager a dedicated connection.
func (m *Manager) Close() error {
	if m.migrator == nil {
		return m.db.Close()
	}
	sourceErr, databaseErr := m.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("source error: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("database error: %w", databaseErr)
	}
	return nil
}

// EmbeddedFiles lists the embedded migration file names
func EmbeddedFiles() ([]string, error) {
	entries, err := embeddedMigrations.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
