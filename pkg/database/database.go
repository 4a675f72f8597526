package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	// Import PostgreSQL driver
	_ "github.com/lib/pq"

	"github.com/tourbot/querycache/pkg/database/migration"
	"github.com/tourbot/querycache/pkg/observability"
)

// Common errors
var (
	ErrInvalidDatabaseConfig = errors.New("invalid database configuration: missing required fields")
	ErrNotFound              = errors.New("record not found")
)

// sanitizeDSN removes sensitive information from a DSN for safe logging
func sanitizeDSN(dsn string) string {
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		for i, part := range parts {
			if strings.HasPrefix(part, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	}
	if idx := strings.Index(dsn, "://"); idx != -1 {
		if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
			return dsn[:idx+3] + "***:***" + dsn[idx+atIdx:]
		}
	}
	return dsn
}

// Database represents the database access layer
type Database struct {
	db     *sqlx.DB
	config Config
	logger observability.Logger
}

// NewDatabase connects with exponential backoff, applies pool settings and,
// when enabled, runs the embedded migrations.
func NewDatabase(ctx context.Context, cfg Config, logger observability.Logger) (*Database, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.GetDSN()
	logger.Info("Connecting to database", map[string]interface{}{"dsn": sanitizeDSN(dsn)})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	var policy backoff.BackOff = b
	if cfg.ConnectRetries > 0 {
		policy = backoff.WithMaxRetries(b, cfg.ConnectRetries)
	}

	var db *sqlx.DB
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		connectCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}
		conn, err := sqlx.ConnectContext(connectCtx, cfg.Driver, dsn)
		if err != nil {
			logger.Warn("Database connection attempt failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		db = conn
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	database := &Database{db: db, config: cfg, logger: logger}

	if cfg.AutoMigrate {
		if err := database.migrate(ctx, dsn); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				logger.Warn("Failed to close database after migration error", map[string]interface{}{"error": closeErr.Error()})
			}
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
	}

	return database, nil
}

// migrate runs migrations over a dedicated handle because the migration
// driver closes the handle it is given.
func (d *Database) migrate(ctx context.Context, dsn string) error {
	migrationDB, err := sqlx.ConnectContext(ctx, d.config.Driver, dsn)
	if err != nil {
		return err
	}

	manager, err := migration.NewManager(migrationDB, migration.Config{MigrationsPath: d.config.MigrationsPath})
	if err != nil {
		_ = migrationDB.Close()
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			d.logger.Warn("Failed to close migration manager", map[string]interface{}{"error": err.Error()})
		}
	}()

	start := time.Now()
	if err := manager.RunMigrations(ctx); err != nil {
		return err
	}
	version, dirty, err := manager.Version(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("Database migrations applied", map[string]interface{}{
		"version":     version,
		"dirty":       dirty,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// Transaction executes a function within a database transaction
func (d *Database) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return RunInTx(ctx, d.db, fn)
}

// RunInTx executes fn inside a transaction on db, rolling back on error or panic
func RunInTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// PoolBounds returns the configured minimum (idle) and maximum (open) pool sizes
func (d *Database) PoolBounds() (minConns, maxConns int) {
	return d.config.MaxIdleConns, d.config.MaxOpenConns
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks if the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB instance
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// NewDatabaseWithConnection creates a new Database instance with an existing connection
func NewDatabaseWithConnection(db *sqlx.DB, cfg Config) *Database {
	return &Database{db: db, config: cfg, logger: observability.NewNoopLogger()}
}
