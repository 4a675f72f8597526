// Package database provides the PostgreSQL connection pool shared by the cache
// store, the pool statistics store and the query backend.
package database

import (
	"fmt"
	"net/url"
	"time"
)

// Config defines what the database package needs - no external imports!
type Config struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	ConnectTimeout time.Duration
	ConnectRetries uint64

	AutoMigrate    bool
	MigrationsPath string
}

// NewConfig creates config with sensible defaults
func NewConfig() *Config {
	return &Config{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		ConnectTimeout:  10 * time.Second,
		ConnectRetries:  5,
	}
}

// GetDSN returns the connection string for the database
func (c *Config) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Username != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		} else {
			u.User = url.User(c.Username)
		}
	}

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q := u.Query()
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()

	return u.String()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.DSN == "" && (c.Host == "" || c.Database == "") {
		return ErrInvalidDatabaseConfig
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("%w: negative pool bounds", ErrInvalidDatabaseConfig)
	}
	return nil
}
