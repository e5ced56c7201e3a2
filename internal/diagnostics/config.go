package diagnostics

import (
	"fmt"
	"time"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config contains diagnostics store settings.
type Config struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
}

// NewConfig returns defaults for driver and dsn.
func NewConfig(driver, dsn string) Config {
	c := Config{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    4,
		ConnMaxLifetime: time.Hour,
		DefaultTimeout:  10 * time.Second,
	}
	// SQLite serializes writers anyway.
	if driver == DriverSQLite {
		c.MaxOpenConns = 1
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Driver)
	}
	if c.DSN == "" {
		return ErrMissingDSN
	}
	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
