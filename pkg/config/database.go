package config

import "fmt"

// DatabaseConfig configures the relational registry store.
//
// Example YAML:
//
//	database:
//	  driver: sqlite
//	  path: .kpath/kpath.db
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "mysql".
	Driver string `yaml:"driver"`

	// Path is the database file path (sqlite only).
	Path string `yaml:"path,omitempty"`

	// Host, Port, User, Password, Database for server databases.
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`

	// SSLMode for postgres (default: disable).
	SSLMode string `yaml:"ssl_mode,omitempty"`

	// MaxConns and MaxIdle size the connection pool.
	MaxConns int `yaml:"max_conns,omitempty"`
	MaxIdle  int `yaml:"max_idle,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = ".kpath/kpath.db"
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case "postgres", "mysql":
		if c.Host == "" {
			return fmt.Errorf("host is required for %s", c.Driver)
		}
		if c.Database == "" {
			return fmt.Errorf("database is required for %s", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported driver %q (valid: sqlite, postgres, mysql)", c.Driver)
	}
	return nil
}

// DriverName returns the database/sql driver name.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// ConnectionString builds the driver-specific DSN.
func (c *DatabaseConfig) ConnectionString() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	default:
		return c.Path + "?_foreign_keys=on"
	}
}
