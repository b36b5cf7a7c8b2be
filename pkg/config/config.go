// Package config defines the KPATH configuration model.
//
// Every struct follows the same convention: yaml tags for the loader,
// SetDefaults to fill unset fields, Validate to reject bad values.
package config

import (
	"fmt"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Policy    PolicyConfig    `yaml:"policy"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Embedding.SetDefaults()
	c.Index.SetDefaults()
	c.Search.SetDefaults()
	c.Feedback.SetDefaults()
	c.Policy.SetDefaults()
	c.Auth.SetDefaults()
	c.Logging.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	type section struct {
		name string
		v    interface{ Validate() error }
	}
	for _, s := range []section{
		{"server", &c.Server},
		{"database", &c.Database},
		{"embedding", &c.Embedding},
		{"index", &c.Index},
		{"search", &c.Search},
		{"feedback", &c.Feedback},
		{"policy", &c.Policy},
		{"auth", &c.Auth},
		{"logging", &c.Logging},
		{"metrics", &c.Metrics},
	} {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ReadTimeoutSeconds and WriteTimeoutSeconds bound request IO.
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds,omitempty"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 30
	}
	if c.WriteTimeoutSeconds == 0 {
		c.WriteTimeoutSeconds = 60
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`

	// File is the log file path (empty = stderr).
	File string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Format)
	}
	return nil
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "/metrics"
	}
}

func (c *MetricsConfig) Validate() error {
	return nil
}
