package config

import "fmt"

// SearchConfig configures the query pipeline.
type SearchConfig struct {
	// DefaultK is the result count when the request leaves it unset.
	DefaultK int `yaml:"default_k,omitempty"`

	// MaxK caps the requested result count.
	MaxK int `yaml:"max_k,omitempty"`

	// OversampleFactor multiplies k for the ANN recall stage.
	OversampleFactor int `yaml:"oversample_factor,omitempty"`

	// Alpha weighs the similarity score in the final ranking.
	Alpha float64 `yaml:"alpha,omitempty"`

	// Beta weighs the feedback prior in the final ranking.
	Beta float64 `yaml:"beta,omitempty"`

	// DefaultTimeoutMS is the per-request deadline.
	DefaultTimeoutMS int `yaml:"default_timeout_ms,omitempty"`

	// MaxConcurrency bounds parallel search requests.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	// QueryCacheSize is the query-embedding cache capacity (0 disables).
	QueryCacheSize int `yaml:"query_cache_size,omitempty"`
}

func (c *SearchConfig) SetDefaults() {
	if c.DefaultK == 0 {
		c.DefaultK = 10
	}
	if c.MaxK == 0 {
		c.MaxK = 100
	}
	if c.OversampleFactor == 0 {
		c.OversampleFactor = 3
	}
	if c.Alpha == 0 {
		c.Alpha = 0.85
	}
	if c.Beta == 0 {
		c.Beta = 0.15
	}
	if c.DefaultTimeoutMS == 0 {
		c.DefaultTimeoutMS = 2000
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 64
	}
	if c.QueryCacheSize == 0 {
		c.QueryCacheSize = 1024
	}
}

func (c *SearchConfig) Validate() error {
	if c.DefaultK < 1 || c.DefaultK > c.MaxK {
		return fmt.Errorf("default_k %d out of range 1..%d", c.DefaultK, c.MaxK)
	}
	if c.Alpha < 0 || c.Beta < 0 || c.Alpha+c.Beta > 1 {
		return fmt.Errorf("alpha %.2f + beta %.2f must be within [0,1]", c.Alpha, c.Beta)
	}
	if c.OversampleFactor < 1 {
		return fmt.Errorf("oversample_factor must be positive, got %d", c.OversampleFactor)
	}
	return nil
}

// FeedbackConfig configures the click-through feedback store.
type FeedbackConfig struct {
	// WindowDays is the aggregation window for priors.
	WindowDays int `yaml:"window_days,omitempty"`

	// RetentionDays is how long raw events are kept.
	RetentionDays int `yaml:"retention_days,omitempty"`
}

func (c *FeedbackConfig) SetDefaults() {
	if c.WindowDays == 0 {
		c.WindowDays = 30
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 180
	}
}

func (c *FeedbackConfig) Validate() error {
	if c.WindowDays > c.RetentionDays {
		return fmt.Errorf("window_days %d exceeds retention_days %d", c.WindowDays, c.RetentionDays)
	}
	return nil
}

// PolicyConfig configures visibility policy evaluation.
type PolicyConfig struct {
	// AdminRole bypasses restriction checks.
	AdminRole string `yaml:"admin_role,omitempty"`
}

func (c *PolicyConfig) SetDefaults() {
	if c.AdminRole == "" {
		c.AdminRole = "admin"
	}
}

func (c *PolicyConfig) Validate() error {
	return nil
}
