// Package config merges archiver settings from three sources with fixed
// precedence: command line over config file over built-in defaults.
// Validation runs once, after the merge, so a bad value in a file can be
// corrected from the command line.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Log levels accepted by Validate.
var logLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true,
}

// Config is the fully merged configuration of one archiver invocation.
type Config struct {
	// API
	BaseURL            string  `yaml:"base_url"`
	UserAgent          string  `yaml:"user_agent"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	MaxRetries         int     `yaml:"max_retries"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`

	// Storage
	DatabasePath   string `yaml:"database_path"`
	DataDir        string `yaml:"data_dir"`
	CheckpointPath string `yaml:"checkpoint_path"`

	// Run
	Namespaces               []int   `yaml:"namespaces"`
	FailureThresholdFraction float64 `yaml:"failure_threshold_fraction"`

	// Logging
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// Observability. Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in defaults, the lowest-precedence source.
func Default() Config {
	return Config{
		UserAgent:                "wikivault/1.0 (https://github.com/wikivault/wikivault)",
		TimeoutSeconds:           30,
		MaxRetries:               3,
		RateLimitPerSecond:       2.0,
		DatabasePath:             "wikivault.db",
		DataDir:                  "data",
		CheckpointPath:           "wikivault.checkpoint.json",
		Namespaces:               []int{0},
		FailureThresholdFraction: 0.10,
		LogLevel:                 "INFO",
	}
}

// Overlay carries values from one source; nil fields mean "not set here"
// and leave the lower-precedence value alone.
type Overlay struct {
	BaseURL            *string  `yaml:"base_url"`
	UserAgent          *string  `yaml:"user_agent"`
	TimeoutSeconds     *int     `yaml:"timeout_seconds"`
	MaxRetries         *int     `yaml:"max_retries"`
	RateLimitPerSecond *float64 `yaml:"rate_limit_per_second"`

	DatabasePath   *string `yaml:"database_path"`
	DataDir        *string `yaml:"data_dir"`
	CheckpointPath *string `yaml:"checkpoint_path"`

	Namespaces               []int    `yaml:"namespaces"`
	FailureThresholdFraction *float64 `yaml:"failure_threshold_fraction"`

	LogLevel *string `yaml:"log_level"`
	Quiet    *bool   `yaml:"quiet"`

	MetricsAddr *string `yaml:"metrics_addr"`
}

// LoadFile parses a YAML config file into an Overlay. A missing file is
// an error; callers decide whether the file was optional.
func LoadFile(path string) (Overlay, error) {
	var o Overlay
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return o, nil
}

// Apply folds an overlay into c, field by field.
func (c *Config) Apply(o Overlay) {
	if o.BaseURL != nil {
		c.BaseURL = *o.BaseURL
	}
	if o.UserAgent != nil {
		c.UserAgent = *o.UserAgent
	}
	if o.TimeoutSeconds != nil {
		c.TimeoutSeconds = *o.TimeoutSeconds
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if o.RateLimitPerSecond != nil {
		c.RateLimitPerSecond = *o.RateLimitPerSecond
	}
	if o.DatabasePath != nil {
		c.DatabasePath = *o.DatabasePath
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.CheckpointPath != nil {
		c.CheckpointPath = *o.CheckpointPath
	}
	if o.Namespaces != nil {
		c.Namespaces = append([]int(nil), o.Namespaces...)
	}
	if o.FailureThresholdFraction != nil {
		c.FailureThresholdFraction = *o.FailureThresholdFraction
	}
	if o.LogLevel != nil {
		c.LogLevel = strings.ToUpper(*o.LogLevel)
	}
	if o.Quiet != nil {
		c.Quiet = *o.Quiet
	}
	if o.MetricsAddr != nil {
		c.MetricsAddr = *o.MetricsAddr
	}
}

// Merge builds the final configuration: defaults, then each overlay in
// increasing precedence, then validation.
func Merge(overlays ...Overlay) (Config, error) {
	c := Default()
	for _, o := range overlays {
		c.Apply(o)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the merged result. It never runs on a partial source.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: base_url %q is not an absolute URL", c.BaseURL)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("config: rate_limit_per_second must be positive, got %g", c.RateLimitPerSecond)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path is required")
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("config: checkpoint_path is required")
	}
	if c.FailureThresholdFraction < 0 || c.FailureThresholdFraction > 1 {
		return fmt.Errorf("config: failure_threshold_fraction must be in [0, 1], got %g",
			c.FailureThresholdFraction)
	}
	for _, ns := range c.Namespaces {
		if ns < 0 {
			return fmt.Errorf("config: namespace ids must be non-negative, got %d", ns)
		}
	}
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}
