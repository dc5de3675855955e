package wiki

import (
	"errors"
	"strings"
	"time"
)

// Defaults for the API client.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "wikivault/1.0 (https://github.com/wikivault/wikivault; archival bot)"

	// DefaultMaxLag is sent with every query so overloaded replicas can
	// shed load; the resulting maxlag errors classify as transient.
	DefaultMaxLag = 5

	// MaxBatch is the largest page size the API grants bot-less clients.
	MaxBatch = 500
)

// Config holds MediaWiki connection settings for the read-only client.
type Config struct {
	// BaseURL is the wiki API endpoint (e.g. https://wiki.example.com/api.php).
	BaseURL string

	// UserAgent identifies the archiver and a contact URL to the wiki.
	UserAgent string

	// Timeout is the hard per-request limit.
	Timeout time.Duration

	// MaxLag is the maxlag= value sent with queries; 0 uses DefaultMaxLag.
	MaxLag int
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("wiki: base URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.New("wiki: base URL must be http(s)")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}
	if out.MaxLag <= 0 {
		out.MaxLag = DefaultMaxLag
	}
	return out
}
