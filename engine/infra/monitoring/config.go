package monitoring

import (
	"fmt"
	"net"
	"strings"

	appconfig "github.com/certa-labs/certa/pkg/config"
)

const DefaultPath = "/metrics"

// Config holds configuration for the metrics endpoint.
type Config struct {
	Enabled bool
	// Addr is the listen address of the metrics server, e.g. ":9464".
	Addr string
	Path string
}

// DefaultConfig returns a disabled configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Path:    DefaultPath,
	}
}

// FromWorkerConfig enables metrics when the worker has a metrics address.
func FromWorkerConfig(cfg *appconfig.WorkerConfig) *Config {
	out := DefaultConfig()
	if cfg != nil && strings.TrimSpace(cfg.MetricsAddr) != "" {
		out.Enabled = true
		out.Addr = strings.TrimSpace(cfg.MetricsAddr)
	}
	return out
}

// Validate validates the monitoring configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if strings.ContainsRune(c.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	if c.Enabled && c.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.Addr, err)
		}
	}
	return nil
}
