package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validator checks a complete configuration, including rules that span
// sections.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs a full validation of the provided Config struct.
func (v *Validator) Validate(cfg *Config) error {
	if err := cfg.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := v.validateBootstrap(cfg.Node.BootstrapNodes); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if cfg.API.Enabled {
		if err := validateListenAddress(cfg.API.ListenAddr); err != nil {
			return fmt.Errorf("api config: %w", err)
		}
		if cfg.API.RateLimit < 0 {
			return errors.New("api config: rate_limit must not be negative")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		if err := validateListenAddress(cfg.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("metrics config: %w", err)
		}
		if cfg.API.Enabled && cfg.Metrics.ListenAddr == cfg.API.ListenAddr {
			return errors.New("metrics config: listen_addr conflicts with the API listener")
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.MetricsPath, "/") {
		return errors.New("metrics config: metrics_path must start with /")
	}
	return nil
}

func (v *Validator) validateBootstrap(nodes []string) error {
	for _, addr := range nodes {
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("invalid bootstrap node %q", addr)
		}
	}
	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", addr, err)
	}
	return nil
}
