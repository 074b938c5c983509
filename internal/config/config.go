// Package config loads the node configuration from YAML with environment
// overrides and reloads it when the file changes.
package config

import (
	"github.com/shizukutanaka/kadnode/internal/api"
	"github.com/shizukutanaka/kadnode/internal/dht"
	"github.com/shizukutanaka/kadnode/internal/logging"
	"github.com/shizukutanaka/kadnode/internal/monitoring"
)

// EnvPrefix prefixes every environment override, e.g. KADNODE_NODE_TRANSPORT_LISTEN_ADDR.
const EnvPrefix = "KADNODE"

// Config is the complete node configuration.
type Config struct {
	Node    dht.Config               `yaml:"node"`
	Logging logging.Config           `yaml:"logging"`
	API     api.Config               `yaml:"api"`
	Metrics monitoring.MetricsConfig `yaml:"metrics"`
}

// DefaultConfig returns a configuration that runs a standalone node.
func DefaultConfig() *Config {
	return &Config{
		Node:    dht.DefaultConfig(),
		Logging: logging.DefaultConfig(),
		API:     api.DefaultConfig(),
		Metrics: monitoring.DefaultMetricsConfig(),
	}
}

// Clone returns a copy that shares nothing mutable with c.
func (c *Config) Clone() *Config {
	out := *c
	out.Node.BootstrapNodes = append([]string(nil), c.Node.BootstrapNodes...)
	if c.Logging.ModuleLevels != nil {
		out.Logging.ModuleLevels = make(map[string]string, len(c.Logging.ModuleLevels))
		for k, v := range c.Logging.ModuleLevels {
			out.Logging.ModuleLevels[k] = v
		}
	}
	return &out
}
