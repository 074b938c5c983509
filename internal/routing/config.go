package routing

import (
	"fmt"
	"time"
)

// Config holds the routing table tunables.
type Config struct {
	// K is the maximum number of live contacts per bucket.
	K int `yaml:"k"`
	// B is the symbol size: buckets whose depth is a multiple of B stop
	// splitting unless they cover the local id or are the designated
	// smallest-subtree bucket.
	B int `yaml:"b"`
	// CacheSize bounds each bucket's replacement cache.
	CacheSize int `yaml:"cache_size"`
	// MaxConsecutiveFailures is the per-contact failure count at which the
	// contact is considered dead and evicted.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	// FailureStormThreshold is the number of back-to-back failures across the
	// whole table after which evictions are suppressed. Zero disables it.
	FailureStormThreshold int `yaml:"failure_storm_threshold"`
	// MinReconnectionInterval is the minimum time between two identity
	// verifications of the same contact.
	MinReconnectionInterval time.Duration `yaml:"min_reconnection_interval"`
	// RefreshInterval is the idle time after which a bucket is stale.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultConfig returns the classic Kademlia parameters.
func DefaultConfig() Config {
	return Config{
		K:                       20,
		B:                       4,
		CacheSize:               16,
		MaxConsecutiveFailures:  4,
		FailureStormThreshold:   100,
		MinReconnectionInterval: 30 * time.Second,
		RefreshInterval:         30 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.K <= 0 {
		c.K = def.K
	}
	if c.B <= 0 {
		c.B = def.B
	}
	if c.CacheSize < 0 {
		c.CacheSize = def.CacheSize
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if c.FailureStormThreshold < 0 {
		c.FailureStormThreshold = 0
	}
	if c.MinReconnectionInterval < 0 {
		c.MinReconnectionInterval = 0
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
}

// Validate rejects settings the table cannot work with.
func (c Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("k must be at least 1, got %d", c.K)
	}
	if c.B < 1 {
		return fmt.Errorf("b must be at least 1, got %d", c.B)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size cannot be negative")
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be at least 1")
	}
	if c.FailureStormThreshold != 0 && c.FailureStormThreshold <= c.MaxConsecutiveFailures {
		return fmt.Errorf("failure_storm_threshold must exceed max_consecutive_failures")
	}
	return nil
}
