package dht

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/lookup"
	"github.com/shizukutanaka/kadnode/internal/routing"
	"github.com/shizukutanaka/kadnode/internal/storage"
	"github.com/shizukutanaka/kadnode/internal/transport"
)

// Config holds everything a node needs.
type Config struct {
	// NodeID is the hex node id. When empty the id is derived from IDSeed,
	// or chosen at random when that is empty too.
	NodeID string `yaml:"node_id"`
	IDSeed string `yaml:"id_seed"`
	// AdvertiseAddr is reported as the local contact address. Defaults to the
	// bound transport address.
	AdvertiseAddr string `yaml:"advertise_addr"`

	BootstrapNodes      []string      `yaml:"bootstrap_nodes"`
	BootstrapRetries    uint64        `yaml:"bootstrap_retries"`
	BootstrapMaxElapsed time.Duration `yaml:"bootstrap_max_elapsed"`
	StatsInterval       time.Duration `yaml:"stats_interval"`

	Routing   routing.Config   `yaml:"routing"`
	Lookup    lookup.Config    `yaml:"lookup"`
	Transport transport.Config `yaml:"transport"`
	Storage   storage.Config   `yaml:"storage"`
}

// DefaultConfig returns a node configuration with every component default.
func DefaultConfig() Config {
	return Config{
		BootstrapRetries:    5,
		BootstrapMaxElapsed: time.Minute,
		StatsInterval:       5 * time.Minute,
		Routing:             routing.DefaultConfig(),
		Lookup:              lookup.DefaultConfig(),
		Transport:           transport.DefaultConfig(),
		Storage:             storage.DefaultConfig(),
	}
}

// Validate checks the node-level settings and every component's.
func (c Config) Validate() error {
	if c.NodeID != "" {
		id, err := kademlia.FromHex(c.NodeID, kademlia.NamespaceNode)
		if err != nil {
			return fmt.Errorf("invalid node_id: %w", err)
		}
		if id.IsZero() {
			return fmt.Errorf("invalid node_id: the zero id is reserved")
		}
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if err := c.Lookup.Validate(); err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if c.Lookup.K != c.Routing.K {
		return fmt.Errorf("lookup.k (%d) must equal routing.k (%d)", c.Lookup.K, c.Routing.K)
	}
	if c.Transport.ListenAddr == "" {
		return fmt.Errorf("transport.listen_addr is required")
	}
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	if c.Transport.RequestTimeout >= c.Lookup.Timeout {
		return fmt.Errorf("transport.request_timeout must be shorter than lookup.timeout")
	}
	return nil
}

// resolveID picks the node id from the configuration.
func (c Config) resolveID() (kademlia.KeyID, error) {
	switch {
	case c.NodeID != "":
		return kademlia.FromHex(c.NodeID, kademlia.NamespaceNode)
	case c.IDSeed != "":
		h, err := blake2b.New(kademlia.IDSize, nil)
		if err != nil {
			return kademlia.KeyID{}, err
		}
		h.Write([]byte(c.IDSeed))
		return kademlia.FromBytes(h.Sum(nil), kademlia.NamespaceNode)
	default:
		return kademlia.Random(kademlia.NamespaceNode), nil
	}
}

// KeyFromString maps a user-supplied key to a value id. A 40 character hex
// string is used as is; anything else is hashed.
func KeyFromString(s string) kademlia.KeyID {
	if len(s) == 2*kademlia.IDSize {
		if raw, err := hex.DecodeString(s); err == nil {
			if id, err := kademlia.FromBytes(raw, kademlia.NamespaceValue); err == nil {
				return id
			}
		}
	}
	return kademlia.Hash(kademlia.NamespaceValue, []byte(s))
}
