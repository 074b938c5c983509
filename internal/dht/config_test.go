package dht

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testNodeConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"BadNodeID", func(c *Config) { c.NodeID = "xyz" }, "node_id"},
		{"ZeroNodeID", func(c *Config) { c.NodeID = strings.Repeat("00", kademlia.IDSize) }, "reserved"},
		{"KMismatch", func(c *Config) { c.Lookup.K = 3 }, "must equal"},
		{"NoListenAddr", func(c *Config) { c.Transport.ListenAddr = "" }, "listen_addr"},
		{"RequestTimeoutTooLong", func(c *Config) { c.Transport.RequestTimeout = c.Lookup.Timeout }, "shorter"},
		{"BadAlpha", func(c *Config) { c.Lookup.Alpha = 0 }, "alpha"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testNodeConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveID(t *testing.T) {
	cfg := testNodeConfig()

	cfg.NodeID = strings.Repeat("ab", kademlia.IDSize)
	id, err := cfg.resolveID()
	require.NoError(t, err)
	assert.Equal(t, cfg.NodeID, id.String())
	assert.Equal(t, kademlia.NamespaceNode, id.Namespace())

	cfg.NodeID = ""
	cfg.IDSeed = "node-one"
	a, err := cfg.resolveID()
	require.NoError(t, err)
	b, err := cfg.resolveID()
	require.NoError(t, err)
	assert.True(t, a.Equal(b), "seeded ids are stable")

	cfg.IDSeed = ""
	r1, _ := cfg.resolveID()
	r2, _ := cfg.resolveID()
	assert.False(t, r1.Equal(r2))
}

func TestKeyFromString(t *testing.T) {
	hexKey := strings.Repeat("0f", kademlia.IDSize)
	assert.Equal(t, hexKey, KeyFromString(hexKey).String())
	assert.Equal(t, kademlia.NamespaceValue, KeyFromString(hexKey).Namespace())

	hashed := KeyFromString("hello")
	assert.True(t, hashed.Equal(kademlia.Hash(kademlia.NamespaceValue, []byte("hello"))))
}
