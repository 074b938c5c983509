// Package storage holds the values this node is responsible for. Values live
// in memory only and expire after a fixed time to live.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

// ErrNotFound is returned when no value is stored under a key.
var ErrNotFound = derrors.New(derrors.KindNotFound, "storage.get", "value not found")

const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

// Config holds the value store settings.
type Config struct {
	TTL              time.Duration `yaml:"ttl"`
	CleanInterval    time.Duration `yaml:"clean_interval"`
	Shards           int           `yaml:"shards"`
	MaxSizeMB        int           `yaml:"max_size_mb"`
	CompressMinBytes int           `yaml:"compress_min_bytes"`
	CompressionLevel int           `yaml:"compression_level"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              24 * time.Hour,
		CleanInterval:    5 * time.Minute,
		Shards:           64,
		MaxSizeMB:        64,
		CompressMinBytes: 256,
		CompressionLevel: 3,
	}
}

// Stats are store counters.
type Stats struct {
	Entries    int   `json:"entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Compressed int64 `json:"compressed"`
}

// Store is a TTL-bounded value store keyed by KeyID.
type Store struct {
	logger  *zap.Logger
	config  Config
	cache   *bigcache.BigCache
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	compressed atomic.Int64
}

// New creates a store.
func New(logger *zap.Logger, config Config) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.CleanInterval <= 0 {
		config.CleanInterval = def.CleanInterval
	}
	if config.Shards <= 0 || config.Shards&(config.Shards-1) != 0 {
		config.Shards = def.Shards
	}
	if config.MaxSizeMB < 0 {
		config.MaxSizeMB = 0
	}
	if config.CompressionLevel <= 0 {
		config.CompressionLevel = def.CompressionLevel
	}

	cacheConfig := bigcache.DefaultConfig(config.TTL)
	cacheConfig.Shards = config.Shards
	cacheConfig.CleanWindow = config.CleanInterval
	cacheConfig.MaxEntrySize = 1024
	cacheConfig.HardMaxCacheSize = config.MaxSizeMB
	cacheConfig.StatsEnabled = true
	cacheConfig.Verbose = false

	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create value cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(config.CompressionLevel)))
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		_ = cache.Close()
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}

	return &Store{
		logger:  logger,
		config:  config,
		cache:   cache,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key kademlia.KeyID, value []byte) error {
	if len(value) == 0 {
		return derrors.New(derrors.KindMalformed, "storage.put", "empty value")
	}

	var entry []byte
	if s.config.CompressMinBytes > 0 && len(value) >= s.config.CompressMinBytes {
		compressed := s.encoder.EncodeAll(value, make([]byte, 1, len(value)/2+1))
		if len(compressed) < len(value)+1 {
			compressed[0] = encodingZstd
			entry = compressed
			s.compressed.Add(1)
		}
	}
	if entry == nil {
		entry = make([]byte, 0, len(value)+1)
		entry = append(entry, encodingRaw)
		entry = append(entry, value...)
	}

	if err := s.cache.Set(key.String(), entry); err != nil {
		return derrors.Wrap(derrors.KindTransient, "storage.put", err)
	}
	s.logger.Debug("Stored value",
		zap.Stringer("key", key),
		zap.Int("size", len(value)),
		zap.Int("stored", len(entry)))
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key kademlia.KeyID) ([]byte, error) {
	entry, err := s.cache.Get(key.String())
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrNotFound
		}
		return nil, derrors.Wrap(derrors.KindTransient, "storage.get", err)
	}
	if len(entry) == 0 {
		return nil, derrors.New(derrors.KindStructural, "storage.get", "empty entry")
	}

	switch entry[0] {
	case encodingRaw:
		out := make([]byte, len(entry)-1)
		copy(out, entry[1:])
		return out, nil
	case encodingZstd:
		out, err := s.decoder.DecodeAll(entry[1:], nil)
		if err != nil {
			return nil, derrors.Wrap(derrors.KindStructural, "storage.decompress", err)
		}
		return out, nil
	}
	return nil, derrors.New(derrors.KindStructural, "storage.get", fmt.Sprintf("unknown encoding %d", entry[0]))
}

// Has reports whether a value is stored under key.
func (s *Store) Has(key kademlia.KeyID) bool {
	_, err := s.cache.Get(key.String())
	return err == nil
}

// Delete removes the value stored under key.
func (s *Store) Delete(key kademlia.KeyID) error {
	err := s.cache.Delete(key.String())
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return derrors.Wrap(derrors.KindTransient, "storage.delete", err)
	}
	return nil
}

// Len returns the number of stored values.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	cs := s.cache.Stats()
	return Stats{
		Entries:    s.cache.Len(),
		Hits:       cs.Hits,
		Misses:     cs.Misses,
		Compressed: s.compressed.Load(),
	}
}

// Close releases the store.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.cache.Close()
}
