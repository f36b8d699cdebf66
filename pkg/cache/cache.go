// Package cache provides the two-tier query result cache: a sharded
// in-process LRU in front of a durable shared key-value store. Values are
// opaque byte payloads; callers handle their own serialization.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// envelopeVersion guards against decoding payloads written by an
	// incompatible build.
	envelopeVersion = 1

	// defaultReadTimeout bounds a shared-tier read; past it the lookup
	// counts as a miss.
	defaultReadTimeout = 200 * time.Millisecond

	defaultTTL = 15 * time.Minute
)

// envelope is the persisted layout on the shared tier.
type envelope struct {
	Version   int             `json:"version"`
	CreatedAt int64           `json:"created_at_epoch_ms"`
	TTLMillis int64           `json:"ttl_ms"`
	Payload   json.RawMessage `json:"payload"`
}

// Config tunes the two-tier cache.
type Config struct {
	// TTL applied to entries when the caller does not override it.
	TTL time.Duration `yaml:"ttl"`

	// LocalCapacity bounds the in-process tier (default 1024 entries).
	LocalCapacity int `yaml:"local_capacity"`

	// ReadTimeout bounds shared-tier reads (default 200ms).
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Cache is the two-tier facade. The shared tier may be nil, which leaves a
// purely local cache. A reachable-then-failing shared tier degrades softly:
// reads fall through to miss, writes log and continue.
type Cache struct {
	local       *localCache
	shared      KVStore
	ttl         time.Duration
	readTimeout time.Duration
}

// New builds a cache over an optional shared tier.
func New(cfg Config, shared KVStore) *Cache {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultReadTimeout
	}
	return &Cache{
		local:       newLocalCache(cfg.LocalCapacity),
		shared:      shared,
		ttl:         ttl,
		readTimeout: readTimeout,
	}
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get looks up key, local tier first. A shared-tier hit is copied into the
// local tier with its remaining lifetime. Shared-tier errors and timeouts
// degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := c.local.Get(key); ok {
		return val, true
	}
	if c.shared == nil {
		return nil, false
	}

	readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	raw, err := c.shared.Get(readCtx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Shared cache read failed, treating as miss", "error", err)
		}
		return nil, false
	}

	payload, remaining, err := decodeEnvelope(raw)
	if err != nil {
		slog.Warn("Discarding undecodable shared cache entry", "key", key, "error", err)
		return nil, false
	}
	if remaining <= 0 {
		return nil, false
	}

	c.local.Put(key, payload, remaining)
	return payload, true
}

// Put stores value under key in both tiers with the given ttl. A ttl of
// zero or less stores nothing; the key reads back absent. Callers wanting
// the configured default pass TTL(). The local write happens first and a
// shared-tier failure never rolls it back.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.local.Put(key, value, ttl)
	if ttl <= 0 || c.shared == nil {
		return
	}
	raw, err := json.Marshal(envelope{
		Version:   envelopeVersion,
		CreatedAt: time.Now().UnixMilli(),
		TTLMillis: ttl.Milliseconds(),
		Payload:   value,
	})
	if err != nil {
		slog.Warn("Failed to encode cache envelope", "key", key, "error", err)
		return
	}
	if err := c.shared.Put(ctx, key, raw, ttl); err != nil {
		slog.Warn("Shared cache write failed, tiers are skewed", "key", key, "error", err)
	}
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, key); err != nil {
		slog.Warn("Shared cache delete failed", "key", key, "error", err)
	}
}

// Flush clears the local tier. Shared entries age out by TTL.
func (c *Cache) Flush() {
	c.local.Flush()
}

// Close releases the shared tier connection.
func (c *Cache) Close() error {
	if c.shared == nil {
		return nil
	}
	return c.shared.Close()
}

// decodeEnvelope validates a shared-tier entry and returns its payload with
// the lifetime it has left.
func decodeEnvelope(raw []byte) ([]byte, time.Duration, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, err
	}
	if env.Version != envelopeVersion {
		return nil, 0, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	expiry := time.UnixMilli(env.CreatedAt + env.TTLMillis)
	return env.Payload, time.Until(expiry), nil
}
