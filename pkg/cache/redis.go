package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore is the durable shared tier contract. Absent keys return
// ErrNotFound; any other error means the tier is unreachable and the caller
// degrades to local-only operation.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ErrNotFound reports an absent key on the shared tier.
var ErrNotFound = errors.New("cache: key not found")

// RedisConfig configures the Redis-backed shared tier.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password for authenticated access (optional).
	Password string `yaml:"password,omitempty"`

	// DB selects the logical database (default 0).
	DB int `yaml:"db,omitempty"`

	// KeyPrefix namespaces this service's keys (default "groundwork:cache:").
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// RedisStore implements KVStore on a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "groundwork:cache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

// Get implements KVStore.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get failed: %w", err)
	}
	return val, nil
}

// Put implements KVStore. Redis enforces the TTL server-side.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set failed: %w", err)
	}
	return nil
}

// Delete implements KVStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: redis del failed: %w", err)
	}
	return nil
}

// Close implements KVStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ KVStore = (*RedisStore)(nil)
