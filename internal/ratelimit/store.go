package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/edgequota/chainproxy/internal/redis"
)

// ErrCorruptRecord is returned by a Store when the stored value cannot be
// decoded as a Window.
var ErrCorruptRecord = errors.New("ratelimit: corrupt counter record")

// Window is the persisted counter record, {"count":N,"resetTime":epochMs}.
type Window struct {
	Count     int64 `json:"count"`
	ResetTime int64 `json:"resetTime"` // epoch milliseconds
}

// Store persists Windows by key. Implementations are not expected to make
// the read-modify-write in Limiter atomic; concurrent requests for one key
// may over- or under-count slightly.
type Store interface {
	// Get returns the window for key, or (nil, nil) when there is none.
	Get(ctx context.Context, key string) (*Window, error)
	// Set stores w under key, expiring after ttl.
	Set(ctx context.Context, key string, w Window, ttl time.Duration) error
}

// RedisStore keeps windows as JSON strings in Redis.
type RedisStore struct {
	client redis.Client
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Window, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var w Window
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	return &w, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, w Window, ttl time.Duration) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks Redis connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// defaultMemoryMaxKeys bounds the in-memory store when no size is configured.
const defaultMemoryMaxKeys = 100_000

// MemoryStore keeps windows in process memory with ristretto handling TTL
// expiry and eviction. Counters are per instance, so a horizontally scaled
// deployment enforces limit × replicas in aggregate.
type MemoryStore struct {
	cache *ristretto.Cache[string, Window]
}

// NewMemoryStore creates an in-memory store holding up to maxKeys windows.
func NewMemoryStore(maxKeys int64) (*MemoryStore, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMemoryMaxKeys
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Window]{
		NumCounters: maxKeys * 10,
		MaxCost:     maxKeys,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Window, error) {
	w, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, w Window, ttl time.Duration) error {
	s.cache.SetWithTTL(key, w, 1, ttl)
	// Make the write visible to the next Get for the same key.
	s.cache.Wait()
	return nil
}

// Close releases resources held by the cache. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
