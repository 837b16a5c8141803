package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the fast tier of the match cache. Entries expire after the
// configured TTL; the durable tier in the case store keeps them forever.
type Cache interface {
	Get(ctx context.Context, tenantID, key string) (string, bool, error)
	Put(ctx context.Context, tenantID, key, value string, ttl time.Duration) error
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryCache is the in-process TTL tier.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

func (m *MemoryCache) Get(ctx context.Context, tenantID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tenantID+"\x00"+key]
	if !ok || m.clock().After(e.expires) {
		delete(m.entries, tenantID+"\x00"+key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Put(ctx context.Context, tenantID, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tenantID+"\x00"+key] = memoryEntry{value: value, expires: m.clock().Add(ttl)}
	return nil
}

// RedisCache is the distributed tier, shared across workers.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisCache) Get(ctx context.Context, tenantID, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, "match:"+tenantID+":"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisCache) Put(ctx context.Context, tenantID, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, "match:"+tenantID+":"+key, value, ttl).Err()
}
