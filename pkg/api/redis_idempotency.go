package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore provides durable idempotency enforcement shared
// across API replicas. Keys expire server-side after the TTL.
type RedisIdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store.
func NewRedisIdempotencyStore(addr string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

type redisIdempotencyRecord struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// Check returns a cached response if the idempotency key was seen before.
func (s *RedisIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.rdb.Get(ctx, "idem:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		// A cache miss on backend trouble only weakens dedup at this layer;
		// draft creation stays idempotent end to end via the fingerprint.
		slog.Warn("idempotency: redis check failed", "error", err)
		return nil, false
	}

	var rec redisIdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &cachedResponse{
		StatusCode: rec.StatusCode,
		Headers:    rec.Headers,
		Body:       rec.Body,
		CachedAt:   rec.CachedAt,
	}, true
}

// Set stores an idempotency key and its response.
func (s *RedisIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(redisIdempotencyRecord{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, "idem:"+key, raw, s.ttl).Err(); err != nil {
		slog.Warn("idempotency: redis set failed", "error", err)
	}
}
