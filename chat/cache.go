package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/policy"
)

// DefaultCacheTTL is how long a cached answer stays valid.
const DefaultCacheTTL = time.Hour

// Cache stores answers by question. Implementations treat their own
// failures as misses.
type Cache interface {
	Get(ctx context.Context, question string) (policy.Answer, bool)
	Set(ctx context.Context, question string, answer policy.Answer)
	Flush(ctx context.Context) (int, error)
}

// RedisCache keeps answers under policy:answer:<collection>:<sha256>.
type RedisCache struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client goredis.UniversalClient, collection string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: client,
		prefix: "policy:answer:" + collection + ":",
		ttl:    ttl,
		logger: logger,
	}
}

// Key returns the cache key for question. Surrounding whitespace and case
// are ignored.
func (c *RedisCache) Key(question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(question))))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Get(ctx context.Context, question string) (policy.Answer, bool) {
	key := c.Key(question)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return policy.Answer{}, false
	}

	var answer policy.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		c.logger.Warn("drop corrupt cache entry", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, key).Err()
		return policy.Answer{}, false
	}
	if answer.Sources == nil {
		answer.Sources = []string{}
	}
	return answer, true
}

func (c *RedisCache) Set(ctx context.Context, question string, answer policy.Answer) {
	data, err := json.Marshal(answer)
	if err != nil {
		c.logger.Warn("marshal answer for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.Key(question), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}

// Flush deletes every cached answer of the collection.
func (c *RedisCache) Flush(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete cache keys: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
