package resettoken

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisUsedTokens keeps consumed token ids in Redis until they would expire anyway.
type RedisUsedTokens struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisUsedTokens builds a Redis-backed used-token set.
func NewRedisUsedTokens(client redis.UniversalClient, prefix string) *RedisUsedTokens {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "elibrary:reset_used"
	}
	return &RedisUsedTokens{client: client, prefix: prefix}
}

// MarkUsed records jti; it reports false when jti was already present.
func (r *RedisUsedTokens) MarkUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(jti), "1", ttl).Result()
}

// IsUsed reports whether jti was recorded.
func (r *RedisUsedTokens) IsUsed(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisUsedTokens) key(jti string) string {
	return r.prefix + ":" + jti
}
