package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creditgate/backend/internal/storage/redis"
)

func setupRedis(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLimiter(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop()), mr
}

func TestRedisLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	limit := Limit{Requests: 2, Window: time.Minute}

	t.Run("固定窗口计数", func(t *testing.T) {
		l, mr := setupRedis(t)

		r1, err := l.Allow(ctx, "key:k1", limit, time.Now())
		require.NoError(t, err)
		assert.True(t, r1.Allowed)
		assert.Equal(t, 1, r1.Remaining)

		r2, err := l.Allow(ctx, "key:k1", limit, time.Now())
		require.NoError(t, err)
		assert.True(t, r2.Allowed)
		assert.Equal(t, 0, r2.Remaining)

		r3, err := l.Allow(ctx, "key:k1", limit, time.Now())
		require.NoError(t, err)
		assert.False(t, r3.Allowed)
		assert.Greater(t, r3.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, r3.RetryAfter, time.Minute)

		assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"key:k1"))
	})

	t.Run("窗口过期后重新计数", func(t *testing.T) {
		l, mr := setupRedis(t)

		for i := 0; i < 3; i++ {
			_, _ = l.Allow(ctx, "key:k2", limit, time.Now())
		}
		mr.FastForward(61 * time.Second)

		result, err := l.Allow(ctx, "key:k2", limit, time.Now())
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("丢失过期时间时补设", func(t *testing.T) {
		l, mr := setupRedis(t)
		require.NoError(t, mr.Set(redisKeyPrefix+"key:k3", "1"))

		result, err := l.Allow(ctx, "key:k3", limit, time.Now())
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"key:k3"))
	})

	t.Run("Redis 不可用时放行", func(t *testing.T) {
		l, mr := setupRedis(t)
		mr.Close()

		result, err := l.Allow(ctx, "key:k4", limit, time.Now())
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("不限流不访问 Redis", func(t *testing.T) {
		l, mr := setupRedis(t)

		result, err := l.Allow(ctx, "key:k5", Limit{}, time.Now())
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.False(t, mr.Exists(redisKeyPrefix+"key:k5"))
	})
}
