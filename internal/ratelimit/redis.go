package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"creditgate/backend/internal/storage/redis"
)

const redisKeyPrefix = "creditgate:rl:"

// RedisLimiter 多实例共享的固定窗口限流
//
// Redis 不可用时放行请求并记录警告，限流允许近似。
type RedisLimiter struct {
	client   *redis.Client
	log      *zap.Logger
	warnings rate.Sometimes
}

// NewRedisLimiter 创建 Redis 限流器
func NewRedisLimiter(client *redis.Client, log *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		log:      log,
		warnings: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Allow 检查并记录一次请求
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit Limit, _ time.Time) (*Result, error) {
	if limit.Unlimited() {
		return unlimited(), nil
	}

	count, ttl, err := r.client.IncrWindow(ctx, redisKeyPrefix+key, limit.Window)
	if err != nil {
		r.warnings.Do(func() {
			r.log.Warn("rate limit backend unavailable, allowing request", zap.Error(err))
		})
		return &Result{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}, nil
	}

	result := &Result{Limit: limit.Requests, ResetAfter: ttl}
	if count > int64(limit.Requests) {
		result.RetryAfter = ttl
		return result, nil
	}

	result.Allowed = true
	result.Remaining = limit.Requests - int(count)
	return result, nil
}
