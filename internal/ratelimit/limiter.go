// Package ratelimit 按 key 统计请求频率。
//
// 网关用同一个 Limiter 做两次检查：认证前按客户端 IP，认证后按密钥和账户等级。
// 限流只读写计数器，不涉及账本。
package ratelimit

import (
	"context"
	"time"
)

// Limit 一个窗口内允许的请求数，Requests <= 0 表示不限
type Limit struct {
	Requests int
	Window   time.Duration
}

// Unlimited 是否不限流
func (l Limit) Unlimited() bool {
	return l.Requests <= 0 || l.Window <= 0
}

// Result 单次检查的结果
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration // 窗口内计数完全恢复所需时间
	RetryAfter time.Duration // 被拒绝时建议的重试间隔
}

// Limiter 限流器
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit, now time.Time) (*Result, error)
}

func unlimited() *Result {
	return &Result{Allowed: true, Limit: 0, Remaining: -1}
}
