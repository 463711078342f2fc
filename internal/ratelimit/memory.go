package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter 单实例的滑动窗口日志限流
//
// 每个 key 保存窗口内的请求时间戳，按 key 加锁，互不阻塞。
type MemoryLimiter struct {
	buckets sync.Map // key -> *bucket
}

type bucket struct {
	mu     sync.Mutex
	hits   []time.Time // 按时间正序
	window time.Duration
	dead   bool // 已被 Sweep 移除
}

// NewMemoryLimiter 创建内存限流器
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{}
}

// Allow 检查并记录一次请求
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit Limit, now time.Time) (*Result, error) {
	if limit.Unlimited() {
		return unlimited(), nil
	}

	b := m.lock(key)
	defer b.mu.Unlock()

	b.window = limit.Window
	b.prune(now)

	result := &Result{Limit: limit.Requests}
	if len(b.hits) >= limit.Requests {
		result.RetryAfter = b.hits[len(b.hits)-limit.Requests].Add(limit.Window).Sub(now)
		result.ResetAfter = b.hits[len(b.hits)-1].Add(limit.Window).Sub(now)
		return result, nil
	}

	b.hits = append(b.hits, now)
	result.Allowed = true
	result.Remaining = limit.Requests - len(b.hits)
	result.ResetAfter = b.hits[len(b.hits)-1].Add(limit.Window).Sub(now)
	return result, nil
}

// lock 取得 key 对应的桶并加锁，跳过已被清理的桶
func (m *MemoryLimiter) lock(key string) *bucket {
	for {
		v, _ := m.buckets.LoadOrStore(key, &bucket{})
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

// prune 丢弃窗口之外的时间戳
func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// Sweep 删除已经没有窗口内请求的 key，返回删除数量
func (m *MemoryLimiter) Sweep(now time.Time) int {
	removed := 0
	m.buckets.Range(func(key, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		b.prune(now)
		if len(b.hits) == 0 {
			b.dead = true
			m.buckets.Delete(key)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Run 周期性清理空闲 key，直到 ctx 取消
func (m *MemoryLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
