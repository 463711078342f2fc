package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	limit := Limit{Requests: 3, Window: time.Minute}
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("窗口内超过上限被拒绝", func(t *testing.T) {
		l := NewMemoryLimiter()

		for i := 0; i < 3; i++ {
			result, err := l.Allow(ctx, "ip:1.2.3.4", limit, start.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			assert.True(t, result.Allowed)
			assert.Equal(t, 2-i, result.Remaining)
		}

		result, err := l.Allow(ctx, "ip:1.2.3.4", limit, start.Add(10*time.Second))
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, 50*time.Second, result.RetryAfter)
	})

	t.Run("最早的请求滑出窗口后放行", func(t *testing.T) {
		l := NewMemoryLimiter()
		for i := 0; i < 3; i++ {
			_, err := l.Allow(ctx, "k", limit, start.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
		}

		result, err := l.Allow(ctx, "k", limit, start.Add(60*time.Second+500*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 0, result.Remaining)
	})

	t.Run("不同 key 互不影响", func(t *testing.T) {
		l := NewMemoryLimiter()
		for i := 0; i < 3; i++ {
			_, _ = l.Allow(ctx, "a", limit, start)
		}

		result, err := l.Allow(ctx, "b", limit, start)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("上限为零表示不限", func(t *testing.T) {
		l := NewMemoryLimiter()
		for i := 0; i < 100; i++ {
			result, err := l.Allow(ctx, "k", Limit{}, start)
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}
	})

	t.Run("被拒绝的请求不计数", func(t *testing.T) {
		l := NewMemoryLimiter()
		one := Limit{Requests: 1, Window: time.Minute}

		_, _ = l.Allow(ctx, "k", one, start)
		for i := 0; i < 10; i++ {
			result, _ := l.Allow(ctx, "k", one, start.Add(30*time.Second))
			assert.False(t, result.Allowed)
		}

		result, err := l.Allow(ctx, "k", one, start.Add(61*time.Second))
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	l := NewMemoryLimiter()
	limit := Limit{Requests: 50, Window: time.Minute}
	now := time.Now()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := l.Allow(context.Background(), "shared", limit, now)
			if err == nil && result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter()
	limit := Limit{Requests: 5, Window: time.Minute}
	start := time.Now()

	for i := 0; i < 10; i++ {
		_, err := l.Allow(ctx, fmt.Sprintf("key-%d", i), limit, start)
		require.NoError(t, err)
	}

	assert.Zero(t, l.Sweep(start.Add(30*time.Second)))
	assert.Equal(t, 10, l.Sweep(start.Add(2*time.Minute)))

	result, err := l.Allow(ctx, "key-0", limit, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 4, result.Remaining)
}
