package usage

import (
	"errors"
	"sync"
)

// ErrSustainedFailure 连续写入失败次数达到上限
var ErrSustainedFailure = errors.New("usage recorder: sustained write failure")

// FailureTracker 统计连续失败次数
//
// 单次失败只记录日志；连续失败达到 max 时由调用方升级处理。
// 任何一次成功都会清零。max <= 0 表示从不升级。
type FailureTracker struct {
	mu          sync.Mutex
	max         int
	consecutive int
}

// NewFailureTracker 创建失败计数器
func NewFailureTracker(max int) *FailureTracker {
	return &FailureTracker{max: max}
}

// Success 记录一次成功
func (f *FailureTracker) Success() {
	f.mu.Lock()
	f.consecutive = 0
	f.mu.Unlock()
}

// Failure 记录一次失败，返回是否达到上限
func (f *FailureTracker) Failure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consecutive++
	return f.max > 0 && f.consecutive >= f.max
}

// Consecutive 当前连续失败次数
func (f *FailureTracker) Consecutive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecutive
}
