// Package usage 异步记录网关请求日志。
//
// 请求路径只向有界队列投递，队列满时丢弃并计数。后台协程按批写入，
// 每批带指数退避重试。
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/monitoring"
)

// Sink 请求日志的持久化目标
type Sink interface {
	InsertRequestLogs(ctx context.Context, logs []domain.APIRequestLog) error
}

const shutdownFlushTimeout = 10 * time.Second

// errInterrupted 写入因 ctx 取消而中断
var errInterrupted = errors.New("usage flush interrupted")

// Recorder 请求日志记录器
type Recorder struct {
	queue         chan domain.APIRequestLog
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	retryAttempts uint64
	retryBase     time.Duration
	failures      *FailureTracker
	metrics       *monitoring.Metrics
	log           *zap.Logger
	dropWarnings  rate.Sometimes
	now           func() time.Time
}

// NewRecorder 创建记录器，需要调用 Run 才会写入
func NewRecorder(sink Sink, cfg config.UsageConfig, metrics *monitoring.Metrics, log *zap.Logger) *Recorder {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	return &Recorder{
		queue:         make(chan domain.APIRequestLog, queueSize),
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryAttempts: cfg.RetryAttempts,
		retryBase:     100 * time.Millisecond,
		failures:      NewFailureTracker(cfg.MaxConsecutiveFailures),
		metrics:       metrics,
		log:           log,
		dropWarnings:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Record 投递一条日志，不阻塞；队列满时丢弃并返回 false
func (r *Recorder) Record(entry domain.APIRequestLog) bool {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	select {
	case r.queue <- entry:
		r.metrics.SetUsageQueueDepth(len(r.queue))
		return true
	default:
		r.metrics.RecordUsage("dropped", 1)
		r.dropWarnings.Do(func() {
			r.log.Warn("usage queue full, dropping request log",
				zap.String("account_id", entry.AccountID),
				zap.Int("queue_size", cap(r.queue)),
			)
		})
		return false
	}
}

// Run 批量写入直到 ctx 取消
//
// ctx 取消后把队列中剩余的日志写完再返回 nil。连续失败达到上限时
// 返回 ErrSustainedFailure，由调用方决定是否停止服务。
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.APIRequestLog, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.flush(ctx, batch)
		if errors.Is(err, errInterrupted) {
			// 保留本批，由 drain 重新写入
			return nil
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return r.drain(batch)

		case entry := <-r.queue:
			batch = append(batch, entry)
			if len(batch) >= r.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			r.metrics.SetUsageQueueDepth(len(r.queue))
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// drain 关闭前写完剩余日志，失败只记录
func (r *Recorder) drain(batch []domain.APIRequestLog) error {
loop:
	for {
		select {
		case entry := <-r.queue:
			batch = append(batch, entry)
		default:
			break loop
		}
	}
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if err := r.write(ctx, batch); err != nil {
		r.metrics.RecordUsage("failed", len(batch))
		r.log.Error("failed to flush request logs on shutdown", zap.Int("count", len(batch)), zap.Error(err))
		return nil
	}
	r.metrics.RecordUsage("written", len(batch))
	return nil
}

// flush 写入一批日志，只有达到连续失败上限或被取消时才返回错误
func (r *Recorder) flush(ctx context.Context, batch []domain.APIRequestLog) error {
	err := r.write(ctx, batch)
	if err == nil {
		r.failures.Success()
		r.metrics.RecordUsage("written", len(batch))
		return nil
	}
	if ctx.Err() != nil {
		return errInterrupted
	}

	r.metrics.RecordUsage("failed", len(batch))
	escalate := r.failures.Failure()
	r.log.Error("failed to write request logs",
		zap.Int("count", len(batch)),
		zap.Int("consecutive_failures", r.failures.Consecutive()),
		zap.Error(err),
	)
	if escalate {
		return fmt.Errorf("%w: %v", ErrSustainedFailure, err)
	}
	return nil
}

func (r *Recorder) write(ctx context.Context, batch []domain.APIRequestLog) error {
	backoff := retry.WithMaxRetries(r.retryAttempts, retry.NewExponential(r.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.sink.InsertRequestLogs(ctx, batch); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
