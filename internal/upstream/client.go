// Package upstream 调用外部内容提取服务。
//
// 网关只关心调用是否成功以及返回的内容，提取逻辑本身不在本服务内。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"creditgate/backend/internal/config"
	"creditgate/backend/internal/monitoring"
)

// ErrUnavailable 熔断器打开，请求未发出
var ErrUnavailable = errors.New("upstream unavailable")

// StatusError 上游返回了非 2xx 状态码
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Request 一次提取请求
type Request struct {
	Platform string
	Target   string
	Params   map[string]string
}

// Response 上游返回的内容，原样转发给调用方
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Extractor 内容提取服务
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

// Client 基于 resty 的提取服务客户端，外层包一个熔断器
//
// 只有网络错误、超时和 5xx 计为熔断失败。4xx 说明服务本身可用，
// 调用方主动取消也不计入。
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewClient 创建提取服务客户端
func NewClient(cfg config.UpstreamConfig, metrics *monitoring.Metrics, log *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	c := &Client{
		http:    httpClient,
		metrics: metrics,
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// 调用方取消不计为失败
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Extract 调用 GET /extract/{platform}?target=...
//
// 超时由调用方的 ctx 控制。
func (c *Client) Extract(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("platform", req.Platform).
			SetQueryParam("target", req.Target).
			SetQueryParams(req.Params).
			Get("/extract/{platform}")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, &StatusError{StatusCode: resp.StatusCode()}
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.metrics.RecordUpstream(req.Platform, "error", time.Since(start))
		return nil, err
	}

	resp := result.(*resty.Response)
	if !resp.IsSuccess() {
		c.metrics.RecordUpstream(req.Platform, "rejected", time.Since(start))
		return nil, &StatusError{StatusCode: resp.StatusCode()}
	}

	c.metrics.RecordUpstream(req.Platform, "ok", time.Since(start))
	return &Response{
		StatusCode:  resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        resp.Body(),
	}, nil
}

// State 熔断器当前状态
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}
