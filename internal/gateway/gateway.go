// Package gateway 按固定阶段处理受保护的计费请求。
//
// RECEIVED -> RATE_CHECKED -> AUTHENTICATED -> EXECUTED -> DEBITED -> LOGGED
//
// 任一阶段失败都会提前结束并返回 *domain.RejectionError。上游失败不扣费；
// 扣费提交之后才把上游内容交给调用方。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/monitoring"
	"creditgate/backend/internal/ratelimit"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/upstream"
)

// Stage 请求所处阶段
type Stage string

const (
	StageReceived      Stage = "received"
	StageRateChecked   Stage = "rate_checked"
	StageAuthenticated Stage = "authenticated"
	StageExecuted      Stage = "executed"
	StageDebited       Stage = "debited"
	StageLogged        Stage = "logged"
)

// EndpointExtract 计费端点名称
const EndpointExtract = "extract"

// ErrInvalidRequest 请求参数错误
var ErrInvalidRequest = errors.New("invalid request")

// Verifier 认证请求携带的密钥
type Verifier interface {
	Verify(ctx context.Context, raw string) (*service.Identity, error)
}

// UsageRecorder 非阻塞地记录请求日志
type UsageRecorder interface {
	Record(entry domain.APIRequestLog) bool
}

// Call 一次受保护的调用
type Call struct {
	RequestID string
	APIKey    string
	ClientIP  string
	Platform  string
	Target    string
	Params    map[string]string
}

// Outcome 调用结果，失败时也会返回已经走到的阶段
type Outcome struct {
	Stage     Stage
	Identity  *service.Identity
	RateLimit *ratelimit.Result
	Response  *upstream.Response
	Charged   int64
	Remaining int64
	Latency   time.Duration
}

// CompletionHook 在请求结束（成功或失败）后调用
type CompletionHook func(ctx context.Context, call *Call, outcome *Outcome, err error)

// Gateway 计费网关
type Gateway struct {
	verifier  Verifier
	limiter   ratelimit.Limiter
	policy    *ratelimit.TierPolicy
	extractor upstream.Extractor
	ledger    *ledger.Ledger
	recorder  UsageRecorder
	pricing   *Pricing
	timeout   time.Duration
	hooks     []CompletionHook
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// Options 网关依赖
type Options struct {
	Verifier  Verifier
	Limiter   ratelimit.Limiter
	Policy    *ratelimit.TierPolicy
	Extractor upstream.Extractor
	Ledger    *ledger.Ledger
	Recorder  UsageRecorder
	Pricing   *Pricing
	Timeout   time.Duration
	Metrics   *monitoring.Metrics
	Log       *zap.Logger
}

// New 创建网关
func New(opts Options) *Gateway {
	return &Gateway{
		verifier:  opts.Verifier,
		limiter:   opts.Limiter,
		policy:    opts.Policy,
		extractor: opts.Extractor,
		ledger:    opts.Ledger,
		recorder:  opts.Recorder,
		pricing:   opts.Pricing,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		log:       opts.Log,
		now:       time.Now,
	}
}

// OnComplete 注册请求结束后的回调
func (g *Gateway) OnComplete(hook CompletionHook) {
	g.hooks = append(g.hooks, hook)
}

// Handle 依次执行各阶段
func (g *Gateway) Handle(ctx context.Context, call *Call) (*Outcome, error) {
	start := g.now()
	outcome := &Outcome{Stage: StageReceived}

	err := g.run(ctx, call, outcome)
	outcome.Latency = g.now().Sub(start)

	g.finish(ctx, call, outcome, err)
	return outcome, err
}

func (g *Gateway) run(ctx context.Context, call *Call, outcome *Outcome) error {
	// 格式错误不访问任何存储
	if _, err := service.ParseKey(call.APIKey); err != nil {
		return err
	}

	if err := g.checkLimit(ctx, "ip", "ip:"+call.ClientIP, g.policy.Anonymous(), nil); err != nil {
		return err
	}
	outcome.Stage = StageRateChecked

	identity, err := g.verifier.Verify(ctx, call.APIKey)
	if err != nil {
		return err
	}
	outcome.Identity = identity

	if err := g.checkLimit(ctx, "key", "key:"+identity.Key.ID, g.policy.ForTier(identity.Account.Tier), outcome); err != nil {
		return err
	}
	if identity.NoCredit {
		return domain.Reject(domain.KindAuthorization, domain.ReasonInsufficientCredit, "", nil)
	}
	outcome.Stage = StageAuthenticated

	if err := validateCall(call); err != nil {
		return err
	}

	resp, err := g.execute(ctx, call)
	if err != nil {
		return err
	}
	outcome.Stage = StageExecuted

	cost := g.pricing.Cost(call.Platform)
	result, err := g.ledger.Debit(ctx, identity.Account.ID, cost, ledger.Entry{
		Kind:        domain.KindUsage,
		Reference:   call.RequestID,
		Description: EndpointExtract + "/" + call.Platform,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredit) {
			return domain.Reject(domain.KindLedgerConflict, domain.ReasonInsufficientCredit, "", err)
		}
		return fmt.Errorf("debit credits: %w", err)
	}

	outcome.Stage = StageDebited
	outcome.Response = resp
	outcome.Charged = cost
	outcome.Remaining = result.NewBalance
	return nil
}

// checkLimit 执行一次限流检查，限流后端故障时放行
func (g *Gateway) checkLimit(ctx context.Context, scope, key string, limit ratelimit.Limit, outcome *Outcome) error {
	result, err := g.limiter.Allow(ctx, key, limit, g.now())
	if err != nil {
		g.log.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
		return nil
	}
	if outcome != nil {
		outcome.RateLimit = result
	}
	g.metrics.RecordRateLimit(scope, result.Allowed)

	if !result.Allowed {
		rej := domain.Reject(domain.KindThrottle, domain.ReasonRateLimited, "", nil)
		rej.RetryAfter = result.RetryAfter
		return rej
	}
	return nil
}

// execute 在超时内调用上游；任何失败都归为 upstream_error
func (g *Gateway) execute(ctx context.Context, call *Call) (*upstream.Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.extractor.Extract(ctx, upstream.Request{
		Platform: call.Platform,
		Target:   call.Target,
		Params:   call.Params,
	})
	if err != nil {
		rej := domain.Reject(domain.KindUpstream, domain.ReasonUpstreamError, "", err)
		rej.Timeout = errors.Is(err, context.DeadlineExceeded)
		return nil, rej
	}
	return resp, nil
}

func validateCall(call *Call) error {
	if err := domain.ValidatePlatform(call.Platform); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(call.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	return nil
}

// finish 记录日志、指标与请求日志，然后执行回调
func (g *Gateway) finish(ctx context.Context, call *Call, outcome *Outcome, err error) {
	status, result := 200, domain.OutcomeSuccess
	if err != nil {
		status, result = 500, "internal_error"
		if rej, ok := domain.AsRejection(err); ok {
			status, result = rej.StatusCode(), string(rej.Reason)
			g.metrics.RecordRejection(string(rej.Reason))
		} else if errors.Is(err, ErrInvalidRequest) {
			status, result = 400, "invalid_request"
		}
	}

	// 认证之前的拒绝没有账户可以归属
	if outcome.Identity != nil {
		logged := g.recorder.Record(domain.APIRequestLog{
			AccountID:      outcome.Identity.Account.ID,
			KeyID:          outcome.Identity.Key.ID,
			Endpoint:       EndpointExtract,
			Platform:       call.Platform,
			Outcome:        result,
			StatusCode:     status,
			LatencyMS:      outcome.Latency.Milliseconds(),
			CreditsCharged: outcome.Charged,
		})
		if logged && err == nil {
			outcome.Stage = StageLogged
		}
	}

	g.metrics.RecordGatewayRequest(EndpointExtract, string(outcome.Stage))

	fields := []zap.Field{
		zap.String("request_id", call.RequestID),
		zap.String("platform", call.Platform),
		zap.String("stage", string(outcome.Stage)),
		zap.String("outcome", result),
		zap.Duration("latency", outcome.Latency),
	}
	if outcome.Identity != nil {
		fields = append(fields,
			zap.String("account_id", outcome.Identity.Account.ID),
			zap.String("key_id", outcome.Identity.Key.ID),
		)
	}
	switch {
	case err == nil:
		g.log.Info("gateway request served", append(fields, zap.Int64("charged", outcome.Charged))...)
	case status >= 500 && result != string(domain.ReasonUpstreamError):
		g.log.Error("gateway request failed", append(fields, zap.Error(err))...)
	default:
		g.log.Info("gateway request rejected", append(fields, zap.Error(err))...)
	}

	for _, hook := range g.hooks {
		hook(ctx, call, outcome, err)
	}
}
