package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"creditgate/backend/internal/apikey"
	"creditgate/backend/internal/auth"
	jwtpkg "creditgate/backend/internal/auth/jwt"
	"creditgate/backend/internal/billing"
	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/gateway"
	"creditgate/backend/internal/health"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/pool"
	"creditgate/backend/internal/ratelimit"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage/memory"
	"creditgate/backend/internal/upstream"
)

const (
	testIdPSecret     = "idp-secret"
	testWebhookSecret = "whsec-test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	return &upstream.Response{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"target":"` + req.Target + `"}`)}, nil
}

// storeRecorder 同步写入存储，便于断言
type storeRecorder struct {
	store *memory.Store
}

func (r storeRecorder) Record(entry domain.APIRequestLog) bool {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()
	return r.store.InsertRequestLogs(context.Background(), []domain.APIRequestLog{entry}) == nil
}

type testServer struct {
	router *gin.Engine
	store  *memory.Store
}

func newTestServer(t *testing.T, signupBonus int64) *testServer {
	t.Helper()
	log := zap.NewNop()
	store := memory.NewStore()
	l := ledger.New(store, nil, log)

	hasher, err := apikey.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)
	touches := pool.NewWorkerPool(1, 64, log)
	touches.Start(context.Background())
	t.Cleanup(touches.Stop)

	keys := service.NewAPIKeyService(store, store, hasher, touches, nil, log)
	accounts := service.NewAccountService(store, store, l, signupBonus, log)
	reconciler := billing.NewReconciler(store, l, billing.NewSignatureVerifier(testWebhookSecret, 5*time.Minute), 1, nil, log)

	gw := gateway.New(gateway.Options{
		Verifier: keys,
		Limiter:  ratelimit.NewMemoryLimiter(),
		Policy: ratelimit.NewTierPolicy(config.RateLimitConfig{
			Tiers: map[string]config.LimitConfig{"free": {Requests: 100, Window: time.Minute}},
		}),
		Extractor: stubExtractor{},
		Ledger:    l,
		Recorder:  storeRecorder{store: store},
		Pricing:   gateway.NewPricing(config.PricingConfig{DefaultCost: 2}),
		Timeout:   time.Second,
		Log:       log,
	})

	hc := health.NewHealthChecker(log)
	hc.AddReadiness("store", health.PingerFunc(store.Health))

	router := NewRouter(RouterDependencies{
		Config:           &config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}},
		IdentityVerifier: auth.NewIdentityVerifier(config.IdentityConfig{Secret: testIdPSecret}),
		AccountService:   accounts,
		APIKeyService:    keys,
		Reconciler:       reconciler,
		Gateway:          gw,
		JWTManager:       jwtpkg.NewManager("0123456789abcdef0123456789abcdef", "creditgate", time.Minute, time.Hour),
		Health:           hc,
		Logger:           log,
	})
	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// login 换取会话并返回账户 ID 与访问令牌
func (s *testServer) login(t *testing.T, subject string) (string, string) {
	t.Helper()
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject, "email": subject + "@example.com", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testIdPSecret))
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/v1/auth/session", gin.H{"identityToken": idToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Account     domain.Account `json:"account"`
			AccessToken string         `json:"accessToken"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data.Account.ID, resp.Data.AccessToken
}

func (s *testServer) createKey(t *testing.T, token string) (string, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/api-keys", gin.H{"name": "ci"}, bearer(token))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data apiKeyResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data.ID, resp.Data.Key
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRouter_MeteredFlow(t *testing.T) {
	s := newTestServer(t, 5)
	accountID, token := s.login(t, "alice")
	_, secret := s.createKey(t, token)

	t.Run("成功请求扣费并返回余额", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/extract/instagram?target=nasa", nil, map[string]string{HeaderAPIKey: secret})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"target":"nasa"}`, rec.Body.String())
		assert.Equal(t, "2", rec.Header().Get("X-Credits-Charged"))
		assert.Equal(t, "3", rec.Header().Get("X-Credits-Remaining"))
		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("余额不足以支付时拒绝且不扣费", func(t *testing.T) {
		// 余额 3：再成功一次后剩 1，下一次扣费冲突
		rec := s.do(t, http.MethodGet, "/v1/extract/instagram?target=nasa", nil, map[string]string{HeaderAPIKey: secret})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/extract/instagram?target=nasa", nil, map[string]string{HeaderAPIKey: secret})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, string(domain.ReasonInsufficientCredit), decode(t, rec).Reason)

		account, err := s.store.GetAccount(context.Background(), accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), account.CreditBalance)
	})

	t.Run("账户视图与流水", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/account", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"creditBalance":1`)

		rec = s.do(t, http.MethodGet, "/v1/account/transactions?page=1&pageSize=10", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":3`)

		rec = s.do(t, http.MethodGet, "/v1/account/usage", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":3`)

		rec = s.do(t, http.MethodGet, "/v1/account/usage?page=0", nil, bearer(token))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/account/transactions?page=92233720368547760&pageSize=100", nil, bearer(token))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouter_ExtractRejections(t *testing.T) {
	s := newTestServer(t, 0)
	_, token := s.login(t, "bob")
	keyID, secret := s.createKey(t, token)

	tests := []struct {
		name   string
		key    string
		status int
		reason domain.Reason
	}{
		{"缺少密钥", "", http.StatusUnauthorized, domain.ReasonMissingCredential},
		{"格式错误", "not-a-key", http.StatusUnauthorized, domain.ReasonMalformedCredential},
		{"未知密钥", "cgk_" + "ABCDEFGHabcdefgh0123456789ABCDEF", http.StatusUnauthorized, domain.ReasonInvalidOrRevoked},
		{"余额为零", secret, http.StatusPaymentRequired, domain.ReasonInsufficientCredit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/v1/extract/instagram?target=x", nil, map[string]string{HeaderAPIKey: tt.key})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, string(tt.reason), decode(t, rec).Reason)
		})
	}

	t.Run("撤销后立即失效", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/api-keys/"+keyID+"/revoke", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/extract/instagram?target=x", nil, map[string]string{HeaderAPIKey: secret})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, string(domain.ReasonInvalidOrRevoked), decode(t, rec).Reason)
	})
}

func TestRouter_APIKeys(t *testing.T) {
	s := newTestServer(t, 0)
	_, token := s.login(t, "carol")
	_, otherToken := s.login(t, "mallory")
	keyID, secret := s.createKey(t, token)

	t.Run("列表不返回明文", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/api-keys", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), secret)
		assert.Contains(t, rec.Body.String(), secret[:len(apikey.Prefix)+8]+"…")
	})

	t.Run("重命名", func(t *testing.T) {
		rec := s.do(t, http.MethodPatch, "/v1/api-keys/"+keyID, gin.H{"name": "prod"}, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"name":"prod"`)
	})

	t.Run("其他账户看不到", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/api-keys/"+keyID, nil, bearer(otherToken))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = s.do(t, http.MethodDelete, "/v1/api-keys/"+keyID, nil, bearer(otherToken))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("过期时间格式错误", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/api-keys", gin.H{"name": "x", "expiresIn": "soon"}, bearer(token))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("未登录", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/api-keys", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("删除", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, "/v1/api-keys/"+keyID, nil, bearer(token))
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = s.do(t, http.MethodGet, "/v1/api-keys/"+keyID, nil, bearer(token))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouter_PaymentWebhook(t *testing.T) {
	s := newTestServer(t, 0)
	accountID, token := s.login(t, "dave")

	paid := func(externalID string, amount int64) []byte {
		body, err := json.Marshal(billing.Event{
			ID:   "evt-" + externalID,
			Type: billing.EventPaymentSucceeded,
			Data: billing.EventData{ExternalTransactionID: externalID, AccountID: accountID, Amount: amount, Currency: "USD", Credits: 50},
		})
		require.NoError(t, err)
		return body
	}
	event := func(externalID string) []byte { return paid(externalID, 500) }
	signed := func(body []byte) map[string]string {
		return map[string]string{billing.SignatureHeader: billing.SignPayload(testWebhookSecret, time.Now(), body)}
	}

	t.Run("签名正确入账一次", func(t *testing.T) {
		body := event("pi_1")
		rec := s.do(t, http.MethodPost, "/v1/webhooks/payments", body, signed(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), billing.StatusApplied)

		rec = s.do(t, http.MethodPost, "/v1/webhooks/payments", body, signed(body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), billing.StatusDuplicate)

		account, err := s.store.GetAccount(context.Background(), accountID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), account.CreditBalance)
	})

	t.Run("签名错误无副作用", func(t *testing.T) {
		body := event("pi_2")
		rec := s.do(t, http.MethodPost, "/v1/webhooks/payments", body, map[string]string{
			billing.SignatureHeader: billing.SignPayload("wrong", time.Now(), body),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/billing/purchases/pi_2", nil, bearer(token))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("先登记订单再回调", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/billing/intents", gin.H{
			"externalTransactionId": "pi_3", "amountMinor": 1000, "currency": "usd", "credits": 1000000,
		}, bearer(token))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"creditsGranted":1000`)

		rec = s.do(t, http.MethodPost, "/v1/billing/intents", gin.H{
			"externalTransactionId": "pi_3", "amountMinor": 1000, "currency": "usd",
		}, bearer(token))
		assert.Equal(t, http.StatusConflict, rec.Code)

		body := paid("pi_3", 1000)
		rec = s.do(t, http.MethodPost, "/v1/webhooks/payments", body, signed(body))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/billing/purchases/pi_3", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"completed"`)
		assert.Contains(t, rec.Body.String(), `"creditsGranted":1000`)
	})

	t.Run("回调金额与订单不一致时不入账", func(t *testing.T) {
		before, err := s.store.GetAccount(context.Background(), accountID)
		require.NoError(t, err)

		rec := s.do(t, http.MethodPost, "/v1/billing/intents", gin.H{
			"externalTransactionId": "pi_4", "amountMinor": 5000, "currency": "usd",
		}, bearer(token))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		body := paid("pi_4", 1)
		rec = s.do(t, http.MethodPost, "/v1/webhooks/payments", body, signed(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/billing/purchases/pi_4", nil, bearer(token))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"pending"`)

		after, err := s.store.GetAccount(context.Background(), accountID)
		require.NoError(t, err)
		assert.Equal(t, before.CreditBalance, after.CreditBalance)
	})
}

func TestRouter_Session(t *testing.T) {
	s := newTestServer(t, 0)

	t.Run("无效的 IdP 令牌", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/auth/session", gin.H{"identityToken": "garbage"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("缺少字段", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/auth/session", gin.H{}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("访问令牌不能用于刷新", func(t *testing.T) {
		_, token := s.login(t, "erin")
		rec := s.do(t, http.MethodPost, "/v1/auth/refresh", gin.H{"refreshToken": token}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("健康检查", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil).Code)
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/ready", nil, nil).Code)
	})
}
