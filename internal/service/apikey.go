package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditgate/backend/internal/apikey"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/monitoring"
	"creditgate/backend/internal/pool"
	"creditgate/backend/internal/storage"
)

var (
	// ErrAPIKeyNotFound 密钥不存在或不属于当前账户
	ErrAPIKeyNotFound = errors.New("API key not found")
	// ErrInvalidExpiry 过期时长必须为正
	ErrInvalidExpiry = errors.New("expiresIn must be positive")
)

// APIKeyService API Key 生命周期管理与请求认证
type APIKeyService struct {
	keys     storage.APIKeyRepository
	accounts storage.AccountRepository
	hasher   *apikey.Hasher
	touches  *pool.WorkerPool
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewAPIKeyService 创建 API Key 服务
//
// touches 用于异步更新 last_used_at，不能为 nil。
func NewAPIKeyService(keys storage.APIKeyRepository, accounts storage.AccountRepository, hasher *apikey.Hasher, touches *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *APIKeyService {
	return &APIKeyService{
		keys:     keys,
		accounts: accounts,
		hasher:   hasher,
		touches:  touches,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateAPIKeyInput 创建 API Key 的输入参数
type CreateAPIKeyInput struct {
	AccountID string
	Name      string
	ExpiresIn *time.Duration // 过期时长（可选）
}

// CreatedAPIKey 新建的密钥，Secret 只在此处出现一次
type CreatedAPIKey struct {
	Key    *domain.APIKey
	Secret string
}

// CreateAPIKey 创建新的 API Key
func (s *APIKeyService) CreateAPIKey(ctx context.Context, input CreateAPIKeyInput) (*CreatedAPIKey, error) {
	name := strings.TrimSpace(input.Name)
	if err := domain.ValidateKeyName(name); err != nil {
		return nil, err
	}

	if _, err := s.accounts.GetAccount(ctx, input.AccountID); err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	now := s.now()
	var expiresAt *time.Time
	if input.ExpiresIn != nil {
		if *input.ExpiresIn <= 0 {
			return nil, ErrInvalidExpiry
		}
		t := now.Add(*input.ExpiresIn)
		expiresAt = &t
	}

	secret, err := apikey.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	key := &domain.APIKey{
		ID:           uuid.New().String(),
		AccountID:    input.AccountID,
		SecretHash:   hash,
		LookupPrefix: secret.LookupPrefix(),
		Name:         name,
		IsActive:     true,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}

	s.log.Info("api key created",
		zap.String("account_id", key.AccountID),
		zap.String("key_id", key.ID),
		zap.String("lookup_prefix", key.LookupPrefix),
	)

	return &CreatedAPIKey{Key: key, Secret: secret.String()}, nil
}

// ListAPIKeys 列出账户的所有 API Key
func (s *APIKeyService) ListAPIKeys(ctx context.Context, accountID string) ([]domain.APIKey, error) {
	return s.keys.ListAPIKeysByAccount(ctx, accountID)
}

// GetAPIKey 获取 API Key 详情
func (s *APIKeyService) GetAPIKey(ctx context.Context, accountID, id string) (*domain.APIKey, error) {
	key, err := s.keys.GetAPIKey(ctx, accountID, id)
	if err != nil {
		return nil, mapKeyErr(err)
	}
	return key, nil
}

// RenameAPIKey 修改名称
func (s *APIKeyService) RenameAPIKey(ctx context.Context, accountID, id, name string) (*domain.APIKey, error) {
	name = strings.TrimSpace(name)
	if err := domain.ValidateKeyName(name); err != nil {
		return nil, err
	}
	return s.update(ctx, accountID, id, func(key *domain.APIKey) {
		key.Name = name
	})
}

// RevokeAPIKey 撤销密钥，下一次认证立即失败
func (s *APIKeyService) RevokeAPIKey(ctx context.Context, accountID, id string) (*domain.APIKey, error) {
	key, err := s.update(ctx, accountID, id, func(key *domain.APIKey) {
		key.IsActive = false
	})
	if err == nil {
		s.log.Info("api key revoked", zap.String("account_id", accountID), zap.String("key_id", id))
	}
	return key, err
}

// ReactivateAPIKey 重新激活已撤销的密钥（已过期的密钥仍然不可用）
func (s *APIKeyService) ReactivateAPIKey(ctx context.Context, accountID, id string) (*domain.APIKey, error) {
	return s.update(ctx, accountID, id, func(key *domain.APIKey) {
		key.IsActive = true
	})
}

// DeleteAPIKey 删除 API Key
func (s *APIKeyService) DeleteAPIKey(ctx context.Context, accountID, id string) error {
	if err := s.keys.DeleteAPIKey(ctx, accountID, id); err != nil {
		return mapKeyErr(err)
	}
	s.log.Info("api key deleted", zap.String("account_id", accountID), zap.String("key_id", id))
	return nil
}

func (s *APIKeyService) update(ctx context.Context, accountID, id string, mutate func(*domain.APIKey)) (*domain.APIKey, error) {
	key, err := s.keys.GetAPIKey(ctx, accountID, id)
	if err != nil {
		return nil, mapKeyErr(err)
	}

	mutate(key)
	key.UpdatedAt = s.now()
	if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
		return nil, mapKeyErr(err)
	}
	return key, nil
}

func mapKeyErr(err error) error {
	if errors.Is(err, storage.ErrAPIKeyNotFound) {
		return ErrAPIKeyNotFound
	}
	return err
}

// ========== 认证 ==========

// Identity 认证成功后的调用方身份
type Identity struct {
	Account  *domain.Account
	Key      *domain.APIKey
	NoCredit bool // 余额 <= 0，由网关决定是否拒绝
}

// Verify 认证请求携带的明文密钥
//
// 格式错误在访问存储之前就被拒绝。候选集合由 lookup prefix 确定，
// 每个候选做一次常量时间的哈希比较。匹配后再区分撤销与过期。
// 失败时返回 *domain.RejectionError；存储故障原样返回。
func (s *APIKeyService) Verify(ctx context.Context, raw string) (*Identity, error) {
	secret, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}

	candidates, err := s.keys.ListAPIKeysByLookupPrefix(ctx, secret.LookupPrefix())
	if err != nil {
		return nil, fmt.Errorf("load api key candidates: %w", err)
	}

	var matched *domain.APIKey
	for i := range candidates {
		if s.hasher.Matches(secret, candidates[i].SecretHash) {
			matched = &candidates[i]
			break
		}
	}
	if len(candidates) == 0 {
		s.hasher.Burn(secret)
	}
	if matched == nil {
		return nil, domain.Reject(domain.KindAuthentication, domain.ReasonInvalidOrRevoked, "", nil)
	}

	now := s.now()
	switch matched.State(now) {
	case domain.KeyStateRevoked:
		return nil, domain.Reject(domain.KindAuthentication, domain.ReasonInvalidOrRevoked, "", nil)
	case domain.KeyStateExpired:
		return nil, domain.Reject(domain.KindAuthorization, domain.ReasonExpired, "", nil)
	}

	account, err := s.accounts.GetAccount(ctx, matched.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, domain.Reject(domain.KindAuthentication, domain.ReasonInvalidOrRevoked, "", err)
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	s.touch(matched.ID, now)

	return &Identity{
		Account:  account,
		Key:      matched,
		NoCredit: !account.HasCredit(),
	}, nil
}

// ParseKey 只做格式校验，不访问存储，失败时返回拒绝错误
func ParseKey(raw string) (apikey.Secret, error) {
	secret, err := apikey.Parse(raw)
	if err != nil {
		if errors.Is(err, apikey.ErrMissing) {
			return apikey.Secret{}, domain.Reject(domain.KindAuthentication, domain.ReasonMissingCredential, "", err)
		}
		return apikey.Secret{}, domain.Reject(domain.KindAuthentication, domain.ReasonMalformedCredential, "", err)
	}
	return secret, nil
}

// touch 异步更新密钥使用信息，失败只记录日志
func (s *APIKeyService) touch(keyID string, usedAt time.Time) {
	submitted := s.touches.TrySubmit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.keys.TouchAPIKey(ctx, keyID, usedAt); err != nil {
			s.log.Warn("failed to update api key usage", zap.String("key_id", keyID), zap.Error(err))
		}
	})
	if !submitted {
		s.metrics.RecordKeyTouchDropped()
	}
}
