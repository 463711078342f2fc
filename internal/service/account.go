package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditgate/backend/internal/auth"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/storage"
)

// ErrInvalidTier 未知的账户等级
var ErrInvalidTier = errors.New("invalid tier")

// AccountService 账户、会话换取与只读视图
type AccountService struct {
	accounts    storage.AccountRepository
	usage       storage.UsageRepository
	ledger      *ledger.Ledger
	signupBonus int64
	log         *zap.Logger
	now         func() time.Time
}

// NewAccountService 创建账户服务
func NewAccountService(accounts storage.AccountRepository, usage storage.UsageRepository, l *ledger.Ledger, signupBonus int64, log *zap.Logger) *AccountService {
	return &AccountService{
		accounts:    accounts,
		usage:       usage,
		ledger:      l,
		signupBonus: signupBonus,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ExchangeSession 根据 IdP 身份获取或创建账户
//
// 首次出现的 subject 创建账户并通过账本发放注册赠送积分。
// 并发的首次登录只有一个能创建成功，其余读取已存在的账户。
// 返回值 created 表示本次是否新建。
func (s *AccountService) ExchangeSession(ctx context.Context, identity *auth.Identity) (*domain.Account, bool, error) {
	if err := domain.ValidateEmail(identity.Email); err != nil {
		return nil, false, err
	}

	account, err := s.accounts.GetAccountBySubject(ctx, identity.Subject)
	if err == nil {
		if identity.Email != "" && identity.Email != account.Email {
			if err := s.accounts.UpdateAccountProfile(ctx, account.ID, identity.Email, account.Tier); err != nil {
				return nil, false, fmt.Errorf("update account profile: %w", err)
			}
			account.Email = identity.Email
		}
		return account, false, nil
	}
	if !errors.Is(err, storage.ErrAccountNotFound) {
		return nil, false, err
	}

	now := s.now()
	account = &domain.Account{
		ID:        uuid.New().String(),
		Subject:   identity.Subject,
		Email:     identity.Email,
		Tier:      domain.TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			existing, getErr := s.accounts.GetAccountBySubject(ctx, identity.Subject)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create account: %w", err)
	}

	s.log.Info("account created", zap.String("account_id", account.ID))

	if s.signupBonus > 0 {
		result, err := s.ledger.Credit(ctx, account.ID, s.signupBonus, ledger.Entry{
			Kind:        domain.KindBonus,
			Reference:   "signup",
			Description: "signup bonus",
		})
		if err != nil {
			// 账户已经创建，赠送失败不影响登录
			s.log.Error("failed to grant signup bonus", zap.String("account_id", account.ID), zap.Error(err))
		} else {
			account.CreditBalance = result.NewBalance
		}
	}

	return account, true, nil
}

// GetAccount 获取账户
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.accounts.GetAccount(ctx, accountID)
}

// Transactions 分页查询积分流水，最新在前
func (s *AccountService) Transactions(ctx context.Context, accountID string, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	return s.ledger.History(ctx, accountID, page, pageSize)
}

// Usage 分页查询请求记录，最新在前
func (s *AccountService) Usage(ctx context.Context, accountID string, page, pageSize int) ([]domain.APIRequestLog, int64, error) {
	return s.usage.ListRequestLogs(ctx, accountID, page, pageSize)
}

// SetTier 修改账户等级（运维操作）
func (s *AccountService) SetTier(ctx context.Context, accountID string, tier domain.Tier) (*domain.Account, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateAccountProfile(ctx, accountID, account.Email, tier); err != nil {
		return nil, err
	}

	s.log.Info("account tier changed",
		zap.String("account_id", accountID),
		zap.String("from", string(account.Tier)),
		zap.String("to", string(tier)),
	)
	account.Tier = tier
	return account, nil
}
