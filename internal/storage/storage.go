package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"creditgate/backend/internal/domain"
)

var (
	// ErrAccountNotFound 账户未找到
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists subject 已存在
	ErrAccountExists = errors.New("account already exists")
	// ErrAPIKeyNotFound 密钥未找到（或不属于该账户）
	ErrAPIKeyNotFound = errors.New("api key not found")
	// ErrPurchaseNotFound 购买记录未找到
	ErrPurchaseNotFound = errors.New("purchase not found")
)

// AccountRepository 定义账户数据存取操作。
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountBySubject(ctx context.Context, subject string) (*domain.Account, error)
	UpdateAccountProfile(ctx context.Context, id, email string, tier domain.Tier) error
}

// APIKeyRepository 定义 API Key 数据存取操作。
//
// 带 accountID 的方法按所有者过滤，其他账户的密钥一律视为不存在。
type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKey(ctx context.Context, accountID, id string) (*domain.APIKey, error)
	ListAPIKeysByAccount(ctx context.Context, accountID string) ([]domain.APIKey, error)
	ListAPIKeysByLookupPrefix(ctx context.Context, prefix string) ([]domain.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *domain.APIKey) error
	DeleteAPIKey(ctx context.Context, accountID, id string) error
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
}

// LedgerTx 是账本事务内可用的操作，提交或回滚由 WithLedgerTx 负责。
type LedgerTx interface {
	// LockAccount 读取账户并持有行锁直到事务结束
	LockAccount(accountID string) (*domain.Account, error)
	// SaveAccount 写回余额与累计值
	SaveAccount(account *domain.Account) error
	AppendCreditTransaction(txn *domain.CreditTransaction) error
	// InsertPurchase 唯一键冲突时不写入并返回 false
	InsertPurchase(purchase *domain.CreditPurchase) (bool, error)
	GetPurchaseByExternalID(externalID string) (*domain.CreditPurchase, error)
	// CompletePurchase 只在状态为 pending 时更新，返回是否更新
	CompletePurchase(id string, completedAt time.Time) (bool, error)
}

// LedgerRepository 定义积分账本存取操作。
type LedgerRepository interface {
	WithLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error
	ListCreditTransactions(ctx context.Context, accountID string, page, pageSize int) ([]domain.CreditTransaction, int64, error)
	SumCreditDeltas(ctx context.Context, accountID string) (int64, error)
	GetPurchaseByExternalID(ctx context.Context, externalID string) (*domain.CreditPurchase, error)
}

// UsageRepository 定义请求日志存取操作。
type UsageRepository interface {
	InsertRequestLogs(ctx context.Context, logs []domain.APIRequestLog) error
	ListRequestLogs(ctx context.Context, accountID string, page, pageSize int) ([]domain.APIRequestLog, int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	AccountRepository
	APIKeyRepository
	LedgerRepository
	UsageRepository

	Close() error
	Health(ctx context.Context) error
}

// Offset 将 1 起始的页码换算为偏移量，溢出时取 math.MaxInt
func Offset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return 0
	}
	if page-1 > math.MaxInt/pageSize {
		return math.MaxInt
	}
	return (page - 1) * pageSize
}
