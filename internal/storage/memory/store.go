package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/storage"
)

// Store 使用内存保存账户、密钥、账本与请求日志，主要用于开发验证与测试。
//
// 账本写入通过 WithLedgerTx 进行，按账户加互斥锁，语义与数据库行锁一致。
type Store struct {
	mu         sync.RWMutex
	accounts   map[string]*domain.Account // accountID -> account
	bySubject  map[string]string          // subject -> accountID
	apiKeys    map[string]*domain.APIKey  // keyID -> key
	byPrefix   map[string]map[string]struct{}
	txns       map[string][]domain.CreditTransaction // accountID -> 流水（按时间正序）
	purchases  map[string]*domain.CreditPurchase     // purchaseID -> purchase
	byExternal map[string]string                     // externalTransactionID -> purchaseID
	logs       map[string][]domain.APIRequestLog     // accountID -> 请求日志

	accountLocks  keyedMutex
	purchaseLocks keyedMutex
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		accounts:   make(map[string]*domain.Account),
		bySubject:  make(map[string]string),
		apiKeys:    make(map[string]*domain.APIKey),
		byPrefix:   make(map[string]map[string]struct{}),
		txns:       make(map[string][]domain.CreditTransaction),
		purchases:  make(map[string]*domain.CreditPurchase),
		byExternal: make(map[string]string),
		logs:       make(map[string][]domain.APIRequestLog),
	}
}

// ========== 账户 ==========

// CreateAccount 创建账户，subject 重复时返回 ErrAccountExists。
func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySubject[account.Subject]; exists {
		return storage.ErrAccountExists
	}

	copied := *account
	s.accounts[account.ID] = &copied
	s.bySubject[account.Subject] = account.ID
	return nil
}

// GetAccount 根据 ID 获取账户。
func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// GetAccountBySubject 根据 IdP subject 获取账户。
func (s *Store) GetAccountBySubject(ctx context.Context, subject string) (*domain.Account, error) {
	s.mu.RLock()
	id, ok := s.bySubject[subject]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id)
}

// UpdateAccountProfile 更新邮箱与等级，不触碰余额。
func (s *Store) UpdateAccountProfile(_ context.Context, id, email string, tier domain.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return storage.ErrAccountNotFound
	}
	account.Email = email
	account.Tier = tier
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// ========== API Key ==========

// CreateAPIKey 保存新密钥。
func (s *Store) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *key
	s.apiKeys[key.ID] = &copied
	ids, ok := s.byPrefix[key.LookupPrefix]
	if !ok {
		ids = make(map[string]struct{})
		s.byPrefix[key.LookupPrefix] = ids
	}
	ids[key.ID] = struct{}{}
	return nil
}

// GetAPIKey 获取属于 accountID 的密钥。
func (s *Store) GetAPIKey(_ context.Context, accountID, id string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.apiKeys[id]
	if !ok || key.AccountID != accountID {
		return nil, storage.ErrAPIKeyNotFound
	}
	copied := *key
	return &copied, nil
}

// ListAPIKeysByAccount 按创建时间倒序列出账户的密钥。
func (s *Store) ListAPIKeysByAccount(_ context.Context, accountID string) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]domain.APIKey, 0)
	for _, key := range s.apiKeys {
		if key.AccountID == accountID {
			keys = append(keys, *key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

// ListAPIKeysByLookupPrefix 返回共享前缀的候选密钥（任意状态）。
func (s *Store) ListAPIKeysByLookupPrefix(_ context.Context, prefix string) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byPrefix[prefix]
	keys := make([]domain.APIKey, 0, len(ids))
	for id := range ids {
		keys = append(keys, *s.apiKeys[id])
	}
	return keys, nil
}

// UpdateAPIKey 更新名称与激活状态。
func (s *Store) UpdateAPIKey(_ context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.apiKeys[key.ID]
	if !ok || existing.AccountID != key.AccountID {
		return storage.ErrAPIKeyNotFound
	}
	existing.Name = key.Name
	existing.IsActive = key.IsActive
	existing.UpdatedAt = key.UpdatedAt
	return nil
}

// DeleteAPIKey 删除属于 accountID 的密钥。
func (s *Store) DeleteAPIKey(_ context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok || key.AccountID != accountID {
		return storage.ErrAPIKeyNotFound
	}
	delete(s.apiKeys, id)
	if ids, ok := s.byPrefix[key.LookupPrefix]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byPrefix, key.LookupPrefix)
		}
	}
	return nil
}

// TouchAPIKey 更新最后使用时间并累加请求数。
func (s *Store) TouchAPIKey(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	t := usedAt
	key.LastUsedAt = &t
	key.TotalRequests++
	return nil
}

// ========== 请求日志 ==========

// InsertRequestLogs 批量追加请求日志。
func (s *Store) InsertRequestLogs(_ context.Context, logs []domain.APIRequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range logs {
		s.logs[entry.AccountID] = append(s.logs[entry.AccountID], entry)
	}
	return nil
}

// ListRequestLogs 按时间倒序分页返回请求日志。
func (s *Store) ListRequestLogs(_ context.Context, accountID string, page, pageSize int) ([]domain.APIRequestLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.logs[accountID]
	return pageReversed(all, page, pageSize), int64(len(all)), nil
}

// ========== 工具方法 ==========

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终可用。
func (s *Store) Health(context.Context) error {
	return nil
}

// pageReversed 从正序切片中取倒序的第 page 页
func pageReversed[T any](items []T, page, pageSize int) []T {
	offset := storage.Offset(page, pageSize)
	if pageSize < 1 || offset >= len(items) {
		return []T{}
	}
	out := make([]T, 0, min(pageSize, len(items)-offset))
	for i := len(items) - 1 - offset; i >= 0 && len(out) < pageSize; i-- {
		out = append(out, items[i])
	}
	return out
}

// keyedMutex 按 key 分配互斥锁
type keyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	m, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}
