package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现（PostgreSQL / MySQL）
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open 根据数据库类型选择 dialector 并创建存储实例
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg *config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.APIKey{},
		&domain.CreditTransaction{},
		&domain.CreditPurchase{},
		&domain.APIRequestLog{},
	)
}

// ========== Account Repository ==========

// CreateAccount 创建账户
func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	err := s.db.WithContext(ctx).Create(account).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAccountExists
	}
	return err
}

// GetAccount 根据 ID 获取账户
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAccountNotFound)
	}
	return &account, nil
}

// GetAccountBySubject 根据 IdP subject 获取账户
func (s *Store) GetAccountBySubject(ctx context.Context, subject string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).Where("subject = ?", subject).First(&account).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAccountNotFound)
	}
	return &account, nil
}

// UpdateAccountProfile 只更新资料字段，余额由账本维护
func (s *Store) UpdateAccountProfile(ctx context.Context, id, email string, tier domain.Tier) error {
	result := s.db.WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"email": email, "tier": tier})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}

// ========== API Key Repository ==========

// CreateAPIKey 保存新密钥
func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

// GetAPIKey 获取属于 accountID 的密钥
func (s *Store) GetAPIKey(ctx context.Context, accountID, id string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).First(&key).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAPIKeyNotFound)
	}
	return &key, nil
}

// ListAPIKeysByAccount 按创建时间倒序列出账户的密钥
func (s *Store) ListAPIKeysByAccount(ctx context.Context, accountID string) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

// ListAPIKeysByLookupPrefix 按索引前缀返回候选密钥
func (s *Store) ListAPIKeysByLookupPrefix(ctx context.Context, prefix string) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	err := s.db.WithContext(ctx).Where("lookup_prefix = ?", prefix).Find(&keys).Error
	return keys, err
}

// UpdateAPIKey 更新名称与激活状态
func (s *Store) UpdateAPIKey(ctx context.Context, key *domain.APIKey) error {
	result := s.db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("id = ? AND account_id = ?", key.ID, key.AccountID).
		Updates(map[string]interface{}{
			"name":       key.Name,
			"is_active":  key.IsActive,
			"updated_at": key.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// DeleteAPIKey 删除属于 accountID 的密钥
func (s *Store) DeleteAPIKey(ctx context.Context, accountID, id string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).Delete(&domain.APIKey{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// TouchAPIKey 更新最后使用时间并累加请求数
func (s *Store) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_used_at":   usedAt,
			"total_requests": gorm.Expr("total_requests + 1"),
		}).Error
}

// ========== Usage Repository ==========

// InsertRequestLogs 批量写入请求日志
func (s *Store) InsertRequestLogs(ctx context.Context, logs []domain.APIRequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(logs, 200).Error
}

// ListRequestLogs 按时间倒序分页返回请求日志
func (s *Store) ListRequestLogs(ctx context.Context, accountID string, page, pageSize int) ([]domain.APIRequestLog, int64, error) {
	var total int64
	query := s.db.WithContext(ctx).Model(&domain.APIRequestLog{}).Where("account_id = ?", accountID).Session(&gorm.Session{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []domain.APIRequestLog
	err := query.Order("created_at DESC").
		Offset(storage.Offset(page, pageSize)).
		Limit(pageSize).
		Find(&logs).Error
	return logs, total, err
}

// ========== 工具方法 ==========

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// notFound 将 gorm.ErrRecordNotFound 转换为存储层错误
func notFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}
