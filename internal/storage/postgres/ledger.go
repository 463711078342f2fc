package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/storage"
)

// ========== Ledger Repository ==========

// WithLedgerTx 在数据库事务中执行 fn，fn 返回错误时整体回滚
func (s *Store) WithLedgerTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	})
}

// ListCreditTransactions 按时间倒序分页返回流水
func (s *Store) ListCreditTransactions(ctx context.Context, accountID string, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	var total int64
	query := s.db.WithContext(ctx).Model(&domain.CreditTransaction{}).Where("account_id = ?", accountID).Session(&gorm.Session{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txns []domain.CreditTransaction
	err := query.Order("created_at DESC").Order("id DESC").
		Offset(storage.Offset(page, pageSize)).
		Limit(pageSize).
		Find(&txns).Error
	return txns, total, err
}

// SumCreditDeltas 汇总账户全部流水
func (s *Store) SumCreditDeltas(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).Model(&domain.CreditTransaction{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	return sum, err
}

// GetPurchaseByExternalID 根据外部交易号获取购买记录
func (s *Store) GetPurchaseByExternalID(ctx context.Context, externalID string) (*domain.CreditPurchase, error) {
	var purchase domain.CreditPurchase
	err := s.db.WithContext(ctx).Where("external_transaction_id = ?", externalID).First(&purchase).Error
	if err != nil {
		return nil, notFound(err, storage.ErrPurchaseNotFound)
	}
	return &purchase, nil
}

// ledgerTx 包装 gorm 事务句柄
type ledgerTx struct {
	db *gorm.DB
}

// LockAccount SELECT ... FOR UPDATE
func (t *ledgerTx) LockAccount(accountID string) (*domain.Account, error) {
	var account domain.Account
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		First(&account).Error
	if err != nil {
		return nil, notFound(err, storage.ErrAccountNotFound)
	}
	return &account, nil
}

func (t *ledgerTx) SaveAccount(account *domain.Account) error {
	return t.db.Model(&domain.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]interface{}{
			"credit_balance":  account.CreditBalance,
			"total_purchased": account.TotalPurchased,
			"total_requests":  account.TotalRequests,
			"updated_at":      account.UpdatedAt,
		}).Error
}

func (t *ledgerTx) AppendCreditTransaction(txn *domain.CreditTransaction) error {
	return t.db.Create(txn).Error
}

// InsertPurchase INSERT ... ON CONFLICT (external_transaction_id) DO NOTHING
//
// 唯一索引是并发重复回调的裁决点：只有一个插入能成功。
func (t *ledgerTx) InsertPurchase(purchase *domain.CreditPurchase) (bool, error) {
	result := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_transaction_id"}},
		DoNothing: true,
	}).Create(purchase)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (t *ledgerTx) GetPurchaseByExternalID(externalID string) (*domain.CreditPurchase, error) {
	var purchase domain.CreditPurchase
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_transaction_id = ?", externalID).
		First(&purchase).Error
	if err != nil {
		return nil, notFound(err, storage.ErrPurchaseNotFound)
	}
	return &purchase, nil
}

// CompletePurchase UPDATE ... WHERE status = 'pending'
func (t *ledgerTx) CompletePurchase(id string, completedAt time.Time) (bool, error) {
	result := t.db.Model(&domain.CreditPurchase{}).
		Where("id = ? AND status = ?", id, domain.PurchasePending).
		Updates(map[string]interface{}{
			"status":       domain.PurchaseCompleted,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
