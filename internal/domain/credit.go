package domain

import "time"

// TransactionKind 积分流水类型
type TransactionKind string

const (
	KindUsage    TransactionKind = "usage"
	KindPurchase TransactionKind = "purchase"
	KindBonus    TransactionKind = "bonus"
	KindRefund   TransactionKind = "refund"
)

// Valid 判断流水类型是否为已知取值
func (k TransactionKind) Valid() bool {
	switch k {
	case KindUsage, KindPurchase, KindBonus, KindRefund:
		return true
	}
	return false
}

// CreditTransaction 只追加的积分流水
//
// 同一账户所有流水的 Delta 之和等于账户当前余额。
type CreditTransaction struct {
	ID               string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID        string          `json:"accountId" gorm:"type:varchar(36);index:idx_credit_tx_account_created,priority:1;not null"`
	Delta            int64           `json:"delta" gorm:"not null"`
	ResultingBalance int64           `json:"resultingBalance" gorm:"not null"`
	Kind             TransactionKind `json:"kind" gorm:"type:varchar(20);not null"`
	Reference        string          `json:"reference,omitempty" gorm:"type:varchar(255)"`
	Description      string          `json:"description,omitempty" gorm:"type:varchar(500)"`
	CreatedAt        time.Time       `json:"createdAt" gorm:"index:idx_credit_tx_account_created,priority:2"`
}

// PurchaseStatus 购买记录状态
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
)

// CreditPurchase 一次外部支付对应的购买记录
//
// ExternalTransactionID 全局唯一，是重复回调去重的依据。
type CreditPurchase struct {
	ID                    string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID             string         `json:"accountId" gorm:"type:varchar(36);index;not null"`
	ExternalTransactionID string         `json:"externalTransactionId" gorm:"type:varchar(255);uniqueIndex;not null"`
	AmountMinor           int64          `json:"amountMinor" gorm:"not null"` // 最小货币单位（分）
	Currency              string         `json:"currency" gorm:"type:varchar(8);not null"`
	CreditsGranted        int64          `json:"creditsGranted" gorm:"not null"`
	Status                PurchaseStatus `json:"status" gorm:"type:varchar(20);not null"`
	CreatedAt             time.Time      `json:"createdAt"`
	CompletedAt           *time.Time     `json:"completedAt,omitempty"`
}
