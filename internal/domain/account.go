package domain

import "time"

// Tier 账户等级，决定限流上限
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Valid 判断等级是否为已知取值
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStandard, TierPremium:
		return true
	}
	return false
}

// Account 表示一个计费账户，由身份提供方的 subject 唯一标识
//
// CreditBalance 只能由账本修改，且永不为负。
type Account struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Subject        string    `json:"-" gorm:"type:varchar(255);uniqueIndex;not null"`
	Email          string    `json:"email" gorm:"type:varchar(255)"`
	CreditBalance  int64     `json:"creditBalance" gorm:"not null;default:0"`
	TotalPurchased int64     `json:"totalPurchased" gorm:"not null;default:0"`
	TotalRequests  int64     `json:"totalRequests" gorm:"not null;default:0"`
	Tier           Tier      `json:"tier" gorm:"type:varchar(20);default:'free';not null"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasCredit 余额是否大于零
func (a *Account) HasCredit() bool {
	return a.CreditBalance > 0
}
