package domain

import "time"

// KeyState API 密钥的生命周期状态
type KeyState string

const (
	KeyStateActive  KeyState = "active"
	KeyStateExpired KeyState = "expired"
	KeyStateRevoked KeyState = "revoked"
)

// APIKey API密钥实体
//
// 明文密钥只在创建时返回一次，库中只保存哈希与查找前缀。
type APIKey struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID     string     `json:"accountId" gorm:"type:varchar(36);index;not null"`
	SecretHash    string     `json:"-" gorm:"type:varchar(255);not null"`
	LookupPrefix  string     `json:"lookupPrefix" gorm:"type:varchar(16);index;not null"` // 密钥主体前 8 位
	Name          string     `json:"name" gorm:"type:varchar(100)"`
	IsActive      bool       `json:"isActive" gorm:"not null"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	TotalRequests int64      `json:"totalRequests" gorm:"not null;default:0"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// State 返回密钥在 now 时刻的状态，撤销优先于过期
func (k *APIKey) State(now time.Time) KeyState {
	if !k.IsActive {
		return KeyStateRevoked
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return KeyStateExpired
	}
	return KeyStateActive
}
