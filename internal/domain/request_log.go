package domain

import "time"

// 请求结果
const (
	OutcomeSuccess       = "success"
	OutcomeUpstreamError = "upstream_error"
)

// APIRequestLog 只追加的请求记录，用于用量展示与审计
type APIRequestLog struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID      string    `json:"accountId" gorm:"type:varchar(36);index:idx_request_log_account_created,priority:1;not null"`
	KeyID          string    `json:"keyId" gorm:"type:varchar(36)"`
	Endpoint       string    `json:"endpoint" gorm:"type:varchar(100)"`
	Platform       string    `json:"platform" gorm:"type:varchar(50)"`
	Outcome        string    `json:"outcome" gorm:"type:varchar(50)"` // success / upstream_error / 拒绝原因
	StatusCode     int       `json:"statusCode"`
	LatencyMS      int64     `json:"latencyMs"`
	CreditsCharged int64     `json:"creditsCharged"`
	CreatedAt      time.Time `json:"createdAt" gorm:"index:idx_request_log_account_created,priority:2"`
}
