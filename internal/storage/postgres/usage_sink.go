package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"creditgate/backend/internal/domain"
)

// requestLogColumns 与 api_request_logs 表列顺序一致
var requestLogColumns = []string{
	"id", "account_id", "key_id", "endpoint", "platform", "outcome",
	"status_code", "latency_ms", "credits_charged", "created_at",
}

// copier 是 pgxpool.Pool 上 COPY 所需的最小接口
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// UsageSink 使用 COPY 协议批量写入请求日志
type UsageSink struct {
	conn copier
}

// NewUsageSink 基于连接池创建请求日志写入器
func NewUsageSink(client *Client) *UsageSink {
	return &UsageSink{conn: client.Pool()}
}

// InsertRequestLogs 一次 COPY 写入整批日志
func (s *UsageSink) InsertRequestLogs(ctx context.Context, logs []domain.APIRequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	n, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"api_request_logs"},
		requestLogColumns,
		pgx.CopyFromSlice(len(logs), func(i int) ([]any, error) {
			l := logs[i]
			return []any{
				l.ID, l.AccountID, l.KeyID, l.Endpoint, l.Platform, l.Outcome,
				l.StatusCode, l.LatencyMS, l.CreditsCharged, l.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy request logs: %w", err)
	}
	if n != int64(len(logs)) {
		return fmt.Errorf("copy request logs: wrote %d of %d rows", n, len(logs))
	}
	return nil
}
