// Package billing 将支付处理方的回调对账为积分。
//
// 同一外部交易号无论收到多少次回调、是否并发，只入账一次。
// 去重依赖 credit_purchases.external_transaction_id 的唯一索引，
// 购买记录与积分变更在同一个账本事务中提交。
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/monitoring"
	"creditgate/backend/internal/storage"
)

// EventPaymentSucceeded 唯一会入账的事件类型
const EventPaymentSucceeded = "payment.succeeded"

var (
	// ErrInvalidEvent 事件内容不完整或无法换算积分
	ErrInvalidEvent = errors.New("invalid payment event")
	// ErrUnknownAccount 事件指向的账户不存在
	ErrUnknownAccount = errors.New("payment event references unknown account")
	// ErrAccountMismatch 事件账户与待支付记录的账户不一致
	ErrAccountMismatch = errors.New("payment event account does not match purchase intent")
	// ErrAmountMismatch 事件金额或币种与待支付记录不一致
	ErrAmountMismatch = errors.New("payment event amount does not match purchase intent")
	// ErrIntentExists 外部交易号已被登记
	ErrIntentExists = errors.New("purchase already registered")
)

// Event 支付处理方的回调事件
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData 支付信息，金额为最小货币单位
type EventData struct {
	ExternalTransactionID string `json:"external_transaction_id"`
	AccountID             string `json:"account_id"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	Credits               int64  `json:"credits"`
}

// 回调处理结果
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// WebhookResult 一次回调的处理结果
type WebhookResult struct {
	EventID  string                 `json:"eventId"`
	Status   string                 `json:"status"`
	Purchase *domain.CreditPurchase `json:"purchase,omitempty"`
}

// Reconciler 支付对账
type Reconciler struct {
	repo                storage.LedgerRepository
	ledger              *ledger.Ledger
	verifier            *SignatureVerifier
	creditsPerMinorUnit int64
	metrics             *monitoring.Metrics
	log                 *zap.Logger
	now                 func() time.Time
}

// NewReconciler 创建对账器
func NewReconciler(repo storage.LedgerRepository, l *ledger.Ledger, verifier *SignatureVerifier, creditsPerMinorUnit int64, metrics *monitoring.Metrics, log *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:                repo,
		ledger:              l,
		verifier:            verifier,
		creditsPerMinorUnit: creditsPerMinorUnit,
		metrics:             metrics,
		log:                 log,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// HandleWebhook 校验签名、解析事件并入账
//
// 签名校验失败时没有任何副作用。非 payment.succeeded 事件直接确认。
func (r *Reconciler) HandleWebhook(ctx context.Context, signature string, body []byte) (*WebhookResult, error) {
	if err := r.verifier.Verify(signature, body); err != nil {
		r.log.Warn("payment webhook rejected",
			zap.String("security_event", "payment_signature_rejected"),
			zap.Error(err),
		)
		r.metrics.RecordSecurityEvent("payment_signature_rejected")
		r.metrics.RecordWebhook("rejected")
		return nil, err
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		r.metrics.RecordWebhook("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if event.Type != EventPaymentSucceeded {
		r.log.Info("payment event ignored", zap.String("event_id", event.ID), zap.String("type", event.Type))
		r.metrics.RecordWebhook(StatusIgnored)
		return &WebhookResult{EventID: event.ID, Status: StatusIgnored}, nil
	}

	purchase, applied, err := r.Apply(ctx, event.Data)
	if err != nil {
		r.metrics.RecordWebhook("error")
		return nil, err
	}

	status := StatusDuplicate
	if applied {
		status = StatusApplied
	}
	r.metrics.RecordWebhook(status)
	return &WebhookResult{EventID: event.ID, Status: status, Purchase: purchase}, nil
}

// Apply 将一笔成功的支付入账
//
// 返回的 applied 为 false 表示该交易号此前已入账，本次没有改动余额。
func (r *Reconciler) Apply(ctx context.Context, data EventData) (*domain.CreditPurchase, bool, error) {
	data.Currency = strings.ToUpper(strings.TrimSpace(data.Currency))
	if err := r.validate(data); err != nil {
		return nil, false, err
	}

	var (
		result  *domain.CreditPurchase
		applied bool
	)
	err := r.repo.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
		now := r.now()
		purchase := &domain.CreditPurchase{
			ID:                    uuid.New().String(),
			AccountID:             data.AccountID,
			ExternalTransactionID: data.ExternalTransactionID,
			AmountMinor:           data.Amount,
			Currency:              data.Currency,
			CreditsGranted:        r.creditsFor(data),
			Status:                domain.PurchaseCompleted,
			CreatedAt:             now,
			CompletedAt:           &now,
		}

		inserted, err := tx.InsertPurchase(purchase)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		if inserted {
			if purchase.CreditsGranted <= 0 {
				return fmt.Errorf("%w: no credits for amount %d", ErrInvalidEvent, data.Amount)
			}
			if err := r.credit(tx, purchase); err != nil {
				return err
			}
			result, applied = purchase, true
			return nil
		}

		existing, err := tx.GetPurchaseByExternalID(data.ExternalTransactionID)
		if err != nil {
			return fmt.Errorf("load purchase: %w", err)
		}
		if existing.Status == domain.PurchaseCompleted {
			result = existing
			return nil
		}

		// 待支付记录：pending -> completed 只会成功一次
		if existing.AccountID != data.AccountID {
			return ErrAccountMismatch
		}
		if existing.AmountMinor != data.Amount || existing.Currency != data.Currency {
			return fmt.Errorf("%w: intent %d %s, paid %d %s", ErrAmountMismatch,
				existing.AmountMinor, existing.Currency, data.Amount, data.Currency)
		}
		completed, err := tx.CompletePurchase(existing.ID, now)
		if err != nil {
			return fmt.Errorf("complete purchase: %w", err)
		}
		if !completed {
			result = existing
			return nil
		}

		existing.Status = domain.PurchaseCompleted
		existing.CompletedAt = &now
		if err := r.credit(tx, existing); err != nil {
			return err
		}
		result, applied = existing, true
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownAccount, data.AccountID)
		}
		r.log.Error("failed to apply payment",
			zap.String("external_transaction_id", data.ExternalTransactionID),
			zap.Error(err),
		)
		return nil, false, err
	}

	if applied {
		r.log.Info("payment applied",
			zap.String("account_id", result.AccountID),
			zap.String("external_transaction_id", result.ExternalTransactionID),
			zap.Int64("credits", result.CreditsGranted),
		)
	} else {
		r.log.Info("duplicate payment event", zap.String("external_transaction_id", data.ExternalTransactionID))
	}
	return result, applied, nil
}

func (r *Reconciler) credit(tx storage.LedgerTx, purchase *domain.CreditPurchase) error {
	_, err := r.ledger.CreditTx(tx, purchase.AccountID, purchase.CreditsGranted, ledger.Entry{
		Kind:        domain.KindPurchase,
		Reference:   purchase.ExternalTransactionID,
		Description: fmt.Sprintf("payment %d %s", purchase.AmountMinor, purchase.Currency),
	})
	return err
}

// creditsFor 事件携带的积分数优先，否则按金额换算
func (r *Reconciler) creditsFor(data EventData) int64 {
	if data.Credits > 0 {
		return data.Credits
	}
	return data.Amount * r.creditsPerMinorUnit
}

func (r *Reconciler) validate(data EventData) error {
	if err := domain.ValidateExternalTransactionID(data.ExternalTransactionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if data.AccountID == "" {
		return fmt.Errorf("%w: missing account_id", ErrInvalidEvent)
	}
	if data.Amount < 0 || data.Credits < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}
	if err := domain.ValidateCurrency(data.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// IntentInput 登记待支付记录的参数
type IntentInput struct {
	AccountID             string
	ExternalTransactionID string
	AmountMinor           int64
	Currency              string
}

// RegisterIntent 为支付处理方创建的结账会话登记一条 pending 购买记录
//
// 积分数只按服务端配置的单价换算。回调到达时金额与币种必须与登记一致。
func (r *Reconciler) RegisterIntent(ctx context.Context, input IntentInput) (*domain.CreditPurchase, error) {
	data := EventData{
		ExternalTransactionID: input.ExternalTransactionID,
		AccountID:             input.AccountID,
		Amount:                input.AmountMinor,
		Currency:              strings.ToUpper(strings.TrimSpace(input.Currency)),
	}
	if err := r.validate(data); err != nil {
		return nil, err
	}
	credits := r.creditsFor(data)
	if credits <= 0 {
		return nil, fmt.Errorf("%w: no credits for amount %d", ErrInvalidEvent, data.Amount)
	}

	purchase := &domain.CreditPurchase{
		ID:                    uuid.New().String(),
		AccountID:             data.AccountID,
		ExternalTransactionID: data.ExternalTransactionID,
		AmountMinor:           data.Amount,
		Currency:              data.Currency,
		CreditsGranted:        credits,
		Status:                domain.PurchasePending,
		CreatedAt:             r.now(),
	}

	err := r.repo.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
		inserted, err := tx.InsertPurchase(purchase)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrIntentExists
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("purchase intent registered",
		zap.String("account_id", purchase.AccountID),
		zap.String("external_transaction_id", purchase.ExternalTransactionID),
	)
	return purchase, nil
}

// GetPurchase 按外部交易号查询购买记录，只返回属于 accountID 的记录
func (r *Reconciler) GetPurchase(ctx context.Context, accountID, externalID string) (*domain.CreditPurchase, error) {
	purchase, err := r.repo.GetPurchaseByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if purchase.AccountID != accountID {
		return nil, storage.ErrPurchaseNotFound
	}
	return purchase, nil
}
