// Package ledger 维护账户积分余额及其只追加流水。
//
// 每次变更都在一个存储事务里完成：锁定账户行、校验余额、写回余额、
// 追加一条流水，然后一起提交。任何一步失败都不会留下部分写入。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/monitoring"
	"creditgate/backend/internal/storage"
)

var (
	// ErrInsufficientCredit 扣减后余额将为负
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrInvalidAmount 金额必须为正整数
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrLedgerDrift 余额与流水之和不一致
	ErrLedgerDrift = errors.New("ledger balance does not match transaction sum")
)

// Entry 描述一次变更的流水信息
type Entry struct {
	Kind        domain.TransactionKind
	Reference   string // 外部引用，如请求 ID 或支付交易号
	Description string
}

// Result 变更前后的余额
type Result struct {
	PreviousBalance int64
	NewBalance      int64
	Transaction     *domain.CreditTransaction
}

// Ledger 积分账本
type Ledger struct {
	repo    storage.LedgerRepository
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// New 创建账本，metrics 可以为 nil
func New(repo storage.LedgerRepository, metrics *monitoring.Metrics, log *zap.Logger) *Ledger {
	return &Ledger{
		repo:    repo,
		metrics: metrics,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Debit 原子扣减积分，余额不足时返回 ErrInsufficientCredit 且不写入任何数据
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, entry Entry) (*Result, error) {
	var result *Result
	err := l.repo.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
		var err error
		result, err = l.DebitTx(tx, accountID, amount, entry)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			l.metrics.RecordLedger("debit", "insufficient")
		} else {
			l.metrics.RecordLedger("debit", "error")
		}
		return nil, err
	}

	l.metrics.RecordLedger("debit", "ok")
	l.metrics.RecordDebit(string(entry.Kind), amount)
	return result, nil
}

// Credit 原子增加积分
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, entry Entry) (*Result, error) {
	var result *Result
	err := l.repo.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
		var err error
		result, err = l.CreditTx(tx, accountID, amount, entry)
		return err
	})
	if err != nil {
		l.metrics.RecordLedger("credit", "error")
		return nil, err
	}

	l.metrics.RecordLedger("credit", "ok")
	l.metrics.RecordCredit(string(entry.Kind), amount)
	return result, nil
}

// DebitTx 在调用方的事务内扣减积分
func (l *Ledger) DebitTx(tx storage.LedgerTx, accountID string, amount int64, entry Entry) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	account, err := tx.LockAccount(accountID)
	if err != nil {
		return nil, err
	}

	previous := account.CreditBalance
	if previous-amount < 0 {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientCredit, previous, amount)
	}

	account.CreditBalance = previous - amount
	if entry.Kind == domain.KindUsage {
		account.TotalRequests++
	}

	return l.apply(tx, account, previous, -amount, entry)
}

// CreditTx 在调用方的事务内增加积分
func (l *Ledger) CreditTx(tx storage.LedgerTx, accountID string, amount int64, entry Entry) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	account, err := tx.LockAccount(accountID)
	if err != nil {
		return nil, err
	}

	previous := account.CreditBalance
	account.CreditBalance = previous + amount
	if entry.Kind == domain.KindPurchase {
		account.TotalPurchased += amount
	}

	return l.apply(tx, account, previous, amount, entry)
}

// apply 写回余额并追加流水
func (l *Ledger) apply(tx storage.LedgerTx, account *domain.Account, previous, delta int64, entry Entry) (*Result, error) {
	if !entry.Kind.Valid() {
		return nil, domain.ErrInvalidTransactionKind
	}

	now := l.now()
	account.UpdatedAt = now
	if err := tx.SaveAccount(account); err != nil {
		return nil, fmt.Errorf("save account balance: %w", err)
	}

	txn := &domain.CreditTransaction{
		ID:               uuid.New().String(),
		AccountID:        account.ID,
		Delta:            delta,
		ResultingBalance: account.CreditBalance,
		Kind:             entry.Kind,
		Reference:        entry.Reference,
		Description:      entry.Description,
		CreatedAt:        now,
	}
	if err := tx.AppendCreditTransaction(txn); err != nil {
		return nil, fmt.Errorf("append credit transaction: %w", err)
	}

	return &Result{
		PreviousBalance: previous,
		NewBalance:      account.CreditBalance,
		Transaction:     txn,
	}, nil
}

// History 分页返回账户流水，最新的在前
func (l *Ledger) History(ctx context.Context, accountID string, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	return l.repo.ListCreditTransactions(ctx, accountID, page, pageSize)
}

// Audit 校验账户余额等于流水 delta 之和
func (l *Ledger) Audit(ctx context.Context, account *domain.Account) error {
	sum, err := l.repo.SumCreditDeltas(ctx, account.ID)
	if err != nil {
		return err
	}
	if sum != account.CreditBalance {
		l.log.Error("ledger drift detected",
			zap.String("account_id", account.ID),
			zap.Int64("balance", account.CreditBalance),
			zap.Int64("sum", sum),
		)
		return fmt.Errorf("%w: balance %d, sum %d", ErrLedgerDrift, account.CreditBalance, sum)
	}
	return nil
}
