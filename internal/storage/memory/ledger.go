package memory

import (
	"context"
	"sync"
	"time"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/storage"
)

// WithLedgerTx 在模拟事务中执行 fn
//
// 账户写入与流水在提交时一次性生效；购买记录在插入时立即可见，
// 回滚时撤销。持有的账户锁与购买锁在事务结束时释放。
func (s *Store) WithLedgerTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &ledgerTx{
		store:    s,
		held:     make(map[*sync.Mutex]struct{}),
		accounts: make(map[string]*domain.Account),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}

	tx.commit()
	return nil
}

// ListCreditTransactions 按时间倒序分页返回流水。
func (s *Store) ListCreditTransactions(_ context.Context, accountID string, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.txns[accountID]
	return pageReversed(all, page, pageSize), int64(len(all)), nil
}

// SumCreditDeltas 返回账户所有流水的 delta 之和。
func (s *Store) SumCreditDeltas(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, txn := range s.txns[accountID] {
		sum += txn.Delta
	}
	return sum, nil
}

// GetPurchaseByExternalID 根据外部交易号获取购买记录。
func (s *Store) GetPurchaseByExternalID(_ context.Context, externalID string) (*domain.CreditPurchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.purchaseByExternalLocked(externalID)
}

func (s *Store) purchaseByExternalLocked(externalID string) (*domain.CreditPurchase, error) {
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, storage.ErrPurchaseNotFound
	}
	copied := *s.purchases[id]
	return &copied, nil
}

// ledgerTx 内存账本事务
type ledgerTx struct {
	store *Store
	held  map[*sync.Mutex]struct{}
	order []*sync.Mutex

	accounts map[string]*domain.Account
	txns     []domain.CreditTransaction

	insertedPurchases []string              // 回滚时删除
	completed         map[string]*time.Time // purchaseID -> 原 CompletedAt，回滚时恢复 pending
}

func (t *ledgerTx) lock(m *sync.Mutex) {
	if _, ok := t.held[m]; ok {
		return
	}
	m.Lock()
	t.held[m] = struct{}{}
	t.order = append(t.order, m)
}

func (t *ledgerTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.order[i].Unlock()
	}
	t.order = nil
	t.held = nil
}

// LockAccount 获取账户互斥锁并返回事务内视图。
func (t *ledgerTx) LockAccount(accountID string) (*domain.Account, error) {
	if staged, ok := t.accounts[accountID]; ok {
		copied := *staged
		return &copied, nil
	}

	t.lock(t.store.accountLocks.get(accountID))

	t.store.mu.RLock()
	account, ok := t.store.accounts[accountID]
	var copied domain.Account
	if ok {
		copied = *account
	}
	t.store.mu.RUnlock()

	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return &copied, nil
}

// SaveAccount 暂存账户写入，必须先 LockAccount。
func (t *ledgerTx) SaveAccount(account *domain.Account) error {
	mu := t.store.accountLocks.get(account.ID)
	if _, ok := t.held[mu]; !ok {
		return storage.ErrAccountNotFound
	}
	copied := *account
	t.accounts[account.ID] = &copied
	return nil
}

// AppendCreditTransaction 暂存流水。
func (t *ledgerTx) AppendCreditTransaction(txn *domain.CreditTransaction) error {
	t.txns = append(t.txns, *txn)
	return nil
}

// InsertPurchase 插入购买记录，外部交易号已存在时返回 false。
//
// 持有该交易号的锁直到事务结束，并发插入同一交易号会等待，
// 与数据库唯一索引上的插入等待一致。
func (t *ledgerTx) InsertPurchase(purchase *domain.CreditPurchase) (bool, error) {
	t.lock(t.store.purchaseLocks.get(purchase.ExternalTransactionID))

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, exists := t.store.byExternal[purchase.ExternalTransactionID]; exists {
		return false, nil
	}
	copied := *purchase
	t.store.purchases[purchase.ID] = &copied
	t.store.byExternal[purchase.ExternalTransactionID] = purchase.ID
	t.insertedPurchases = append(t.insertedPurchases, purchase.ID)
	return true, nil
}

// GetPurchaseByExternalID 事务内读取购买记录。
func (t *ledgerTx) GetPurchaseByExternalID(externalID string) (*domain.CreditPurchase, error) {
	t.lock(t.store.purchaseLocks.get(externalID))

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.purchaseByExternalLocked(externalID)
}

// CompletePurchase 将 pending 记录置为 completed。
func (t *ledgerTx) CompletePurchase(id string, completedAt time.Time) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	purchase, ok := t.store.purchases[id]
	if !ok || purchase.Status != domain.PurchasePending {
		return false, nil
	}

	if t.completed == nil {
		t.completed = make(map[string]*time.Time)
	}
	t.completed[id] = purchase.CompletedAt

	at := completedAt
	purchase.Status = domain.PurchaseCompleted
	purchase.CompletedAt = &at
	return true, nil
}

func (t *ledgerTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, account := range t.accounts {
		if existing, ok := s.accounts[id]; ok {
			*existing = *account
		}
	}
	for _, txn := range t.txns {
		s.txns[txn.AccountID] = append(s.txns[txn.AccountID], txn)
	}
}

func (t *ledgerTx) rollback() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.insertedPurchases {
		if purchase, ok := s.purchases[id]; ok {
			delete(s.byExternal, purchase.ExternalTransactionID)
			delete(s.purchases, id)
		}
	}
	for id, previous := range t.completed {
		if purchase, ok := s.purchases[id]; ok {
			purchase.Status = domain.PurchasePending
			purchase.CompletedAt = previous
		}
	}
	t.accounts = nil
	t.txns = nil
}
