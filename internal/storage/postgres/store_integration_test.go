//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/storage"
)

// startPostgres 启动 PostgreSQL 容器并返回存储与连接池客户端
func startPostgres(t *testing.T) (*Store, *Client) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("creditgate"),
		tcpostgres.WithUsername("creditgate"),
		tcpostgres.WithPassword("creditgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(terminateCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %s", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := &config.DatabaseConfig{
		Type:            "postgres",
		DSN:             dsn,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	store, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return store, client
}

func createAccount(t *testing.T, store *Store) *domain.Account {
	t.Helper()
	now := time.Now().UTC()
	account := &domain.Account{
		ID:        uuid.New().String(),
		Subject:   "sub-" + uuid.New().String(),
		Tier:      domain.TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	return account
}

func TestStore_Integration(t *testing.T) {
	store, client := startPostgres(t)
	ctx := context.Background()
	l := ledger.New(store, nil, zap.NewNop())

	t.Run("重复 subject 返回 ErrAccountExists", func(t *testing.T) {
		account := createAccount(t, store)
		dup := *account
		dup.ID = uuid.New().String()
		assert.ErrorIs(t, store.CreateAccount(ctx, &dup), storage.ErrAccountExists)
	})

	t.Run("并发扣费不会透支", func(t *testing.T) {
		account := createAccount(t, store)
		_, err := l.Credit(ctx, account.ID, 10, ledger.Entry{Kind: domain.KindBonus, Reference: "seed"})
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, lack int
		)
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := l.Debit(ctx, account.ID, 1, ledger.Entry{Kind: domain.KindUsage, Reference: fmt.Sprintf("req-%d", i)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ledger.ErrInsufficientCredit):
					lack++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 10, ok)
		assert.Equal(t, 15, lack)

		reloaded, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Zero(t, reloaded.CreditBalance)
		assert.NoError(t, l.Audit(ctx, reloaded))
	})

	t.Run("外部交易号唯一", func(t *testing.T) {
		account := createAccount(t, store)
		purchase := func() *domain.CreditPurchase {
			return &domain.CreditPurchase{
				ID:                    uuid.New().String(),
				AccountID:             account.ID,
				ExternalTransactionID: "ext-" + account.ID,
				AmountMinor:           500,
				Currency:              "USD",
				CreditsGranted:        500,
				Status:                domain.PurchasePending,
				CreatedAt:             time.Now().UTC(),
			}
		}

		var inserted []bool
		for i := 0; i < 2; i++ {
			err := store.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
				ok, err := tx.InsertPurchase(purchase())
				inserted = append(inserted, ok)
				return err
			})
			require.NoError(t, err)
		}
		assert.Equal(t, []bool{true, false}, inserted)

		stored, err := store.GetPurchaseByExternalID(ctx, "ext-"+account.ID)
		require.NoError(t, err)

		var completed []bool
		for i := 0; i < 2; i++ {
			err := store.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
				ok, err := tx.CompletePurchase(stored.ID, time.Now().UTC())
				completed = append(completed, ok)
				return err
			})
			require.NoError(t, err)
		}
		assert.Equal(t, []bool{true, false}, completed)
	})

	t.Run("COPY 写入请求日志", func(t *testing.T) {
		account := createAccount(t, store)
		sink := NewUsageSink(client)

		base := time.Now().UTC().Truncate(time.Millisecond)
		logs := make([]domain.APIRequestLog, 3)
		for i := range logs {
			logs[i] = domain.APIRequestLog{
				ID:             uuid.New().String(),
				AccountID:      account.ID,
				KeyID:          uuid.New().String(),
				Endpoint:       "/v1/extract/:platform",
				Platform:       "tiktok",
				Outcome:        domain.OutcomeSuccess,
				StatusCode:     200,
				LatencyMS:      int64(10 * i),
				CreditsCharged: 1,
				CreatedAt:      base.Add(time.Duration(i) * time.Second),
			}
		}
		require.NoError(t, sink.InsertRequestLogs(ctx, logs))

		got, total, err := store.ListRequestLogs(ctx, account.ID, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, got, 2)
		assert.Equal(t, logs[2].ID, got[0].ID)
	})
}
