package memory

import (
	"context"
	"fmt"
	"testing"

	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/storage"
)

func BenchmarkMemoryStore_LedgerTx(b *testing.B) {
	ctx := context.Background()
	store := NewStore()
	_ = store.CreateAccount(ctx, &domain.Account{ID: "acc", Subject: "sub", CreditBalance: int64(b.N) + 1})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.WithLedgerTx(ctx, func(tx storage.LedgerTx) error {
			account, err := tx.LockAccount("acc")
			if err != nil {
				return err
			}
			account.CreditBalance--
			if err := tx.SaveAccount(account); err != nil {
				return err
			}
			return tx.AppendCreditTransaction(&domain.CreditTransaction{ID: fmt.Sprint(i), AccountID: "acc", Delta: -1})
		})
	}
}

func BenchmarkMemoryStore_ListAPIKeysByLookupPrefix(b *testing.B) {
	ctx := context.Background()
	store := NewStore()
	for i := 0; i < 10000; i++ {
		_ = store.CreateAPIKey(ctx, &domain.APIKey{
			ID:           fmt.Sprintf("key-%d", i),
			AccountID:    "acc",
			LookupPrefix: fmt.Sprintf("%08d", i),
			IsActive:     true,
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.ListAPIKeysByLookupPrefix(ctx, fmt.Sprintf("%08d", i%10000))
	}
}
