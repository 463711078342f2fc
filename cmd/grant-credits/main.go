package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"creditgate/backend/internal/config"
	"creditgate/backend/internal/domain"
	"creditgate/backend/internal/ledger"
	"creditgate/backend/internal/logger"
	"creditgate/backend/internal/service"
	"creditgate/backend/internal/storage/postgres"
)

func main() {
	accountID := flag.String("account", "", "账户 ID")
	amount := flag.Int64("amount", 0, "发放的积分数量")
	kind := flag.String("kind", string(domain.KindBonus), "流水类型: bonus 或 refund")
	reference := flag.String("reference", "", "外部引用，如工单号")
	description := flag.String("description", "manual grant", "流水说明")
	tier := flag.String("tier", "", "同时修改账户等级: free / standard / premium")
	audit := flag.Bool("audit", false, "只核对余额与流水之和，不做修改")
	flag.Parse()

	if *accountID == "" || (*amount <= 0 && *tier == "" && !*audit) {
		fmt.Println("用法:")
		fmt.Println("  grant-credits -account=<id> -amount=500 [-kind=bonus|refund] [-reference=TICKET-42]")
		fmt.Println("  grant-credits -account=<id> -tier=premium")
		fmt.Println("  grant-credits -account=<id> -audit")
		os.Exit(1)
	}

	entryKind := domain.TransactionKind(*kind)
	if entryKind != domain.KindBonus && entryKind != domain.KindRefund {
		fmt.Printf("错误: 不支持的流水类型 '%s'\n", *kind)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("错误: 需要配置 CREDITGATE_DATABASE_TYPE 与 CREDITGATE_DATABASE_DSN")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	store, err := postgres.Open(&cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	l := ledger.New(store, nil, log)
	accounts := service.NewAccountService(store, store, l, 0, log)

	account, err := accounts.GetAccount(ctx, *accountID)
	if err != nil {
		log.Fatal("failed to load account", zap.String("account_id", *accountID), zap.Error(err))
	}

	if *audit {
		if err := l.Audit(ctx, account); err != nil {
			fmt.Printf("✗ 账户 %s 余额 %d 与流水不一致: %v\n", account.ID, account.CreditBalance, err)
			os.Exit(2)
		}
		fmt.Printf("✓ 账户 %s 余额 %d 与流水一致\n", account.ID, account.CreditBalance)
		return
	}

	if *amount > 0 {
		result, err := l.Credit(ctx, account.ID, *amount, ledger.Entry{
			Kind:        entryKind,
			Reference:   *reference,
			Description: *description,
		})
		if err != nil {
			log.Fatal("failed to grant credits", zap.String("account_id", account.ID), zap.Error(err))
		}
		fmt.Printf("✓ 已发放 %d 积分\n", *amount)
		fmt.Printf("  Account: %s\n", account.ID)
		fmt.Printf("  Balance: %d -> %d\n", result.PreviousBalance, result.NewBalance)
		fmt.Printf("  TxID:    %s\n", result.Transaction.ID)
	}

	if *tier != "" {
		updated, err := accounts.SetTier(ctx, account.ID, domain.Tier(*tier))
		if err != nil {
			log.Fatal("failed to change tier", zap.String("account_id", account.ID), zap.Error(err))
		}
		fmt.Printf("✓ 账户等级已修改为 %s\n", updated.Tier)
	}
}
