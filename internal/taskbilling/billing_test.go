package taskbilling

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
)

func newTestBiller(test *testing.T) (*Biller, *credit.Service) {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/credit.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	store := gormstore.New(db)
	clock := func() int64 { return 1700000000 }
	service, err := credit.NewService(store, clock)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	biller, err := NewBiller(service, store, zap.NewNop())
	if err != nil {
		test.Fatalf("biller init failed: %v", err)
	}
	return biller, service
}

func openFundedAccount(test *testing.T, service *credit.Service, raw string, amount string) credit.AccountID {
	test.Helper()
	accountID, err := credit.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id invalid: %v", err)
	}
	if _, err := service.OpenAccount(context.Background(), accountID); err != nil {
		test.Fatalf("open account failed: %v", err)
	}
	funding, err := credit.NewDecimal2FromString(amount)
	if err != nil {
		test.Fatalf("amount invalid: %v", err)
	}
	key, err := credit.NewIdempotencyKey("seed:" + raw)
	if err != nil {
		test.Fatalf("key invalid: %v", err)
	}
	if _, err := service.Grant(context.Background(), accountID, funding, credit.KindGrantCredit, "", &key); err != nil {
		test.Fatalf("funding grant failed: %v", err)
	}
	return accountID
}

func TestChargeTaskIsIdempotentPerTask(test *testing.T) {
	test.Parallel()
	biller, service := newTestBiller(test)
	accountID := openFundedAccount(test, service, "user-1", "10.00")

	options := credit.VariantOptions{credit.OptionUpscaleEngine: "ultra"}
	balance, err := biller.ChargeTask(context.Background(), accountID, "task-1", credit.ServiceUpscale, options)
	if err != nil {
		test.Fatalf("charge failed: %v", err)
	}
	if balance.String() != "6.00" {
		test.Fatalf("expected balance 6.00 after ultra upscale, got %s", balance)
	}

	// Pipeline retry with the same task id replays the original debit.
	replayed, err := biller.ChargeTask(context.Background(), accountID, "task-1", credit.ServiceUpscale, options)
	if err != nil {
		test.Fatalf("replayed charge failed: %v", err)
	}
	if replayed.String() != "6.00" {
		test.Fatalf("expected replay to keep balance 6.00, got %s", replayed)
	}

	statement, err := service.Statement(context.Background(), accountID, credit.StatementFilter{}, 1, 10)
	if err != nil {
		test.Fatalf("statement failed: %v", err)
	}
	if statement.TotalCount != 2 {
		test.Fatalf("expected funding grant + one debit, got %d transactions", statement.TotalCount)
	}
}

func TestRefundFailedTaskRestoresChargedAmount(test *testing.T) {
	test.Parallel()
	biller, service := newTestBiller(test)
	accountID := openFundedAccount(test, service, "user-1", "10.00")

	if _, err := biller.ChargeTask(context.Background(), accountID, "task-1", credit.ServiceExtractPattern, nil); err != nil {
		test.Fatalf("charge failed: %v", err)
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance failed: %v", err)
	}
	if balance.String() != "8.00" {
		test.Fatalf("expected 8.00 after seamless extract, got %s", balance)
	}

	refunded, err := biller.RefundFailedTask(context.Background(), accountID, "task-1")
	if err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if refunded.String() != "10.00" {
		test.Fatalf("expected refund back to 10.00, got %s", refunded)
	}

	// Watchdog requeue delivers the failure event again.
	again, err := biller.RefundFailedTask(context.Background(), accountID, "task-1")
	if err != nil {
		test.Fatalf("replayed refund failed: %v", err)
	}
	if again.String() != "10.00" {
		test.Fatalf("expected replayed refund to keep 10.00, got %s", again)
	}
}

func TestRefundFailedTaskRequiresACharge(test *testing.T) {
	test.Parallel()
	biller, service := newTestBiller(test)
	accountID := openFundedAccount(test, service, "user-1", "10.00")

	_, err := biller.RefundFailedTask(context.Background(), accountID, "task-never-charged")
	if !errors.Is(err, ErrTaskNotCharged) {
		test.Fatalf("expected ErrTaskNotCharged, got %v", err)
	}
}

func TestCheckAffordable(test *testing.T) {
	test.Parallel()
	biller, service := newTestBiller(test)
	accountID := openFundedAccount(test, service, "user-1", "2.50")

	affordable, price, err := biller.CheckAffordable(context.Background(), accountID, credit.ServiceColorize, nil)
	if err != nil {
		test.Fatalf("check failed: %v", err)
	}
	if !affordable || price.String() != "2.50" {
		test.Fatalf("expected affordable at 2.50, got affordable=%v price=%s", affordable, price)
	}

	expensive, _, err := biller.CheckAffordable(context.Background(), accountID, credit.ServiceUpscale, credit.VariantOptions{credit.OptionUpscaleEngine: "ultra"})
	if err != nil {
		test.Fatalf("check failed: %v", err)
	}
	if expensive {
		test.Fatalf("expected 4.00 ultra upscale to be unaffordable on 2.50")
	}

	_, _, err = biller.CheckAffordable(context.Background(), accountID, credit.ServiceKey("unknown"), nil)
	if !errors.Is(err, credit.ErrUnknownService) {
		test.Fatalf("expected ErrUnknownService, got %v", err)
	}
}
