package credit

import (
	"context"
	"errors"
	"testing"
)

func TestTransferMovesFundsAtomically(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	sender := mustAccountID(test, "acct-a")
	recipient := mustAccountID(test, "acct-b")
	store.seedAccount(test, sender, mustDecimal(test, "10.00"))
	store.seedAccount(test, recipient, Zero2)
	service := mustNewService(test, store)

	transfer, err := service.Transfer(context.Background(), sender, recipient, mustDecimal(test, "5.00"), "thanks")
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if transfer.Status != TransferStatusCompleted {
		test.Fatalf("expected completed transfer, got %s", transfer.Status)
	}

	senderBalance, _ := service.Balance(context.Background(), sender)
	recipientBalance, _ := service.Balance(context.Background(), recipient)
	if senderBalance.String() != "5.00" || recipientBalance.String() != "5.00" {
		test.Fatalf("expected 5.00/5.00, got %s/%s", senderBalance, recipientBalance)
	}

	senderTransactions := store.transactionsFor(sender)
	recipientTransactions := store.transactionsFor(recipient)
	if len(senderTransactions) != 1 || len(recipientTransactions) != 1 {
		test.Fatalf("expected one transaction per side, got %d/%d", len(senderTransactions), len(recipientTransactions))
	}
	out, in := senderTransactions[0], recipientTransactions[0]
	if out.Kind != KindTransferOut || in.Kind != KindTransferIn {
		test.Fatalf("unexpected kinds %s/%s", out.Kind, in.Kind)
	}
	if out.Delta.String() != "-5.00" || in.Delta.String() != "5.00" {
		test.Fatalf("unexpected deltas %s/%s", out.Delta, in.Delta)
	}
	if out.RelatedEntityID != in.RelatedEntityID || out.RelatedEntityID != transfer.TransferID.String() {
		test.Fatalf("both legs must share the transfer id")
	}
}

func TestTransferRejectsSelfAndNonPositiveAmounts(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := mustAccountID(test, "acct-self")
	store.seedAccount(test, accountID, mustDecimal(test, "10.00"))
	service := mustNewService(test, store)

	if _, err := service.Transfer(context.Background(), accountID, accountID, mustDecimal(test, "1.00"), ""); !errors.Is(err, ErrSelfTransfer) {
		test.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
	if _, err := service.Transfer(context.Background(), accountID, mustAccountID(test, "acct-other"), Zero2, ""); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestTransferInsufficientBalanceLeavesBothSidesUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	sender := mustAccountID(test, "acct-poor")
	recipient := mustAccountID(test, "acct-rich")
	store.seedAccount(test, sender, mustDecimal(test, "2.00"))
	store.seedAccount(test, recipient, Zero2)
	service := mustNewService(test, store)

	_, err := service.Transfer(context.Background(), sender, recipient, mustDecimal(test, "5.00"), "")
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	senderBalance, _ := service.Balance(context.Background(), sender)
	if senderBalance.String() != "2.00" {
		test.Fatalf("sender must keep 2.00, got %s", senderBalance)
	}
	if store.transactionCount(sender)+store.transactionCount(recipient) != 0 {
		test.Fatalf("rejected transfer must not write transactions")
	}
}

func TestTransferUnknownRecipientRollsBackSenderDebit(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	sender := mustAccountID(test, "acct-sender")
	store.seedAccount(test, sender, mustDecimal(test, "10.00"))
	service := mustNewService(test, store)

	_, err := service.Transfer(context.Background(), sender, mustAccountID(test, "acct-missing"), mustDecimal(test, "5.00"), "")
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	senderBalance, balanceErr := service.Balance(context.Background(), sender)
	if balanceErr != nil {
		test.Fatalf("balance: %v", balanceErr)
	}
	if senderBalance.String() != "10.00" {
		test.Fatalf("sender debit must be rolled back, got %s", senderBalance)
	}
	if store.transactionCount(sender) != 0 {
		test.Fatalf("no transaction may survive a torn transfer")
	}
}

func TestTransferFailureAfterBothLegsRollsBackEverything(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	sender := mustAccountID(test, "acct-x")
	recipient := mustAccountID(test, "acct-y")
	store.seedAccount(test, sender, mustDecimal(test, "10.00"))
	store.seedAccount(test, recipient, Zero2)
	store.failCreateTransfer = true
	service := mustNewService(test, store)

	if _, err := service.Transfer(context.Background(), sender, recipient, mustDecimal(test, "5.00"), ""); err == nil {
		test.Fatalf("expected injected failure to surface")
	}
	senderBalance, _ := service.Balance(context.Background(), sender)
	recipientBalance, _ := service.Balance(context.Background(), recipient)
	if senderBalance.String() != "10.00" || recipientBalance.String() != "0.00" {
		test.Fatalf("expected full rollback, got %s/%s", senderBalance, recipientBalance)
	}
}
