package credit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the ledger domain logic over a Store. Every balance
// mutation in the system funnels through applyDelta, so all paths share
// the same atomicity, overdraft, and idempotency guarantees.
type Service struct {
	store         Store
	nowFn         func() int64
	catalog       *PriceCatalog
	logger        OperationLogger
	retryAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		catalog:       DefaultPriceCatalog(),
		retryAttempts: defaultRetryAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// applyDelta is the single choke point for ledger mutation: it locks the
// account row, replays idempotent calls, enforces the non-negative balance
// policy, bumps the balance, and appends the immutable transaction. Must
// run inside a store transaction. The second result reports whether the
// call was an idempotent replay of an already-applied transaction.
func (service *Service) applyDelta(
	ctx context.Context,
	txStore Store,
	accountID AccountID,
	delta Decimal2,
	kind TransactionKind,
	idempotencyKey *IdempotencyKey,
	relatedEntityID string,
	description string,
) (Transaction, bool, error) {
	account, err := txStore.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return Transaction{}, false, err
	}
	if idempotencyKey != nil {
		existing, found, err := txStore.FindTransactionByIdempotencyKey(ctx, accountID, *idempotencyKey)
		if err != nil {
			return Transaction{}, false, err
		}
		if found {
			if existing.Kind != kind || !existing.Delta.Equal(delta) || existing.RelatedEntityID != relatedEntityID {
				return Transaction{}, false, WrapError("service", "idempotency", "mismatch", ErrDuplicateIdempotencyKey)
			}
			return existing, true, nil
		}
	}
	newBalance := account.Balance.Add(delta)
	if newBalance.IsNegative() {
		return Transaction{}, false, ErrInsufficientBalance
	}
	nowUnixUTC := service.nowFn()
	if err := txStore.UpdateAccountBalance(ctx, accountID, newBalance, account.Version, nowUnixUTC); err != nil {
		return Transaction{}, false, err
	}
	transaction := Transaction{
		TransactionID:   uuid.NewString(),
		AccountID:       accountID,
		Seq:             account.Version + 1,
		Kind:            kind,
		Delta:           delta,
		BalanceAfter:    newBalance,
		RelatedEntityID: relatedEntityID,
		IdempotencyKey:  idempotencyKey,
		Description:     description,
		CreatedUnixUTC:  nowUnixUTC,
	}
	if err := txStore.InsertTransaction(ctx, transaction); err != nil {
		return Transaction{}, false, err
	}
	return transaction, false, nil
}

// ChargeForService resolves the price for serviceKey+options and applies a
// single SERVICE_DEBIT. The affordability check and the debit are one
// atomic unit, so two racing charges on a thin balance cannot both pass.
func (service *Service) ChargeForService(
	ctx context.Context,
	accountID AccountID,
	serviceKey ServiceKey,
	options VariantOptions,
	relatedEntityID string,
	idempotencyKey *IdempotencyKey,
) (Decimal2, error) {
	price, err := service.catalog.ResolvePrice(serviceKey, options)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCharge, AccountID: accountID, Kind: KindServiceDebit, RelatedEntityID: relatedEntityID, Error: err})
		return Decimal2{}, err
	}
	var newBalance Decimal2
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, _, err := service.applyDelta(ctx, txStore, accountID, price.Neg(), KindServiceDebit, idempotencyKey, relatedEntityID, string(serviceKey))
		if err != nil {
			return err
		}
		newBalance = transaction.BalanceAfter
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationCharge,
		AccountID:       accountID,
		Kind:            KindServiceDebit,
		Amount:          price,
		RelatedEntityID: relatedEntityID,
		IdempotencyKey:  idempotencyKey,
		Error:           operationError,
	})
	if operationError != nil {
		return Decimal2{}, operationError
	}
	return newBalance, nil
}

// Grant applies a positive delta of a credit kind. Callers triggered by
// externally-retriable events (webhooks, watchdog requeues) must supply an
// idempotency key.
func (service *Service) Grant(
	ctx context.Context,
	accountID AccountID,
	amount Decimal2,
	kind TransactionKind,
	relatedEntityID string,
	idempotencyKey *IdempotencyKey,
) (Decimal2, error) {
	if !amount.IsPositive() {
		return Decimal2{}, fmt.Errorf("%w: grant amount must be positive", ErrInvalidAmount)
	}
	if !kind.isCreditKind() {
		return Decimal2{}, fmt.Errorf("%w: %s is not a credit kind", ErrInvalidTransactionKind, kind)
	}
	var newBalance Decimal2
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, _, err := service.applyDelta(ctx, txStore, accountID, amount, kind, idempotencyKey, relatedEntityID, "")
		if err != nil {
			return err
		}
		newBalance = transaction.BalanceAfter
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationGrant,
		AccountID:       accountID,
		Kind:            kind,
		Amount:          amount,
		RelatedEntityID: relatedEntityID,
		IdempotencyKey:  idempotencyKey,
		Error:           operationError,
	})
	if operationError != nil {
		return Decimal2{}, operationError
	}
	return newBalance, nil
}

// Transfer moves amount from sender to recipient as one all-or-nothing
// unit. Both account rows are locked in ascending id order inside a single
// store transaction, so a failure on either side rolls the whole unit back
// and no circular wait is possible.
func (service *Service) Transfer(
	ctx context.Context,
	senderAccountID AccountID,
	recipientAccountID AccountID,
	amount Decimal2,
	message string,
) (Transfer, error) {
	if !amount.IsPositive() {
		return Transfer{}, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	if senderAccountID == recipientAccountID {
		return Transfer{}, ErrSelfTransfer
	}
	transferID, err := NewTransferID(uuid.NewString())
	if err != nil {
		return Transfer{}, err
	}
	var transfer Transfer
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := lockAccountsInOrder(ctx, txStore, senderAccountID, recipientAccountID); err != nil {
			return err
		}
		debitKey, creditKey := transferLegKeys(transferID)
		debit, _, err := service.applyDelta(ctx, txStore, senderAccountID, amount.Neg(), KindTransferOut, &debitKey, transferID.String(), message)
		if err != nil {
			return err
		}
		if _, _, err := service.applyDelta(ctx, txStore, recipientAccountID, amount, KindTransferIn, &creditKey, transferID.String(), message); err != nil {
			return err
		}
		transfer = Transfer{
			TransferID:         transferID,
			SenderAccountID:    senderAccountID,
			RecipientAccountID: recipientAccountID,
			Amount:             amount,
			Message:            message,
			Status:             TransferStatusCompleted,
			CreatedUnixUTC:     debit.CreatedUnixUTC,
		}
		return txStore.CreateTransfer(ctx, transfer)
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationTransfer,
		AccountID:       senderAccountID,
		Kind:            KindTransferOut,
		Amount:          amount,
		RelatedEntityID: transferID.String(),
		Error:           operationError,
	})
	if operationError != nil {
		return Transfer{}, operationError
	}
	return transfer, nil
}

// Quote returns the price ChargeForService would debit for
// serviceKey+options without touching the ledger.
func (service *Service) Quote(serviceKey ServiceKey, options VariantOptions) (Decimal2, error) {
	return service.catalog.ResolvePrice(serviceKey, options)
}

// Balance returns the account balance from a consistent snapshot read.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Decimal2, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Decimal2{}, err
	}
	return account.Balance, nil
}

// Statement returns one page of the account's transaction log, newest
// first. Read-only; each line carries its balance_after snapshot.
func (service *Service) Statement(ctx context.Context, accountID AccountID, filter StatementFilter, page int, pageSize int) (StatementPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultStatementPageSize
	}
	if pageSize > maxStatementPageSize {
		pageSize = maxStatementPageSize
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return StatementPage{}, err
	}
	offset := (page - 1) * pageSize
	transactions, totalCount, err := service.store.ListTransactions(ctx, accountID, filter, offset, pageSize)
	if err != nil {
		return StatementPage{}, err
	}
	return StatementPage{
		Transactions: transactions,
		TotalCount:   totalCount,
		Page:         page,
		PageSize:     pageSize,
	}, nil
}

// OpenAccount creates the account record for a new user with a zero
// balance. Safe to call again for an existing account.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID) (Account, error) {
	var account Account
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		created, err := txStore.CreateAccount(ctx, accountID, service.nowFn())
		if err != nil {
			return err
		}
		account = created
		return nil
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// lockAccountsInOrder takes both row locks in ascending account id order.
// Fixed global ordering prevents circular waits between two concurrent
// transfers in opposite directions.
func lockAccountsInOrder(ctx context.Context, txStore Store, first AccountID, second AccountID) error {
	lower, higher := first, second
	if higher.Less(lower) {
		lower, higher = higher, lower
	}
	if _, err := txStore.GetAccountForUpdate(ctx, lower); err != nil {
		return err
	}
	if _, err := txStore.GetAccountForUpdate(ctx, higher); err != nil {
		return err
	}
	return nil
}

func transferLegKeys(transferID TransferID) (IdempotencyKey, IdempotencyKey) {
	debitKey, _ := NewIdempotencyKey("transfer:" + transferID.String() + ":out")
	creditKey, _ := NewIdempotencyKey("transfer:" + transferID.String() + ":in")
	return debitKey, creditKey
}
