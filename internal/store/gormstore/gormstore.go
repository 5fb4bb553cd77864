package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintCode                = 19
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectTransaction             = "transaction"
	errorSubjectTransfer                = "transfer"
	errorSubjectPackage                 = "package"
	errorSubjectGrant                   = "grant"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeUpdate                     = "update"
)

// Store implements credit.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the schema. Used for sqlite deployments and tests;
// postgres schemas are managed out of band.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerTransaction{}, &Transfer{}, &Package{}, &MembershipGrant{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, accountID credit.AccountID, nowUnixUTC int64) (credit.Account, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	account := Account{
		AccountID: accountID.String(),
		Balance:   credit.Zero2.Decimal(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID credit.AccountID) (credit.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credit.ErrAccountNotFound)
		}
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID credit.AccountID) (credit.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credit.ErrAccountNotFound)
		}
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// UpdateAccountBalance writes the balance guarded by the version check.
// With the row already locked the guard only trips when a competing writer
// slipped in outside the lock, which callers treat as a retryable conflict.
func (store *Store) UpdateAccountBalance(ctx context.Context, accountID credit.AccountID, balance credit.Decimal2, fromVersion int64, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", accountID.String(), fromVersion).
		Updates(map[string]interface{}{
			"balance":    balance.Decimal(),
			"version":    fromVersion + 1,
			"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&Account{}).Where("account_id = ?", accountID.String()).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credit.ErrAccountNotFound)
		}
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credit.ErrConcurrencyConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credit.Transaction) error {
	var relatedEntityID *string
	if transaction.RelatedEntityID != "" {
		value := transaction.RelatedEntityID
		relatedEntityID = &value
	}
	var idempotencyKey *string
	if transaction.IdempotencyKey != nil {
		value := transaction.IdempotencyKey.String()
		idempotencyKey = &value
	}
	model := LedgerTransaction{
		TransactionID:   transaction.TransactionID,
		AccountID:       transaction.AccountID.String(),
		Seq:             transaction.Seq,
		Kind:            transaction.Kind.String(),
		Delta:           transaction.Delta.Decimal(),
		BalanceAfter:    transaction.BalanceAfter.Decimal(),
		RelatedEntityID: relatedEntityID,
		IdempotencyKey:  idempotencyKey,
		Description:     transaction.Description,
		Metadata:        transactionMetadata(transaction),
		CreatedAt:       time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credit.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, accountID credit.AccountID, key credit.IdempotencyKey) (credit.Transaction, bool, error) {
	var model LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.Transaction{}, false, nil
	}
	if err != nil {
		return credit.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, mapErr := mapTransaction(model)
	if mapErr != nil {
		return credit.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, mapErr)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credit.AccountID, filter credit.StatementFilter, offset int, limit int) ([]credit.Transaction, int64, error) {
	query := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Where("account_id = ?", accountID.String())
	if filter.Kind != nil {
		query = query.Where("kind = ?", filter.Kind.String())
	}
	if filter.SinceUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.SinceUnixUTC, 0).UTC())
	}
	if filter.UntilUnixUTC != 0 {
		query = query.Where("created_at <= ?", time.Unix(filter.UntilUnixUTC, 0).UTC())
	}

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	var rows []LedgerTransaction
	err := query.
		Order("seq DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]credit.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, mapErr := mapTransaction(row)
		if mapErr != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, mapErr)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, totalCount, nil
}

func (store *Store) CreateTransfer(ctx context.Context, transfer credit.Transfer) error {
	model := Transfer{
		TransferID:         transfer.TransferID.String(),
		SenderAccountID:    transfer.SenderAccountID.String(),
		RecipientAccountID: transfer.RecipientAccountID.String(),
		Amount:             transfer.Amount.Decimal(),
		Message:            transfer.Message,
		Status:             string(transfer.Status),
		CreatedAt:          time.Unix(transfer.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTransfer, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPackage(ctx context.Context, packageID credit.PackageID) (credit.Package, error) {
	var model Package
	err := store.db.WithContext(ctx).
		Where("package_id = ?", packageID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, credit.ErrUnknownPackage)
		}
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return mapPackage(model)
}

// SeedPackages upserts the package catalog. Idempotent so deployments can
// run it on every start.
func (store *Store) SeedPackages(ctx context.Context, packages []credit.Package) error {
	for _, domainPackage := range packages {
		model := Package{
			PackageID:     domainPackage.PackageID.String(),
			Price:         domainPackage.Price.Decimal(),
			BonusCredits:  domainPackage.BonusCredits.Decimal(),
			TotalCredits:  domainPackage.TotalCredits.Decimal(),
			RefundPolicy:  string(domainPackage.RefundPolicy),
			DeductionRate: domainPackage.DeductionRate.Decimal(),
		}
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "package_id"}},
				UpdateAll: true,
			}).
			Create(&model).Error
		if err != nil {
			return wrapStoreError(errorSubjectPackage, errorCodeCreate, err)
		}
	}
	return nil
}

func (store *Store) CreateMembershipGrant(ctx context.Context, grant credit.MembershipGrant) error {
	now := time.Unix(grant.CreatedUnixUTC, 0).UTC()
	model := MembershipGrant{
		GrantID:        grant.GrantID.String(),
		AccountID:      grant.AccountID.String(),
		PackageID:      grant.PackageID.String(),
		CreditsGranted: grant.CreditsGranted.Decimal(),
		PurchaseAmount: grant.PurchaseAmount.Decimal(),
		IsRefunded:     grant.IsRefunded,
		RefundAmount:   grant.RefundAmount.Decimal(),
		OrderID:        grant.OrderID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindMembershipGrantByOrderID(ctx context.Context, orderID string) (credit.MembershipGrant, bool, error) {
	var model MembershipGrant
	err := store.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.MembershipGrant{}, false, nil
	}
	if err != nil {
		return credit.MembershipGrant{}, false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	grant, mapErr := mapMembershipGrant(model)
	if mapErr != nil {
		return credit.MembershipGrant{}, false, wrapStoreError(errorSubjectGrant, errorCodeInvalid, mapErr)
	}
	return grant, true, nil
}

func (store *Store) GetMembershipGrantForUpdate(ctx context.Context, grantID credit.GrantID) (credit.MembershipGrant, error) {
	var model MembershipGrant
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("grant_id = ?", grantID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.MembershipGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, credit.ErrUnknownGrant)
		}
		return credit.MembershipGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	grant, mapErr := mapMembershipGrant(model)
	if mapErr != nil {
		return credit.MembershipGrant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, mapErr)
	}
	return grant, nil
}

func (store *Store) MarkMembershipGrantRefunded(ctx context.Context, grantID credit.GrantID, refundAmount credit.Decimal2) error {
	result := store.db.WithContext(ctx).
		Model(&MembershipGrant{}).
		Where("grant_id = ? AND is_refunded = ?", grantID.String(), false).
		Updates(map[string]interface{}{
			"is_refunded":   true,
			"refund_amount": refundAmount.Decimal(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, credit.ErrAlreadyRefunded)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (credit.Account, error) {
	accountID, err := credit.NewAccountID(model.AccountID)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credit.Account{
		AccountID:      accountID,
		Balance:        credit.NewDecimal2FromDecimal(model.Balance),
		Version:        model.Version,
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapTransaction(model LedgerTransaction) (credit.Transaction, error) {
	accountID, err := credit.NewAccountID(model.AccountID)
	if err != nil {
		return credit.Transaction{}, err
	}
	kind, err := credit.ParseTransactionKind(model.Kind)
	if err != nil {
		return credit.Transaction{}, err
	}
	var idempotencyKey *credit.IdempotencyKey
	if model.IdempotencyKey != nil {
		parsedKey, keyErr := credit.NewIdempotencyKey(*model.IdempotencyKey)
		if keyErr != nil {
			return credit.Transaction{}, keyErr
		}
		idempotencyKey = &parsedKey
	}
	relatedEntityID := ""
	if model.RelatedEntityID != nil {
		relatedEntityID = *model.RelatedEntityID
	}
	return credit.Transaction{
		TransactionID:   model.TransactionID,
		AccountID:       accountID,
		Seq:             model.Seq,
		Kind:            kind,
		Delta:           credit.NewDecimal2FromDecimal(model.Delta),
		BalanceAfter:    credit.NewDecimal2FromDecimal(model.BalanceAfter),
		RelatedEntityID: relatedEntityID,
		IdempotencyKey:  idempotencyKey,
		Description:     model.Description,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}, nil
}

func mapPackage(model Package) (credit.Package, error) {
	packageID, err := credit.NewPackageID(model.PackageID)
	if err != nil {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	policy := credit.RefundPolicy(model.RefundPolicy)
	if policy != credit.RefundPolicyRefundable && policy != credit.RefundPolicyNonRefundable {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, credit.ErrUnknownPackage)
	}
	return credit.Package{
		PackageID:     packageID,
		Price:         credit.NewDecimal2FromDecimal(model.Price),
		BonusCredits:  credit.NewDecimal2FromDecimal(model.BonusCredits),
		TotalCredits:  credit.NewDecimal2FromDecimal(model.TotalCredits),
		RefundPolicy:  policy,
		DeductionRate: credit.NewDecimal2FromDecimal(model.DeductionRate),
	}, nil
}

func mapMembershipGrant(model MembershipGrant) (credit.MembershipGrant, error) {
	grantID, err := credit.NewGrantID(model.GrantID)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	accountID, err := credit.NewAccountID(model.AccountID)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	packageID, err := credit.NewPackageID(model.PackageID)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	return credit.MembershipGrant{
		GrantID:        grantID,
		AccountID:      accountID,
		PackageID:      packageID,
		CreditsGranted: credit.NewDecimal2FromDecimal(model.CreditsGranted),
		PurchaseAmount: credit.NewDecimal2FromDecimal(model.PurchaseAmount),
		IsRefunded:     model.IsRefunded,
		RefundAmount:   credit.NewDecimal2FromDecimal(model.RefundAmount),
		OrderID:        model.OrderID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

// transactionMetadata builds the audit jsonb blob so operators can filter
// by related entity directly in SQL.
func transactionMetadata(transaction credit.Transaction) datatypes.JSON {
	payload := map[string]string{"kind": transaction.Kind.String()}
	if transaction.RelatedEntityID != "" {
		payload["related_entity_id"] = transaction.RelatedEntityID
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(encoded)
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
