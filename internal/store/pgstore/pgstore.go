package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transaction_idem"
	pgUniqueViolationCode               = "23505"
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectTransaction             = "transaction"
	errorSubjectTransfer                = "transfer"
	errorSubjectPackage                 = "package"
	errorSubjectGrant                   = "grant"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeUpdate                     = "update"

	sqlInsertAccount = `
		insert into accounts(account_id, balance, version, created_at, updated_at)
		values($1, 0, 1, to_timestamp($2), to_timestamp($2))
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance::text, version, extract(epoch from updated_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateAccountBalance = `
		update accounts
		set balance = $2::numeric, version = $3 + 1, updated_at = to_timestamp($4)
		where account_id = $1 and version = $3
	`

	sqlCountAccount = `
		select count(*) from accounts where account_id = $1
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			transaction_id, account_id, seq, kind, delta, balance_after,
			related_entity_id, idempotency_key, description, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5::numeric, $6::numeric,
			nullif($7,''), nullif($8,''),
			$9, coalesce(nullif($10,''),'{}')::jsonb,
			to_timestamp($11)
		)
	`

	sqlTransactionColumns = `
		transaction_id::text,
		account_id,
		seq,
		kind,
		delta::text,
		balance_after::text,
		coalesce(related_entity_id,''),
		coalesce(idempotency_key,''),
		description,
		extract(epoch from created_at)::bigint
	`

	sqlSelectTransactionByIdempotencyKey = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions
		where account_id = $1 and idempotency_key = $2
	`

	// Optional filters collapse via sentinel values so the statement stays
	// a plannable constant: empty kind matches all kinds, zero bounds
	// disable the time range.
	sqlTransactionFilter = `
		where account_id = $1
		and ($2 = '' or kind = $2)
		and ($3::bigint = 0 or created_at >= to_timestamp($3))
		and ($4::bigint = 0 or created_at <= to_timestamp($4))
	`

	sqlCountTransactions = `
		select count(*) from ledger_transactions
	` + sqlTransactionFilter

	sqlListTransactions = `
		select ` + sqlTransactionColumns + `
		from ledger_transactions
	` + sqlTransactionFilter + `
		order by seq desc
		offset $5 limit $6
	`

	sqlInsertTransfer = `
		insert into transfers(transfer_id, sender_account_id, recipient_account_id, amount, message, status, created_at)
		values($1, $2, $3, $4::numeric, $5, $6, to_timestamp($7))
	`

	sqlSelectPackage = `
		select package_id, price::text, bonus_credits::text, total_credits::text, refund_policy, deduction_rate::text
		from packages
		where package_id = $1
	`

	sqlInsertGrant = `
		insert into membership_grants(
			grant_id, account_id, package_id, credits_granted, purchase_amount,
			is_refunded, refund_amount, order_id, created_at, updated_at
		)
		values($1, $2, $3, $4::numeric, $5::numeric, $6, $7::numeric, $8, to_timestamp($9), to_timestamp($9))
	`

	sqlGrantColumns = `
		grant_id::text,
		account_id,
		package_id,
		credits_granted::text,
		purchase_amount::text,
		is_refunded,
		refund_amount::text,
		order_id,
		extract(epoch from created_at)::bigint
	`

	sqlSelectGrantByOrderID = `
		select ` + sqlGrantColumns + `
		from membership_grants
		where order_id = $1
	`

	sqlSelectGrantForUpdate = `
		select ` + sqlGrantColumns + `
		from membership_grants
		where grant_id = $1
		for update
	`

	sqlMarkGrantRefunded = `
		update membership_grants
		set is_refunded = true, refund_amount = $2::numeric, updated_at = now()
		where grant_id = $1 and is_refunded = false
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credit.Store using a pgx connection pool. A Store built
// from a pool runs each call in autocommit; WithTx yields a Store bound to
// a single transaction.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, accountID credit.AccountID, nowUnixUTC int64) (credit.Account, error) {
	_, err := store.q.Exec(ctx, sqlInsertAccount, accountID.String(), nowUnixUTC)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, accountID)
}

func (store *Store) GetAccount(ctx context.Context, accountID credit.AccountID) (credit.Account, error) {
	return store.scanAccount(store.q.QueryRow(ctx, sqlSelectAccount, accountID.String()))
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID credit.AccountID) (credit.Account, error) {
	return store.scanAccount(store.q.QueryRow(ctx, sqlSelectAccountForUpdate, accountID.String()))
}

func (store *Store) scanAccount(row pgx.Row) (credit.Account, error) {
	var (
		accountIDValue string
		balanceValue   string
		versionValue   int64
		updatedUnixUTC int64
	)
	err := row.Scan(&accountIDValue, &balanceValue, &versionValue, &updatedUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credit.ErrAccountNotFound)
		}
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	accountID, err := credit.NewAccountID(accountIDValue)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := credit.NewDecimal2FromString(balanceValue)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credit.Account{
		AccountID:      accountID,
		Balance:        balance,
		Version:        versionValue,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID credit.AccountID, balance credit.Decimal2, fromVersion int64, nowUnixUTC int64) error {
	tag, err := store.q.Exec(ctx, sqlUpdateAccountBalance, accountID.String(), balance.String(), fromVersion, nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		var count int64
		if err := store.q.QueryRow(ctx, sqlCountAccount, accountID.String()).Scan(&count); err != nil {
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
	idempotencyKey := ""
	if transaction.IdempotencyKey != nil {
		idempotencyKey = transaction.IdempotencyKey.String()
	}
	_, err := store.q.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.AccountID.String(),
		transaction.Seq,
		transaction.Kind.String(),
		transaction.Delta.String(),
		transaction.BalanceAfter.String(),
		transaction.RelatedEntityID,
		idempotencyKey,
		transaction.Description,
		transactionMetadataJSON(transaction),
		transaction.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credit.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, accountID credit.AccountID, key credit.IdempotencyKey) (credit.Transaction, bool, error) {
	row := store.q.QueryRow(ctx, sqlSelectTransactionByIdempotencyKey, accountID.String(), key.String())
	transaction, err := scanTransactionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Transaction{}, false, nil
		}
		return credit.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credit.AccountID, filter credit.StatementFilter, offset int, limit int) ([]credit.Transaction, int64, error) {
	kindValue := ""
	if filter.Kind != nil {
		kindValue = filter.Kind.String()
	}

	var totalCount int64
	err := store.q.QueryRow(ctx, sqlCountTransactions,
		accountID.String(), kindValue, filter.SinceUnixUTC, filter.UntilUnixUTC,
	).Scan(&totalCount)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	rows, err := store.q.Query(ctx, sqlListTransactions,
		accountID.String(), kindValue, filter.SinceUnixUTC, filter.UntilUnixUTC, offset, limit,
	)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]credit.Transaction, 0, 32)
	for rows.Next() {
		transaction, err := scanTransactionRow(rows)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, totalCount, nil
}

func (store *Store) CreateTransfer(ctx context.Context, transfer credit.Transfer) error {
	_, err := store.q.Exec(ctx, sqlInsertTransfer,
		transfer.TransferID.String(),
		transfer.SenderAccountID.String(),
		transfer.RecipientAccountID.String(),
		transfer.Amount.String(),
		transfer.Message,
		string(transfer.Status),
		transfer.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransfer, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPackage(ctx context.Context, packageID credit.PackageID) (credit.Package, error) {
	var (
		packageIDValue     string
		priceValue         string
		bonusCreditsValue  string
		totalCreditsValue  string
		refundPolicyValue  string
		deductionRateValue string
	)
	err := store.q.QueryRow(ctx, sqlSelectPackage, packageID.String()).Scan(
		&packageIDValue,
		&priceValue,
		&bonusCreditsValue,
		&totalCreditsValue,
		&refundPolicyValue,
		&deductionRateValue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, credit.ErrUnknownPackage)
		}
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	parsedPackageID, err := credit.NewPackageID(packageIDValue)
	if err != nil {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	price, err := credit.NewDecimal2FromString(priceValue)
	if err != nil {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	bonusCredits, err := credit.NewDecimal2FromString(bonusCreditsValue)
	if err != nil {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	totalCredits, err := credit.NewDecimal2FromString(totalCreditsValue)
	if err != nil {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	deductionRate, err := credit.NewDecimal2FromString(deductionRateValue)
	if err != nil {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, err)
	}
	policy := credit.RefundPolicy(refundPolicyValue)
	if policy != credit.RefundPolicyRefundable && policy != credit.RefundPolicyNonRefundable {
		return credit.Package{}, wrapStoreError(errorSubjectPackage, errorCodeInvalid, credit.ErrUnknownPackage)
	}
	return credit.Package{
		PackageID:     parsedPackageID,
		Price:         price,
		BonusCredits:  bonusCredits,
		TotalCredits:  totalCredits,
		RefundPolicy:  policy,
		DeductionRate: deductionRate,
	}, nil
}

func (store *Store) CreateMembershipGrant(ctx context.Context, grant credit.MembershipGrant) error {
	_, err := store.q.Exec(ctx, sqlInsertGrant,
		grant.GrantID.String(),
		grant.AccountID.String(),
		grant.PackageID.String(),
		grant.CreditsGranted.String(),
		grant.PurchaseAmount.String(),
		grant.IsRefunded,
		grant.RefundAmount.String(),
		grant.OrderID,
		grant.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) FindMembershipGrantByOrderID(ctx context.Context, orderID string) (credit.MembershipGrant, bool, error) {
	row := store.q.QueryRow(ctx, sqlSelectGrantByOrderID, orderID)
	grant, err := scanGrantRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.MembershipGrant{}, false, nil
		}
		return credit.MembershipGrant{}, false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return grant, true, nil
}

func (store *Store) GetMembershipGrantForUpdate(ctx context.Context, grantID credit.GrantID) (credit.MembershipGrant, error) {
	row := store.q.QueryRow(ctx, sqlSelectGrantForUpdate, grantID.String())
	grant, err := scanGrantRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.MembershipGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, credit.ErrUnknownGrant)
		}
		return credit.MembershipGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	return grant, nil
}

func (store *Store) MarkMembershipGrantRefunded(ctx context.Context, grantID credit.GrantID, refundAmount credit.Decimal2) error {
	tag, err := store.q.Exec(ctx, sqlMarkGrantRefunded, grantID.String(), refundAmount.String())
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, credit.ErrAlreadyRefunded)
	}
	return nil
}

func scanTransactionRow(row pgx.Row) (credit.Transaction, error) {
	var (
		transactionIDValue  string
		accountIDValue      string
		seqValue            int64
		kindValue           string
		deltaValue          string
		balanceAfterValue   string
		relatedEntityValue  string
		idempotencyKeyValue string
		descriptionValue    string
		createdUnixUTC      int64
	)
	if err := row.Scan(
		&transactionIDValue,
		&accountIDValue,
		&seqValue,
		&kindValue,
		&deltaValue,
		&balanceAfterValue,
		&relatedEntityValue,
		&idempotencyKeyValue,
		&descriptionValue,
		&createdUnixUTC,
	); err != nil {
		return credit.Transaction{}, err
	}
	accountID, err := credit.NewAccountID(accountIDValue)
	if err != nil {
		return credit.Transaction{}, err
	}
	kind, err := credit.ParseTransactionKind(kindValue)
	if err != nil {
		return credit.Transaction{}, err
	}
	delta, err := credit.NewDecimal2FromString(deltaValue)
	if err != nil {
		return credit.Transaction{}, err
	}
	balanceAfter, err := credit.NewDecimal2FromString(balanceAfterValue)
	if err != nil {
		return credit.Transaction{}, err
	}
	var idempotencyKey *credit.IdempotencyKey
	if idempotencyKeyValue != "" {
		parsedKey, err := credit.NewIdempotencyKey(idempotencyKeyValue)
		if err != nil {
			return credit.Transaction{}, err
		}
		idempotencyKey = &parsedKey
	}
	return credit.Transaction{
		TransactionID:   transactionIDValue,
		AccountID:       accountID,
		Seq:             seqValue,
		Kind:            kind,
		Delta:           delta,
		BalanceAfter:    balanceAfter,
		RelatedEntityID: relatedEntityValue,
		IdempotencyKey:  idempotencyKey,
		Description:     descriptionValue,
		CreatedUnixUTC:  createdUnixUTC,
	}, nil
}

func scanGrantRow(row pgx.Row) (credit.MembershipGrant, error) {
	var (
		grantIDValue        string
		accountIDValue      string
		packageIDValue      string
		creditsGrantedValue string
		purchaseAmountValue string
		isRefundedValue     bool
		refundAmountValue   string
		orderIDValue        string
		createdUnixUTC      int64
	)
	if err := row.Scan(
		&grantIDValue,
		&accountIDValue,
		&packageIDValue,
		&creditsGrantedValue,
		&purchaseAmountValue,
		&isRefundedValue,
		&refundAmountValue,
		&orderIDValue,
		&createdUnixUTC,
	); err != nil {
		return credit.MembershipGrant{}, err
	}
	grantID, err := credit.NewGrantID(grantIDValue)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	accountID, err := credit.NewAccountID(accountIDValue)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	packageID, err := credit.NewPackageID(packageIDValue)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	creditsGranted, err := credit.NewDecimal2FromString(creditsGrantedValue)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	purchaseAmount, err := credit.NewDecimal2FromString(purchaseAmountValue)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	refundAmount, err := credit.NewDecimal2FromString(refundAmountValue)
	if err != nil {
		return credit.MembershipGrant{}, err
	}
	return credit.MembershipGrant{
		GrantID:        grantID,
		AccountID:      accountID,
		PackageID:      packageID,
		CreditsGranted: creditsGranted,
		PurchaseAmount: purchaseAmount,
		IsRefunded:     isRefundedValue,
		RefundAmount:   refundAmount,
		OrderID:        orderIDValue,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func transactionMetadataJSON(transaction credit.Transaction) string {
	payload := map[string]string{"kind": transaction.Kind.String()}
	if transaction.RelatedEntityID != "" {
		payload["related_entity_id"] = transaction.RelatedEntityID
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func isIdempotencyConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	return false
}
