package credit

import (
	"context"
	"fmt"
	"strings"
)

// AccountID identifies a ledger account (1:1 with a user).
type AccountID struct {
	value string
}

// TransferID identifies a peer-to-peer transfer.
type TransferID struct {
	value string
}

// GrantID identifies a membership grant created by a package purchase.
type GrantID struct {
	value string
}

// PackageID identifies a catalog package.
type PackageID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per account.
type IdempotencyKey struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// Less orders account ids for deterministic cross-account locking.
func (id AccountID) Less(other AccountID) bool {
	return id.value < other.value
}

// NewTransferID validates and normalizes a transfer id.
func NewTransferID(raw string) (TransferID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransferID{}, fmt.Errorf("%w: empty value", ErrInvalidTransferID)
	}
	return TransferID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransferID) String() string {
	return id.value
}

// NewGrantID validates and normalizes a grant id.
func NewGrantID(raw string) (GrantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GrantID{}, fmt.Errorf("%w: empty value", ErrInvalidGrantID)
	}
	return GrantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GrantID) String() string {
	return id.value
}

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindServiceDebit     TransactionKind = "service_debit"
	KindGrantCredit      TransactionKind = "grant_credit"
	KindRefundCredit     TransactionKind = "refund_credit"
	KindTransferOut      TransactionKind = "transfer_out"
	KindTransferIn       TransactionKind = "transfer_in"
	KindPurchaseCredit   TransactionKind = "purchase_credit"
	KindCommissionPayout TransactionKind = "commission_payout"
)

// ParseTransactionKind validates a stored kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind := TransactionKind(raw)
	switch kind {
	case KindServiceDebit, KindGrantCredit, KindRefundCredit, KindTransferOut,
		KindTransferIn, KindPurchaseCredit, KindCommissionPayout:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

// isCreditKind reports whether the kind is valid for Grant (positive delta).
func (kind TransactionKind) isCreditKind() bool {
	switch kind {
	case KindGrantCredit, KindRefundCredit, KindPurchaseCredit, KindCommissionPayout:
		return true
	}
	return false
}

// TransferStatus defines transfer lifecycle.
type TransferStatus string

const (
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusRejected  TransferStatus = "rejected"
)

// RefundPolicy defines whether a package purchase can be reversed.
type RefundPolicy string

const (
	RefundPolicyRefundable    RefundPolicy = "refundable"
	RefundPolicyNonRefundable RefundPolicy = "non_refundable"
)

// Account is the mutable balance record. Balance always equals the running
// sum of applied transaction deltas; Version increases on every write.
type Account struct {
	AccountID      AccountID
	Balance        Decimal2
	Version        int64
	UpdatedUnixUTC int64
}

// Transaction is one immutable line in the ledger. Seq is the
// account-local application order: strictly increasing per account,
// assigned under the account row lock.
type Transaction struct {
	TransactionID   string
	AccountID       AccountID
	Seq             int64
	Kind            TransactionKind
	Delta           Decimal2
	BalanceAfter    Decimal2
	RelatedEntityID string
	IdempotencyKey  *IdempotencyKey
	Description     string
	CreatedUnixUTC  int64
}

// Transfer records a completed or rejected peer-to-peer movement. A
// completed transfer always has one TRANSFER_OUT and one TRANSFER_IN
// transaction linked through RelatedEntityID.
type Transfer struct {
	TransferID         TransferID
	SenderAccountID    AccountID
	RecipientAccountID AccountID
	Amount             Decimal2
	Message            string
	Status             TransferStatus
	CreatedUnixUTC     int64
}

// Package is a read-mostly catalog entry for a purchasable credit bundle.
type Package struct {
	PackageID     PackageID
	Price         Decimal2
	BonusCredits  Decimal2
	TotalCredits  Decimal2
	RefundPolicy  RefundPolicy
	DeductionRate Decimal2
}

// MembershipGrant records one purchase's effect on an account.
type MembershipGrant struct {
	GrantID        GrantID
	AccountID      AccountID
	PackageID      PackageID
	CreditsGranted Decimal2
	PurchaseAmount Decimal2
	IsRefunded     bool
	RefundAmount   Decimal2
	OrderID        string
	CreatedUnixUTC int64
}

// StatementFilter narrows a statement query.
type StatementFilter struct {
	Kind         *TransactionKind
	SinceUnixUTC int64
	UntilUnixUTC int64
}

// StatementPage is one page of a statement, newest first.
type StatementPage struct {
	Transactions []Transaction
	TotalCount   int64
	Page         int
	PageSize     int
}

// Store is the persistence contract used by Service. Mutating calls are
// only valid inside WithTx; GetAccountForUpdate must take an exclusive
// per-row lock that serializes concurrent transactions on one account.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, accountID AccountID, nowUnixUTC int64) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID AccountID, balance Decimal2, fromVersion int64, nowUnixUTC int64) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error)
	ListTransactions(ctx context.Context, accountID AccountID, filter StatementFilter, offset int, limit int) ([]Transaction, int64, error)
	CreateTransfer(ctx context.Context, transfer Transfer) error
	GetPackage(ctx context.Context, packageID PackageID) (Package, error)
	CreateMembershipGrant(ctx context.Context, grant MembershipGrant) error
	FindMembershipGrantByOrderID(ctx context.Context, orderID string) (MembershipGrant, bool, error)
	GetMembershipGrantForUpdate(ctx context.Context, grantID GrantID) (MembershipGrant, error)
	MarkMembershipGrantRefunded(ctx context.Context, grantID GrantID, refundAmount Decimal2) error
}
