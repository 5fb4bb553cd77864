package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is numeric(18,2) and is
// only ever written through the credit service's apply path.
type Account struct {
	AccountID string          `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Version   int64           `gorm:"not null"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerTransaction mirrors the ledger_transactions table. Rows are
// append-only; the (account_id, idempotency_key) pair is unique when a
// key is present.
type LedgerTransaction struct {
	TransactionID   string          `gorm:"type:uuid;primaryKey"`
	AccountID       string          `gorm:"not null;index:idx_transactions_account_seq,priority:1;index:uniq_transaction_idem,unique,priority:1"`
	Seq             int64           `gorm:"not null;index:idx_transactions_account_seq,priority:2"`
	Kind            string          `gorm:"not null"`
	Delta           decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	RelatedEntityID *string         `gorm:"index"`
	IdempotencyKey  *string         `gorm:"index:uniq_transaction_idem,unique,priority:2"`
	Description     string          `gorm:""`
	Metadata        datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt       time.Time       `gorm:"not null;index"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Transfer mirrors the transfers table.
type Transfer struct {
	TransferID         string          `gorm:"primaryKey"`
	SenderAccountID    string          `gorm:"not null;index"`
	RecipientAccountID string          `gorm:"not null;index"`
	Amount             decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Message            string          `gorm:""`
	Status             string          `gorm:"not null"`
	CreatedAt          time.Time       `gorm:"not null"`
}

func (Transfer) TableName() string { return "transfers" }

// Package mirrors the packages catalog table (read-mostly, seeded out of
// band or through SeedPackages).
type Package struct {
	PackageID     string          `gorm:"primaryKey"`
	Price         decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	BonusCredits  decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	TotalCredits  decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	RefundPolicy  string          `gorm:"not null"`
	DeductionRate decimal.Decimal `gorm:"type:numeric(6,4);not null"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (Package) TableName() string { return "packages" }

// MembershipGrant mirrors the membership_grants table.
type MembershipGrant struct {
	GrantID        string          `gorm:"type:uuid;primaryKey"`
	AccountID      string          `gorm:"not null;index"`
	PackageID      string          `gorm:"not null"`
	CreditsGranted decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	PurchaseAmount decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	IsRefunded     bool            `gorm:"not null"`
	RefundAmount   decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	OrderID        string          `gorm:"not null;uniqueIndex"`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (MembershipGrant) TableName() string { return "membership_grants" }
