package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table: the per-user cached
// balance, reconciled against the statement sum inside every transaction.
type CreditAccount struct {
	UserID       string    `gorm:"primaryKey"`
	BalanceUnits int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditStatement mirrors the credit_statements table. Rows are append-only;
// nothing in the store updates or deletes them.
type CreditStatement struct {
	ID                int64          `gorm:"primaryKey;autoIncrement"`
	UserID            string         `gorm:"not null;index:idx_statements_user_created,priority:1;index:idx_statements_user_order,priority:1"`
	Type              string         `gorm:"not null"`
	AmountUnits       int64          `gorm:"not null"`
	BalanceAfterUnits int64          `gorm:"not null"`
	OrderID           *string        `gorm:"index:idx_statements_user_order,priority:2"`
	IsFreeCredit      bool           `gorm:"not null;default:false"`
	IsSubscription    bool           `gorm:"not null;default:false;column:is_subscription_credit"`
	SourceIssueID     *string        `gorm:""`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_statements_user_created,priority:2"`
}

func (CreditStatement) TableName() string { return "credit_statements" }

// FreeCreditGrant mirrors the free_credit_grants table. Free grants are
// active from creation and carry no issuance gate.
type FreeCreditGrant struct {
	GrantID           string    `gorm:"type:uuid;primaryKey"`
	UserID            string    `gorm:"not null;index:idx_free_grants_user_expire,priority:1"`
	TotalGrantedUnits int64     `gorm:"not null"`
	BalanceUnits      int64     `gorm:"not null"`
	IssueAt           time.Time `gorm:"not null"`
	ExpireAt          time.Time `gorm:"not null;index:idx_free_grants_user_expire,priority:2"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (FreeCreditGrant) TableName() string { return "free_credit_grants" }

func (grant *FreeCreditGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// SubscriptionCreditGrant mirrors the subscription_credit_grants table.
// Issued stays false until the issuance sweep credits the grant.
type SubscriptionCreditGrant struct {
	GrantID           string    `gorm:"type:uuid;primaryKey"`
	UserID            string    `gorm:"not null;index:idx_sub_grants_user_expire,priority:1"`
	SubscriptionID    string    `gorm:"not null;index"`
	WidgetTag         string    `gorm:"not null;default:''"`
	TotalGrantedUnits int64     `gorm:"not null"`
	BalanceUnits      int64     `gorm:"not null"`
	Issued            bool      `gorm:"not null;default:false"`
	IssueAt           time.Time `gorm:"not null"`
	ExpireAt          time.Time `gorm:"not null;index:idx_sub_grants_user_expire,priority:2"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (SubscriptionCreditGrant) TableName() string { return "subscription_credit_grants" }

func (grant *SubscriptionCreditGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// Subscription mirrors the subscriptions table.
type Subscription struct {
	SubscriptionID    string    `gorm:"primaryKey"`
	UserID            string    `gorm:"not null;index"`
	WidgetTag         string    `gorm:"not null;default:''"`
	PeriodStart       time.Time `gorm:"not null"`
	PeriodEnd         time.Time `gorm:"not null"`
	CancelAtPeriodEnd bool      `gorm:"not null;default:false"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Models lists every table for AutoMigrate bootstrap.
func Models() []interface{} {
	return []interface{}{
		&CreditAccount{},
		&CreditStatement{},
		&FreeCreditGrant{},
		&SubscriptionCreditGrant{},
		&Subscription{},
	}
}
