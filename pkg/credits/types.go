package credits

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AmountUnits is an integer credit amount in minor units. Positive values are
// credits, negative values are debits.
type AmountUnits int64

// Int64 returns the raw amount.
func (amount AmountUnits) Int64() int64 {
	return int64(amount)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// OrderID correlates ledger statements with an external order.
type OrderID struct {
	value string
}

// NewOrderID validates and normalizes an order id.
func NewOrderID(raw string) (OrderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderID{}, fmt.Errorf("%w: empty value", ErrInvalidOrderID)
	}
	return OrderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrderID) String() string {
	return id.value
}

// PositiveAmount is a strictly positive credit amount in minor units.
type PositiveAmount struct {
	value int64
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: raw}, nil
}

// Units returns the raw amount.
func (amount PositiveAmount) Units() int64 {
	return amount.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// StatementType enumerates balance-affecting event kinds.
type StatementType string

const (
	StatementTopUp   StatementType = "top_up"
	StatementConsume StatementType = "consume"
	StatementRefund  StatementType = "refund"
	StatementIssue   StatementType = "issue"
	StatementExpire  StatementType = "expire"
)

// ParseStatementType validates a raw statement type.
func ParseStatementType(raw string) (StatementType, error) {
	switch StatementType(raw) {
	case StatementTopUp, StatementConsume, StatementRefund, StatementIssue, StatementExpire:
		return StatementType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatementType, raw)
}

// String returns the raw type.
func (statementType StatementType) String() string {
	return string(statementType)
}

// CreditSource names the grant pool a statement or grant belongs to.
type CreditSource string

const (
	SourceFree         CreditSource = "free"
	SourceSubscription CreditSource = "subscription"
)

// ParseCreditSource validates a raw credit source.
func ParseCreditSource(raw string) (CreditSource, error) {
	switch CreditSource(raw) {
	case SourceFree, SourceSubscription:
		return CreditSource(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCreditSource, raw)
}

// String returns the raw source.
func (source CreditSource) String() string {
	return string(source)
}

// Account is the per-user authoritative balance cache. The balance always
// equals the statement sum for the user; it exists so consumption can check
// sufficiency with a single locked read.
type Account struct {
	UserID       string
	BalanceUnits int64
}

// Statement is a single immutable line in the audit log.
type Statement struct {
	StatementID       int64
	UserID            string
	Type              StatementType
	AmountUnits       int64
	BalanceAfterUnits int64
	OrderID           string
	IsFreeCredit      bool
	IsSubscription    bool
	SourceIssueID     string
	MetadataJSON      string
	CreatedUnixUTC    int64
}

// Source returns the grant pool the statement drew on, or false for the
// unallocated/top-up balance.
func (statement Statement) Source() (CreditSource, bool) {
	if statement.IsFreeCredit {
		return SourceFree, true
	}
	if statement.IsSubscription {
		return SourceSubscription, true
	}
	return "", false
}

// Grant is a bounded-balance credit allocation with its own expiration.
// Free grants are active from creation; subscription grants stay dormant
// until the issuance sweep flips Issued on or after IssueAtUnixUTC.
type Grant struct {
	GrantID           string
	UserID            string
	Source            CreditSource
	SubscriptionID    string
	WidgetTag         string
	TotalGrantedUnits int64
	BalanceUnits      int64
	Issued            bool
	IssueAtUnixUTC    int64
	ExpireAtUnixUTC   int64
}

// ActiveAt reports whether the grant can satisfy consumption at the given time.
func (grant Grant) ActiveAt(nowUnixUTC int64) bool {
	if grant.Source == SourceSubscription && !grant.Issued {
		return false
	}
	return grant.BalanceUnits > 0 && grant.ExpireAtUnixUTC >= nowUnixUTC
}

// ExpiredAt reports whether the grant's expiry has passed.
func (grant Grant) ExpiredAt(nowUnixUTC int64) bool {
	return grant.ExpireAtUnixUTC < nowUnixUTC
}

// Subscription schedules recurring credit grants for a user.
type Subscription struct {
	SubscriptionID     string
	UserID             string
	WidgetTag          string
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	CancelAtPeriodEnd  bool
}

// SubscriptionDetail carries the caller-supplied subscription attributes.
type SubscriptionDetail struct {
	SubscriptionID     string
	WidgetTag          string
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	CancelAtPeriodEnd  bool
}

// GrantSchedule is one scheduled credit in a subscription upsert.
type GrantSchedule struct {
	AmountUnits     int64
	IssueAtUnixUTC  int64
	ExpireAtUnixUTC int64
}

// Validate checks a scheduled entry before any write happens.
func (schedule GrantSchedule) Validate() error {
	if schedule.AmountUnits <= 0 {
		return fmt.Errorf("%w: scheduled amount must be greater than zero", ErrInvalidSchedule)
	}
	if schedule.IssueAtUnixUTC > schedule.ExpireAtUnixUTC {
		return fmt.Errorf("%w: issue date after expire date", ErrInvalidSchedule)
	}
	return nil
}

// ConsumeResult reports how a consumption split across sources.
type ConsumeResult struct {
	TotalUnits        int64
	FreeUnits         int64
	SubscriptionUnits int64
}
