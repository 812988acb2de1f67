package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	dialectPostgres       = "postgres"

	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectStatement    = "statement"
	errorSubjectGrant        = "grant"
	errorSubjectSubscription = "subscription"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeMarkIssued      = "mark_issued"
	errorCodeSum             = "sum"
	errorCodeUpdateBalance   = "update_balance"
	errorCodeUpsert          = "upsert"
	errorCodeZeroBalance     = "zero_balance"
)

// Store implements credits.Store using GORM. Row locking is applied only on
// dialects that support SELECT ... FOR UPDATE; sqlite serializes writers on
// its own.
type Store struct {
	db         *gorm.DB
	rowLocking bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, rowLocking: db.Dialector.Name() == dialectPostgres}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, rowLocking: store.rowLocking})
	})
}

func (store *Store) locked(db *gorm.DB) *gorm.DB {
	if store.rowLocking {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	var account CreditAccount
	err := store.locked(store.db.WithContext(ctx)).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = CreditAccount{UserID: userID.String(), BalanceUnits: 0}
		err = store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
			Create(&account).Error
		if err == nil {
			err = store.locked(store.db.WithContext(ctx)).
				Where("user_id = ?", userID.String()).
				Take(&account).Error
		}
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return credits.Account{UserID: account.UserID, BalanceUnits: account.BalanceUnits}, nil
}

func (store *Store) AddToAccountBalance(ctx context.Context, userID credits.UserID, deltaUnits int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ?", userID.String()).
		UpdateColumn("balance_units", gorm.Expr("balance_units + ?", deltaUnits))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, gorm.ErrRecordNotFound)
	}
	var account CreditAccount
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error; err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.BalanceUnits, nil
}

func (store *Store) InsertStatement(ctx context.Context, statement credits.Statement) error {
	row := CreditStatement{
		UserID:            statement.UserID,
		Type:              statement.Type.String(),
		AmountUnits:       statement.AmountUnits,
		BalanceAfterUnits: statement.BalanceAfterUnits,
		OrderID:           optionalString(statement.OrderID),
		IsFreeCredit:      statement.IsFreeCredit,
		IsSubscription:    statement.IsSubscription,
		SourceIssueID:     optionalString(statement.SourceIssueID),
		Metadata:          datatypesJSON(statement.MetadataJSON),
		CreatedAt:         time.Unix(statement.CreatedUnixUTC, 0).UTC(),
	}
	if statement.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectStatement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumStatements(ctx context.Context, userID credits.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditStatement{}).
		Select("coalesce(sum(amount_units),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectStatement, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListConsumeStatements(ctx context.Context, userID credits.UserID, orderID credits.OrderID) ([]credits.Statement, error) {
	var rows []CreditStatement
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND order_id = ? AND type = ?", userID.String(), orderID.String(), credits.StatementConsume.String()).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStatement, errorCodeList, err)
	}
	return mapStatements(rows)
}

func (store *Store) ListStatements(ctx context.Context, userID credits.UserID, beforeUnixUTC int64, limit int) ([]credits.Statement, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditStatement
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectStatement, errorCodeList, err)
	}
	return mapStatements(rows)
}

func (store *Store) CreateGrant(ctx context.Context, grant credits.Grant) error {
	var err error
	switch grant.Source {
	case credits.SourceFree:
		row := FreeCreditGrant{
			GrantID:           grant.GrantID,
			UserID:            grant.UserID,
			TotalGrantedUnits: grant.TotalGrantedUnits,
			BalanceUnits:      grant.BalanceUnits,
			IssueAt:           time.Unix(grant.IssueAtUnixUTC, 0).UTC(),
			ExpireAt:          time.Unix(grant.ExpireAtUnixUTC, 0).UTC(),
		}
		err = store.db.WithContext(ctx).Create(&row).Error
	case credits.SourceSubscription:
		row := SubscriptionCreditGrant{
			GrantID:           grant.GrantID,
			UserID:            grant.UserID,
			SubscriptionID:    grant.SubscriptionID,
			WidgetTag:         grant.WidgetTag,
			TotalGrantedUnits: grant.TotalGrantedUnits,
			BalanceUnits:      grant.BalanceUnits,
			Issued:            grant.Issued,
			IssueAt:           time.Unix(grant.IssueAtUnixUTC, 0).UTC(),
			ExpireAt:          time.Unix(grant.ExpireAtUnixUTC, 0).UTC(),
		}
		err = store.db.WithContext(ctx).Create(&row).Error
	default:
		return wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
	}
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, credits.ErrGrantExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetGrant(ctx context.Context, source credits.CreditSource, grantID string) (credits.Grant, error) {
	switch source {
	case credits.SourceFree:
		var row FreeCreditGrant
		err := store.locked(store.db.WithContext(ctx)).
			Where("grant_id = ?", grantID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, credits.ErrGrantNotFound)
		}
		if err != nil {
			return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
		}
		return mapFreeGrant(row), nil
	case credits.SourceSubscription:
		var row SubscriptionCreditGrant
		err := store.locked(store.db.WithContext(ctx)).
			Where("grant_id = ?", grantID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, credits.ErrGrantNotFound)
		}
		if err != nil {
			return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
		}
		return mapSubscriptionGrant(row), nil
	}
	return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
}

func (store *Store) ListActiveGrants(ctx context.Context, userID credits.UserID, source credits.CreditSource, nowUnixUTC int64) ([]credits.Grant, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	switch source {
	case credits.SourceFree:
		var rows []FreeCreditGrant
		err := store.locked(store.db.WithContext(ctx)).
			Where("user_id = ? AND balance_units > 0 AND expire_at >= ?", userID.String(), now).
			Order("expire_at ASC").
			Find(&rows).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		grants := make([]credits.Grant, 0, len(rows))
		for _, row := range rows {
			grants = append(grants, mapFreeGrant(row))
		}
		return grants, nil
	case credits.SourceSubscription:
		var rows []SubscriptionCreditGrant
		err := store.locked(store.db.WithContext(ctx)).
			Where("user_id = ? AND issued = ? AND balance_units > 0 AND expire_at >= ?", userID.String(), true, now).
			Order("expire_at ASC").
			Find(&rows).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		grants := make([]credits.Grant, 0, len(rows))
		for _, row := range rows {
			grants = append(grants, mapSubscriptionGrant(row))
		}
		return grants, nil
	}
	return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
}

func (store *Store) AddToGrantBalance(ctx context.Context, source credits.CreditSource, grantID string, deltaUnits int64) error {
	var result *gorm.DB
	switch source {
	case credits.SourceFree:
		result = store.db.WithContext(ctx).
			Model(&FreeCreditGrant{}).
			Where("grant_id = ?", grantID).
			UpdateColumn("balance_units", gorm.Expr("balance_units + ?", deltaUnits))
	case credits.SourceSubscription:
		result = store.db.WithContext(ctx).
			Model(&SubscriptionCreditGrant{}).
			Where("grant_id = ?", grantID).
			UpdateColumn("balance_units", gorm.Expr("balance_units + ?", deltaUnits))
	default:
		return wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdateBalance, credits.ErrGrantNotFound)
	}
	return nil
}

func (store *Store) MarkGrantIssued(ctx context.Context, grantID string) error {
	result := store.db.WithContext(ctx).
		Model(&SubscriptionCreditGrant{}).
		Where("grant_id = ?", grantID).
		Update("issued", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeMarkIssued, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeMarkIssued, credits.ErrGrantNotFound)
	}
	return nil
}

func (store *Store) ZeroGrantBalance(ctx context.Context, source credits.CreditSource, grantID string) error {
	var result *gorm.DB
	switch source {
	case credits.SourceFree:
		result = store.db.WithContext(ctx).
			Model(&FreeCreditGrant{}).
			Where("grant_id = ?", grantID).
			Update("balance_units", 0)
	case credits.SourceSubscription:
		result = store.db.WithContext(ctx).
			Model(&SubscriptionCreditGrant{}).
			Where("grant_id = ?", grantID).
			Update("balance_units", 0)
	default:
		return wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeZeroBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeZeroBalance, credits.ErrGrantNotFound)
	}
	return nil
}

func (store *Store) ListIssuableGrants(ctx context.Context, nowUnixUTC int64, subscriptionID string) ([]credits.Grant, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx).
		Where("issued = ? AND balance_units > 0 AND issue_at <= ?", false, now)
	if subscriptionID != "" {
		query = query.Where("subscription_id = ?", subscriptionID)
	}
	var rows []SubscriptionCreditGrant
	if err := query.Order("issue_at ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	grants := make([]credits.Grant, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, mapSubscriptionGrant(row))
	}
	return grants, nil
}

func (store *Store) ListExpirableGrants(ctx context.Context, nowUnixUTC int64, subscriptionID string) ([]credits.Grant, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	grants := make([]credits.Grant, 0)

	if subscriptionID == "" {
		var freeRows []FreeCreditGrant
		err := store.db.WithContext(ctx).
			Where("balance_units > 0 AND expire_at < ?", now).
			Order("expire_at ASC").
			Find(&freeRows).Error
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		for _, row := range freeRows {
			grants = append(grants, mapFreeGrant(row))
		}
	}

	query := store.db.WithContext(ctx).
		Where("issued = ? AND balance_units > 0 AND expire_at < ?", true, now)
	if subscriptionID != "" {
		query = query.Where("subscription_id = ?", subscriptionID)
	}
	var subscriptionRows []SubscriptionCreditGrant
	if err := query.Order("expire_at ASC").Find(&subscriptionRows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	for _, row := range subscriptionRows {
		grants = append(grants, mapSubscriptionGrant(row))
	}
	return grants, nil
}

func (store *Store) DeleteUnissuedGrants(ctx context.Context, subscriptionID string) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("subscription_id = ? AND issued = ?", subscriptionID, false).
		Delete(&SubscriptionCreditGrant{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) UpsertSubscription(ctx context.Context, subscription credits.Subscription) error {
	row := Subscription{
		SubscriptionID:    subscription.SubscriptionID,
		UserID:            subscription.UserID,
		WidgetTag:         subscription.WidgetTag,
		PeriodStart:       time.Unix(subscription.PeriodStartUnixUTC, 0).UTC(),
		PeriodEnd:         time.Unix(subscription.PeriodEndUnixUTC, 0).UTC(),
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "widget_tag", "period_start", "period_end", "cancel_at_period_end", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetSubscription(ctx context.Context, userID credits.UserID, subscriptionID string) (credits.Subscription, error) {
	var row Subscription
	err := store.locked(store.db.WithContext(ctx)).
		Where("subscription_id = ? AND user_id = ?", subscriptionID, userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, credits.ErrSubscriptionNotFound)
	}
	if err != nil {
		return credits.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return credits.Subscription{
		SubscriptionID:     row.SubscriptionID,
		UserID:             row.UserID,
		WidgetTag:          row.WidgetTag,
		PeriodStartUnixUTC: row.PeriodStart.Unix(),
		PeriodEndUnixUTC:   row.PeriodEnd.Unix(),
		CancelAtPeriodEnd:  row.CancelAtPeriodEnd,
	}, nil
}

func (store *Store) DeleteSubscription(ctx context.Context, userID credits.UserID, subscriptionID string) error {
	result := store.db.WithContext(ctx).
		Where("subscription_id = ? AND user_id = ?", subscriptionID, userID.String()).
		Delete(&Subscription{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeDelete, credits.ErrSubscriptionNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapStatements(rows []CreditStatement) ([]credits.Statement, error) {
	statements := make([]credits.Statement, 0, len(rows))
	for _, row := range rows {
		statementType, err := credits.ParseStatementType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectStatement, errorCodeInvalid, err)
		}
		statements = append(statements, credits.Statement{
			StatementID:       row.ID,
			UserID:            row.UserID,
			Type:              statementType,
			AmountUnits:       row.AmountUnits,
			BalanceAfterUnits: row.BalanceAfterUnits,
			OrderID:           stringOrEmpty(row.OrderID),
			IsFreeCredit:      row.IsFreeCredit,
			IsSubscription:    row.IsSubscription,
			SourceIssueID:     stringOrEmpty(row.SourceIssueID),
			MetadataJSON:      string(row.Metadata),
			CreatedUnixUTC:    row.CreatedAt.Unix(),
		})
	}
	return statements, nil
}

func mapFreeGrant(row FreeCreditGrant) credits.Grant {
	return credits.Grant{
		GrantID:           row.GrantID,
		UserID:            row.UserID,
		Source:            credits.SourceFree,
		TotalGrantedUnits: row.TotalGrantedUnits,
		BalanceUnits:      row.BalanceUnits,
		Issued:            true,
		IssueAtUnixUTC:    row.IssueAt.Unix(),
		ExpireAtUnixUTC:   row.ExpireAt.Unix(),
	}
}

func mapSubscriptionGrant(row SubscriptionCreditGrant) credits.Grant {
	return credits.Grant{
		GrantID:           row.GrantID,
		UserID:            row.UserID,
		Source:            credits.SourceSubscription,
		SubscriptionID:    row.SubscriptionID,
		WidgetTag:         row.WidgetTag,
		TotalGrantedUnits: row.TotalGrantedUnits,
		BalanceUnits:      row.BalanceUnits,
		Issued:            row.Issued,
		IssueAtUnixUTC:    row.IssueAt.Unix(),
		ExpireAtUnixUTC:   row.ExpireAt.Unix(),
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
