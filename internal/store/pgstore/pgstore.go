package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectStatement    = "statement"
	errorSubjectGrant        = "grant"
	errorSubjectSubscription = "subscription"
	errorSubjectTransaction  = "transaction"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
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

	sqlInsertOrGetAccount = `
		insert into credit_accounts(user_id, balance_units) values($1, 0)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, balance_units
	`

	sqlAddToAccountBalance = `
		update credit_accounts
		set balance_units = balance_units + $2, updated_at = now()
		where user_id = $1
		returning balance_units
	`

	sqlInsertStatement = `
		insert into credit_statements(
			user_id, type, amount_units, balance_after_units, order_id,
			is_free_credit, is_subscription_credit, source_issue_id, metadata, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''),
			$6, $7,
			nullif($8,''),
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlSumStatements = `
		select coalesce(sum(amount_units),0) from credit_statements where user_id = $1
	`

	statementColumns = `
		id,
		user_id,
		type,
		amount_units,
		balance_after_units,
		coalesce(order_id,''),
		is_free_credit,
		is_subscription_credit,
		coalesce(source_issue_id,''),
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlListConsumeStatements = `
		select ` + statementColumns + `
		from credit_statements
		where user_id = $1 and order_id = $2 and type = 'consume'
		order by id asc
	`

	sqlListStatementsBefore = `
		select ` + statementColumns + `
		from credit_statements
		where user_id = $1 and created_at < to_timestamp($2)
		order by id desc
		limit $3
	`

	sqlInsertFreeGrant = `
		insert into free_credit_grants(
			grant_id, user_id, total_granted_units, balance_units, issue_at, expire_at
		)
		values($1, $2, $3, $4, to_timestamp($5), to_timestamp($6))
	`

	sqlInsertSubscriptionGrant = `
		insert into subscription_credit_grants(
			grant_id, user_id, subscription_id, widget_tag,
			total_granted_units, balance_units, issued, issue_at, expire_at
		)
		values($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), to_timestamp($9))
	`

	freeGrantColumns = `
		grant_id::text,
		user_id,
		total_granted_units,
		balance_units,
		extract(epoch from issue_at)::bigint,
		extract(epoch from expire_at)::bigint
	`

	subscriptionGrantColumns = `
		grant_id::text,
		user_id,
		subscription_id,
		widget_tag,
		total_granted_units,
		balance_units,
		issued,
		extract(epoch from issue_at)::bigint,
		extract(epoch from expire_at)::bigint
	`

	sqlSelectFreeGrant = `
		select ` + freeGrantColumns + `
		from free_credit_grants where grant_id = $1
		for update
	`

	sqlSelectSubscriptionGrant = `
		select ` + subscriptionGrantColumns + `
		from subscription_credit_grants where grant_id = $1
		for update
	`

	sqlListActiveFreeGrants = `
		select ` + freeGrantColumns + `
		from free_credit_grants
		where user_id = $1 and balance_units > 0 and expire_at >= to_timestamp($2)
		order by expire_at asc
		for update
	`

	sqlListActiveSubscriptionGrants = `
		select ` + subscriptionGrantColumns + `
		from subscription_credit_grants
		where user_id = $1 and issued and balance_units > 0 and expire_at >= to_timestamp($2)
		order by expire_at asc
		for update
	`

	sqlAddToFreeGrantBalance = `
		update free_credit_grants
		set balance_units = balance_units + $2, updated_at = now()
		where grant_id = $1
	`

	sqlAddToSubscriptionGrantBalance = `
		update subscription_credit_grants
		set balance_units = balance_units + $2, updated_at = now()
		where grant_id = $1
	`

	sqlMarkGrantIssued = `
		update subscription_credit_grants
		set issued = true, updated_at = now()
		where grant_id = $1
	`

	sqlZeroFreeGrantBalance = `
		update free_credit_grants
		set balance_units = 0, updated_at = now()
		where grant_id = $1
	`

	sqlZeroSubscriptionGrantBalance = `
		update subscription_credit_grants
		set balance_units = 0, updated_at = now()
		where grant_id = $1
	`

	sqlListIssuableGrants = `
		select ` + subscriptionGrantColumns + `
		from subscription_credit_grants
		where not issued and balance_units > 0 and issue_at <= to_timestamp($1)
		and ($2 = '' or subscription_id = $2)
		order by issue_at asc
	`

	sqlListExpirableFreeGrants = `
		select ` + freeGrantColumns + `
		from free_credit_grants
		where balance_units > 0 and expire_at < to_timestamp($1)
		order by expire_at asc
	`

	sqlListExpirableSubscriptionGrants = `
		select ` + subscriptionGrantColumns + `
		from subscription_credit_grants
		where issued and balance_units > 0 and expire_at < to_timestamp($1)
		and ($2 = '' or subscription_id = $2)
		order by expire_at asc
	`

	sqlDeleteUnissuedGrants = `
		delete from subscription_credit_grants
		where subscription_id = $1 and not issued
	`

	sqlUpsertSubscription = `
		insert into subscriptions(
			subscription_id, user_id, widget_tag, period_start, period_end, cancel_at_period_end
		)
		values($1, $2, $3, to_timestamp($4), to_timestamp($5), $6)
		on conflict (subscription_id) do update set
			user_id = excluded.user_id,
			widget_tag = excluded.widget_tag,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			updated_at = now()
	`

	sqlSelectSubscription = `
		select
			subscription_id,
			user_id,
			widget_tag,
			extract(epoch from period_start)::bigint,
			extract(epoch from period_end)::bigint,
			cancel_at_period_end
		from subscriptions
		where subscription_id = $1 and user_id = $2
		for update
	`

	sqlDeleteSubscription = `
		delete from subscriptions where subscription_id = $1 and user_id = $2
	`
)

// querier abstracts the shared pgx surface of a pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	base
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	base
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, base: base{db: pool}}
}

// WithTx runs fn inside a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, base: base{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx on an open transaction reuses it; nesting is not supported.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

type base struct {
	db querier
}

func (store base) GetOrCreateAccount(ctx context.Context, userID credits.UserID) (credits.Account, error) {
	var account credits.Account
	err := store.db.QueryRow(ctx, sqlInsertOrGetAccount, userID.String()).
		Scan(&account.UserID, &account.BalanceUnits)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store base) AddToAccountBalance(ctx context.Context, userID credits.UserID, deltaUnits int64) (int64, error) {
	var balanceUnits int64
	err := store.db.QueryRow(ctx, sqlAddToAccountBalance, userID.String(), deltaUnits).Scan(&balanceUnits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, credits.ErrInvalidBalance)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, err)
	}
	return balanceUnits, nil
}

func (store base) InsertStatement(ctx context.Context, statement credits.Statement) error {
	_, err := store.db.Exec(ctx, sqlInsertStatement,
		statement.UserID,
		statement.Type.String(),
		statement.AmountUnits,
		statement.BalanceAfterUnits,
		statement.OrderID,
		statement.IsFreeCredit,
		statement.IsSubscription,
		statement.SourceIssueID,
		statement.MetadataJSON,
		statement.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectStatement, errorCodeInsert, err)
	}
	return nil
}

func (store base) SumStatements(ctx context.Context, userID credits.UserID) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumStatements, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectStatement, errorCodeSum, err)
	}
	return sum, nil
}

func (store base) ListConsumeStatements(ctx context.Context, userID credits.UserID, orderID credits.OrderID) ([]credits.Statement, error) {
	rows, err := store.db.Query(ctx, sqlListConsumeStatements, userID.String(), orderID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectStatement, errorCodeList, err)
	}
	defer rows.Close()
	return scanStatements(rows)
}

func (store base) ListStatements(ctx context.Context, userID credits.UserID, beforeUnixUTC int64, limit int) ([]credits.Statement, error) {
	before := beforeUnixUTC
	if before == 0 {
		before = time.Now().UTC().Unix() + 1
	}
	rows, err := store.db.Query(ctx, sqlListStatementsBefore, userID.String(), before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectStatement, errorCodeList, err)
	}
	defer rows.Close()
	return scanStatements(rows)
}

func (store base) CreateGrant(ctx context.Context, grant credits.Grant) error {
	var err error
	switch grant.Source {
	case credits.SourceFree:
		_, err = store.db.Exec(ctx, sqlInsertFreeGrant,
			grant.GrantID,
			grant.UserID,
			grant.TotalGrantedUnits,
			grant.BalanceUnits,
			grant.IssueAtUnixUTC,
			grant.ExpireAtUnixUTC,
		)
	case credits.SourceSubscription:
		_, err = store.db.Exec(ctx, sqlInsertSubscriptionGrant,
			grant.GrantID,
			grant.UserID,
			grant.SubscriptionID,
			grant.WidgetTag,
			grant.TotalGrantedUnits,
			grant.BalanceUnits,
			grant.Issued,
			grant.IssueAtUnixUTC,
			grant.ExpireAtUnixUTC,
		)
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

func (store base) GetGrant(ctx context.Context, source credits.CreditSource, grantID string) (credits.Grant, error) {
	switch source {
	case credits.SourceFree:
		grant, err := scanFreeGrant(store.db.QueryRow(ctx, sqlSelectFreeGrant, grantID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, credits.ErrGrantNotFound)
			}
			return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
		}
		return grant, nil
	case credits.SourceSubscription:
		grant, err := scanSubscriptionGrant(store.db.QueryRow(ctx, sqlSelectSubscriptionGrant, grantID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, credits.ErrGrantNotFound)
			}
			return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
		}
		return grant, nil
	}
	return credits.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
}

func (store base) ListActiveGrants(ctx context.Context, userID credits.UserID, source credits.CreditSource, nowUnixUTC int64) ([]credits.Grant, error) {
	switch source {
	case credits.SourceFree:
		rows, err := store.db.Query(ctx, sqlListActiveFreeGrants, userID.String(), nowUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		defer rows.Close()
		return collectFreeGrants(rows)
	case credits.SourceSubscription:
		rows, err := store.db.Query(ctx, sqlListActiveSubscriptionGrants, userID.String(), nowUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		defer rows.Close()
		return collectSubscriptionGrants(rows)
	}
	return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
}

func (store base) AddToGrantBalance(ctx context.Context, source credits.CreditSource, grantID string, deltaUnits int64) error {
	query := sqlAddToFreeGrantBalance
	if source == credits.SourceSubscription {
		query = sqlAddToSubscriptionGrantBalance
	} else if source != credits.SourceFree {
		return wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
	}
	tag, err := store.db.Exec(ctx, query, grantID, deltaUnits)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdateBalance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdateBalance, credits.ErrGrantNotFound)
	}
	return nil
}

func (store base) MarkGrantIssued(ctx context.Context, grantID string) error {
	tag, err := store.db.Exec(ctx, sqlMarkGrantIssued, grantID)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeMarkIssued, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeMarkIssued, credits.ErrGrantNotFound)
	}
	return nil
}

func (store base) ZeroGrantBalance(ctx context.Context, source credits.CreditSource, grantID string) error {
	query := sqlZeroFreeGrantBalance
	if source == credits.SourceSubscription {
		query = sqlZeroSubscriptionGrantBalance
	} else if source != credits.SourceFree {
		return wrapStoreError(errorSubjectGrant, errorCodeInvalid, credits.ErrInvalidCreditSource)
	}
	tag, err := store.db.Exec(ctx, query, grantID)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeZeroBalance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeZeroBalance, credits.ErrGrantNotFound)
	}
	return nil
}

func (store base) ListIssuableGrants(ctx context.Context, nowUnixUTC int64, subscriptionID string) ([]credits.Grant, error) {
	rows, err := store.db.Query(ctx, sqlListIssuableGrants, nowUnixUTC, subscriptionID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	return collectSubscriptionGrants(rows)
}

func (store base) ListExpirableGrants(ctx context.Context, nowUnixUTC int64, subscriptionID string) ([]credits.Grant, error) {
	grants := make([]credits.Grant, 0)
	if subscriptionID == "" {
		rows, err := store.db.Query(ctx, sqlListExpirableFreeGrants, nowUnixUTC)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
		}
		freeGrants, err := collectFreeGrants(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		grants = append(grants, freeGrants...)
	}
	rows, err := store.db.Query(ctx, sqlListExpirableSubscriptionGrants, nowUnixUTC, subscriptionID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	subscriptionGrants, err := collectSubscriptionGrants(rows)
	if err != nil {
		return nil, err
	}
	return append(grants, subscriptionGrants...), nil
}

func (store base) DeleteUnissuedGrants(ctx context.Context, subscriptionID string) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlDeleteUnissuedGrants, subscriptionID)
	if err != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store base) UpsertSubscription(ctx context.Context, subscription credits.Subscription) error {
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		subscription.SubscriptionID,
		subscription.UserID,
		subscription.WidgetTag,
		subscription.PeriodStartUnixUTC,
		subscription.PeriodEndUnixUTC,
		subscription.CancelAtPeriodEnd,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, err)
	}
	return nil
}

func (store base) GetSubscription(ctx context.Context, userID credits.UserID, subscriptionID string) (credits.Subscription, error) {
	var subscription credits.Subscription
	err := store.db.QueryRow(ctx, sqlSelectSubscription, subscriptionID, userID.String()).Scan(
		&subscription.SubscriptionID,
		&subscription.UserID,
		&subscription.WidgetTag,
		&subscription.PeriodStartUnixUTC,
		&subscription.PeriodEndUnixUTC,
		&subscription.CancelAtPeriodEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, credits.ErrSubscriptionNotFound)
		}
		return credits.Subscription{}, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return subscription, nil
}

func (store base) DeleteSubscription(ctx context.Context, userID credits.UserID, subscriptionID string) error {
	tag, err := store.db.Exec(ctx, sqlDeleteSubscription, subscriptionID, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeDelete, credits.ErrSubscriptionNotFound)
	}
	return nil
}

func scanStatements(rows pgx.Rows) ([]credits.Statement, error) {
	statements := make([]credits.Statement, 0)
	for rows.Next() {
		var (
			statement credits.Statement
			rawType   string
		)
		err := rows.Scan(
			&statement.StatementID,
			&statement.UserID,
			&rawType,
			&statement.AmountUnits,
			&statement.BalanceAfterUnits,
			&statement.OrderID,
			&statement.IsFreeCredit,
			&statement.IsSubscription,
			&statement.SourceIssueID,
			&statement.MetadataJSON,
			&statement.CreatedUnixUTC,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectStatement, errorCodeInvalid, err)
		}
		statementType, err := credits.ParseStatementType(rawType)
		if err != nil {
			return nil, wrapStoreError(errorSubjectStatement, errorCodeInvalid, err)
		}
		statement.Type = statementType
		statements = append(statements, statement)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectStatement, errorCodeList, err)
	}
	return statements, nil
}

func scanFreeGrant(row pgx.Row) (credits.Grant, error) {
	grant := credits.Grant{Source: credits.SourceFree, Issued: true}
	err := row.Scan(
		&grant.GrantID,
		&grant.UserID,
		&grant.TotalGrantedUnits,
		&grant.BalanceUnits,
		&grant.IssueAtUnixUTC,
		&grant.ExpireAtUnixUTC,
	)
	return grant, err
}

func scanSubscriptionGrant(row pgx.Row) (credits.Grant, error) {
	grant := credits.Grant{Source: credits.SourceSubscription}
	err := row.Scan(
		&grant.GrantID,
		&grant.UserID,
		&grant.SubscriptionID,
		&grant.WidgetTag,
		&grant.TotalGrantedUnits,
		&grant.BalanceUnits,
		&grant.Issued,
		&grant.IssueAtUnixUTC,
		&grant.ExpireAtUnixUTC,
	)
	return grant, err
}

func collectFreeGrants(rows pgx.Rows) ([]credits.Grant, error) {
	grants := make([]credits.Grant, 0)
	for rows.Next() {
		grant, err := scanFreeGrant(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return grants, nil
}

func collectSubscriptionGrants(rows pgx.Rows) ([]credits.Grant, error) {
	grants := make([]credits.Grant, 0)
	for rows.Next() {
		grant, err := scanSubscriptionGrant(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return grants, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
