package credits

import "context"

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic and must lock the account row for the duration of the
// transaction when GetOrCreateAccount runs inside one, so concurrent debits
// against the same user serialize instead of racing the sufficiency check.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	AddToAccountBalance(ctx context.Context, userID UserID, deltaUnits int64) (int64, error)

	InsertStatement(ctx context.Context, statement Statement) error
	SumStatements(ctx context.Context, userID UserID) (int64, error)
	ListConsumeStatements(ctx context.Context, userID UserID, orderID OrderID) ([]Statement, error)
	ListStatements(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Statement, error)

	CreateGrant(ctx context.Context, grant Grant) error
	GetGrant(ctx context.Context, source CreditSource, grantID string) (Grant, error)
	ListActiveGrants(ctx context.Context, userID UserID, source CreditSource, nowUnixUTC int64) ([]Grant, error)
	AddToGrantBalance(ctx context.Context, source CreditSource, grantID string, deltaUnits int64) error
	MarkGrantIssued(ctx context.Context, grantID string) error
	ZeroGrantBalance(ctx context.Context, source CreditSource, grantID string) error
	ListIssuableGrants(ctx context.Context, nowUnixUTC int64, subscriptionID string) ([]Grant, error)
	ListExpirableGrants(ctx context.Context, nowUnixUTC int64, subscriptionID string) ([]Grant, error)
	DeleteUnissuedGrants(ctx context.Context, subscriptionID string) (int64, error)

	UpsertSubscription(ctx context.Context, subscription Subscription) error
	GetSubscription(ctx context.Context, userID UserID, subscriptionID string) (Subscription, error)
	DeleteSubscription(ctx context.Context, userID UserID, subscriptionID string) error
}
