package credits

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store with per-call error hooks. WithTx snapshots
// state and restores it on failure, mirroring transactional rollback.
type stubStore struct {
	accounts      map[string]int64
	grants        map[string]Grant
	statements    []Statement
	subscriptions map[string]Subscription

	nextStatementID int64

	getAccountError            error
	addBalanceError            error
	insertStatementError       error
	insertStatementErrorAtCall int
	insertStatementCalls       int
	listGrantsError            error
	getGrantError              error
	addGrantBalanceError       error
	createGrantError           error
	listConsumeError           error
	upsertSubscriptionError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:      map[string]int64{},
		grants:        map[string]Grant{},
		subscriptions: map[string]Subscription{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		accounts:        make(map[string]int64, len(store.accounts)),
		grants:          make(map[string]Grant, len(store.grants)),
		statements:      append([]Statement(nil), store.statements...),
		subscriptions:   make(map[string]Subscription, len(store.subscriptions)),
		nextStatementID: store.nextStatementID,
	}
	for key, value := range store.accounts {
		clone.accounts[key] = value
	}
	for key, value := range store.grants {
		clone.grants[key] = value
	}
	for key, value := range store.subscriptions {
		clone.subscriptions[key] = value
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.accounts = saved.accounts
	store.grants = saved.grants
	store.statements = saved.statements
	store.subscriptions = saved.subscriptions
	store.nextStatementID = saved.nextStatementID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, userID UserID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	balance, ok := store.accounts[userID.String()]
	if !ok {
		store.accounts[userID.String()] = 0
		balance = 0
	}
	return Account{UserID: userID.String(), BalanceUnits: balance}, nil
}

func (store *stubStore) AddToAccountBalance(_ context.Context, userID UserID, deltaUnits int64) (int64, error) {
	if store.addBalanceError != nil {
		return 0, store.addBalanceError
	}
	store.accounts[userID.String()] += deltaUnits
	return store.accounts[userID.String()], nil
}

func (store *stubStore) InsertStatement(_ context.Context, statement Statement) error {
	store.insertStatementCalls++
	if store.insertStatementError != nil {
		if store.insertStatementErrorAtCall == 0 || store.insertStatementCalls >= store.insertStatementErrorAtCall {
			return store.insertStatementError
		}
	}
	store.nextStatementID++
	statement.StatementID = store.nextStatementID
	store.statements = append(store.statements, statement)
	return nil
}

func (store *stubStore) SumStatements(_ context.Context, userID UserID) (int64, error) {
	var sum int64
	for _, statement := range store.statements {
		if statement.UserID == userID.String() {
			sum += statement.AmountUnits
		}
	}
	return sum, nil
}

func (store *stubStore) ListConsumeStatements(_ context.Context, userID UserID, orderID OrderID) ([]Statement, error) {
	if store.listConsumeError != nil {
		return nil, store.listConsumeError
	}
	matches := make([]Statement, 0)
	for _, statement := range store.statements {
		if statement.UserID == userID.String() && statement.OrderID == orderID.String() && statement.Type == StatementConsume {
			matches = append(matches, statement)
		}
	}
	sort.Slice(matches, func(left, right int) bool {
		return matches[left].StatementID < matches[right].StatementID
	})
	return matches, nil
}

func (store *stubStore) ListStatements(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Statement, error) {
	matches := make([]Statement, 0)
	for _, statement := range store.statements {
		if statement.UserID != userID.String() {
			continue
		}
		if beforeUnixUTC != 0 && statement.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matches = append(matches, statement)
	}
	sort.Slice(matches, func(left, right int) bool {
		return matches[left].StatementID > matches[right].StatementID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (store *stubStore) CreateGrant(_ context.Context, grant Grant) error {
	if store.createGrantError != nil {
		return store.createGrantError
	}
	if _, exists := store.grants[grant.GrantID]; exists {
		return ErrGrantExists
	}
	store.grants[grant.GrantID] = grant
	return nil
}

func (store *stubStore) GetGrant(_ context.Context, source CreditSource, grantID string) (Grant, error) {
	if store.getGrantError != nil {
		return Grant{}, store.getGrantError
	}
	grant, ok := store.grants[grantID]
	if !ok || grant.Source != source {
		return Grant{}, ErrGrantNotFound
	}
	return grant, nil
}

func (store *stubStore) ListActiveGrants(_ context.Context, userID UserID, source CreditSource, nowUnixUTC int64) ([]Grant, error) {
	if store.listGrantsError != nil {
		return nil, store.listGrantsError
	}
	matches := make([]Grant, 0)
	for _, grant := range store.grants {
		if grant.UserID == userID.String() && grant.Source == source && grant.ActiveAt(nowUnixUTC) {
			matches = append(matches, grant)
		}
	}
	sortGrantsByExpiry(matches)
	return matches, nil
}

func (store *stubStore) AddToGrantBalance(_ context.Context, source CreditSource, grantID string, deltaUnits int64) error {
	if store.addGrantBalanceError != nil {
		return store.addGrantBalanceError
	}
	grant, ok := store.grants[grantID]
	if !ok || grant.Source != source {
		return ErrGrantNotFound
	}
	grant.BalanceUnits += deltaUnits
	store.grants[grantID] = grant
	return nil
}

func (store *stubStore) MarkGrantIssued(_ context.Context, grantID string) error {
	grant, ok := store.grants[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	grant.Issued = true
	store.grants[grantID] = grant
	return nil
}

func (store *stubStore) ZeroGrantBalance(_ context.Context, source CreditSource, grantID string) error {
	grant, ok := store.grants[grantID]
	if !ok || grant.Source != source {
		return ErrGrantNotFound
	}
	grant.BalanceUnits = 0
	store.grants[grantID] = grant
	return nil
}

func (store *stubStore) ListIssuableGrants(_ context.Context, nowUnixUTC int64, subscriptionID string) ([]Grant, error) {
	if store.listGrantsError != nil {
		return nil, store.listGrantsError
	}
	matches := make([]Grant, 0)
	for _, grant := range store.grants {
		if grant.Source != SourceSubscription || grant.Issued {
			continue
		}
		if grant.BalanceUnits <= 0 || grant.IssueAtUnixUTC > nowUnixUTC {
			continue
		}
		if subscriptionID != "" && grant.SubscriptionID != subscriptionID {
			continue
		}
		matches = append(matches, grant)
	}
	sortGrantsByExpiry(matches)
	return matches, nil
}

func (store *stubStore) ListExpirableGrants(_ context.Context, nowUnixUTC int64, subscriptionID string) ([]Grant, error) {
	if store.listGrantsError != nil {
		return nil, store.listGrantsError
	}
	matches := make([]Grant, 0)
	for _, grant := range store.grants {
		if grant.BalanceUnits <= 0 || !grant.ExpiredAt(nowUnixUTC) {
			continue
		}
		if grant.Source == SourceSubscription && !grant.Issued {
			continue
		}
		if subscriptionID != "" && (grant.Source != SourceSubscription || grant.SubscriptionID != subscriptionID) {
			continue
		}
		matches = append(matches, grant)
	}
	sortGrantsByExpiry(matches)
	return matches, nil
}

func (store *stubStore) DeleteUnissuedGrants(_ context.Context, subscriptionID string) (int64, error) {
	var deleted int64
	for grantID, grant := range store.grants {
		if grant.Source == SourceSubscription && grant.SubscriptionID == subscriptionID && !grant.Issued {
			delete(store.grants, grantID)
			deleted++
		}
	}
	return deleted, nil
}

func (store *stubStore) UpsertSubscription(_ context.Context, subscription Subscription) error {
	if store.upsertSubscriptionError != nil {
		return store.upsertSubscriptionError
	}
	store.subscriptions[subscription.SubscriptionID] = subscription
	return nil
}

func (store *stubStore) GetSubscription(_ context.Context, userID UserID, subscriptionID string) (Subscription, error) {
	subscription, ok := store.subscriptions[subscriptionID]
	if !ok || subscription.UserID != userID.String() {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (store *stubStore) DeleteSubscription(_ context.Context, userID UserID, subscriptionID string) error {
	subscription, ok := store.subscriptions[subscriptionID]
	if !ok || subscription.UserID != userID.String() {
		return ErrSubscriptionNotFound
	}
	delete(store.subscriptions, subscriptionID)
	return nil
}

func sortGrantsByExpiry(grants []Grant) {
	sort.Slice(grants, func(left, right int) bool {
		if grants[left].ExpireAtUnixUTC != grants[right].ExpireAtUnixUTC {
			return grants[left].ExpireAtUnixUTC < grants[right].ExpireAtUnixUTC
		}
		return grants[left].GrantID < grants[right].GrantID
	})
}

func (store *stubStore) mustGrant(test *testing.T, grantID string) Grant {
	test.Helper()
	grant, ok := store.grants[grantID]
	if !ok {
		test.Fatalf("grant %s not found", grantID)
	}
	return grant
}

func (store *stubStore) statementsOfType(statementType StatementType) []Statement {
	matches := make([]Statement, 0)
	for _, statement := range store.statements {
		if statement.Type == statementType {
			matches = append(matches, statement)
		}
	}
	return matches
}

func mustNewService(test *testing.T, store Store, nowUnixUTC int64) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return nowUnixUTC })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustOrderID(test *testing.T, raw string) OrderID {
	test.Helper()
	orderID, err := NewOrderID(raw)
	if err != nil {
		test.Fatalf("order id: %v", err)
	}
	return orderID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
