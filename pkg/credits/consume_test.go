package credits

import (
	"context"
	"errors"
	"testing"
)

const (
	testNowUnixUTC = int64(1_700_000_000)
	dayInSeconds   = int64(86_400)
)

func TestConsumeDrainsFreeBeforeSubscription(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	seedFreeGrant(test, store, service, userID, "free-1", 100, testNowUnixUTC+dayInSeconds)
	seedIssuedSubscriptionGrant(test, store, service, userID, "sub-grant-1", "sub-1", 500, testNowUnixUTC+30*dayInSeconds)

	result, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 300), mustOrderID(test, "order-1"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if result.TotalUnits != 300 || result.FreeUnits != 100 || result.SubscriptionUnits != 200 {
		test.Fatalf("unexpected split: %+v", result)
	}

	consumeStatements := store.statementsOfType(StatementConsume)
	if len(consumeStatements) != 2 {
		test.Fatalf("expected 2 consume statements, got %d", len(consumeStatements))
	}
	first, second := consumeStatements[0], consumeStatements[1]
	if !first.IsFreeCredit || first.AmountUnits != -100 || first.SourceIssueID != "free-1" {
		test.Fatalf("unexpected first statement: %+v", first)
	}
	if !second.IsSubscription || second.AmountUnits != -200 || second.SourceIssueID != "sub-grant-1" {
		test.Fatalf("unexpected second statement: %+v", second)
	}
	if first.BalanceAfterUnits != 500 || second.BalanceAfterUnits != 300 {
		test.Fatalf("unexpected running balances: %d then %d", first.BalanceAfterUnits, second.BalanceAfterUnits)
	}

	if got := store.accounts[userID.String()]; got != 300 {
		test.Fatalf("account balance = %d, want 300", got)
	}
	if grant := store.mustGrant(test, "free-1"); grant.BalanceUnits != 0 {
		test.Fatalf("free grant balance = %d, want 0", grant.BalanceUnits)
	}
	if grant := store.mustGrant(test, "sub-grant-1"); grant.BalanceUnits != 300 {
		test.Fatalf("subscription grant balance = %d, want 300", grant.BalanceUnits)
	}
}

func TestConsumeDrainsSoonestExpiringGrantFirst(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	seedFreeGrant(test, store, service, userID, "free-late", 100, testNowUnixUTC+10*dayInSeconds)
	seedFreeGrant(test, store, service, userID, "free-early", 100, testNowUnixUTC+dayInSeconds)

	if _, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 150), mustOrderID(test, "order-1")); err != nil {
		test.Fatalf("consume: %v", err)
	}

	if grant := store.mustGrant(test, "free-early"); grant.BalanceUnits != 0 {
		test.Fatalf("soonest-expiring grant balance = %d, want 0", grant.BalanceUnits)
	}
	if grant := store.mustGrant(test, "free-late"); grant.BalanceUnits != 50 {
		test.Fatalf("later grant balance = %d, want 50", grant.BalanceUnits)
	}
}

func TestConsumeFallsBackToUnallocatedBalance(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	mustTopUp(test, service, userID, 400, "pay-1")

	result, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 250), mustOrderID(test, "order-1"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if result.FreeUnits != 0 || result.SubscriptionUnits != 0 || result.TotalUnits != 250 {
		test.Fatalf("unexpected split: %+v", result)
	}

	consumeStatements := store.statementsOfType(StatementConsume)
	if len(consumeStatements) != 1 {
		test.Fatalf("expected 1 consume statement, got %d", len(consumeStatements))
	}
	statement := consumeStatements[0]
	if statement.IsFreeCredit || statement.IsSubscription || statement.SourceIssueID != "" {
		test.Fatalf("unallocated statement carries a source: %+v", statement)
	}
	if statement.AmountUnits != -250 || statement.BalanceAfterUnits != 150 {
		test.Fatalf("unexpected statement: %+v", statement)
	}
}

func TestConsumeSpendsUnallocatedRemainderAfterGrants(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	mustTopUp(test, service, userID, 500, "pay-1")
	seedFreeGrant(test, store, service, userID, "free-1", 100, testNowUnixUTC+dayInSeconds)

	result, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 350), mustOrderID(test, "order-1"))
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if result.FreeUnits != 100 || result.TotalUnits != 350 {
		test.Fatalf("unexpected split: %+v", result)
	}

	consumeStatements := store.statementsOfType(StatementConsume)
	if len(consumeStatements) != 2 {
		test.Fatalf("expected 2 consume statements, got %d", len(consumeStatements))
	}
	remainder := consumeStatements[1]
	if remainder.IsFreeCredit || remainder.IsSubscription || remainder.AmountUnits != -250 {
		test.Fatalf("unexpected remainder statement: %+v", remainder)
	}
	if got := store.accounts[userID.String()]; got != 250 {
		test.Fatalf("account balance = %d, want 250", got)
	}
}

func TestConsumeSkipsUnissuedAndExpiredGrants(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	mustTopUp(test, service, userID, 200, "pay-1")
	// Dormant subscription grant and an already-expired free grant. Neither
	// participates in consumption.
	mustCreateGrant(test, store, Grant{
		GrantID: "sub-dormant", UserID: userID.String(), Source: SourceSubscription,
		SubscriptionID: "sub-1", TotalGrantedUnits: 300, BalanceUnits: 300,
		IssueAtUnixUTC: testNowUnixUTC + dayInSeconds, ExpireAtUnixUTC: testNowUnixUTC + 30*dayInSeconds,
	})
	mustCreateGrant(test, store, Grant{
		GrantID: "free-expired", UserID: userID.String(), Source: SourceFree,
		TotalGrantedUnits: 300, BalanceUnits: 300, Issued: true,
		IssueAtUnixUTC: testNowUnixUTC - 2*dayInSeconds, ExpireAtUnixUTC: testNowUnixUTC - dayInSeconds,
	})

	if _, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 150), mustOrderID(test, "order-1")); err != nil {
		test.Fatalf("consume: %v", err)
	}

	if grant := store.mustGrant(test, "sub-dormant"); grant.BalanceUnits != 300 {
		test.Fatalf("dormant grant touched: %+v", grant)
	}
	if grant := store.mustGrant(test, "free-expired"); grant.BalanceUnits != 300 {
		test.Fatalf("expired grant touched: %+v", grant)
	}
	if got := store.accounts[userID.String()]; got != 50 {
		test.Fatalf("account balance = %d, want 50", got)
	}
}

func TestConsumeInsufficientBalanceLeavesNoTrace(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	mustTopUp(test, service, userID, 100, "pay-1")
	statementsBefore := len(store.statements)

	_, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 101), mustOrderID(test, "order-1"))
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if len(store.statements) != statementsBefore {
		test.Fatalf("failed consume wrote statements")
	}
	if got := store.accounts[userID.String()]; got != 100 {
		test.Fatalf("account balance = %d, want 100", got)
	}
}

func TestConsumeRollsBackOnStatementFailure(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	seedFreeGrant(test, store, service, userID, "free-1", 100, testNowUnixUTC+dayInSeconds)
	seedIssuedSubscriptionGrant(test, store, service, userID, "sub-grant-1", "sub-1", 100, testNowUnixUTC+30*dayInSeconds)

	// Fail on the second consume statement so the first grant debit must be
	// undone too.
	failure := errors.New("write refused")
	store.insertStatementError = failure
	store.insertStatementErrorAtCall = store.insertStatementCalls + 2

	_, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 150), mustOrderID(test, "order-1"))
	if !errors.Is(err, failure) {
		test.Fatalf("error = %v, want injected failure", err)
	}
	if grant := store.mustGrant(test, "free-1"); grant.BalanceUnits != 100 {
		test.Fatalf("free grant not rolled back: %+v", grant)
	}
	if got := store.accounts[userID.String()]; got != 200 {
		test.Fatalf("account balance = %d, want 200", got)
	}
}

func TestConsumeBalanceMatchesStatementSum(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store, testNowUnixUTC)
	userID := mustUserID(test, "user-1")

	mustTopUp(test, service, userID, 500, "pay-1")
	seedFreeGrant(test, store, service, userID, "free-1", 120, testNowUnixUTC+dayInSeconds)
	seedIssuedSubscriptionGrant(test, store, service, userID, "sub-grant-1", "sub-1", 80, testNowUnixUTC+30*dayInSeconds)

	if _, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 333), mustOrderID(test, "order-1")); err != nil {
		test.Fatalf("consume: %v", err)
	}

	sum, err := store.SumStatements(context.Background(), userID)
	if err != nil {
		test.Fatalf("sum statements: %v", err)
	}
	if balance := store.accounts[userID.String()]; balance != sum {
		test.Fatalf("balance %d diverged from statement sum %d", balance, sum)
	}
}

func mustTopUp(test *testing.T, service *Service, userID UserID, amountUnits int64, orderID string) {
	test.Helper()
	err := service.TopUp(context.Background(), userID,
		mustPositiveAmount(test, amountUnits), mustOrderID(test, orderID), mustMetadata(test, ""))
	if err != nil {
		test.Fatalf("top up: %v", err)
	}
}

func mustCreateGrant(test *testing.T, store *stubStore, grant Grant) {
	test.Helper()
	if err := store.CreateGrant(context.Background(), grant); err != nil {
		test.Fatalf("create grant: %v", err)
	}
}

// seedFreeGrant creates an active free grant and credits the account the way
// GrantFreeCredits would, with a deterministic grant id.
func seedFreeGrant(test *testing.T, store *stubStore, service *Service, userID UserID, grantID string, amountUnits int64, expireAtUnixUTC int64) {
	test.Helper()
	mustCreateGrant(test, store, Grant{
		GrantID: grantID, UserID: userID.String(), Source: SourceFree,
		TotalGrantedUnits: amountUnits, BalanceUnits: amountUnits, Issued: true,
		IssueAtUnixUTC: service.nowFn(), ExpireAtUnixUTC: expireAtUnixUTC,
	})
	creditSeededGrant(test, store, userID, grantID, amountUnits, true, false, service.nowFn())
}

func seedIssuedSubscriptionGrant(test *testing.T, store *stubStore, service *Service, userID UserID, grantID string, subscriptionID string, amountUnits int64, expireAtUnixUTC int64) {
	test.Helper()
	mustCreateGrant(test, store, Grant{
		GrantID: grantID, UserID: userID.String(), Source: SourceSubscription,
		SubscriptionID: subscriptionID, TotalGrantedUnits: amountUnits, BalanceUnits: amountUnits,
		Issued: true, IssueAtUnixUTC: service.nowFn(), ExpireAtUnixUTC: expireAtUnixUTC,
	})
	creditSeededGrant(test, store, userID, grantID, amountUnits, false, true, service.nowFn())
}

func creditSeededGrant(test *testing.T, store *stubStore, userID UserID, grantID string, amountUnits int64, isFree bool, isSubscription bool, nowUnixUTC int64) {
	test.Helper()
	ctx := context.Background()
	if _, err := store.GetOrCreateAccount(ctx, userID); err != nil {
		test.Fatalf("account: %v", err)
	}
	balanceAfter, err := store.AddToAccountBalance(ctx, userID, amountUnits)
	if err != nil {
		test.Fatalf("credit account: %v", err)
	}
	err = store.InsertStatement(ctx, Statement{
		UserID: userID.String(), Type: StatementIssue, AmountUnits: amountUnits,
		BalanceAfterUnits: balanceAfter, IsFreeCredit: isFree, IsSubscription: isSubscription,
		SourceIssueID: grantID, CreatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		test.Fatalf("issue statement: %v", err)
	}
}
