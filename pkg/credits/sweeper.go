package credits

import "context"

// The sweep passes are plain callables; confining them to a single active
// instance under horizontal scaling is the deployment's responsibility.
// Both passes are idempotent: issuance flips a one-way flag, expiration
// zeroes balances, so a re-run finds nothing left to process.

// IssueDueGrants activates subscription grants whose issue date has passed,
// crediting each grant's balance to its account. An empty subscriptionID
// sweeps all subscriptions; a non-empty one scopes the pass for manual
// operational recovery. Returns the number of grants issued.
func (service *Service) IssueDueGrants(ctx context.Context, subscriptionID string) (int, error) {
	nowUnixUTC := service.nowFn()
	candidates, err := service.store.ListIssuableGrants(ctx, nowUnixUTC, subscriptionID)
	if err != nil {
		return 0, err
	}
	issuedCount := 0
	for _, candidate := range candidates {
		processed := false
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			grant, err := transactionStore.GetGrant(ctx, SourceSubscription, candidate.GrantID)
			if err != nil {
				return err
			}
			// Re-check under the lock; another sweep may have won.
			if grant.Issued || grant.BalanceUnits <= 0 || grant.IssueAtUnixUTC > nowUnixUTC {
				return nil
			}
			userID, err := NewUserID(grant.UserID)
			if err != nil {
				return err
			}
			if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
				return err
			}
			if err := transactionStore.MarkGrantIssued(ctx, grant.GrantID); err != nil {
				return err
			}
			balanceAfter, err := transactionStore.AddToAccountBalance(ctx, userID, grant.BalanceUnits)
			if err != nil {
				return err
			}
			processed = true
			return transactionStore.InsertStatement(ctx, Statement{
				UserID:            grant.UserID,
				Type:              StatementIssue,
				AmountUnits:       grant.BalanceUnits,
				BalanceAfterUnits: balanceAfter,
				IsSubscription:    true,
				SourceIssueID:     grant.GrantID,
				CreatedUnixUTC:    nowUnixUTC,
			})
		})
		if err != nil {
			return issuedCount, err
		}
		if processed {
			issuedCount++
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationIssueSweep,
		SubscriptionID: subscriptionID,
		AmountUnits:    int64(issuedCount),
	})
	return issuedCount, nil
}

// ExpireDueGrants retires grants past their expiry, debiting each grant's
// remaining balance from its account and zeroing the grant. Scoping and
// idempotency follow IssueDueGrants. Returns the number of grants expired.
func (service *Service) ExpireDueGrants(ctx context.Context, subscriptionID string) (int, error) {
	nowUnixUTC := service.nowFn()
	candidates, err := service.store.ListExpirableGrants(ctx, nowUnixUTC, subscriptionID)
	if err != nil {
		return 0, err
	}
	expiredCount := 0
	for _, candidate := range candidates {
		processed := false
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			grant, err := transactionStore.GetGrant(ctx, candidate.Source, candidate.GrantID)
			if err != nil {
				return err
			}
			if grant.BalanceUnits <= 0 || !grant.ExpiredAt(nowUnixUTC) {
				return nil
			}
			if grant.Source == SourceSubscription && !grant.Issued {
				// Never credited, nothing to claw back; the grant stays
				// for the cancel path or is simply dead weight.
				return nil
			}
			userID, err := NewUserID(grant.UserID)
			if err != nil {
				return err
			}
			if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
				return err
			}
			if err := transactionStore.ZeroGrantBalance(ctx, grant.Source, grant.GrantID); err != nil {
				return err
			}
			balanceAfter, err := transactionStore.AddToAccountBalance(ctx, userID, -grant.BalanceUnits)
			if err != nil {
				return err
			}
			processed = true
			return transactionStore.InsertStatement(ctx, Statement{
				UserID:            grant.UserID,
				Type:              StatementExpire,
				AmountUnits:       -grant.BalanceUnits,
				BalanceAfterUnits: balanceAfter,
				IsFreeCredit:      grant.Source == SourceFree,
				IsSubscription:    grant.Source == SourceSubscription,
				SourceIssueID:     grant.GrantID,
				CreatedUnixUTC:    nowUnixUTC,
			})
		})
		if err != nil {
			return expiredCount, err
		}
		if processed {
			expiredCount++
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationExpireSweep,
		SubscriptionID: subscriptionID,
		AmountUnits:    int64(expiredCount),
	})
	return expiredCount, nil
}
