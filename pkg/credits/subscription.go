package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UpsertSubscription creates or updates a subscription and schedules its
// credit grants. Every grant starts unissued, even when its issue date is
// already past; the next issuance sweep activates it. The manager never
// mutates the account balance itself.
func (service *Service) UpsertSubscription(ctx context.Context, userID UserID, detail SubscriptionDetail, schedule []GrantSchedule) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if detail.SubscriptionID == "" {
			return fmt.Errorf("%w: empty subscription id", ErrInvalidSubscription)
		}
		for _, entry := range schedule {
			if err := entry.Validate(); err != nil {
				return err
			}
		}
		if err := transactionStore.UpsertSubscription(ctx, Subscription{
			SubscriptionID:     detail.SubscriptionID,
			UserID:             userID.String(),
			WidgetTag:          detail.WidgetTag,
			PeriodStartUnixUTC: detail.PeriodStartUnixUTC,
			PeriodEndUnixUTC:   detail.PeriodEndUnixUTC,
			CancelAtPeriodEnd:  detail.CancelAtPeriodEnd,
		}); err != nil {
			return err
		}
		for _, entry := range schedule {
			if err := transactionStore.CreateGrant(ctx, Grant{
				GrantID:           uuid.NewString(),
				UserID:            userID.String(),
				Source:            SourceSubscription,
				SubscriptionID:    detail.SubscriptionID,
				WidgetTag:         detail.WidgetTag,
				TotalGrantedUnits: entry.AmountUnits,
				BalanceUnits:      entry.AmountUnits,
				Issued:            false,
				IssueAtUnixUTC:    entry.IssueAtUnixUTC,
				ExpireAtUnixUTC:   entry.ExpireAtUnixUTC,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationUpsertSubscription,
		UserID:         userID,
		SubscriptionID: detail.SubscriptionID,
		Error:          operationError,
	})
	return operationError
}

// CancelSubscription deletes a subscription and its not-yet-issued grants.
// Grants already credited survive as independent balances until they expire
// normally, so the cancel itself never moves the account balance.
func (service *Service) CancelSubscription(ctx context.Context, userID UserID, subscriptionID string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetSubscription(ctx, userID, subscriptionID); err != nil {
			return err
		}
		if _, err := transactionStore.DeleteUnissuedGrants(ctx, subscriptionID); err != nil {
			return err
		}
		return transactionStore.DeleteSubscription(ctx, userID, subscriptionID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCancelSubscription,
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Error:          operationError,
	})
	return operationError
}
