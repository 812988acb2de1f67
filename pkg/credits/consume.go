package credits

import "context"

// consumeSourceOrder fixes which pools consumption drains first. Free grants
// go before subscription grants; within a pool the store returns grants
// soonest-expiring first, which minimizes future waste.
var consumeSourceOrder = []CreditSource{SourceFree, SourceSubscription}

// Consume atomically debits amount from the user's balance, draining expiring
// grants first and the unallocated balance last. It fails with
// ErrInsufficientBalance and no side effects when the aggregate balance is
// short. One consume statement is written per source touched.
func (service *Service) Consume(ctx context.Context, userID UserID, amount PositiveAmount, orderID OrderID) (ConsumeResult, error) {
	var result ConsumeResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		if account.BalanceUnits < amount.Units() {
			return ErrInsufficientBalance
		}
		nowUnixUTC := service.nowFn()
		remainingUnits := amount.Units()
		runningBalance := account.BalanceUnits

		for _, source := range consumeSourceOrder {
			if remainingUnits == 0 {
				break
			}
			grants, err := transactionStore.ListActiveGrants(ctx, userID, source, nowUnixUTC)
			if err != nil {
				return err
			}
			for _, grant := range grants {
				if remainingUnits == 0 {
					break
				}
				debitUnits := grant.BalanceUnits
				if debitUnits > remainingUnits {
					debitUnits = remainingUnits
				}
				if debitUnits <= 0 {
					continue
				}
				if err := transactionStore.AddToGrantBalance(ctx, source, grant.GrantID, -debitUnits); err != nil {
					return err
				}
				runningBalance -= debitUnits
				if err := transactionStore.InsertStatement(ctx, Statement{
					UserID:            userID.String(),
					Type:              StatementConsume,
					AmountUnits:       -debitUnits,
					BalanceAfterUnits: runningBalance,
					OrderID:           orderID.String(),
					IsFreeCredit:      source == SourceFree,
					IsSubscription:    source == SourceSubscription,
					SourceIssueID:     grant.GrantID,
					CreatedUnixUTC:    nowUnixUTC,
				}); err != nil {
					return err
				}
				remainingUnits -= debitUnits
				switch source {
				case SourceFree:
					result.FreeUnits += debitUnits
				case SourceSubscription:
					result.SubscriptionUnits += debitUnits
				}
			}
		}

		if remainingUnits > 0 {
			runningBalance -= remainingUnits
			if err := transactionStore.InsertStatement(ctx, Statement{
				UserID:            userID.String(),
				Type:              StatementConsume,
				AmountUnits:       -remainingUnits,
				BalanceAfterUnits: runningBalance,
				OrderID:           orderID.String(),
				CreatedUnixUTC:    nowUnixUTC,
			}); err != nil {
				return err
			}
		}

		// Single aggregate decrement, consistent with the sum of the
		// statements written above.
		if _, err := transactionStore.AddToAccountBalance(ctx, userID, -amount.Units()); err != nil {
			return err
		}
		result.TotalUnits = amount.Units()
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationConsume,
		UserID:      userID,
		OrderID:     orderID,
		AmountUnits: amount.Units(),
		Error:       operationError,
	})
	if operationError != nil {
		return ConsumeResult{}, operationError
	}
	return result, nil
}
