package credits

import "context"

// Refund atomically reverses a prior consumption for orderID, restoring funds
// to the grants they were drawn from. Portions whose source grant has since
// expired are skipped silently: expired credits are not resurrected and that
// money is permanently lost. Unallocated portions are always refundable.
// The engine does not deduplicate repeated refund calls for one order;
// callers own that guarantee.
func (service *Service) Refund(ctx context.Context, userID UserID, amount PositiveAmount, orderID OrderID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		statements, err := transactionStore.ListConsumeStatements(ctx, userID, orderID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		remainingUnits := amount.Units()
		for _, statement := range statements {
			if remainingUnits == 0 {
				break
			}
			portionUnits := -statement.AmountUnits
			if portionUnits > remainingUnits {
				portionUnits = remainingUnits
			}
			if portionUnits <= 0 {
				continue
			}
			// The portion is allocated to this statement whether or not
			// it ends up credited, so refunds never exceed what each
			// statement originally debited.
			remainingUnits -= portionUnits

			source, hasSource := statement.Source()
			if hasSource {
				grant, err := transactionStore.GetGrant(ctx, source, statement.SourceIssueID)
				if err != nil {
					return err
				}
				if grant.ExpiredAt(nowUnixUTC) {
					continue
				}
				creditUnits := portionUnits
				if headroom := grant.TotalGrantedUnits - grant.BalanceUnits; creditUnits > headroom {
					creditUnits = headroom
				}
				if creditUnits <= 0 {
					continue
				}
				if err := transactionStore.AddToGrantBalance(ctx, source, grant.GrantID, creditUnits); err != nil {
					return err
				}
				balanceAfter, err := transactionStore.AddToAccountBalance(ctx, userID, creditUnits)
				if err != nil {
					return err
				}
				if err := transactionStore.InsertStatement(ctx, Statement{
					UserID:            userID.String(),
					Type:              StatementRefund,
					AmountUnits:       creditUnits,
					BalanceAfterUnits: balanceAfter,
					OrderID:           orderID.String(),
					IsFreeCredit:      statement.IsFreeCredit,
					IsSubscription:    statement.IsSubscription,
					SourceIssueID:     statement.SourceIssueID,
					CreatedUnixUTC:    nowUnixUTC,
				}); err != nil {
					return err
				}
				continue
			}

			balanceAfter, err := transactionStore.AddToAccountBalance(ctx, userID, portionUnits)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertStatement(ctx, Statement{
				UserID:            userID.String(),
				Type:              StatementRefund,
				AmountUnits:       portionUnits,
				BalanceAfterUnits: balanceAfter,
				OrderID:           orderID.String(),
				CreatedUnixUTC:    nowUnixUTC,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationRefund,
		UserID:      userID,
		OrderID:     orderID,
		AmountUnits: amount.Units(),
		Error:       operationError,
	})
	return operationError
}
