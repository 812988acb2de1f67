package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the credit ledger domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's cached aggregate balance. Unknown users read as zero.
func (service *Service) Balance(ctx context.Context, userID UserID) (AmountUnits, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return AmountUnits(account.BalanceUnits), nil
}

// TopUp credits the unallocated balance once an external payment is confirmed.
func (service *Service) TopUp(ctx context.Context, userID UserID, amount PositiveAmount, orderID OrderID, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		balanceAfter, err := transactionStore.AddToAccountBalance(ctx, userID, amount.Units())
		if err != nil {
			return err
		}
		return transactionStore.InsertStatement(ctx, Statement{
			UserID:            userID.String(),
			Type:              StatementTopUp,
			AmountUnits:       amount.Units(),
			BalanceAfterUnits: balanceAfter,
			OrderID:           orderID.String(),
			MetadataJSON:      metadata.String(),
			CreatedUnixUTC:    service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationTopUp,
		UserID:      userID,
		OrderID:     orderID,
		AmountUnits: amount.Units(),
		Error:       operationError,
	})
	return operationError
}

// GrantFreeCredits creates an immediately-active promotional grant and
// credits the account in the same transaction.
func (service *Service) GrantFreeCredits(ctx context.Context, userID UserID, amount PositiveAmount, expireAtUnixUTC int64, metadata MetadataJSON) (Grant, error) {
	nowUnixUTC := service.nowFn()
	grant := Grant{
		GrantID:           uuid.NewString(),
		UserID:            userID.String(),
		Source:            SourceFree,
		TotalGrantedUnits: amount.Units(),
		BalanceUnits:      amount.Units(),
		Issued:            true,
		IssueAtUnixUTC:    nowUnixUTC,
		ExpireAtUnixUTC:   expireAtUnixUTC,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if expireAtUnixUTC < nowUnixUTC {
			return fmt.Errorf("%w: expire date in the past", ErrInvalidSchedule)
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		if err := transactionStore.CreateGrant(ctx, grant); err != nil {
			return err
		}
		balanceAfter, err := transactionStore.AddToAccountBalance(ctx, userID, amount.Units())
		if err != nil {
			return err
		}
		return transactionStore.InsertStatement(ctx, Statement{
			UserID:            userID.String(),
			Type:              StatementIssue,
			AmountUnits:       amount.Units(),
			BalanceAfterUnits: balanceAfter,
			IsFreeCredit:      true,
			SourceIssueID:     grant.GrantID,
			MetadataJSON:      metadata.String(),
			CreatedUnixUTC:    nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationGrantFree,
		UserID:      userID,
		AmountUnits: amount.Units(),
		Error:       operationError,
	})
	if operationError != nil {
		return Grant{}, operationError
	}
	return grant, nil
}

// ListStatements lists audit statements for a user before a cutoff time.
func (service *Service) ListStatements(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Statement, error) {
	return service.store.ListStatements(ctx, userID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
