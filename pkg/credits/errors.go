package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit ledger.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrGrantNotFound        = errors.New("grant not found")
	ErrGrantExists          = errors.New("grant already exists")
	ErrInvalidSchedule      = errors.New("invalid grant schedule")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidOrderID       = errors.New("invalid order id")
	ErrInvalidAmount        = errors.New("invalid amount units")
	ErrInvalidStatementType = errors.New("invalid statement type")
	ErrInvalidCreditSource  = errors.New("invalid credit source")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidBalance       = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
