package credit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrUnknownService          = errors.New("unknown service")
	ErrSelfTransfer            = errors.New("self transfer")
	ErrAlreadyRefunded         = errors.New("already refunded")
	ErrNotRefundable           = errors.New("not refundable")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrConcurrencyConflict     = errors.New("concurrency conflict")
	ErrUnknownPackage          = errors.New("unknown package")
	ErrUnknownGrant            = errors.New("unknown membership grant")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidTransferID       = errors.New("invalid transfer id")
	ErrInvalidGrantID          = errors.New("invalid grant id")
	ErrInvalidPackageID        = errors.New("invalid package id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransactionKind  = errors.New("invalid transaction kind")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
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

// IsBusinessRejection reports whether the error is an expected validation
// outcome that callers surface as-is and never retry.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUnknownService) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrNotRefundable)
}
