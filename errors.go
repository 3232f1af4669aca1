package rebill

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("rebill: not found")
	ErrAlreadyExists = errors.New("rebill: already exists")
	ErrInvalidInput  = errors.New("rebill: invalid input")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("rebill: subscription not found")
	ErrSubscriptionExists   = errors.New("rebill: subscription already exists")
	ErrSubscriptionTerminal = errors.New("rebill: subscription is in a terminal state")
	ErrNotDue               = errors.New("rebill: subscription is not due for billing")
	ErrNoPaymentMethod      = errors.New("rebill: no usable payment method attached")

	// Payment errors
	ErrPaymentNotFound     = errors.New("rebill: payment not found")
	ErrRefundExceedsAmount = errors.New("rebill: refund exceeds remaining refundable amount")
	ErrRefundNotApproved   = errors.New("rebill: refund not approved")

	// Gateway errors
	ErrGatewayUnavailable = errors.New("rebill: payment gateway unavailable")

	// Discount errors
	ErrDiscountNotFound = errors.New("rebill: discount not found")

	// Store errors
	ErrStoreNotReady     = errors.New("rebill: store not ready")
	ErrStoreClosed       = errors.New("rebill: store is closed")
	ErrMigrationFailed   = errors.New("rebill: migration failed")
	ErrTransactionFailed = errors.New("rebill: transaction failed")

	// Concurrency errors
	ErrIdempotencyConflict = errors.New("rebill: concurrent billing run for subscription")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("rebill: validation failed for %s: %s", e.Field, e.Message)
}

// MultiError represents multiple errors that occurred, typically during a
// batch sweep where individual subscriptions fail independently.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "rebill: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("rebill: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrDiscountNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried. This is about engine-level operations, not payment failure
// categories; those travel as FailureDetails data, never as errors.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrIdempotencyConflict)
}
