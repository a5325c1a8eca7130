/*
errors.go - Centralized error types for the transaction engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As and the helpers at
  the bottom of this file.

ERROR CATEGORIES:
  1. Business errors - A guard failed on the caller's own balances/inventory.
     Expected, never retried automatically, never mutate state.
  2. Not found - Product, settings, or a user record does not exist.
  3. Integrity faults - A record that must exist by invariant is missing.
  4. Store errors - The persistence layer itself failed (transient).

PENDING COMPENSATION IS NOT AN ERROR:
  A gift whose credit could not be applied returns GiftPending with a nil
  error. See engine.go.

SEE ALSO:
  - engine.go: Returns these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package economy

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the parent of every "referenced thing does not exist" error.
	ErrNotFound = errors.New("not found")

	// ErrRecordNotFound is returned by Ledger.Get for an unknown user.
	ErrRecordNotFound = fmt.Errorf("ledger record %w", ErrNotFound)

	// ErrInsufficientFunds is returned when a purchase costs more golds than the buyer has.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientBalance is returned when a conversion needs more beans than the user has.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientProductQuantity is returned when a sender holds fewer gifts than requested.
	ErrInsufficientProductQuantity = errors.New("insufficient product quantity")

	// ErrInvalidQuantity is returned for non-positive quantities or conversions below the rate.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrIntegrityFault is returned when a record that must exist is missing.
	ErrIntegrityFault = errors.New("integrity fault")

	// ErrStore marks failures of the persistence layer itself.
	ErrStore = errors.New("store failure")

	// ErrConcurrentModification is returned when a store gives up after
	// repeatedly losing the version race on one record.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvariantViolation is returned when a mutation would break a record invariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrDuplicateRecord is returned when creating a record that already exists.
	ErrDuplicateRecord = errors.New("duplicate ledger record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundKind names what was missing.
type NotFoundKind string

const (
	NotFoundProduct  NotFoundKind = "product"
	NotFoundSettings NotFoundKind = "settings"
	NotFoundUser     NotFoundKind = "user"
)

// NotFoundError reports a missing product, settings row or user.
type NotFoundError struct {
	Kind NotFoundKind
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InsufficientFundsError provides details about a purchase shortfall.
type InsufficientFundsError struct {
	BuyerID   UserID
	ProductID ProductID
	Required  string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s needs %s golds for %s", e.BuyerID, e.Required, e.ProductID)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IntegrityFaultError reports a receiver record missing during a gift credit.
type IntegrityFaultError struct {
	UserID UserID
	Op     string
}

func (e *IntegrityFaultError) Error() string {
	return fmt.Sprintf("integrity fault: ledger record %s missing during %s", e.UserID, e.Op)
}

func (e *IntegrityFaultError) Unwrap() error {
	return ErrIntegrityFault
}

// StoreError wraps a persistence failure with the operation that hit it.
// It matches both ErrStore and the underlying cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// CompensationUnrecordedError is returned when a gift was debited, the credit
// failed, and the compensation record could not be persisted either.
// The full transfer is logged at error level before this is returned.
type CompensationUnrecordedError struct {
	Compensation PendingCompensation
	Err          error
}

func (e *CompensationUnrecordedError) Error() string {
	c := e.Compensation
	return fmt.Sprintf("compensation %s unrecorded (%s -> %s, %s beans): %v",
		c.ID, c.SenderID, c.ReceiverID, c.AmountBeans, e.Err)
}

func (e *CompensationUnrecordedError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// InvariantError is returned by stores when a mutation would break a record invariant.
type InvariantError struct {
	UserID UserID
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.UserID, e.Reason)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// storeErr wraps err as a StoreError unless it already is one.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStore) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's input or balances.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientProductQuantity) ||
		errors.Is(err, ErrInvalidQuantity)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
