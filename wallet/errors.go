/*
errors.go - Centralized error types for the wallet engine

PURPOSE:
  All ledger-level error types in one place. Service packages (tasks,
  withdrawal, voucher, referral) wrap or reuse these so callers can use
  errors.Is regardless of which component failed.

ERROR CATEGORIES:
  1. Ledger errors - duplicate reference, insufficient balance
  2. Validation errors - bad amount, unknown type, invalid transition
  3. Store errors - not found, concurrent modification, conflict

USAGE:
  if errors.Is(err, wallet.ErrDuplicateReference) {
      // already processed: treat as idempotent success
  }

SEE ALSO:
  - ledger.go: Returns these errors
  - store/sqlite/sqlite.go: Maps driver errors to these sentinels
*/
package wallet

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the root of every "missing record" error.
	ErrNotFound = errors.New("not found")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)

	// ErrDuplicateReference is returned when a transaction with the same
	// (type, reference) already exists. Callers that retried after a
	// timeout treat it as success.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrInsufficientBalance is returned when a debit would make the cash
	// balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrUnknownTransactionType is returned for types the ledger doesn't
	// know, or a credit type passed to Debit (and vice versa).
	ErrUnknownTransactionType = errors.New("unknown transaction type")

	// ErrReferenceRequired is returned when an entry has no reference.
	ErrReferenceRequired = errors.New("reference is required")

	// ErrCorruptAmount is returned by stores when a persisted amount
	// does not parse as a decimal.
	ErrCorruptAmount = errors.New("stored amount is not a decimal")

	// ErrInvalidTransition is returned by state machines layered on the
	// ledger (tasks, withdrawals) when a transition isn't allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConcurrentModification is returned by stores when the database
	// reports a serialization failure, deadlock or busy lock. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTransactionConflict is returned once retries are exhausted.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrStoreRequired is returned when an operation requires a store
	// capability the configured store doesn't implement.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Pool      Pool
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall())
}

// Shortfall is how much more the pool would need.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DuplicateReferenceError identifies the replayed (type, reference).
type DuplicateReferenceError struct {
	Type      TransactionType
	Reference string
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("already processed: %s %q", e.Type, e.Reference)
}

func (e *DuplicateReferenceError) Unwrap() error {
	return ErrDuplicateReference
}

// BatchError reports which entry aborted an all-or-nothing batch.
// Nothing from the batch was applied.
type BatchError struct {
	Index     int
	AccountID AccountID
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch rolled back at entry %d (account %s): %v", e.Index, e.AccountID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// ConflictError is returned when retries on a transient conflict are
// exhausted.
type ConflictError struct {
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction conflict after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrTransactionConflict, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrTransactionConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownTransactionType) ||
		errors.Is(err, ErrReferenceRequired) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
