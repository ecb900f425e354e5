package utils

import (
	"context"
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// Ledger error taxonomy. Callers match with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrValidation is bad input; never retried.
	ErrValidation = errors.New("validation error")
	// ErrEntityNotFound is an unknown panel or bank account id.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrEntityInactive is a deactivated entity where an active one is required.
	ErrEntityInactive = errors.New("entity inactive")
	// ErrDuplicateReference marks an already recorded (reference_type, reference_id).
	// The recorder turns it into success-with-existing-event.
	ErrDuplicateReference = errors.New("duplicate reference")
	// ErrLedgerClosed rejects mutation of a CLOSED day outside the recompute path.
	ErrLedgerClosed = errors.New("ledger day closed")
	// ErrConcurrencyConflict is a lost optimistic update; retried internally.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrDriftDetected is logged and repaired by reconciliation, never surfaced to users.
	ErrDriftDetected = errors.New("ledger drift detected")
	// ErrStorageUnavailable wraps every other storage failure; the caller retries.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrLockNotObtained means another instance holds the entity lock.
	ErrLockNotObtained = errors.New("entity lock not obtained")
)

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StorageError wraps a driver error as ErrStorageUnavailable. Domain errors and nil pass through.
func StorageError(err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// IsDomainError reports whether err already belongs to the ledger taxonomy.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrEntityNotFound, ErrEntityInactive, ErrDuplicateReference,
		ErrLedgerClosed, ErrConcurrencyConflict, ErrDriftDetected, ErrStorageUnavailable,
		ErrLockNotObtained, ErrorRecordNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports failures the caller may retry: every write in the engine is idempotent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrLockNotObtained) ||
		errors.Is(err, context.DeadlineExceeded)
}
