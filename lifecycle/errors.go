package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals malformed input rejected before any state change.
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized signals the actor may not perform the requested action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition signals the action is not legal from the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadySettled signals the funds in scope were already released or refunded.
	ErrAlreadySettled = errors.New("already settled")
	// ErrLedger signals an underlying fund operation failed or timed out.
	ErrLedger = errors.New("ledger error")
	// ErrConcurrencyConflict signals a lock or version check failed.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound is returned when the addressed aggregate does not exist.
	ErrNotFound = errors.New("not found")
)

// Kind names an error class for callers that render errors (HTTP, CLI).
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidTransition   Kind = "invalid_transition"
	KindAlreadySettled      Kind = "already_settled"
	KindLedger              Kind = "ledger_error"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// KindOf classifies err against the taxonomy. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrAlreadySettled):
		return KindAlreadySettled
	case errors.Is(err, ErrLedger):
		return KindLedger
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Validationf builds an ErrValidation-wrapping error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// LedgerError reports a failed fund operation after the client gave up on it.
type LedgerError struct {
	Op       string
	Attempts int
	// Exhausted is set when every retry failed; such failures need a human.
	Exhausted bool
	Err       error
}

func (e *LedgerError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("ledger %s failed after %d attempts (escalated): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool { return target == ErrLedger }

// Retryable reports whether the caller should retry the whole operation.
func (e *LedgerError) Retryable() bool { return true }
