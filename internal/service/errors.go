package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

// Error kinds surfaced by the negotiation services. Concrete errors wrap one
// of these so callers can branch with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("operation not permitted for this user")
	ErrConflict         = errors.New("conflicting update, please retry")
	ErrNotFound         = errors.New("not found")
	ErrTransientIO      = errors.New("temporary input/output failure")
)

var (
	// ErrOperationInProgress rejects a second write while one is in flight on the same session.
	ErrOperationInProgress = errors.New("another operation is already in progress")
	// ErrSessionClosed rejects calls on a session that has been closed.
	ErrSessionClosed = errors.New("chat session closed")
	// ErrSessionNotReady rejects writes while the session is loading or holds an unacknowledged error.
	ErrSessionNotReady = errors.New("chat session not ready")
)

// ErrorKind names the class of a classified error.
type ErrorKind string

// Error kind labels, used for metrics and wire payloads.
const (
	KindValidation       ErrorKind = "validation"
	KindNotAuthenticated ErrorKind = "not_authenticated"
	KindForbidden        ErrorKind = "forbidden"
	KindConflict         ErrorKind = "conflict"
	KindNotFound         ErrorKind = "not_found"
	KindTransientIO      ErrorKind = "transient_io"
	KindSession          ErrorKind = "session"
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func forbiddenError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Classify maps a repository or driver error onto one of the error kinds.
// Errors that already carry a kind pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}

	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		return fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, repository.ErrScheduleConflict),
		errors.Is(err, repository.ErrActiveScheduleExists),
		errors.Is(err, repository.ErrInvalidScheduleTransition):
		return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
	}
}

// KindOf reports the kind carried by err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO
	case errors.Is(err, ErrOperationInProgress), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionNotReady):
		return KindSession
	default:
		return ""
	}
}

// Retryable reports whether a read that failed with err may be attempted again.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientIO
}
