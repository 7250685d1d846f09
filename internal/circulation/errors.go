package circulation

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotEnoughCopies is returned by Borrow when no copy is on the shelf.
	ErrNotEnoughCopies = errors.New("not enough copies available")

	// ErrInvalidState is returned when a loan is not in the state an operation requires.
	ErrInvalidState = errors.New("invalid loan state")

	// ErrRenewLimitReached is an ErrInvalidState raised by Renew.
	ErrRenewLimitReached = fmt.Errorf("%w: renew limit reached", ErrInvalidState)

	// ErrDuplicateRequest is returned when the user already holds the book or
	// already has a pending reservation for it.
	ErrDuplicateRequest = errors.New("duplicate loan or reservation")

	// ErrNotFound is returned when a referenced book or loan does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks datastore failures (lock timeouts, deadlocks,
	// serialization failures) that the caller may retry.
	ErrTransient = errors.New("transient datastore failure")

	// ErrInvalidArgument is returned for malformed input such as a negative capacity.
	ErrInvalidArgument = errors.New("invalid argument")
)

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Error codes used in API error bodies.
const (
	CodeNotEnoughCopies  = "NOT_ENOUGH_COPIES"
	CodeInvalidState     = "INVALID_STATE"
	CodeDuplicateRequest = "DUPLICATE_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeTransient        = "TRANSIENT"
	CodeInternal         = "INTERNAL"
)

// Classify maps an error to its API code and HTTP status.
func Classify(err error) (string, int) {
	switch {
	case errors.Is(err, ErrNotEnoughCopies):
		return CodeNotEnoughCopies, http.StatusConflict
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicateRequest, http.StatusConflict
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState, http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument, http.StatusBadRequest
	case errors.Is(err, ErrTransient):
		return CodeTransient, http.StatusServiceUnavailable
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}
