// Package errors defines the failure taxonomy shared by the build pipeline and
// the query surfaces, plus AppError for HTTP-facing failures.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrIO marks an unreadable or corrupt archive container. Fatal to a run.
	ErrIO = errors.New("archive io error")
	// ErrMalformedRecord marks a page record with broken delimiter nesting.
	// Recovered by resynchronising on the next page start.
	ErrMalformedRecord = errors.New("malformed page record")
	// ErrUnsupportedMarkup marks a page body the normalizer refuses. The
	// page is dropped.
	ErrUnsupportedMarkup = errors.New("unsupported markup")
	// ErrStorage marks a document write that failed after retries.
	ErrStorage = errors.New("storage error")
	// ErrIndexBuild marks a failure sorting or serialising the title index.
	ErrIndexBuild = errors.New("index build error")
	// ErrIndexVersion is returned when opening an artifact written with an
	// incompatible format or title-normalization rule.
	ErrIndexVersion = errors.New("index version mismatch")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrTimeout      = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsPageLevel reports whether err is recovered per page rather than
// aborting a run.
func IsPageLevel(err error) bool {
	return errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrUnsupportedMarkup)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout), errors.Is(err, ErrIndexVersion):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
