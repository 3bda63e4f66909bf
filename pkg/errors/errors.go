// Package errors defines the sentinel errors shared by the pipeline and the
// AppError wrapper that carries an HTTP status alongside a message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrModel             = errors.New("model error")
	ErrStorage           = errors.New("storage error")
	ErrTimeout           = errors.New("operation timed out")
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

// NotFoundf is shorthand for a 404 AppError wrapping ErrNotFound.
func NotFoundf(format string, args ...any) *AppError {
	return Newf(ErrNotFound, http.StatusNotFound, format, args...)
}

// Modelf is shorthand for a 502 AppError wrapping ErrModel.
func Modelf(format string, args ...any) *AppError {
	return Newf(ErrModel, http.StatusBadGateway, format, args...)
}

// Storage wraps a database failure as ErrStorage, keeping the cause in the
// message.
func Storage(op string, err error) *AppError {
	return Newf(ErrStorage, http.StatusInternalServerError, "%s: %v", op, err)
}

// SourceUnavailable wraps an upstream feed failure.
func SourceUnavailable(source string, err error) *AppError {
	return Newf(ErrSourceUnavailable, http.StatusServiceUnavailable, "%s: %v", source, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrModel):
		return http.StatusBadGateway
	case errors.Is(err, ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
