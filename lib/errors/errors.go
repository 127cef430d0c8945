// Package errors provides structured error types for wgtunnel.
//
// Library packages return sentinel errors (or errors wrapping them) so
// callers can branch with errors.Is. The coded Error type carries a
// category for the observer API without exposing internal details.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes reported in observer API error bodies.
const (
	CodeInvalidParams = "invalid_params"
	CodeInternal      = "internal"
	CodeNotFound      = "not_found"
	CodeTimeout       = "timeout"
	CodeUnavailable   = "unavailable"
	CodeValidation    = "validation"
	CodeConnection    = "connection"
	CodeState         = "invalid_state"
	CodeRateLimited   = "rate_limited"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrNotOpen indicates a resource is not open.
	ErrNotOpen = errors.New("not open")

	// ErrAlreadyOpen indicates a resource is already open.
	ErrAlreadyOpen = errors.New("already open")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRateLimited indicates a client exceeded its request budget.
	ErrRateLimited = errors.New("too many requests")
)

// Tunnel adapter errors
var (
	// ErrInterfaceNotOpen indicates no tunnel interface is open.
	ErrInterfaceNotOpen = fmt.Errorf("tunnel: interface %w", ErrNotOpen)

	// ErrInterfaceAlreadyOpen indicates a tunnel interface is already open.
	ErrInterfaceAlreadyOpen = fmt.Errorf("tunnel: interface %w", ErrAlreadyOpen)

	// ErrAdapterClosed indicates the adapter was shut down.
	ErrAdapterClosed = fmt.Errorf("tunnel: adapter %w", ErrClosed)
)

// Relay errors
var (
	// ErrNoRelays indicates no relay satisfies the selection constraints.
	ErrNoRelays = fmt.Errorf("relay: no relays satisfying constraints: %w", ErrNotFound)

	// ErrInvalidRelay indicates a relay definition is malformed.
	ErrInvalidRelay = fmt.Errorf("relay: %w", ErrInvalidInput)
)

// Key errors
var (
	// ErrInvalidKey indicates a key could not be parsed.
	ErrInvalidKey = fmt.Errorf("keys: %w", ErrInvalidInput)

	// ErrKeyMismatch indicates a persisted public key does not match its private key.
	ErrKeyMismatch = errors.New("keys: public key mismatch")
)

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code string `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
func New(code string, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code string, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// HTTPStatus maps the error code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidParams, CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeState:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It assigns an error code based on the sentinel the error wraps.
// An error that already is or wraps an *Error is returned as is.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    codeFromError(err),
		Message: err.Error(),
		Err:     err,
	}
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCircuitOpen):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrConfiguration):
		return CodeValidation
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotOpen), errors.Is(err, ErrAlreadyOpen), errors.Is(err, ErrClosed):
		return CodeState
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

// IsNotFound returns true if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCircuitOpen returns true if the error was produced by an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
