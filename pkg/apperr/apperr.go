// Package apperr defines the error taxonomy shared by the billing engine and
// the HTTP gateway. Every error crossing a component boundary carries a code,
// a human-readable message, the HTTP status it maps to, and optional details
// (amount required vs available, current status) so callers can decide
// whether to retry, top up, or abandon.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeInvalidInput:      http.StatusBadRequest,
	CodeInsufficientFunds: http.StatusPaymentRequired,
	CodeInvalidState:      http.StatusConflict,
	CodeInvalidTransition: http.StatusConflict,
	CodeLedgerUnavailable: http.StatusServiceUnavailable,
	CodeNotFound:          http.StatusNotFound,
	CodeUnauthorized:      http.StatusUnauthorized,
	CodeForbidden:         http.StatusForbidden,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodeInternal:          http.StatusInternalServerError,
}

// Error is a structured application error.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the whole operation may be safely retried.
func (e *Error) Retryable() bool {
	return e.Code == CodeLedgerUnavailable || e.Code == CodeRateLimited
}

// WithDetail attaches a key/value to the error details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the status code implied by code.
func New(code Code, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps err, preserving it for errors.Is / errors.As.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// InvalidInput reports malformed arguments. Never retried.
func InvalidInput(format string, args ...any) *Error {
	return Newf(CodeInvalidInput, format, args...)
}

// InsufficientFunds reports that the payer cannot cover the hold.
func InsufficientFunds(accountID string, required, available int64) *Error {
	return Newf(CodeInsufficientFunds, "account %s has insufficient funds", accountID).
		WithDetail("account_id", accountID).
		WithDetail("required", required).
		WithDetail("available", available)
}

// InvalidState reports an operation on a resource whose status forbids it.
func InvalidState(operation, status string) *Error {
	return Newf(CodeInvalidState, "cannot %s while %s", operation, status).
		WithDetail("operation", operation).
		WithDetail("status", status)
}

// InvalidTransition reports a state machine transition from an invalid source state.
func InvalidTransition(operation, status string) *Error {
	return Newf(CodeInvalidTransition, "transition %s is not allowed from %s", operation, status).
		WithDetail("operation", operation).
		WithDetail("status", status)
}

// LedgerUnavailable reports a transient failure of the balance store.
func LedgerUnavailable(operation string, err error) *Error {
	return Wrap(CodeLedgerUnavailable, fmt.Sprintf("ledger unavailable during %s", operation), err).
		WithDetail("operation", operation).
		WithDetail("retryable", true)
}

// NotFound reports a missing resource.
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", kind, id).
		WithDetail("id", id)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As returns the *Error in err's chain, wrapping unknown errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

func statusFor(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
