// Package apierr defines the error taxonomy shared across the HTTP edge. Domain packages return sentinel or
// typed errors; this package is where they are translated into a status code and a stable wire code.
package apierr

// Code is a stable, machine-readable error identifier returned in the JSON error envelope. Unlike HTTP status codes,
// these are never reused across unrelated failure modes.
type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeTokenExpired       Code = "token_expired"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeValidation         Code = "validation_error"
	CodeRateLimited        Code = "rate_limited"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeInternal           Code = "internal_error"
)

// Error is a typed API error carrying the HTTP status and wire code it maps to. Domain packages may wrap a sentinel
// error in one of these at the boundary, or the HTTP edge may classify a sentinel itself (see internal/api's
// mapError).
type Error struct {
	Status  int
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an *Error.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}
