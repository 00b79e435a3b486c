// Package apperrors holds the error kinds every engine operation can return.
// Callers match them with errors.Is; operations wrap them with context.
package apperrors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrValidation          = errors.New("validation failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrOtpInvalid          = errors.New("otp invalid")
	ErrOtpExpired          = errors.New("otp expired")
	ErrOtpAttemptsExceeded = errors.New("otp attempts exceeded")
)

// HTTPStatus maps an error to the status code the gateway expects.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrOtpInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrOtpExpired):
		return http.StatusGone
	case errors.Is(err, ErrOtpAttemptsExceeded):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// Code is the stable machine-readable name of the error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrOtpInvalid):
		return "otp_invalid"
	case errors.Is(err, ErrOtpExpired):
		return "otp_expired"
	case errors.Is(err, ErrOtpAttemptsExceeded):
		return "otp_attempts_exceeded"
	default:
		return "internal"
	}
}
