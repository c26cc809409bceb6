// Package veil provides a Go client for the Veil privacy-budget API.
package veil

import (
	"errors"
	"fmt"
)

// Error represents an error from the Veil API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("veil: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404. The server also answers
// 404 for jobs the caller is not allowed to see.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsInsufficientBudget returns true if the server refused the operation
// because it would overdraw a privacy budget (402).
func IsInsufficientBudget(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 402
	}
	return false
}

// IsTriggerRejected returns true if the external engine rejected the
// computation request (422).
func IsTriggerRejected(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 422
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
