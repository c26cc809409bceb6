package model

import (
	"errors"
	"time"
)

// Shared validation sentinels.
var (
	errEmptyPatch      = errors.New("patch must set at least one field")
	errNegativeBalance = errors.New("balance must be non-negative")
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInsufficientBudget = "INSUFFICIENT_BUDGET"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeTriggerRejected    = "ENGINE_TRIGGER_REJECTED"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL"
)

// AuthTokenRequest is the payload for POST /auth/token.
type AuthTokenRequest struct {
	Email  string `json:"email"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries an issued bearer token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
}
