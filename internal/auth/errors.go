package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// FlowError represents a failure of the interactive login flow.
type FlowError struct {
	// Type is a short machine readable identifier.
	Type string `json:"type"`
	// Message is a human readable description of the failure.
	Message string `json:"message"`
	// Retryable indicates whether restarting a fresh flow might succeed.
	Retryable bool `json:"retryable"`
	// Code is an HTTP-like status code associated with the failure.
	Code int `json:"code"`
	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *FlowError) Unwrap() error { return e.Cause }

// Common login flow failures.
var (
	// ErrStateMismatch fires when the callback carries a state value that
	// does not match the one generated for this attempt. Possible forgery;
	// never retried automatically.
	ErrStateMismatch = &FlowError{
		Type:      "state_mismatch",
		Message:   "OAuth state parameter does not match, possible request forgery",
		Retryable: false,
		Code:      http.StatusBadRequest,
	}

	// ErrUserDenied fires when the callback carries neither a code nor a
	// state mismatch, typically because the user declined consent.
	ErrUserDenied = &FlowError{
		Type:      "user_denied",
		Message:   "Authorization was cancelled or denied",
		Retryable: true,
		Code:      http.StatusBadRequest,
	}

	// ErrCallbackTimeout fires when no callback arrives within the
	// interactive login window.
	ErrCallbackTimeout = &FlowError{
		Type:      "callback_timeout",
		Message:   "Timed out waiting for the sign-in to complete",
		Retryable: true,
		Code:      http.StatusRequestTimeout,
	}

	// ErrServerStartFailed fires when the local callback listener cannot
	// start, usually because the fixed port is taken.
	ErrServerStartFailed = &FlowError{
		Type:      "server_start_failed",
		Message:   "Failed to start the local OAuth callback listener",
		Retryable: false,
		Code:      http.StatusInternalServerError,
	}

	// ErrCodeExchangeFailed fires when the code-for-token exchange is
	// rejected by the token endpoint.
	ErrCodeExchangeFailed = &FlowError{
		Type:      "code_exchange_failed",
		Message:   "Failed to exchange the authorization code for tokens",
		Retryable: false,
		Code:      http.StatusBadRequest,
	}
)

// flowError clones a base failure and attaches a cause.
func flowError(base *FlowError, cause error) *FlowError {
	return &FlowError{
		Type:      base.Type,
		Message:   base.Message,
		Retryable: base.Retryable,
		Code:      base.Code,
		Cause:     cause,
	}
}

// IsFlowError checks whether err is a login flow failure.
func IsFlowError(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe)
}
