// Package pipeline issues requests against the Microsoft Graph gateway with
// admission control, correlation tracking, retry with exponential backoff,
// rate-limit handling, and on-demand token refresh. It also owns the error
// taxonomy every failure is classified into before reaching a caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/m365tools/graphlink/internal/logging"
)

// ErrorType is the top level of the error taxonomy.
type ErrorType string

// Error types.
const (
	TypeAuth      ErrorType = "auth"
	TypeGateway   ErrorType = "gateway"
	TypeTransport ErrorType = "transport"
	TypeLocal     ErrorType = "local"
	TypeGeneric   ErrorType = "generic"
)

// ErrorCategory refines the type.
type ErrorCategory string

// Error categories.
const (
	CategoryInvalidToken ErrorCategory = "invalid_token"
	CategoryPermissions  ErrorCategory = "permissions"
	CategoryRateLimit    ErrorCategory = "rate_limit"
	CategoryClientError  ErrorCategory = "client_error"
	CategoryServerError  ErrorCategory = "server_error"
	CategoryNetwork      ErrorCategory = "network"
	CategoryValidation   ErrorCategory = "validation"
	CategoryUnknown      ErrorCategory = "unknown"
)

// Severity grades how serious a failure is for the caller.
type Severity string

// Severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ClassifiedError is the single error shape the pipeline hands to callers.
// It carries the taxonomy fields as typed members plus the correlation IDs
// of the attempts that produced it.
type ClassifiedError struct {
	Type       ErrorType     `json:"type"`
	Category   ErrorCategory `json:"category"`
	Severity   Severity      `json:"severity"`
	Retryable  bool          `json:"retryable"`
	StatusCode int           `json:"status_code,omitempty"`
	// VendorCode is the Graph error code from the response body, if any.
	VendorCode string `json:"vendor_code,omitempty"`
	// Message is a redacted human readable description.
	Message string `json:"message"`
	// CorrelationIDs identify the attempts behind this failure for support
	// diagnosis.
	CorrelationIDs []string `json:"correlation_ids,omitempty"`
	// RetryAfter carries the server-provided wait hint for rate limits.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Type, e.Category, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if len(e.CorrelationIDs) > 0 {
		msg = fmt.Sprintf("%s [correlation: %s]", msg, strings.Join(e.CorrelationIDs, ", "))
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *ClassifiedError) Unwrap() error { return e.Cause }

// UserMessage returns the guidance shown to an end user for this failure.
func (e *ClassifiedError) UserMessage() string {
	switch e.Category {
	case CategoryRateLimit:
		wait := e.RetryAfter
		if wait <= 0 {
			wait = time.Minute
		}
		return fmt.Sprintf("The service is throttling requests. Wait %s and try again.", wait.Round(time.Second))
	case CategoryInvalidToken:
		return "Your sign-in has expired. Run login to re-authenticate."
	case CategoryPermissions:
		return "Your account does not have permission for this operation."
	case CategoryServerError:
		return "The service is having trouble right now. Try again in a few minutes."
	case CategoryNetwork:
		return "Could not reach the service. Check your network connection and try again."
	case CategoryValidation:
		return e.Message
	default:
		return "The request failed. Try again, and report the correlation ID if it keeps failing."
	}
}

// Graph vendor error codes that mean the access token is bad, and codes that
// mean the caller lacks permission.
var (
	invalidTokenCodes = map[string]bool{
		"InvalidAuthenticationToken": true,
		"TokenExpired":               true,
		"CompactToken":               true,
	}
	permissionCodes = map[string]bool{
		"ErrorAccessDenied":            true,
		"Authorization_RequestDenied":  true,
		"AccessDenied":                 true,
		"ErrorInsufficientPermissions": true,
	}
)

// Classify converts a raw failure into the stable taxonomy. It is pure:
// given the same status code, vendor code, and transport error it always
// produces the same classification.
func Classify(statusCode int, vendorCode string, transportErr error) *ClassifiedError {
	if transportErr != nil {
		return classifyTransport(transportErr)
	}

	switch {
	case invalidTokenCodes[vendorCode] || statusCode == http.StatusUnauthorized:
		return &ClassifiedError{
			Type: TypeAuth, Category: CategoryInvalidToken, Severity: SeverityHigh,
			Retryable: true, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "access token was rejected",
		}
	case permissionCodes[vendorCode]:
		return &ClassifiedError{
			Type: TypeAuth, Category: CategoryPermissions, Severity: SeverityHigh,
			Retryable: false, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "insufficient permissions for this operation",
		}
	case statusCode == http.StatusTooManyRequests:
		return &ClassifiedError{
			Type: TypeGateway, Category: CategoryRateLimit, Severity: SeverityMedium,
			Retryable: true, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "request was throttled",
		}
	case statusCode == http.StatusForbidden:
		return &ClassifiedError{
			Type: TypeGateway, Category: CategoryClientError, Severity: SeverityHigh,
			Retryable: false, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "request was forbidden",
		}
	case statusCode == http.StatusNotFound:
		return &ClassifiedError{
			Type: TypeGateway, Category: CategoryClientError, Severity: SeverityLow,
			Retryable: false, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "resource not found",
		}
	case statusCode == http.StatusConflict:
		return &ClassifiedError{
			Type: TypeGateway, Category: CategoryClientError, Severity: SeverityMedium,
			Retryable: false, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "request conflicted with the current resource state",
		}
	case statusCode == http.StatusInternalServerError || statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable || statusCode == http.StatusGatewayTimeout:
		return &ClassifiedError{
			Type: TypeGateway, Category: CategoryServerError, Severity: SeverityHigh,
			Retryable: true, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "gateway reported a server error",
		}
	default:
		return &ClassifiedError{
			Type: TypeGeneric, Category: CategoryUnknown, Severity: SeverityMedium,
			Retryable: false, StatusCode: statusCode, VendorCode: vendorCode,
			Message: "unexpected failure",
		}
	}
}

// classifyTransport maps connection-level failures. Resets, refusals,
// timeouts, and DNS failures are transient; anything else is unknown.
func classifyTransport(err error) *ClassifiedError {
	if isNetworkError(err) {
		return &ClassifiedError{
			Type: TypeTransport, Category: CategoryNetwork, Severity: SeverityMedium,
			Retryable: true,
			Message:   logging.Redact(fmt.Sprintf("network failure: %v", err)),
			Cause:     err,
		}
	}
	return &ClassifiedError{
		Type: TypeGeneric, Category: CategoryUnknown, Severity: SeverityMedium,
		Retryable: false,
		Message:   logging.Redact(fmt.Sprintf("unexpected failure: %v", err)),
		Cause:     err,
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// NewValidationError reports a locally-raised parameter error, naming the
// offending parameter.
func NewValidationError(param, detail string) *ClassifiedError {
	return &ClassifiedError{
		Type: TypeLocal, Category: CategoryValidation, Severity: SeverityLow,
		Retryable: false,
		Message:   fmt.Sprintf("invalid parameter %q: %s", param, detail),
	}
}
