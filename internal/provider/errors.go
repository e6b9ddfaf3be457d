package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the orchestrator when the fallback chain
// cannot produce a result.
var (
	ErrNoProvidersAvailable = errors.New("no providers available")
	ErrAllProvidersFailed   = errors.New("all providers failed")
)

// Code is a canonical machine-readable failure class. Adapters normalize
// provider-specific statuses to these codes; the retry policy matches on
// them rather than on Go types.
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeAuthentication Code = "authentication_error"
	CodePermission     Code = "permission_denied"
	CodeQuotaExceeded  Code = "quota_exceeded"
	CodeRateLimited    Code = "rate_limited"
	CodeTimeout        Code = "timeout"
	CodeUnavailable    Code = "unavailable"
)

var allCodes = []Code{
	CodeInvalidRequest,
	CodeAuthentication,
	CodePermission,
	CodeQuotaExceeded,
	CodeRateLimited,
	CodeTimeout,
	CodeUnavailable,
}

// Error is a normalized provider failure. The message always embeds the
// canonical code, so callers that only see the error string can still
// classify it.
type Error struct {
	Provider string
	Code     Code
	Status   int // HTTP status when the provider spoke HTTP, else 0
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a normalized provider failure.
func NewError(providerID string, code Code, message string, cause error) *Error {
	return &Error{Provider: providerID, Code: code, Message: message, Err: cause}
}

// CodeOf extracts the canonical code from err. It prefers a typed *Error
// anywhere in the chain, then falls back to scanning the message for a
// canonical code, so classification survives adapters that only embed the
// code in their error text. Returns "" when err carries no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	msg := err.Error()
	for _, c := range allCodes {
		if strings.Contains(msg, string(c)) {
			return c
		}
	}
	return ""
}
