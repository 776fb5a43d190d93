package broker

import (
	"fmt"
	"net/http"
)

// Broker error codes as constants
const (
	ErrorCodeInvalidHandshake    = "invalid_handshake"
	ErrorCodeUpstreamAuthFailure = "upstream_auth_failure"
	ErrorCodeUnauthenticated     = "unauthenticated"
	ErrorCodeServerError         = "server_error"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
)

// BrokerError represents an error response in the handshake or session flow
type BrokerError struct {
	Code        string // Machine-readable error code (e.g., "invalid_handshake")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewBrokerError creates a new broker error
func NewBrokerError(code, description string, status int) *BrokerError {
	return &BrokerError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common broker errors as reusable constructors
var (
	// ErrInvalidHandshake indicates the handshake request is malformed or the
	// state check failed
	ErrInvalidHandshake = func(desc string) *BrokerError {
		return NewBrokerError(ErrorCodeInvalidHandshake, desc, http.StatusBadRequest)
	}

	// ErrUpstreamAuthFailure indicates GitHub rejected the code exchange or
	// installation lookup
	ErrUpstreamAuthFailure = func(desc string) *BrokerError {
		return NewBrokerError(ErrorCodeUpstreamAuthFailure, desc, http.StatusBadGateway)
	}

	// ErrUnauthenticated indicates the session token is missing, unknown, or
	// expired. Callers must use the same description for unknown and expired
	// tokens so responses do not reveal which case occurred.
	ErrUnauthenticated = func(desc string) *BrokerError {
		return NewBrokerError(ErrorCodeUnauthenticated, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal failure
	ErrServerError = func(desc string) *BrokerError {
		return NewBrokerError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates too many requests from one client
	ErrRateLimitExceeded = func(desc string) *BrokerError {
		return NewBrokerError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)
