package domain

import "fmt"

// Error types for consistent error handling across the sync engine.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrConflict indicates the request conflicts with the current resource state.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// Reasons carried by ErrAuth.
const (
	AuthReasonNotConnected = "not connected"
	AuthReasonExpired      = "connection expired"
	AuthReasonRejected     = "remote rejected credentials"
	AuthReasonChanged      = "connection changed"
)

// ErrAuth means there is no usable connection to the accounting platform.
// The user has to reconnect before any remote call can succeed.
type ErrAuth struct {
	UserID string
	Reason string
	Err    error
}

func (e *ErrAuth) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconnect required (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("reconnect required (%s)", e.Reason)
}

func (e *ErrAuth) Unwrap() error {
	return e.Err
}

// ErrRateLimited is returned by the remote client when the platform throttles
// a request. The gateway absorbs it by waiting.
type ErrRateLimited struct {
	Operation string
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("remote throttled request: %s", e.Operation)
}

// ErrMapping indicates a transaction cannot be posted because no account
// mapping exists for its category.
type ErrMapping struct {
	Category    string
	Subcategory string
}

func (e *ErrMapping) Error() string {
	if e.Category == "" {
		return "no account mapping: transaction has no category"
	}
	if e.Subcategory != "" {
		return fmt.Sprintf("no account mapping for category %q / %q", e.Category, e.Subcategory)
	}
	return fmt.Sprintf("no account mapping for category %q", e.Category)
}

// ErrRemoteFault is a structured fault returned by the accounting platform.
// Code and Message are kept exactly as the remote sent them.
type ErrRemoteFault struct {
	Status  int
	Code    string
	Message string
	Detail  string
}

func (e *ErrRemoteFault) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return fmt.Sprintf("remote fault %s: %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("remote fault %s: %s", e.Code, e.Message)
}
