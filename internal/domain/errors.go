package domain

import "fmt"

// Error types for consistent error handling across the agent.
//
// The three-way split the mutation protocol depends on:
// ErrUnavailable (no response at all) triggers the local fallback path,
// ErrUnauthorized (HTTP 401) tears down the session and never falls back,
// ErrBackend (HTTP 4xx/5xx with a body) is surfaced verbatim, no fallback.

// ErrUnavailable indicates the backend gave no HTTP response at all:
// DNS failure, connection refused, timeout, or an open circuit breaker.
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("backend unavailable [%s]: %v", e.Op, e.Err)
}

func (e *ErrUnavailable) Unwrap() error {
	return e.Err
}

// ErrUnauthorized indicates the backend rejected the session (HTTP 401).
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrBackend indicates an application-level error response from the
// backend: the request was delivered and answered with a structured
// error body. Message carries the server-provided text verbatim.
type ErrBackend struct {
	Status  int
	Message string
}

func (e *ErrBackend) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrConflict indicates a conflicting resource already exists.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrForbidden indicates the user lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrNoSession indicates an operation that needs an authenticated
// session was attempted without one.
type ErrNoSession struct{}

func (e *ErrNoSession) Error() string {
	return "no active session"
}
