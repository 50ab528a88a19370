package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the SDK can surface. The orchestrator
// switches on the kind; everything else (status, code, content type, message)
// rides along untouched so the caller can distinguish causes without the
// orchestrator re-interpreting them.
type ErrorKind int

const (
	// KindTransport is a network/IO failure. Never auto-retried by the SDK;
	// retry policy for these belongs to the transport layer.
	KindTransport ErrorKind = iota

	// KindProtocol means the server answered 200 but the body or headers
	// violate the documented contract (missing access token, empty cert
	// chain, non-bearer token type). Always fatal for the current call.
	KindProtocol

	// KindInvalidClient is the server-classified "invalid client
	// credentials" condition. It invalidates the stored client id/secret
	// and permits exactly one transparent retry per call.
	KindInvalidClient

	// KindInvalidResourceOwner is the server-classified "invalid resource
	// owner credentials" condition. Surfaced as an authentication failure;
	// retrying with the same credentials cannot succeed, so the SDK never
	// retries it.
	KindInvalidResourceOwner

	// KindStateMismatch rejects a cross-device approval whose state value
	// does not match the outstanding PKCE challenge.
	KindStateMismatch

	// KindCancelled is not an error condition; it is the distinct terminal
	// outcome of an explicit cancellation.
	KindCancelled

	// KindTimeout reports that cross-device approval polling exhausted its
	// attempt budget.
	KindTimeout

	// KindServer covers any other server-classified failure.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidResourceOwner:
		return "invalid_resource_owner"
	case KindStateMismatch:
		return "state_mismatch"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "server"
	}
}

// Error is the single tagged error type used across the SDK in place of an
// exception-subclass hierarchy.
type Error struct {
	Kind        ErrorKind
	HTTPStatus  int    // 0 when no HTTP exchange happened
	Code        int    // numeric application error code (x-ca-err), 0 if absent
	ContentType string // content type of the error response body
	Message     string
	cause       error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway: %s (http %d, code %d): %s", e.Kind, e.HTTPStatus, e.Code, e.Message)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("gateway: %s (http %d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a tagged error without an HTTP exchange attached.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapTransport tags an underlying transport failure.
func WrapTransport(err error) *Error {
	return &Error{Kind: KindTransport, Message: err.Error(), cause: err}
}

// KindOf extracts the ErrorKind from err, or KindServer if err is not a
// tagged gateway error.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindServer
}

// IsRetryable reports whether err permits the orchestrator's single
// transparent retry (stale client credentials).
func IsRetryable(err error) bool {
	return KindOf(err) == KindInvalidClient
}

// AsError extracts the tagged error from err, wrapping untagged errors as
// KindServer so callers always see one shape.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindServer, Message: err.Error(), cause: err}
}
