package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an operation failure. Kinds are stable strings that appear
// verbatim in OperationResult.error_kind, in the history store, and in API
// responses.
type Kind string

const (
	KindUnknownDevice        Kind = "unknown-device"
	KindUnreachable          Kind = "unreachable"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindUnsupportedParameter Kind = "unsupported-parameter"
	KindPathMissing          Kind = "path-missing"
	KindTypeMismatch         Kind = "type-mismatch"
	KindDeviceError          Kind = "device-error"
	KindHTTPError            Kind = "http-error"
	KindConfirmationRequired Kind = "confirmation-required"
	KindInternal             Kind = "internal"
)

// OpError is the error type produced by the transport, engine and executor.
type OpError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// New creates a new OpError of the given kind.
func New(kind Kind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause in an OpError of the given kind.
func Wrap(kind Kind, err error, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Context errors map to their
// transport-level kinds; anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error's kind to the status code the API facade renders.
func HTTPStatus(err error) int {
	return StatusFor(KindOf(err))
}

// StatusFor maps a kind to its HTTP status code.
func StatusFor(kind Kind) int {
	switch kind {
	case KindUnknownDevice:
		return http.StatusNotFound
	case KindUnsupportedParameter, KindTypeMismatch:
		return http.StatusBadRequest
	case KindConfirmationRequired:
		return http.StatusPreconditionRequired
	case KindUnreachable, KindTimeout:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusRequestTimeout
	case KindDeviceError, KindHTTPError, KindPathMissing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
