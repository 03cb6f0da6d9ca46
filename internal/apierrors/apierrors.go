// Package apierrors is the closed error-kind taxonomy used across the
// whole ingestion core: every boundary translates raw errors into one of
// these kinds before they propagate.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind is one of the propagation-policy error kinds.
type Kind string

const (
	KindInvalidInput       Kind = "InvalidInput"
	KindNotFound           Kind = "NotFound"
	KindQueueFull          Kind = "QueueFull"
	KindRateLimited        Kind = "RateLimited"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindTransientTransport Kind = "TransientTransport"
	KindDataIntegrity      Kind = "DataIntegrity"
	KindCancelled          Kind = "Cancelled"
	KindInternal           Kind = "Internal"
)

// Error wraps an underlying cause with a taxonomy Kind and a short message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to Internal for unrecognized errors — every boundary
// (HTTP handler, worker loop, adapter) should call this instead of letting
// a raw error or panic escape.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RecoverableAsSkip reports whether, for an OPTIONAL pipeline stage, this
// kind should be treated as "skip the stage, keep going" rather than
// aborting the job: everything except InvalidInput and Internal is
// recoverable-as-skip for optional stages.
func RecoverableAsSkip(kind Kind) bool {
	switch kind {
	case KindInvalidInput, KindInternal:
		return false
	default:
		return true
	}
}

// HTTPStatus maps a Kind onto the user-visible status code: 4xx for
// client-correctable problems, 503 for QueueFull and ServiceUnavailable,
// 502 for TransientTransport, and 500 for DataIntegrity, Internal and any
// unrecognized kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return 400
	case KindNotFound:
		return 404
	case KindQueueFull:
		return 503
	case KindRateLimited:
		return 429
	case KindServiceUnavailable:
		return 503
	case KindTransientTransport:
		return 502
	case KindDataIntegrity:
		return 500
	case KindCancelled:
		return 409
	case KindInternal:
		return 500
	default:
		return 500
	}
}
