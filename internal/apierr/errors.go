// Package apierr defines the error-kind taxonomy shared across the HTTP
// front door, the JSON-RPC control plane, and the channel service, and
// wraps underlying errors with a stack trace via go-errors/errors the
// same way gcash/bchwallet's paymentchannels package does.
package apierr

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind is an error kind, not a type name: callers switch on Kind to
// decide HTTP status / JSON-RPC code, never on the concrete Go type.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindInvalidAuthHeader
	KindNoPermission
	KindJWTTokenError
	KindJWTTokenExpired
	KindInvalidProjectID
	KindInvalidServiceEndpoint
	KindInvalidController
	KindInvalidSerialize
	KindInvalidSignature
	KindInvalidEncrypt
	KindServiceException
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindInvalidAuthHeader:
		return "InvalidAuthHeader"
	case KindNoPermission:
		return "NoPermission"
	case KindJWTTokenError:
		return "JWTTokenError"
	case KindJWTTokenExpired:
		return "JWTTokenExpired"
	case KindInvalidProjectID:
		return "InvalidProjectId"
	case KindInvalidServiceEndpoint:
		return "InvalidServiceEndpoint"
	case KindInvalidController:
		return "InvalidController"
	case KindInvalidSerialize:
		return "InvalidSerialize"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindInvalidEncrypt:
		return "InvalidEncrypt"
	case KindServiceException:
		return "ServiceException"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind and a stack trace
// (go-errors/errors), the same wrapping library gcash/bchwallet's
// paymentchannels package already uses.
type Error struct {
	Kind Kind
	err  *goerrors.Error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: goerrors.New(msg)}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: goerrors.New(fmt.Sprintf(format, args...))}
}

func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	if e, ok := cause.(*Error); ok {
		return e
	}
	return &Error{Kind: kind, err: goerrors.Wrap(cause, 1)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.err.Error())
}

// Unwrap exposes the underlying cause so errors.Is/errors.As keep
// working through this wrapper.
func (e *Error) Unwrap() error {
	return e.err.Err
}

// Stack returns a formatted stack trace, used by dev-mode logging.
func (e *Error) Stack() string {
	return string(e.err.Stack())
}

// KindOf extracts the Kind from err, defaulting to KindServiceException
// for any error that didn't originate as an *Error — matching spec.md
// §7's propagation policy that external-dependency failures are wrapped
// in ServiceException.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServiceException
}
