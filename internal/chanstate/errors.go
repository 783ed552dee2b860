package chanstate

import "errors"

// Sentinel errors this package returns. internal/service wraps errors
// from this package into explicit apierr Kinds before they reach the
// edges (HTTP, JSON-RPC).
var (
	ErrInvalidSignature = errors.New("chanstate: invalid signature")
	ErrInvalidSerialize = errors.New("chanstate: invalid serialization")
)
