package rpc

import "errors"

// Failure taxonomy for substream RPC calls, reported up to internal/node,
// which passes them on to its caller as JSON-RPC errors.
var (
	ErrDialFailure          = errors.New("rpc: failed to open substream to peer")
	ErrTimeout              = errors.New("rpc: timed out waiting for response")
	ErrConnectionClosed     = errors.New("rpc: connection closed before a response arrived")
	ErrUnsupportedProtocols = errors.New("rpc: peer does not support this protocol")
	ErrResponseOmission     = errors.New("rpc: peer closed the stream without responding")
)
