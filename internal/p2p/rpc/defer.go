package rpc

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrDeferred is returned by a Handler that will not answer its request
// synchronously: instead of a return value, the caller later completes
// the request out-of-band via Conn.Respond, using the Conn/RequestID
// DeferInfo exposes from the handler's context. This is the substream
// counterpart of the control plane's "response" method completing a
// request an inbound handler chose to defer.
var ErrDeferred = errors.New("rpc: handler deferred the response")

type deferKey struct{}

type deferInfo struct {
	conn      *Conn
	requestID uint64
}

func withDeferInfo(ctx context.Context, c *Conn, requestID uint64) context.Context {
	return context.WithValue(ctx, deferKey{}, deferInfo{conn: c, requestID: requestID})
}

// DeferInfo returns the Conn and RequestID a Handler can use to answer
// its request later with Conn.Respond, if the inbound call carried one.
// It is always present for requests served through serveRequest.
func DeferInfo(ctx context.Context) (conn *Conn, requestID uint64, ok bool) {
	info, ok := ctx.Value(deferKey{}).(deferInfo)
	if !ok {
		return nil, 0, false
	}
	return info.conn, info.requestID, true
}

// Respond completes requestID with result or, if errMsg is non-empty, an
// error envelope instead. Used by a Handler that returned ErrDeferred
// once its actual answer becomes available.
func (c *Conn) Respond(requestID uint64, result json.RawMessage, errMsg string) error {
	return c.writeEnvelope(Envelope{Kind: KindResponse, RequestID: requestID, Result: result, Error: errMsg})
}
