package rpc

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Dial opens a new RPC substream to target, the generalized form of the
// teacher's PaymentChannelNode.openStream: one substream per logical
// conversation rather than one persistent stream per peer.
func Dial(ctx context.Context, h host.Host, target peer.ID, handler Handler) (*Conn, error) {
	s, err := h.NewStream(ctx, target, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailure, err)
	}
	return NewConn(s, s.Conn().RemotePeer(), handler), nil
}

// ListenFor registers a stream handler under ProtocolID that wraps every
// inbound stream in a Conn served by handler, the RPC-layer analog of
// the teacher's host.SetStreamHandler(ProtocolPaymnetChannel,
// node.handleNewStream).
func ListenFor(h host.Host, handler Handler) {
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		NewConn(s, s.Conn().RemotePeer(), handler)
	})
}
