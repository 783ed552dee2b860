package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

// ProtocolID is the libp2p protocol this package multiplexes RPC
// envelopes under, the same style of namespaced protocol string as the
// teacher's ProtocolPaymnetChannel constant, matching the wire protocol
// name the original node negotiates.
const ProtocolID = protocol.ID("/subquery/rpc/0.0.1")

// DefaultTimeout bounds how long SendRequest waits for a reply before
// returning ErrTimeout, matching the teacher's DefaultNetworkTimeout.
// Var, not const, so tests can shorten it.
var DefaultTimeout = 10 * time.Second

// Handler answers an inbound request envelope.
type Handler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Conn multiplexes many concurrent request/response pairs over one
// libp2p stream: an outbound RequestId counter, a pending_outbound map
// keyed by that id, and a single read loop that dispatches frames to
// either the pending map (responses) or the installed Handler
// (requests), mirroring the teacher's one-stream-per-conversation net.go
// but generalized to many in-flight requests per stream instead of one.
type Conn struct {
	stream io.ReadWriteCloser
	peer   peer.ID

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan Envelope

	handler   Handler
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an already-open stream (any io.ReadWriteCloser; a
// libp2p network.Stream satisfies this) and starts its read loop.
// handler may be nil on connections that only ever initiate requests.
func NewConn(s io.ReadWriteCloser, remotePeer peer.ID, handler Handler) *Conn {
	c := &Conn{
		stream:  s,
		peer:    remotePeer,
		pending: make(map[uint64]chan Envelope),
		handler: handler,
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Peer() peer.ID { return c.peer }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.stream.Close()
}

func (c *Conn) writeEnvelope(e Envelope) error {
	raw, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.stream, raw)
}

// SendRequest dispatches method/params and blocks for the matching
// response, or ctx/DefaultTimeout/connection-close, whichever comes
// first — the same ticker-vs-response-channel race as the teacher's
// readMessageWithTimeout, generalized to support many concurrent
// in-flight requests per stream.
func (c *Conn) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	reply := make(chan Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	timer := time.NewTimer(DefaultTimeout)
	defer timer.Stop()
	// The write is bounded by the same timeout, close and ctx as the reply.
	written := make(chan error, 1)
	go func() {
		written <- c.writeEnvelope(Envelope{Kind: KindRequest, RequestID: id, Method: method, Params: raw})
	}()
	select {
	case err := <-written:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDialFailure, err)
		}
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case env := <-reply:
		if env.Error != "" {
			return nil, fmt.Errorf("rpc: remote error: %s", env.Error)
		}
		return env.Result, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		raw, err := ReadFrame(c.stream)
		if err != nil {
			if err != io.EOF {
				chanlog.P2PRPC.Debugf("rpc: read loop for peer %s ending: %v", c.peer, err)
			}
			c.failAllPending(ErrResponseOmission)
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			chanlog.P2PRPC.Warnf("rpc: malformed envelope from %s: %v", c.peer, err)
			continue
		}
		switch env.Kind {
		case KindResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[env.RequestID]
			c.pendingMu.Unlock()
			if ok {
				ch <- env
			}
		case KindRequest:
			go c.serveRequest(env)
		}
	}
}

func (c *Conn) serveRequest(req Envelope) {
	resp := Envelope{Kind: KindResponse, RequestID: req.RequestID}
	if c.handler == nil {
		resp.Error = "no handler installed for this connection"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		ctx = withDeferInfo(ctx, c, req.RequestID)
		result, err := c.handler(ctx, req.Method, req.Params)
		cancel()
		if errors.Is(err, ErrDeferred) {
			// The handler will call Conn.Respond itself once its answer
			// is ready; no response frame is written now.
			return
		}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	}
	if err := c.writeEnvelope(resp); err != nil {
		chanlog.P2PRPC.Warnf("rpc: failed writing response to %s: %v", c.peer, err)
	}
}

func (c *Conn) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- Envelope{Kind: KindResponse, RequestID: id, Error: err.Error()}
	}
}
