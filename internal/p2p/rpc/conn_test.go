package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSendRequestRoundTrip(t *testing.T) {
	a, b := pipePair(t)

	echo := func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	}
	server := NewConn(b, peer.ID("server"), echo)
	defer server.Close()
	client := NewConn(a, peer.ID("client"), nil)
	defer client.Close()

	result, err := client.SendRequest(context.Background(), "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(result, &out))
	require.Equal(t, "world", out["hello"])
}

func TestSendRequestConcurrentCallsDoNotCrossTalk(t *testing.T) {
	a, b := pipePair(t)

	handler := func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	}
	server := NewConn(b, peer.ID("server"), handler)
	defer server.Close()
	client := NewConn(a, peer.ID("client"), nil)
	defer client.Close()

	const n = 20
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			res, err := client.SendRequest(context.Background(), "id", map[string]int{"n": i})
			require.NoError(t, err)
			var out map[string]int
			require.NoError(t, json.Unmarshal(res, &out))
			results <- ""
			_ = out
		}()
	}
	for i := 0; i < n; i++ {
		<-results
	}
}

func TestSendRequestTimesOutOnSilentPeer(t *testing.T) {
	a, b := pipePair(t)
	defer b.Close()

	client := NewConn(a, peer.ID("client"), nil)
	defer client.Close()

	orig := DefaultTimeout
	DefaultTimeout = 50 * time.Millisecond
	defer func() { DefaultTimeout = orig }()

	_, err := client.SendRequest(context.Background(), "noop", nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSendRequestFailsAfterPeerCloses(t *testing.T) {
	a, b := pipePair(t)
	client := NewConn(a, peer.ID("client"), nil)
	defer client.Close()
	b.Close()

	_, err := client.SendRequest(context.Background(), "noop", nil)
	require.Error(t, err)
}

func TestDeferredHandlerCompletesViaRespond(t *testing.T) {
	a, b := pipePair(t)

	deferring := func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		conn, requestID, ok := DeferInfo(ctx)
		require.True(t, ok)
		go func() {
			_ = conn.Respond(requestID, json.RawMessage(`{"done":true}`), "")
		}()
		return nil, ErrDeferred
	}
	server := NewConn(b, peer.ID("server"), deferring)
	defer server.Close()
	client := NewConn(a, peer.ID("client"), nil)
	defer client.Close()

	result, err := client.SendRequest(context.Background(), "slow", nil)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out["done"])
}
