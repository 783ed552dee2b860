package node

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"

	"github.com/subquery/payg-gateway/internal/p2p/rpc"
	"github.com/subquery/payg-gateway/internal/rpcserver"
	"github.com/subquery/payg-gateway/internal/service"
	"github.com/subquery/payg-gateway/internal/store"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)

	n, err := New(context.Background(), Config{
		PrivateKey: priv,
		Port:       0,
		Service:    &service.Service{Store: store.New()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestEchoRoundTrip(t *testing.T) {
	n := newTestNode(t)
	resp := n.Dispatcher().DispatchOne(context.Background(), rpcserver.Request{
		JSONRPC: "2.0", Method: "echo", Params: json.RawMessage(`{"hi":1}`),
	})
	require.Nil(t, resp.Error)
}

func TestRPCsListsRegisteredMethods(t *testing.T) {
	n := newTestNode(t)
	resp := n.Dispatcher().DispatchOne(context.Background(), rpcserver.Request{JSONRPC: "2.0", Method: "rpcs"})
	require.Nil(t, resp.Error)
	methods, ok := resp.Result.([]string)
	require.True(t, ok)
	require.Contains(t, methods, "group-join")
	require.Contains(t, methods, "query")
}

func TestGroupJoinThenLeaveClearsMembership(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	joinResp := n.Dispatcher().DispatchOne(ctx, rpcserver.Request{
		JSONRPC: "2.0", Method: "group-join", Params: json.RawMessage(`{"group":"g1"}`),
	})
	require.Nil(t, joinResp.Error)
	require.Contains(t, n.Group.Groups(n.Host.ID()), "g1")

	leaveResp := n.Dispatcher().DispatchOne(ctx, rpcserver.Request{
		JSONRPC: "2.0", Method: "group-leave", Params: json.RawMessage(`{"group":"g1"}`),
	})
	require.Nil(t, leaveResp.Error)
	require.NotContains(t, n.Group.Groups(n.Host.ID()), "g1")
}

func TestUnknownMethodIsRejected(t *testing.T) {
	n := newTestNode(t)
	resp := n.Dispatcher().DispatchOne(context.Background(), rpcserver.Request{JSONRPC: "2.0", Method: "not-a-method"})
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

func TestStartStopDoesNotHang(t *testing.T) {
	n := newTestNode(t)
	n.Start()
	time.Sleep(10 * time.Millisecond)
}

func TestTwoNodesGroupJoinSyncsMembershipOverWire(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	ctx := context.Background()

	// b already belongs to g1 before a dials in, so a's join request
	// should come back with b's membership synced.
	b.Group.Join("g1", b.Host.ID(), b.Host.Addrs())

	addr := b.Host.Addrs()[0].String() + "/p2p/" + b.Host.ID().String()
	connectResp := a.Dispatcher().DispatchOne(ctx, rpcserver.Request{
		JSONRPC: "2.0", Method: "connect", Params: mustMarshal(t, map[string]string{"addr": addr}),
	})
	require.Nil(t, connectResp.Error)

	joinResp := a.Dispatcher().DispatchOne(ctx, rpcserver.Request{
		JSONRPC: "2.0", Method: "group-join",
		Params: mustMarshal(t, map[string]string{"group": "g1", "peer": b.Host.ID().String()}),
	})
	require.Nil(t, joinResp.Error)
	require.Eventually(t, func() bool {
		for _, m := range a.Group.Members("g1", a.Host.ID()) {
			if m.ID == b.Host.ID() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestResponseCompletesDeferredInboundRequest(t *testing.T) {
	n := newTestNode(t)

	a, bStream := net.Pipe()
	deferring := func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		conn, requestID, ok := rpc.DeferInfo(ctx)
		require.True(t, ok)
		id := n.registerPending(conn, requestID)
		go func() {
			resp := n.Dispatcher().DispatchOne(context.Background(), rpcserver.Request{
				JSONRPC: "2.0", Method: "response",
				Params: mustMarshal(t, map[string]interface{}{"requestId": id, "result": json.RawMessage(`{"done":true}`)}),
			})
			require.Nil(t, resp.Error)
		}()
		return nil, rpc.ErrDeferred
	}
	server := rpc.NewConn(bStream, n.Host.ID(), deferring)
	defer server.Close()
	client := rpc.NewConn(a, n.Host.ID(), nil)
	defer client.Close()

	result, err := client.SendRequest(context.Background(), "slow", nil)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out["done"])
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
