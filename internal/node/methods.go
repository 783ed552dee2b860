package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/p2p/group"
	"github.com/subquery/payg-gateway/internal/rpcserver"
)

// registerControlMethods wires the JSON-RPC control-plane surface from
// spec.md §4.6/§4.7: echo/rpcs for introspection, connect/group-* for
// the P2P overlay, and state-channel/query(-sync)/payg(-sync)/response
// for channel operations an operator drives by naming a peer to relay
// to, rather than serving locally (that's handleRPC's job, answering
// the inbound side of the same substream methods).
func (n *Node) registerControlMethods() {
	d := n.dispatcher

	d.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		return params, nil
	})

	d.Register("rpcs", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		return d.Methods(), nil
	})

	d.Register("connect", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Addr string `json:"addr"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		id, err := n.Connect(ctx, p.Addr)
		if err != nil {
			return nil, rpcserver.ErrServer(apierr.JSONRPCCode(apierr.KindServiceException), err.Error())
		}
		return map[string]string{"peerId": id.String()}, nil
	})

	d.Register("state-channel", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Peer  string              `json:"peer"`
			State chanstate.OpenState `json:"state"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		target, err := peer.Decode(p.Peer)
		if err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		raw, err := n.callPeer(ctx, target, "state-channel", p.State)
		if err != nil {
			return nil, toRPCError(err)
		}
		var signed chanstate.OpenState
		if err := json.Unmarshal(raw, &signed); err != nil {
			return nil, rpcserver.ErrInternal(err.Error())
		}
		return signed, nil
	})

	// query dispatches a Request::Query to peer and returns immediately
	// with a request id; the eventual result is pushed to every connected
	// control-plane WebSocket client as an unsolicited broadcast carrying
	// that id. query-sync blocks and returns the result directly. payg
	// and payg-sync are the same dispatch with the pay-as-you-go naming
	// spec.md §4.7 lists alongside query — the channel payload already
	// carries whatever payment state a query advances.
	d.Register("query", n.registerQueryLike(false))
	d.Register("query-sync", n.registerQueryLike(true))
	d.Register("payg", n.registerQueryLike(false))
	d.Register("payg-sync", n.registerQueryLike(true))

	// response completes a request this node deferred while serving an
	// inbound substream call (see internal/p2p/rpc's DeferInfo/Respond):
	// the operator (or whatever asynchronously produced the real answer)
	// supplies the id handleRPC's deferral returned and the now-ready
	// result.
	d.Register("response", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			RequestID uint64          `json:"requestId"`
			Result    json.RawMessage `json:"result"`
			Error     string          `json:"error"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		if err := n.completePending(p.RequestID, p.Result, p.Error); err != nil {
			return nil, rpcserver.ErrServer(apierr.JSONRPCCode(apierr.KindServiceException), err.Error())
		}
		return map[string]bool{"ok": true}, nil
	})

	d.Register("group-join", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Group string `json:"group"`
			Peer  string `json:"peer"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		n.Group.Join(p.Group, n.Host.ID(), n.Host.Addrs())
		if p.Peer != "" {
			target, err := peer.Decode(p.Peer)
			if err != nil {
				return nil, rpcserver.ErrInvalidParams(err.Error())
			}
			if err := n.joinViaPeer(ctx, p.Group, target); err != nil {
				return nil, toRPCError(err)
			}
		}
		members := n.Group.Members(p.Group, n.Host.ID())
		return members, nil
	})

	d.Register("group-leave", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Group string `json:"group"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		for _, m := range n.Group.Members(p.Group, n.Host.ID()) {
			m := m
			go func() {
				_ = group.SendLeave(context.Background(), n.Host, m.ID, p.Group, n.Host.ID())
			}()
		}
		n.Group.Leave(p.Group, n.Host.ID())
		return map[string]bool{"ok": true}, nil
	})

	d.Register("group-add-node", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Group string `json:"group"`
			Peer  string `json:"peer"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		id, err := peer.Decode(p.Peer)
		if err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		n.Group.AddNode(p.Group, id, nil)
		return map[string]bool{"ok": true}, nil
	})

	d.Register("group-del-node", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Group string `json:"group"`
			Peer  string `json:"peer"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		id, err := peer.Decode(p.Peer)
		if err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		n.Group.DelNode(p.Group, id)
		return map[string]bool{"ok": true}, nil
	})

	d.Register("group-broadcast", func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Group string          `json:"group"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		if !n.Group.ShouldRelay(p.Group, n.Host.ID(), p.Data) {
			return map[string]bool{"relayed": false}, nil
		}
		n.relayBroadcast(ctx, p.Group, n.Host.ID(), p.Data)
		return map[string]bool{"relayed": true}, nil
	})
}

// callPeer opens a fresh RPC substream to target, sends one request, and
// closes it once the response (or failure) comes back.
func (n *Node) callPeer(ctx context.Context, target peer.ID, method string, params interface{}) (json.RawMessage, error) {
	conn, err := dialRPC(ctx, n, target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.SendRequest(ctx, method, params)
}

// registerQueryLike builds the shared query/query-sync/payg/payg-sync
// handler: sync blocks for the peer's answer, async returns a request id
// immediately and broadcasts the eventual result to WebSocket clients.
func (n *Node) registerQueryLike(sync bool) rpcserver.Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, *rpcserver.Error) {
		var p struct {
			Peer       string               `json:"peer"`
			QueryState chanstate.QueryState `json:"queryState"`
			Payload    json.RawMessage      `json:"payload"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		target, err := peer.Decode(p.Peer)
		if err != nil {
			return nil, rpcserver.ErrInvalidParams(err.Error())
		}
		reqParams := map[string]interface{}{"queryState": p.QueryState, "payload": p.Payload}

		if sync {
			raw, err := n.callPeer(ctx, target, "query", reqParams)
			if err != nil {
				return nil, toRPCError(err)
			}
			var out map[string]json.RawMessage
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, rpcserver.ErrInternal(err.Error())
			}
			return out, nil
		}

		id := n.nextCallID.Add(1)
		go func() {
			raw, callErr := n.callPeer(context.Background(), target, "query", reqParams)
			resp := rpcserver.Response{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprintf("%d", id))}
			if callErr != nil {
				resp.Error = toRPCError(callErr)
			} else {
				var out map[string]json.RawMessage
				if err := json.Unmarshal(raw, &out); err != nil {
					resp.Error = rpcserver.ErrInternal(err.Error())
				} else {
					resp.Result = out
				}
			}
			n.hub.Broadcast(resp)
		}()
		return map[string]interface{}{"requestId": id}, nil
	}
}

// joinViaPeer sends a join request to target, blocking for its own Join
// reply plus a Sync of the members it already knows, then merges both
// into the local Table.
func (n *Node) joinViaPeer(ctx context.Context, grp string, target peer.ID) error {
	joinReply, syncReply, err := group.SendJoin(ctx, n.Host, peer.AddrInfo{ID: target}, grp, n.Host.ID(), n.natPort, true)
	if err != nil {
		return err
	}
	n.Group.AddNode(grp, target, nil)
	_ = joinReply
	for _, m := range group.ParsePeerAddrs(syncReply.Members) {
		n.Group.AddNode(grp, m.ID, m.Addrs)
	}
	return nil
}

func toRPCError(err error) *rpcserver.Error {
	kind := apierr.KindOf(err)
	return rpcserver.ErrServer(apierr.JSONRPCCode(kind), err.Error())
}
