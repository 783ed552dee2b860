// Package node assembles one running gateway process: the libp2p host,
// the RPC/group protocol handlers, the channel service, and the
// JSON-RPC control-plane methods an operator or a sibling process
// drives it with. It is the direct successor of
// paymentchannels.PaymentChannelNode, generalized from a BCH payment
// channel overlay to this module's EVM/off-chain-state one and
// stripped of the DHT routing layer per spec.md's Non-goals.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/p2p/group"
	"github.com/subquery/payg-gateway/internal/p2p/rpc"
	"github.com/subquery/payg-gateway/internal/rpcserver"
	"github.com/subquery/payg-gateway/internal/service"
)

// Config configures one Node instance.
type Config struct {
	PrivateKey     p2pcrypto.PrivKey
	Port           int
	NATPort        int // externally-mapped port advertised to group peers; defaults to Port when zero
	BootstrapAddrs []string
	Service        *service.Service
}

// Node is the running process: a libp2p host, the RPC substream
// listener, the group protocol listener and connection notifiee, the
// group membership table, and the JSON-RPC control-plane dispatcher —
// the generalized analog of PaymentChannelNode, minus its
// Routing/Datastore fields (no DHT in this module).
type Node struct {
	Host    host.Host
	Group   *group.Table
	Service *service.Service

	natPort       int
	groupListener *group.Listener
	supervisor    *group.Supervisor
	dispatcher    *rpcserver.Dispatcher
	hub           *rpcserver.Hub

	mu         sync.Mutex
	pending    map[uint64]pendingCall // deferred inbound requests awaiting a control-plane "response"
	nextCallID atomic.Uint64
}

// pendingCall is a previously-deferred inbound RPC request this node is
// currently serving for a remote peer, kept around so a later
// control-plane "response" call can complete it via conn.Respond.
type pendingCall struct {
	conn      *rpc.Conn
	requestID uint64
}

// New builds a libp2p host bound to cfg.Port with cfg.PrivateKey as its
// identity, registers the RPC substream handler, and wires the
// JSON-RPC control-plane methods listed in spec.md §4.6.
func New(ctx context.Context, cfg Config) (*Node, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.Port),
		),
		libp2p.Identity(cfg.PrivateKey),
	)
	if err != nil {
		return nil, err
	}

	natPort := cfg.NATPort
	if natPort == 0 {
		natPort = cfg.Port
	}

	n := &Node{
		Host:    h,
		Group:   group.NewTable(),
		Service: cfg.Service,
		natPort: natPort,
		pending: make(map[uint64]pendingCall),
		hub:     rpcserver.NewHub(),
	}

	rpc.ListenFor(h, n.handleRPC)

	n.groupListener = group.NewListener(h, n.Group, natPort)
	n.groupListener.OnBroadcast = func(grp string, from peer.ID, data json.RawMessage) {
		n.relayBroadcast(context.Background(), grp, from, data)
	}
	n.groupListener.Register()
	h.Network().Notify(group.NewConnectionNotifiee(h, n.Group, natPort))

	bootstrapAddrs, err := group.ParseBootstrapAddrs(cfg.BootstrapAddrs)
	if err != nil {
		h.Close()
		return nil, err
	}
	supCfg := group.DefaultSupervisorConfig
	supCfg.BootstrapPeers = func() []peer.AddrInfo { return bootstrapAddrs }
	n.supervisor = group.NewSupervisor(h, supCfg)

	n.dispatcher = rpcserver.NewDispatcher()
	n.registerControlMethods()

	chanlog.Node.Infof("node %s listening on port %d", h.ID(), cfg.Port)
	return n, nil
}

// Start runs the connection supervisor in the background. Callers drive
// Dispatcher() themselves (e.g. from an HTTP or stdio JSON-RPC
// transport); there is deliberately no single blocking "run forever"
// call here so cmd/* mains control their own process lifecycle.
func (n *Node) Start() {
	go n.supervisor.Run()
}

func (n *Node) Stop() error {
	n.supervisor.Stop()
	return n.Host.Close()
}

// Dispatcher exposes the JSON-RPC control-plane surface for an HTTP or
// WebSocket front end to drive.
func (n *Node) Dispatcher() *rpcserver.Dispatcher {
	return n.dispatcher
}

// Hub exposes the control plane's WebSocket broadcast fan-out, so async
// "query"/"payg" results reach every connected operator client.
func (n *Node) Hub() *rpcserver.Hub {
	return n.hub
}

// Connect dials a peer by its multiaddr (including the /p2p/<id> peer
// id component) and adds it to the host's peerstore.
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", err
	}
	if err := n.Host.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// dialRPC opens a fresh RPC substream to target, reusing the node's own
// inbound handler so a request arriving on that same substream (the
// remote peer calling back) is routed the same way an inbound dial would
// be.
func dialRPC(ctx context.Context, n *Node, target peer.ID) (*rpc.Conn, error) {
	return rpc.Dial(ctx, n.Host, target, n.handleRPC)
}

// handleRPC answers an inbound RPC substream request. This is
// deliberately a separate method set from n.dispatcher: the control
// plane's "query"/"state-channel" mean "dial a named peer and relay,"
// while the inbound side of the exact same method names means "serve
// this peer's request using the local Service" when this node holds the
// matching role (spec.md §4.4/§4.6's peer-to-peer channel operations).
func (n *Node) handleRPC(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "state-channel":
		return n.serveStateChannel(ctx, params)
	case "query":
		return n.serveQuery(ctx, params)
	default:
		return nil, fmt.Errorf("rpc: unsupported inbound method %q", method)
	}
}

func (n *Node) serveStateChannel(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if n.Service == nil || n.Service.Role != service.RoleIndexer {
		return nil, fmt.Errorf("rpc: this node does not accept inbound state-channel opens")
	}
	var st chanstate.OpenState
	if err := json.Unmarshal(params, &st); err != nil {
		return nil, err
	}
	signed, err := n.Service.OpenIndexer(ctx, st)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signed)
}

func (n *Node) serveQuery(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if n.Service == nil || n.Service.Role != service.RoleIndexer {
		return nil, fmt.Errorf("rpc: this node does not serve queries")
	}
	var p struct {
		QueryState chanstate.QueryState `json:"queryState"`
		Payload    json.RawMessage      `json:"payload"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	result, signed, err := n.Service.QueryIndexer(ctx, p.QueryState, p.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"result": result, "queryState": signed})
}

// registerPending records a deferred inbound request under a fresh
// control-plane-facing id, so a later "response" call can look it back up.
func (n *Node) registerPending(conn *rpc.Conn, requestID uint64) uint64 {
	id := n.nextCallID.Add(1)
	n.mu.Lock()
	n.pending[id] = pendingCall{conn: conn, requestID: requestID}
	n.mu.Unlock()
	return id
}

// completePending answers a previously-deferred inbound request, as
// driven by the control plane's "response" method.
func (n *Node) completePending(id uint64, result json.RawMessage, errMsg string) error {
	n.mu.Lock()
	call, ok := n.pending[id]
	delete(n.pending, id)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("rpc: no pending request %d", id)
	}
	return call.conn.Respond(call.requestID, result, errMsg)
}

// relayBroadcast fans a novel group broadcast out to every other member
// of grp over the dedicated group protocol, best-effort and excluding
// the peer it arrived from.
func (n *Node) relayBroadcast(ctx context.Context, grp string, from peer.ID, data json.RawMessage) {
	for _, m := range n.Group.Members(grp, n.Host.ID()) {
		if m.ID == from {
			continue
		}
		m := m
		go func() {
			if err := group.SendBroadcast(ctx, n.Host, m.ID, grp, n.Host.ID(), data); err != nil {
				chanlog.P2PGroup.Debugf("group: failed relaying broadcast for %s to %s: %v", grp, m.ID, err)
			}
		}()
	}
}
