package group

import (
	"context"
	"encoding/json"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/p2p/rpc"
)

// ProtocolID is the dedicated substream protocol group membership
// traffic travels over, separate from internal/p2p/rpc's request/reply
// protocol: Join/Leave/Sync/broadcast are one-shot frames, not a
// general-purpose RPC call, matching spec.md §6's protocol list.
const ProtocolID = protocol.ID("/subquery/group/0.0.1")

func writeMessage(w io.Writer, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return rpc.WriteFrame(w, raw)
}

func readMessage(r io.Reader) (Message, error) {
	raw, err := rpc.ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	var m Message
	err = json.Unmarshal(raw, &m)
	return m, err
}

// SendJoin dials target and announces membership in group. When
// isRequest, it blocks for the peer's own Join reply and its Sync of
// known members (spec.md §4.6's "if is_request, peer replies with its
// own Join(port,false) plus Sync(...)"); otherwise it fires the
// announcement (used to replay Join on a newly established connection)
// and returns immediately.
func SendJoin(ctx context.Context, h host.Host, target peer.AddrInfo, group string, self peer.ID, port int, isRequest bool) (joinReply, syncReply Message, err error) {
	if len(target.Addrs) > 0 {
		if connErr := h.Connect(ctx, target); connErr != nil {
			return Message{}, Message{}, connErr
		}
	}
	s, err := h.NewStream(ctx, target.ID, ProtocolID)
	if err != nil {
		return Message{}, Message{}, err
	}
	defer s.Close()

	if err := writeMessage(s, Message{Kind: MsgJoin, Group: group, From: self.String(), Port: port, IsRequest: isRequest}); err != nil {
		return Message{}, Message{}, err
	}
	if !isRequest {
		return Message{}, Message{}, nil
	}
	joinReply, err = readMessage(s)
	if err != nil {
		return Message{}, Message{}, err
	}
	syncReply, err = readMessage(s)
	if err != nil {
		return Message{}, Message{}, err
	}
	return joinReply, syncReply, nil
}

// SendLeave dials target and announces departure from group; no reply
// is expected.
func SendLeave(ctx context.Context, h host.Host, target peer.ID, group string, self peer.ID) error {
	s, err := h.NewStream(ctx, target, ProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeMessage(s, Message{Kind: MsgLeave, Group: group, From: self.String()})
}

// SendBroadcast dials target and delivers one gossiped broadcast frame;
// no reply is expected.
func SendBroadcast(ctx context.Context, h host.Host, target peer.ID, group string, self peer.ID, data json.RawMessage) error {
	s, err := h.NewStream(ctx, target, ProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeMessage(s, Message{Kind: MsgBroadcast, Group: group, From: self.String(), Data: data})
}

// Listener answers inbound group-protocol streams: it records Join/Leave
// announcements into Table and, for a Join requesting a reply, sends
// back this node's own Join plus a Sync of the group's other known
// members. A received broadcast that the dedup filter judges novel is
// handed to OnBroadcast so the node can gossip it onward.
type Listener struct {
	host        host.Host
	table       *Table
	natPort     int
	OnBroadcast func(group string, from peer.ID, data json.RawMessage)
}

func NewListener(h host.Host, t *Table, natPort int) *Listener {
	return &Listener{host: h, table: t, natPort: natPort}
}

// Register installs the stream handler under ProtocolID.
func (l *Listener) Register() {
	l.host.SetStreamHandler(ProtocolID, l.handleStream)
}

func (l *Listener) handleStream(s network.Stream) {
	defer s.Close()
	msg, err := readMessage(s)
	if err != nil {
		chanlog.P2PGroup.Debugf("group: failed reading frame from %s: %v", s.Conn().RemotePeer(), err)
		return
	}
	from := s.Conn().RemotePeer()
	switch msg.Kind {
	case MsgJoin:
		l.handleJoin(s, from, msg)
	case MsgLeave:
		l.table.DelNode(msg.Group, from)
	case MsgBroadcast:
		if l.table.ShouldRelay(msg.Group, from, msg.Data) && l.OnBroadcast != nil {
			l.OnBroadcast(msg.Group, from, msg.Data)
		}
	default:
		chanlog.P2PGroup.Warnf("group: unexpected message kind %q from %s", msg.Kind, from)
	}
}

func (l *Listener) handleJoin(s network.Stream, from peer.ID, msg Message) {
	addrs := remoteAddrs(s, msg.Port, l.natPort)
	l.table.AddNode(msg.Group, from, addrs)
	if !msg.IsRequest {
		return
	}
	reply := Message{Kind: MsgJoin, Group: msg.Group, From: l.host.ID().String(), Port: l.natPort}
	if err := writeMessage(s, reply); err != nil {
		chanlog.P2PGroup.Debugf("group: failed replying to join from %s: %v", from, err)
		return
	}
	members := toPeerAddrs(l.table.Members(msg.Group, from))
	sync := Message{Kind: MsgSync, Group: msg.Group, From: l.host.ID().String(), Members: members}
	if err := writeMessage(s, sync); err != nil {
		chanlog.P2PGroup.Debugf("group: failed sending sync to %s: %v", from, err)
	}
}

// remoteAddrs returns the dialing peer's observed stream address,
// NAT-hinted by its advertised port when it sent one, and by this
// listener's own natPort when it did not.
func remoteAddrs(s network.Stream, advertisedPort, natPort int) []multiaddr.Multiaddr {
	addr := s.Conn().RemoteMultiaddr()
	if addr == nil {
		return nil
	}
	port := advertisedPort
	if port == 0 {
		port = natPort
	}
	return ApplyNATHint([]multiaddr.Multiaddr{addr}, port)
}

func toPeerAddrs(members []peer.AddrInfo) []PeerAddr {
	out := make([]PeerAddr, 0, len(members))
	for _, m := range members {
		addrs := make([]string, 0, len(m.Addrs))
		for _, a := range m.Addrs {
			addrs = append(addrs, a.String())
		}
		out = append(out, PeerAddr{ID: m.ID.String(), Addrs: addrs})
	}
	return out
}

// ParsePeerAddrs decodes a Sync reply's member list back into
// peer.AddrInfo, skipping any entry whose id fails to parse.
func ParsePeerAddrs(members []PeerAddr) []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(members))
	for _, m := range members {
		id, err := peer.Decode(m.ID)
		if err != nil {
			continue
		}
		var addrs []multiaddr.Multiaddr
		for _, a := range m.Addrs {
			ma, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				continue
			}
			addrs = append(addrs, ma)
		}
		out = append(out, peer.AddrInfo{ID: id, Addrs: addrs})
	}
	return out
}
