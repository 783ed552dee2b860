package group

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

// MessageKind tags the four group-protocol message shapes spec.md §4.6
// names: Join, Leave, Sync, and a gossiped broadcast payload.
type MessageKind string

const (
	MsgJoin      MessageKind = "join"
	MsgLeave     MessageKind = "leave"
	MsgSync      MessageKind = "sync"
	MsgBroadcast MessageKind = "broadcast"
)

// PeerAddr is one member entry in a Sync reply's member list.
type PeerAddr struct {
	ID    string   `json:"id"` // peer.ID string
	Addrs []string `json:"addrs,omitempty"`
}

// Message is the wire shape of every frame carried over the dedicated
// group protocol (wire.go's ProtocolID): a Join announcement (optionally
// requesting the peer's own Join reply plus a Sync of its known
// members), a Leave, a Sync reply, or a gossiped broadcast payload.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	Group     string          `json:"group"`
	From      string          `json:"from"` // peer.ID string
	Port      int             `json:"port,omitempty"`
	IsRequest bool            `json:"isRequest,omitempty"`
	Members   []PeerAddr      `json:"members,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// member is one remembered participant of a group.
type member struct {
	id    peer.ID
	addrs []multiaddr.Multiaddr
}

// Table is the node's gossip-group membership state: which groups this
// node belongs to, and for each, which peers are known members. A
// reverse peers index lets "a peer dropped" fan out to every group it
// was in without a linear group scan.
type Table struct {
	mu     sync.RWMutex
	groups map[string]map[peer.ID]member
	peers  map[peer.ID]map[string]struct{} // peer -> groups it's in
	dedup  *Filter
}

func NewTable() *Table {
	return &Table{
		groups: make(map[string]map[peer.ID]member),
		peers:  make(map[peer.ID]map[string]struct{}),
		dedup:  NewFilter(4096),
	}
}

// Join adds self's own membership in a group and returns the current
// member list (so the caller can dial them), as a Sync reply would.
func (t *Table) Join(group string, self peer.ID, selfAddrs []multiaddr.Multiaddr) []peer.AddrInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addMemberLocked(group, self, selfAddrs)
	return t.membersLocked(group, self)
}

// Leave removes self's membership from a group.
func (t *Table) Leave(group string, self peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeMemberLocked(group, self)
}

// AddNode is the effect of receiving a group-join from a remote peer:
// record them as a member of group.
func (t *Table) AddNode(group string, id peer.ID, addrs []multiaddr.Multiaddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addMemberLocked(group, id, addrs)
}

// DelNode is the effect of receiving a group-leave, or of detecting the
// peer disconnected entirely (DropPeer).
func (t *Table) DelNode(group string, id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeMemberLocked(group, id)
}

// DropPeer removes id from every group it belonged to, used when the
// swarm reports the connection is gone.
func (t *Table) DropPeer(id peer.ID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	groups := make([]string, 0, len(t.peers[id]))
	for g := range t.peers[id] {
		groups = append(groups, g)
		delete(t.groups[g], id)
	}
	delete(t.peers, id)
	return groups
}

// Members returns the current AddrInfo list for group, excluding self.
func (t *Table) Members(group string, self peer.ID) []peer.AddrInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.membersLocked(group, self)
}

func (t *Table) membersLocked(group string, self peer.ID) []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(t.groups[group]))
	for id, m := range t.groups[group] {
		if id == self {
			continue
		}
		out = append(out, peer.AddrInfo{ID: id, Addrs: m.addrs})
	}
	return out
}

func (t *Table) addMemberLocked(group string, id peer.ID, addrs []multiaddr.Multiaddr) {
	if t.groups[group] == nil {
		t.groups[group] = make(map[peer.ID]member)
	}
	t.groups[group][id] = member{id: id, addrs: addrs}
	if t.peers[id] == nil {
		t.peers[id] = make(map[string]struct{})
	}
	t.peers[id][group] = struct{}{}
}

func (t *Table) removeMemberLocked(group string, id peer.ID) {
	delete(t.groups[group], id)
	delete(t.peers[id], group)
	if len(t.peers[id]) == 0 {
		delete(t.peers, id)
	}
}

// Groups lists every group self currently belongs to.
func (t *Table) Groups(self peer.ID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers[self]))
	for g := range t.peers[self] {
		out = append(out, g)
	}
	return out
}

// ShouldRelay reports whether a broadcast message (identified by its
// group+sender+raw payload) is novel and should be forwarded, using the
// dedup cuckoo filter so a gossiped broadcast doesn't loop forever.
func (t *Table) ShouldRelay(group string, from peer.ID, raw []byte) bool {
	key := append([]byte(group+"|"+string(from)+"|"), raw...)
	seen := t.dedup.Seen(key)
	if seen {
		chanlog.P2PGroup.Debugf("group %s: dropping already-seen broadcast from %s", group, from)
	}
	return !seen
}

// ApplyNATHint rewrites the port of each address in addrs to natPort
// when it is nonzero, the generalized form of a node behind NAT
// advertising its externally-mapped port instead of its local listen
// port when joining a group.
func ApplyNATHint(addrs []multiaddr.Multiaddr, natPort int) []multiaddr.Multiaddr {
	if natPort == 0 {
		return addrs
	}
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		s := a.String()
		parts := strings.Split(s, "/")
		for i := range parts {
			if parts[i] == "tcp" && i+1 < len(parts) {
				parts[i+1] = strconv.Itoa(natPort)
			}
		}
		rewritten, err := multiaddr.NewMultiaddr(strings.Join(parts, "/"))
		if err != nil {
			out = append(out, a)
			continue
		}
		out = append(out, rewritten)
	}
	return out
}
