package group

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

// ConnectionNotifiee keeps Table in sync with the swarm: when a
// connection to a peer is lost, it drops that peer from every group it
// belonged to (spec.md §4.6's membership-follows-liveness rule), and
// when a new connection is established, it replays a non-blocking Join
// for every group self currently belongs to so the new peer learns of
// it without waiting on an explicit group-join call.
type ConnectionNotifiee struct {
	network.NoopNotifiee

	host    host.Host
	table   *Table
	natPort int
}

func NewConnectionNotifiee(h host.Host, t *Table, natPort int) *ConnectionNotifiee {
	return &ConnectionNotifiee{host: h, table: t, natPort: natPort}
}

func (n *ConnectionNotifiee) Connected(_ network.Network, c network.Conn) {
	groups := n.table.Groups(n.host.ID())
	if len(groups) == 0 {
		return
	}
	remote := c.RemotePeer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, g := range groups {
			target := peer.AddrInfo{ID: remote}
			if _, _, err := SendJoin(ctx, n.host, target, g, n.host.ID(), n.natPort, false); err != nil {
				chanlog.P2PGroup.Debugf("group: failed replaying join for %s to %s: %v", g, remote, err)
			}
		}
	}()
}

func (n *ConnectionNotifiee) Disconnected(_ network.Network, c network.Conn) {
	remote := c.RemotePeer()
	if n.host.Network().Connectedness(remote) == network.Connected {
		// Another open connection to the same peer still exists.
		return
	}
	groups := n.table.DropPeer(remote)
	if len(groups) > 0 {
		chanlog.P2PGroup.Debugf("group: dropped %s from %v after disconnect", remote, groups)
	}
}
