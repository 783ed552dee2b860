// Package group implements the gossip-group layer from spec.md §5:
// join/leave/sync membership, broadcast with duplicate suppression, and
// a connection supervisor that keeps the node dialed to its configured
// bootstrap peers. General DHT-based peer routing is explicitly out of
// scope (spec.md Non-goals) — group membership here is flat and
// explicit, not discovered.
package group

import (
	"context"
	"math/rand"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/subquery/payg-gateway/internal/chanlog"
)

// SupervisorConfig mirrors the teacher's BootstrapConfig shape, with the
// DHT routing table concerns stripped out: this module only ever dials
// a fixed, operator-configured peer set, it never discovers new peers
// via a DHT walk.
type SupervisorConfig struct {
	MinPeerThreshold  int
	Period            time.Duration
	ConnectionTimeout time.Duration
	BootstrapPeers    func() []peer.AddrInfo
}

var DefaultSupervisorConfig = SupervisorConfig{
	MinPeerThreshold:  2,
	Period:            30 * time.Second,
	ConnectionTimeout: 10 * time.Second,
}

// ParseBootstrapAddrs turns operator-supplied multiaddr strings (e.g.
// from internal/config.Config.BootstrapPeers) into peer.AddrInfo.
func ParseBootstrapAddrs(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, err
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// Supervisor periodically redials configured bootstrap peers whenever
// the node's connection count drops under MinPeerThreshold — the exact
// role of the teacher's Bootstrap/bootstrapRound, minus the DHT
// BootstrapWithConfig call this module has no DHT to drive.
type Supervisor struct {
	host host.Host
	cfg  SupervisorConfig
	stop chan struct{}
}

func NewSupervisor(h host.Host, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{host: h, cfg: cfg, stop: make(chan struct{})}
}

// Run starts the periodic redial loop; it blocks until Stop is called.
func (s *Supervisor) Run() {
	s.round()
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.round()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) Stop() {
	close(s.stop)
}

func (s *Supervisor) round() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectionTimeout)
	defer cancel()

	connected := s.host.Network().Peers()
	if len(connected) >= s.cfg.MinPeerThreshold {
		chanlog.P2PGroup.Debugf("supervisor: skipping redial, connected to %d peers", len(connected))
		return
	}
	numToDial := s.cfg.MinPeerThreshold - len(connected)

	var notConnected []peer.AddrInfo
	for _, p := range s.cfg.BootstrapPeers() {
		if s.host.Network().Connectedness(p.ID) != network.Connected {
			notConnected = append(notConnected, p)
		}
	}
	if len(notConnected) == 0 {
		return
	}
	s.dialSubset(ctx, randomSubset(notConnected, numToDial))
}

func (s *Supervisor) dialSubset(ctx context.Context, peers []peer.AddrInfo) {
	for _, p := range peers {
		p := p
		go func() {
			if err := s.host.Connect(ctx, p); err != nil {
				chanlog.P2PGroup.Debugf("supervisor: failed to dial %s: %v", p.ID, err)
				return
			}
			chanlog.P2PGroup.Infof("supervisor: connected to %s", p.ID)
		}()
	}
}

func randomSubset(in []peer.AddrInfo, max int) []peer.AddrInfo {
	n := max
	if n > len(in) {
		n = len(in)
	}
	perm := rand.Perm(len(in))
	out := make([]peer.AddrInfo, 0, n)
	for _, idx := range perm {
		out = append(out, in[idx])
		if len(out) >= n {
			break
		}
	}
	return out
}
