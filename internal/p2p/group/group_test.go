package group

import (
	"testing"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func randPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)
	return id
}

func TestJoinAddsSelfAndListsOtherMembers(t *testing.T) {
	tbl := NewTable()
	self := randPeer(t)
	other := randPeer(t)

	tbl.AddNode("group-a", other, nil)
	members := tbl.Join("group-a", self, nil)
	require.Len(t, members, 1)
	require.Equal(t, other, members[0].ID)

	require.Contains(t, tbl.Groups(self), "group-a")
}

func TestLeaveRemovesMembership(t *testing.T) {
	tbl := NewTable()
	self := randPeer(t)
	tbl.Join("group-a", self, nil)
	tbl.Leave("group-a", self)
	require.NotContains(t, tbl.Groups(self), "group-a")
}

func TestDropPeerClearsAllGroups(t *testing.T) {
	tbl := NewTable()
	p := randPeer(t)
	tbl.AddNode("group-a", p, nil)
	tbl.AddNode("group-b", p, nil)

	dropped := tbl.DropPeer(p)
	require.ElementsMatch(t, []string{"group-a", "group-b"}, dropped)
	require.Empty(t, tbl.Members("group-a", ""))
	require.Empty(t, tbl.Members("group-b", ""))
}

func TestApplyNATHintRewritesTCPPort(t *testing.T) {
	addr, err := multiaddr.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	require.NoError(t, err)

	rewritten := ApplyNATHint([]multiaddr.Multiaddr{addr}, 9999)
	require.Equal(t, "/ip4/10.0.0.5/tcp/9999", rewritten[0].String())
}

func TestApplyNATHintNoopWhenPortZero(t *testing.T) {
	addr, err := multiaddr.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	require.NoError(t, err)

	rewritten := ApplyNATHint([]multiaddr.Multiaddr{addr}, 0)
	require.Equal(t, addr, rewritten[0])
}

func TestShouldRelaySuppressesDuplicateBroadcast(t *testing.T) {
	tbl := NewTable()
	p := randPeer(t)
	require.True(t, tbl.ShouldRelay("group-a", p, []byte("payload")))
	require.False(t, tbl.ShouldRelay("group-a", p, []byte("payload")))
}
