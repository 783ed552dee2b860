package group

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := Message{
		Kind:      MsgSync,
		Group:     "g1",
		From:      "peer-a",
		IsRequest: true,
		Members: []PeerAddr{
			{ID: "peer-b", Addrs: []string{"/ip4/127.0.0.1/tcp/4001"}},
		},
		Data: json.RawMessage(`{"n":1}`),
	}

	done := make(chan error, 1)
	go func() { done <- writeMessage(client, want) }()

	got, err := readMessage(server)
	require.NoError(t, err)
	require.NoError(t, <-done)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("message round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPeerAddrsRoundTripThroughSyncReply(t *testing.T) {
	a := randPeer(t)
	b := randPeer(t)
	addrA, err := multiaddr.NewMultiaddr("/ip4/10.0.0.1/tcp/7000")
	require.NoError(t, err)
	addrB, err := multiaddr.NewMultiaddr("/ip4/10.0.0.2/tcp/7000")
	require.NoError(t, err)

	want := []peer.AddrInfo{
		{ID: a, Addrs: []multiaddr.Multiaddr{addrA}},
		{ID: b, Addrs: []multiaddr.Multiaddr{addrB}},
	}

	got := ParsePeerAddrs(toPeerAddrs(want))

	if diff := cmp.Diff(want, got, cmp.Comparer(func(x, y multiaddr.Multiaddr) bool {
		return x.String() == y.String()
	})); diff != "" {
		t.Fatalf("peer addr round trip mismatch (-want +got):\n%s", diff)
	}
}
