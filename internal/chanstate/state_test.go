package chanstate

import (
	"crypto/ecdsa"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) (*ecdsa.PrivateKey, Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, Address(crypto.PubkeyToAddress(key.PublicKey))
}

func TestSignRecoverRoundTrip_OpenState(t *testing.T) {
	consumerKey, consumerAddr := mustKey(t)
	indexerKey, indexerAddr := mustKey(t)

	st, err := ConsumerGenerateOpen(nil, indexerAddr, consumerAddr, NewU256FromUint64(100), NewU256FromUint64(86400), Bytes32{1}, HexBytes("meta"), consumerKey)
	require.NoError(t, err)
	require.False(t, st.ConsumerSign.IsZero())
	require.True(t, st.IndexerSign.IsZero())

	require.NoError(t, SignOpen(&st, RoleIndexer, indexerKey))
	require.False(t, st.IndexerSign.IsZero())

	gotIndexer, gotConsumer, err := RecoverOpen(st)
	require.NoError(t, err)
	require.Equal(t, indexerAddr, gotIndexer)
	require.Equal(t, consumerAddr, gotConsumer)
}

func TestSignRecoverRoundTrip_QueryState(t *testing.T) {
	consumerKey, consumerAddr := mustKey(t)
	indexerKey, indexerAddr := mustKey(t)

	st := QueryState{
		ChannelID: NewU256FromUint64(42),
		Indexer:   indexerAddr,
		Consumer:  consumerAddr,
		Count:     NewU256FromUint64(1),
		Price:     NewU256FromUint64(10),
		IsFinal:   false,
		NextPrice: NewU256FromUint64(10),
	}
	require.NoError(t, SignQuery(&st, RoleConsumer, consumerKey))
	require.NoError(t, SignQuery(&st, RoleIndexer, indexerKey))

	gotIndexer, gotConsumer, err := RecoverQuery(st)
	require.NoError(t, err)
	require.Equal(t, indexerAddr, gotIndexer)
	require.Equal(t, consumerAddr, gotConsumer)
}

func TestBadSignatureRecoversWrongAddress(t *testing.T) {
	consumerKey, consumerAddr := mustKey(t)
	_, otherAddr := mustKey(t)
	indexerKey, indexerAddr := mustKey(t)

	// The state names otherAddr as its consumer but is signed with consumerKey.
	st, err := ConsumerGenerateOpen(nil, indexerAddr, otherAddr, NewU256FromUint64(100), NewU256FromUint64(86400), Bytes32{}, nil, consumerKey)
	require.NoError(t, err)
	require.NoError(t, SignOpen(&st, RoleIndexer, indexerKey))

	_, recoveredConsumer, err := RecoverOpen(st)
	require.NoError(t, err)
	require.NotEqual(t, otherAddr, recoveredConsumer)
	require.Equal(t, consumerAddr, recoveredConsumer)
}

func TestOpenStateJSONRoundTrip(t *testing.T) {
	consumerKey, consumerAddr := mustKey(t)
	indexerKey, indexerAddr := mustKey(t)

	st, err := ConsumerGenerateOpen(nil, indexerAddr, consumerAddr, NewU256FromUint64(100), NewU256FromUint64(86400), Bytes32{9}, HexBytes{0xde, 0xad}, consumerKey)
	require.NoError(t, err)
	require.NoError(t, SignOpen(&st, RoleIndexer, indexerKey))
	st.NextPrice = NewU256FromUint64(5)

	raw, err := json.Marshal(st)
	require.NoError(t, err)

	var back OpenState
	require.NoError(t, json.Unmarshal(raw, &back))

	raw2, err := json.Marshal(back)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(raw2))
	require.Equal(t, st.ChannelID.String(), back.ChannelID.String())
	require.Equal(t, st.Amount.String(), back.Amount.String())
	require.Equal(t, st.ConsumerSign.String(), back.ConsumerSign.String())
}

func TestU256Bytes32KeyForm(t *testing.T) {
	u := NewU256FromUint64(1)
	b := u.Bytes32()
	require.Equal(t, byte(1), b[31])
	for i := 0; i < 31; i++ {
		require.Equal(t, byte(0), b[i])
	}
}
