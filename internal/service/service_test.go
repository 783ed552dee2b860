package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/store"
)

// fakeTransport wires a consumer Service directly to an indexer Service
// in-process, standing in for the HTTP/P2P transport under test.
type fakeTransport struct {
	indexer *Service
}

func (t *fakeTransport) OpenOnIndexer(ctx context.Context, _ chanstate.Address, st chanstate.OpenState) (chanstate.OpenState, error) {
	return t.indexer.OpenIndexer(ctx, st)
}

func (t *fakeTransport) QueryOnIndexer(ctx context.Context, _ chanstate.Address, st chanstate.QueryState, payload json.RawMessage) (json.RawMessage, chanstate.QueryState, error) {
	result, signed, err := t.indexer.QueryIndexer(ctx, st, payload)
	return result, signed, err
}

type fakeBackend struct{}

func (fakeBackend) Query(ctx context.Context, _ chanstate.Bytes32, payload json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (fakeBackend) Metadata(ctx context.Context, _ chanstate.Bytes32) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func newPair(t *testing.T) (*Service, *Service) {
	t.Helper()
	consumerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	indexerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	indexer := &Service{
		Role:    RoleIndexer,
		Key:     indexerKey,
		Self:    chanstate.Address(crypto.PubkeyToAddress(indexerKey.PublicKey)),
		Store:   store.New(),
		Backend: fakeBackend{},
	}
	consumer := &Service{
		Role:  RoleConsumer,
		Key:   consumerKey,
		Self:  chanstate.Address(crypto.PubkeyToAddress(consumerKey.PublicKey)),
		Store: store.New(),
	}
	consumer.Transport = &fakeTransport{indexer: indexer}
	return consumer, indexer
}

func TestOpenConsumerInstallsOnBothSides(t *testing.T) {
	consumer, indexer := newPair(t)
	amount := chanstate.NewU256FromUint64(1000)
	expiration := chanstate.NewU256FromUint64(3600)
	var deployment chanstate.Bytes32
	deployment[0] = 0xAB

	st, err := consumer.OpenConsumer(context.Background(), indexer.Self, amount, expiration, deployment, nil)
	require.NoError(t, err)
	require.False(t, st.IndexerSign.IsZero())
	require.False(t, st.ConsumerSign.IsZero())

	gotConsumer, err := consumer.Store.Get(st.ChannelID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, gotConsumer.Status)

	gotIndexer, err := indexer.Store.Get(st.ChannelID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, gotIndexer.Status)
}

func TestQueryAdvancesCountOnBothSides(t *testing.T) {
	consumer, indexer := newPair(t)
	amount := chanstate.NewU256FromUint64(1000)
	expiration := chanstate.NewU256FromUint64(3600)
	var deployment chanstate.Bytes32
	deployment[1] = 0x01

	opened, err := consumer.OpenConsumer(context.Background(), indexer.Self, amount, expiration, deployment, nil)
	require.NoError(t, err)

	// Give the channel a nonzero price so is_final math is meaningful,
	// bypassing the coordinator round trip that normally sets it.
	_, err = consumer.Store.Mutate(opened.ChannelID, func(c store.Channel) (store.Channel, error) {
		c.LastPrice = chanstate.NewU256FromUint64(10)
		return c, nil
	})
	require.NoError(t, err)
	_, err = indexer.Store.Mutate(opened.ChannelID, func(c store.Channel) (store.Channel, error) {
		c.LastPrice = chanstate.NewU256FromUint64(10)
		return c, nil
	})
	require.NoError(t, err)

	_, signed, err := consumer.Query(context.Background(), deployment, json.RawMessage(`{"q":1}`))
	require.NoError(t, err)
	require.Equal(t, "1", signed.Count.String())
	require.False(t, signed.IsFinal)

	gotConsumer, err := consumer.Store.Get(opened.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "1", gotConsumer.CurrentCount.String())
	require.Equal(t, 1, gotConsumer.AcceptedSinceCheckpoint)

	gotIndexer, err := indexer.Store.Get(opened.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "1", gotIndexer.CurrentCount.String())
}

func TestQueryMarksFinalWhenBalanceExhausted(t *testing.T) {
	consumer, indexer := newPair(t)
	amount := chanstate.NewU256FromUint64(10)
	expiration := chanstate.NewU256FromUint64(3600)
	var deployment chanstate.Bytes32
	deployment[2] = 0x02

	opened, err := consumer.OpenConsumer(context.Background(), indexer.Self, amount, expiration, deployment, nil)
	require.NoError(t, err)

	setPrice := func(s *Service) {
		_, err := s.Store.Mutate(opened.ChannelID, func(c store.Channel) (store.Channel, error) {
			c.LastPrice = chanstate.NewU256FromUint64(10)
			return c, nil
		})
		require.NoError(t, err)
	}
	setPrice(consumer)
	setPrice(indexer)

	_, signed, err := consumer.Query(context.Background(), deployment, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, signed.IsFinal)

	gotConsumer, err := consumer.Store.Get(opened.ChannelID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFinalized, gotConsumer.Status)
}

func TestAutoCheckpointFiresEveryFiveQueries(t *testing.T) {
	consumer, indexer := newPair(t)
	amount := chanstate.NewU256FromUint64(1_000_000)
	expiration := chanstate.NewU256FromUint64(3600)
	var deployment chanstate.Bytes32
	deployment[3] = 0x03

	opened, err := consumer.OpenConsumer(context.Background(), indexer.Self, amount, expiration, deployment, nil)
	require.NoError(t, err)

	setPrice := func(s *Service) {
		_, err := s.Store.Mutate(opened.ChannelID, func(c store.Channel) (store.Channel, error) {
			c.LastPrice = chanstate.NewU256FromUint64(1)
			return c, nil
		})
		require.NoError(t, err)
	}
	setPrice(consumer)
	setPrice(indexer)

	fired := 0
	consumer.SetCheckpointHook(func(id chanstate.U256) { fired++ })

	for i := 0; i < AutoCheckpointEvery; i++ {
		_, _, err := consumer.Query(context.Background(), deployment, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	require.Equal(t, 1, fired)
}

func TestClaimRejectsBeforeExpiration(t *testing.T) {
	consumer, indexer := newPair(t)
	amount := chanstate.NewU256FromUint64(1000)
	expiration := chanstate.NewU256FromUint64(3600)
	var deployment chanstate.Bytes32
	deployment[4] = 0x04

	opened, err := consumer.OpenConsumer(context.Background(), indexer.Self, amount, expiration, deployment, nil)
	require.NoError(t, err)

	err = consumer.Claim(context.Background(), opened.ChannelID)
	require.Error(t, err)
}

func TestOpenIndexerRejectsForgedSignature(t *testing.T) {
	consumer, indexer := newPair(t)
	amount := chanstate.NewU256FromUint64(1000)
	expiration := chanstate.NewU256FromUint64(3600)
	var deployment chanstate.Bytes32
	deployment[5] = 0x05

	_, err := consumer.OpenConsumer(context.Background(), indexer.Self, amount, expiration, deployment, nil)
	require.NoError(t, err)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	forged := chanstate.OpenState{
		ChannelID:    chanstate.NewU256FromUint64(9999),
		Indexer:      indexer.Self,
		Consumer:     chanstate.Address(crypto.PubkeyToAddress(otherKey.PublicKey)),
		Amount:       amount,
		Expiration:   expiration,
		DeploymentID: deployment,
	}
	require.NoError(t, chanstate.SignOpen(&forged, RoleConsumer, consumer.Key))
	forged.Consumer = consumer.Self // now claims consumer.Self, but the signature covers a state naming otherKey's address

	_, err = indexer.OpenIndexer(context.Background(), forged)
	require.Error(t, err)
}
