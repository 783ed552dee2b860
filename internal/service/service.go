// Package service implements the channel lifecycle operations from
// spec.md §4.4: open (both sides), query (both sides),
// checkpoint/challenge/respond, and claim. It coordinates signing
// (internal/chanstate), the in-memory store (internal/store), the
// coordinator client, and the on-chain contract surface, without
// depending on either transport package — see Transport in
// transport.go.
package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"time"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanlog"
	"github.com/subquery/payg-gateway/internal/chanstate"
	"github.com/subquery/payg-gateway/internal/contracts"
	"github.com/subquery/payg-gateway/internal/coordinator"
	"github.com/subquery/payg-gateway/internal/store"
)

// AutoCheckpointEvery is the consumer-side accepted-query count that
// triggers a scheduled checkpoint, bounding on-chain divergence per
// spec.md §4.4.
const AutoCheckpointEvery = 5

// Service implements the channel operations shared by both node roles.
// Role/Key/Self determine which signature slot this process fills.
type Service struct {
	Role Role
	Key  *ecdsa.PrivateKey
	Self chanstate.Address

	Store       *store.Store
	Coordinator *coordinator.Client
	Chain       *contracts.Backend
	Transport   Transport
	Backend     Backend
	Dev         bool

	// onCheckpointDue is invoked (outside any lock) when a channel
	// crosses the auto-checkpoint threshold or a next_price change
	// forces one; nil is a valid no-op default for tests.
	onCheckpointDue func(channelID chanstate.U256)
}

type Role = chanstate.Role

const (
	RoleConsumer = chanstate.RoleConsumer
	RoleIndexer  = chanstate.RoleIndexer
)

// SetCheckpointHook installs the callback driving scheduled checkpoints.
func (s *Service) SetCheckpointHook(fn func(channelID chanstate.U256)) {
	s.onCheckpointDue = fn
}

func (s *Service) fireCheckpointDue(id chanstate.U256) {
	if s.onCheckpointDue != nil {
		s.onCheckpointDue(id)
	}
}

// OpenConsumer builds a consumer-signed OpenState, posts it to indexer,
// and installs the resulting dual-signed Channel locally.
func (s *Service) OpenConsumer(ctx context.Context, indexer chanstate.Address, amount, expiration chanstate.U256, deploymentID chanstate.Bytes32, callback chanstate.HexBytes) (chanstate.OpenState, error) {
	st, err := chanstate.ConsumerGenerateOpen(nil, indexer, s.Self, amount, expiration, deploymentID, callback, s.Key)
	if err != nil {
		return chanstate.OpenState{}, apierr.Wrap(apierr.KindInvalidSignature, err)
	}

	signed, err := s.Transport.OpenOnIndexer(ctx, indexer, st)
	if err != nil {
		return chanstate.OpenState{}, apierr.Wrap(apierr.KindServiceException, err)
	}
	if signed.IndexerSign.IsZero() {
		return chanstate.OpenState{}, apierr.New(apierr.KindInvalidSignature, "indexer returned an unsigned open state")
	}
	gotIndexer, _, err := chanstate.RecoverOpen(signed)
	if err != nil || gotIndexer != indexer {
		return chanstate.OpenState{}, apierr.New(apierr.KindInvalidSignature, "indexer signature does not match indexer address")
	}

	s.Store.Install(store.Channel{
		ChannelID:    signed.ChannelID,
		Indexer:      signed.Indexer,
		Consumer:     signed.Consumer,
		DeploymentID: signed.DeploymentID,
		Status:       store.StatusOpen,
		Balance:      signed.Amount,
		ExpirationAt: nowPlus(signed.Expiration),
		CurrentCount: chanstate.NewU256FromUint64(0),
		OnchainCount: chanstate.NewU256FromUint64(0),
		RemoteCount:  chanstate.NewU256FromUint64(0),
		LastPrice:    signed.NextPrice,
		NextPrice:    signed.NextPrice,
	})
	chanlog.Service.Infof("opened channel %s with indexer %s", signed.ChannelID, indexer)
	return signed, nil
}

// OpenIndexer verifies the consumer's signature, countersigns as
// indexer, notifies the coordinator, and installs the Channel.
func (s *Service) OpenIndexer(ctx context.Context, st chanstate.OpenState) (chanstate.OpenState, error) {
	_, consumerAddr, err := chanstate.RecoverOpen(st)
	if err != nil {
		return chanstate.OpenState{}, apierr.Wrap(apierr.KindInvalidSignature, err)
	}
	if consumerAddr != st.Consumer {
		return chanstate.OpenState{}, apierr.New(apierr.KindInvalidSignature, "consumer signature does not recover to claimed address")
	}

	if err := chanstate.SignOpen(&st, RoleIndexer, s.Key); err != nil {
		return chanstate.OpenState{}, apierr.Wrap(apierr.KindInvalidSignature, err)
	}

	lastPrice := chanstate.NewU256FromUint64(0)
	if s.Coordinator != nil {
		priceStr, err := s.Coordinator.ChannelOpen(ctx, st.ChannelID.String(), st.DeploymentID.String(), st.Consumer.String(), st.Amount.String())
		if err != nil {
			chanlog.Service.Warnf("coordinator channelOpen notify failed for channel %s: %v", st.ChannelID, err)
		} else if priceStr != "" {
			if parsed, perr := chanstate.ParseU256(priceStr); perr == nil {
				lastPrice = parsed
			}
		}
	}
	st.NextPrice = lastPrice

	s.Store.Install(store.Channel{
		ChannelID:    st.ChannelID,
		Indexer:      st.Indexer,
		Consumer:     st.Consumer,
		DeploymentID: st.DeploymentID,
		Status:       store.StatusOpen,
		Balance:      st.Amount,
		ExpirationAt: nowPlus(st.Expiration),
		CurrentCount: chanstate.NewU256FromUint64(0),
		OnchainCount: chanstate.NewU256FromUint64(0),
		RemoteCount:  chanstate.NewU256FromUint64(0),
		LastPrice:    st.NextPrice,
		NextPrice:    st.NextPrice,
	})
	chanlog.Service.Infof("countersigned open for channel %s, consumer %s", st.ChannelID, st.Consumer)
	return st, nil
}

// Query advances a channel one step on the consumer side: it picks the
// channel for deploymentID, signs a QueryState locally, dispatches it to
// the indexer, and then commits the result.
func (s *Service) Query(ctx context.Context, deploymentID chanstate.Bytes32, payload json.RawMessage) (json.RawMessage, chanstate.QueryState, error) {
	ch, err := s.Store.GetByDeployment(deploymentID)
	if err != nil {
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidRequest, "no open channel for deployment")
	}
	if ch.Status != store.StatusOpen {
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidRequest, "channel is not open")
	}

	s.Store.Lock(ch.ChannelID)
	ch, err = s.Store.Get(ch.ChannelID)
	if err != nil {
		s.Store.Unlock(ch.ChannelID)
		return nil, chanstate.QueryState{}, err
	}
	if ch.LastFinal {
		s.Store.Unlock(ch.ChannelID)
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidRequest, "channel already finalized")
	}

	nextCount := ch.CurrentCount.Add(chanstate.NewU256FromUint64(1))
	isFinal := nextCount.Mul(ch.LastPrice).Cmp(ch.Balance) >= 0

	qs := chanstate.QueryState{
		ChannelID: ch.ChannelID,
		Indexer:   ch.Indexer,
		Consumer:  ch.Consumer,
		Count:     nextCount,
		Price:     ch.LastPrice,
		IsFinal:   isFinal,
		NextPrice: ch.NextPrice,
	}
	if err := chanstate.SignQuery(&qs, RoleConsumer, s.Key); err != nil {
		s.Store.Unlock(ch.ChannelID)
		return nil, chanstate.QueryState{}, apierr.Wrap(apierr.KindInvalidSignature, err)
	}
	s.Store.Unlock(ch.ChannelID)

	result, signed, err := s.Transport.QueryOnIndexer(ctx, ch.Indexer, qs, payload)
	if err != nil {
		return nil, chanstate.QueryState{}, apierr.Wrap(apierr.KindServiceException, err)
	}
	if signed.IndexerSign.IsZero() {
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidSignature, "indexer returned an unsigned query state")
	}
	gotIndexer, _, err := chanstate.RecoverQuery(signed)
	if err != nil || gotIndexer != ch.Indexer {
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidSignature, "indexer query signature mismatch")
	}

	final, err := s.Store.Mutate(ch.ChannelID, func(c store.Channel) (store.Channel, error) {
		// Remote-authoritative count: trust the peer's count on any
		// mismatch rather than re-deriving it locally (spec.md §4.4).
		c.CurrentCount = signed.Count
		c.RemoteCount = signed.Count
		c.LastPrice = signed.Price
		c.LastFinal = signed.IsFinal
		c.LastIndexerSign = signed.IndexerSign
		c.LastConsumerSign = signed.ConsumerSign
		if signed.NextPrice.Cmp(c.NextPrice) != 0 {
			c.NextPrice = signed.NextPrice
			// A next_price change means a checkpoint must be scheduled
			// before further queries are accepted, per spec.md §4.4.
			c.AcceptedSinceCheckpoint = AutoCheckpointEvery
		} else {
			c.AcceptedSinceCheckpoint++
		}
		if signed.IsFinal {
			c.Status = store.StatusFinalized
		}
		return c, nil
	})
	if err != nil {
		return nil, chanstate.QueryState{}, err
	}

	if final.AcceptedSinceCheckpoint >= AutoCheckpointEvery {
		s.fireCheckpointDue(final.ChannelID)
	}
	return result, signed, nil
}

// QueryIndexer verifies the consumer's signature, overrides next_price
// with the indexer's current quote, countersigns, forwards the user
// payload to the back-end, and notifies the coordinator.
func (s *Service) QueryIndexer(ctx context.Context, qs chanstate.QueryState, payload json.RawMessage) (json.RawMessage, chanstate.QueryState, error) {
	_, consumerAddr, err := chanstate.RecoverQuery(qs)
	if err != nil {
		return nil, chanstate.QueryState{}, apierr.Wrap(apierr.KindInvalidSignature, err)
	}
	if consumerAddr != qs.Consumer {
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidSignature, "consumer signature does not recover to claimed address")
	}

	ch, err := s.Store.Get(qs.ChannelID)
	if err != nil {
		return nil, chanstate.QueryState{}, apierr.New(apierr.KindInvalidRequest, "unknown channel")
	}
	qs.NextPrice = ch.NextPrice

	if err := chanstate.SignQuery(&qs, RoleIndexer, s.Key); err != nil {
		return nil, chanstate.QueryState{}, apierr.Wrap(apierr.KindInvalidSignature, err)
	}

	var result json.RawMessage
	if s.Backend != nil {
		result, err = s.Backend.Query(ctx, ch.DeploymentID, payload)
		if err != nil {
			return nil, chanstate.QueryState{}, apierr.Wrap(apierr.KindServiceException, err)
		}
	}

	if _, err := s.Store.Mutate(qs.ChannelID, func(c store.Channel) (store.Channel, error) {
		c.CurrentCount = qs.Count
		c.RemoteCount = qs.Count
		c.LastPrice = qs.Price
		c.LastFinal = qs.IsFinal
		c.LastIndexerSign = qs.IndexerSign
		c.LastConsumerSign = qs.ConsumerSign
		if qs.IsFinal {
			c.Status = store.StatusFinalized
		}
		return c, nil
	}); err != nil {
		return nil, chanstate.QueryState{}, err
	}

	if s.Coordinator != nil {
		if err := s.Coordinator.ChannelUpdate(ctx, qs.ChannelID.String(), qs.Count.String()); err != nil {
			chanlog.Service.Warnf("coordinator channelUpdate notify failed for channel %s: %v", qs.ChannelID, err)
		}
	}
	return result, qs, nil
}

// Checkpoint submits the latest dual-signed QueryState to the chain,
// advancing onchain_count.
func (s *Service) Checkpoint(ctx context.Context, channelID chanstate.U256) error {
	ch, err := s.Store.Get(channelID)
	if err != nil {
		return err
	}
	if s.Chain == nil {
		return apierr.New(apierr.KindServiceException, "no chain backend configured")
	}
	_, err = s.Chain.Checkpoint(ctx, contracts.CheckpointState{
		ID:          channelID.Int(),
		IsFinal:     ch.LastFinal,
		Count:       ch.CurrentCount.Int(),
		Price:       ch.LastPrice.Int(),
		IndexerSig:  ch.LastIndexerSign.Bytes(),
		ConsumerSig: ch.LastConsumerSign.Bytes(),
	})
	if err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	_, err = s.Store.Mutate(channelID, func(c store.Channel) (store.Channel, error) {
		c.OnchainCount = c.CurrentCount
		c.AcceptedSinceCheckpoint = 0
		return c, nil
	})
	return err
}

// Challenge disputes a channel on chain, transitioning it to Challenge.
func (s *Service) Challenge(ctx context.Context, channelID chanstate.U256) error {
	ch, err := s.Store.Get(channelID)
	if err != nil {
		return err
	}
	if s.Chain == nil {
		return apierr.New(apierr.KindServiceException, "no chain backend configured")
	}
	if _, err := s.Chain.Challenge(ctx, contracts.CheckpointState{
		ID:          channelID.Int(),
		IsFinal:     ch.LastFinal,
		Count:       ch.CurrentCount.Int(),
		Price:       ch.LastPrice.Int(),
		IndexerSig:  ch.LastIndexerSign.Bytes(),
		ConsumerSig: ch.LastConsumerSign.Bytes(),
	}); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	_, err = s.Store.Mutate(channelID, func(c store.Channel) (store.Channel, error) {
		c.Status = store.StatusChallenge
		return c, nil
	})
	return err
}

// Respond answers an active challenge with a newer dual-signed state,
// reopening the channel (the contract itself validates that the
// respond-state's count exceeds the challenged one).
func (s *Service) Respond(ctx context.Context, channelID chanstate.U256, newer chanstate.QueryState) error {
	ch, err := s.Store.Get(channelID)
	if err != nil {
		return err
	}
	if ch.Status != store.StatusChallenge {
		return apierr.New(apierr.KindInvalidRequest, "channel is not under challenge")
	}
	if s.Chain == nil {
		return apierr.New(apierr.KindServiceException, "no chain backend configured")
	}
	if _, err := s.Chain.Respond(ctx, contracts.CheckpointState{
		ID:          channelID.Int(),
		IsFinal:     newer.IsFinal,
		Count:       newer.Count.Int(),
		Price:       newer.Price.Int(),
		IndexerSig:  newer.IndexerSign.Bytes(),
		ConsumerSig: newer.ConsumerSign.Bytes(),
	}); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	_, err = s.Store.Mutate(channelID, func(c store.Channel) (store.Channel, error) {
		c.Status = store.StatusOpen
		c.CurrentCount = newer.Count
		c.OnchainCount = newer.Count
		c.LastPrice = newer.Price
		c.LastIndexerSign = newer.IndexerSign
		c.LastConsumerSign = newer.ConsumerSign
		return c, nil
	})
	return err
}

// Claim settles a channel once now >= expiration_at, returning an error
// reporting "not expired" otherwise. Success removes the channel from
// the store (the lifecycle's terminal transition).
func (s *Service) Claim(ctx context.Context, channelID chanstate.U256) error {
	ch, err := s.Store.Get(channelID)
	if err != nil {
		return err
	}
	if big.NewInt(time.Now().Unix()).Cmp(ch.ExpirationAt.Int()) < 0 {
		return apierr.New(apierr.KindInvalidRequest, "not expired")
	}
	if s.Chain == nil {
		return apierr.New(apierr.KindServiceException, "no chain backend configured")
	}
	if _, err := s.Chain.Claim(ctx, channelID.Int()); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	s.Store.Remove(channelID)
	return nil
}

func nowPlus(seconds chanstate.U256) chanstate.U256 {
	return chanstate.NewU256(new(big.Int).Add(big.NewInt(time.Now().Unix()), seconds.Int()))
}
