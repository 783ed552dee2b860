// Package store holds the process-wide, in-memory channel table. Channel
// persistence across restarts is an explicit non-goal; this package never
// touches disk.
package store

import (
	"sync"

	"github.com/subquery/payg-gateway/internal/apierr"
	"github.com/subquery/payg-gateway/internal/chanstate"
)

// Status is a Channel's lifecycle state.
type Status int

const (
	StatusOpen Status = iota
	StatusChallenge
	StatusFinalized
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusChallenge:
		return "Challenge"
	case StatusFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// Channel is the live in-memory record for one payment channel.
type Channel struct {
	ChannelID    chanstate.U256
	Indexer      chanstate.Address
	Consumer     chanstate.Address
	DeploymentID chanstate.Bytes32

	Status Status

	Balance      chanstate.U256
	ExpirationAt chanstate.U256
	ChallengeAt  chanstate.U256

	CurrentCount chanstate.U256
	OnchainCount chanstate.U256
	RemoteCount  chanstate.U256

	LastFinal bool
	LastPrice chanstate.U256
	NextPrice chanstate.U256

	LastIndexerSign  chanstate.Signature
	LastConsumerSign chanstate.Signature

	// AcceptedSinceCheckpoint counts queries accepted since the last
	// checkpoint, driving the consumer-side every-5-queries
	// auto-checkpoint policy (spec.md §4.4).
	AcceptedSinceCheckpoint int
}

// Store is the channel_id -> Channel map plus the deployment_id ->
// channel_id auxiliary index, guarded by a single-writer/many-reader
// discipline. Callers MUST release any write guard obtained through
// this package before awaiting further I/O (signing, coordinator calls,
// EVM submission) — see Mutate and Lock/Unlock below.
type Store struct {
	mu         sync.RWMutex
	channels   map[chanstate.Bytes32]*Channel
	byDeploy   map[chanstate.Bytes32]chanstate.Bytes32 // deployment_id -> channel_id
	channelKey Kmutex
}

func New() *Store {
	return &Store{
		channels: make(map[chanstate.Bytes32]*Channel),
		byDeploy: make(map[chanstate.Bytes32]chanstate.Bytes32),
		channelKey: NewKmutex(),
	}
}

// Get returns a shallow copy of the channel record, or
// apierr.KindInvalidRequest if no such channel exists.
func (s *Store) Get(id chanstate.U256) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id.Bytes32()]
	if !ok {
		return Channel{}, apierr.New(apierr.KindInvalidRequest, "channel not found")
	}
	return *ch, nil
}

// GetByDeployment resolves the consumer-side deployment_id -> channel_id
// index and returns the channel for the most-recently-opened channel on
// that deployment.
func (s *Store) GetByDeployment(deploymentID chanstate.Bytes32) (Channel, error) {
	s.mu.RLock()
	id, ok := s.byDeploy[deploymentID]
	if !ok {
		s.mu.RUnlock()
		return Channel{}, apierr.New(apierr.KindInvalidRequest, "no channel for deployment")
	}
	ch, ok := s.channels[id]
	s.mu.RUnlock()
	if !ok {
		return Channel{}, apierr.New(apierr.KindInvalidRequest, "channel not found")
	}
	return *ch, nil
}

// Install inserts or replaces a channel record and, when ch.DeploymentID
// is set, (re)points the deployment index at it. Used by the `open`
// operations on both sides.
func (s *Store) Install(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ch
	s.channels[ch.ChannelID.Bytes32()] = &cp
	if ch.DeploymentID != (chanstate.Bytes32{}) {
		s.byDeploy[ch.DeploymentID] = ch.ChannelID.Bytes32()
	}
}

// Remove deletes a channel record, used when claim completes.
func (s *Store) Remove(id chanstate.U256) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.Bytes32()
	if ch, ok := s.channels[key]; ok {
		delete(s.byDeploy, ch.DeploymentID)
	}
	delete(s.channels, key)
}

// Mutate applies fn to the channel under the channel's own key-lock, then
// persists the result; the store-wide lock is held only while reading the
// record and while writing the result back, not while fn runs. fn MUST NOT perform
// I/O: acquire the lock, compute the new value, return — any signing or
// network call happens before calling Mutate, with the signed/verified
// material passed in via closure.
func (s *Store) Mutate(id chanstate.U256, fn func(Channel) (Channel, error)) (Channel, error) {
	key := id.Bytes32()
	s.channelKey.Lock(key)
	defer s.channelKey.Unlock(key)

	s.mu.RLock()
	ch, ok := s.channels[key]
	if !ok {
		s.mu.RUnlock()
		return Channel{}, apierr.New(apierr.KindInvalidRequest, "channel not found")
	}
	current := *ch
	s.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return Channel{}, err
	}

	s.mu.Lock()
	cp := next
	s.channels[key] = &cp
	s.mu.Unlock()
	return next, nil
}

// Lock/Unlock expose the per-channel key-lock directly for service
// operations (Service.Query) that need to hold the channel lock across
// a store read+sign and release it before calling Mutate, per
// spec.md §5's "single-writer, many-reader; writers release the guard
// before awaiting I/O" discipline.
func (s *Store) Lock(id chanstate.U256)   { s.channelKey.Lock(id.Bytes32()) }
func (s *Store) Unlock(id chanstate.U256) { s.channelKey.Unlock(id.Bytes32()) }
