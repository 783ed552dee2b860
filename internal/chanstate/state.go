package chanstate

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
)

// OpenState is the co-signed channel-open record. JSON field names are
// wire-stable and must not change without a protocol version bump.
type OpenState struct {
	ChannelID    U256      `json:"channelId"`
	Indexer      Address   `json:"indexer"`
	Consumer     Address   `json:"consumer"`
	Amount       U256      `json:"amount"`
	Expiration   U256      `json:"expiration"`
	DeploymentID Bytes32   `json:"deploymentId"`
	Callback     HexBytes  `json:"callback"`
	IndexerSign  Signature `json:"indexerSign"`
	ConsumerSign Signature `json:"consumerSign"`
	NextPrice    U256      `json:"nextPrice"`
}

// QueryState is the co-signed per-query advance.
type QueryState struct {
	ChannelID    U256      `json:"channelId"`
	Indexer      Address   `json:"indexer"`
	Consumer     Address   `json:"consumer"`
	Count        U256      `json:"count"`
	Price        U256      `json:"price"`
	IsFinal      bool      `json:"isFinal"`
	IndexerSign  Signature `json:"indexerSign"`
	ConsumerSign Signature `json:"consumerSign"`
	NextPrice    U256      `json:"nextPrice"`
}

// HexBytes is an opaque byte string with a "0x..." JSON wire form.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"0x` + hexEncode(b) + `"`), nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	if s == "" || s == "0x" {
		*b = nil
		return nil
	}
	raw, err := hexDecodeLoose(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSerialize, err)
	}
	*b = raw
	return nil
}

// NewRandomChannelID draws a cryptographically random 256-bit value, used
// by consumer_generate when the caller leaves channel_id unset.
func NewRandomChannelID() (U256, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return U256{}, fmt.Errorf("chanstate: generate channel id: %w", err)
	}
	return NewU256(n), nil
}

// ConsumerGenerateOpen builds an OpenState with the consumer signature
// filled and the indexer slot left zero. If channelID is nil, a random
// id is drawn.
func ConsumerGenerateOpen(channelID *U256, indexer, consumer Address, amount, expiration U256, deploymentID Bytes32, callback HexBytes, consumerKey *ecdsa.PrivateKey) (OpenState, error) {
	var id U256
	if channelID != nil {
		id = *channelID
	} else {
		var err error
		id, err = NewRandomChannelID()
		if err != nil {
			return OpenState{}, err
		}
	}
	st := OpenState{
		ChannelID:    id,
		Indexer:      indexer,
		Consumer:     consumer,
		Amount:       amount,
		Expiration:   expiration,
		DeploymentID: deploymentID,
		Callback:     callback,
	}
	if err := SignOpen(&st, RoleConsumer, consumerKey); err != nil {
		return OpenState{}, err
	}
	return st, nil
}

// openStateDigest hashes (channel_id, indexer, consumer, amount,
// expiration, callback) per spec.md §4.1.
func openStateDigest(st OpenState) ([]byte, error) {
	args, err := abiArguments("uint256", "address", "address", "uint256", "uint256", "bytes")
	if err != nil {
		return nil, err
	}
	packed, err := args.Pack(
		st.ChannelID.Int(),
		commonAddress(st.Indexer),
		commonAddress(st.Consumer),
		st.Amount.Int(),
		st.Expiration.Int(),
		[]byte(st.Callback),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: pack open state: %v", ErrInvalidSerialize, err)
	}
	return personalSignHash(packed), nil
}

// queryStateDigest hashes (channel_id, count, price, is_final).
func queryStateDigest(st QueryState) ([]byte, error) {
	args, err := abiArguments("uint256", "uint256", "uint256", "bool")
	if err != nil {
		return nil, err
	}
	packed, err := args.Pack(st.ChannelID.Int(), st.Count.Int(), st.Price.Int(), st.IsFinal)
	if err != nil {
		return nil, fmt.Errorf("%w: pack query state: %v", ErrInvalidSerialize, err)
	}
	return personalSignHash(packed), nil
}

// SignOpen signs st in-place for the given role, mutating only that
// role's signature slot.
func SignOpen(st *OpenState, role Role, key *ecdsa.PrivateKey) error {
	digest, err := openStateDigest(*st)
	if err != nil {
		return err
	}
	sig, err := signDigest(digest, key)
	if err != nil {
		return err
	}
	switch role {
	case RoleConsumer:
		st.ConsumerSign = sig
	case RoleIndexer:
		st.IndexerSign = sig
	}
	return nil
}

// RecoverOpen recovers both parties' addresses from their signature
// slots, independent of whatever the Indexer/Consumer fields claim.
func RecoverOpen(st OpenState) (indexerAddr, consumerAddr Address, err error) {
	digest, err := openStateDigest(st)
	if err != nil {
		return Address{}, Address{}, err
	}
	consumerAddr, err = recoverAddress(digest, st.ConsumerSign)
	if err != nil {
		return Address{}, Address{}, err
	}
	indexerAddr = Address{}
	if !st.IndexerSign.IsZero() {
		indexerAddr, err = recoverAddress(digest, st.IndexerSign)
		if err != nil {
			return Address{}, Address{}, err
		}
	}
	return indexerAddr, consumerAddr, nil
}

// SignQuery signs st in-place for the given role.
func SignQuery(st *QueryState, role Role, key *ecdsa.PrivateKey) error {
	digest, err := queryStateDigest(*st)
	if err != nil {
		return err
	}
	sig, err := signDigest(digest, key)
	if err != nil {
		return err
	}
	switch role {
	case RoleConsumer:
		st.ConsumerSign = sig
	case RoleIndexer:
		st.IndexerSign = sig
	}
	return nil
}

// RecoverQuery recovers both parties' addresses from their signature
// slots.
func RecoverQuery(st QueryState) (indexerAddr, consumerAddr Address, err error) {
	digest, err := queryStateDigest(st)
	if err != nil {
		return Address{}, Address{}, err
	}
	consumerAddr, err = recoverAddress(digest, st.ConsumerSign)
	if err != nil {
		return Address{}, Address{}, err
	}
	indexerAddr = Address{}
	if !st.IndexerSign.IsZero() {
		indexerAddr, err = recoverAddress(digest, st.IndexerSign)
		if err != nil {
			return Address{}, Address{}, err
		}
	}
	return indexerAddr, consumerAddr, nil
}
