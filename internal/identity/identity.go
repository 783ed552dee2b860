// Package identity persists the node's long-lived libp2p ed25519
// keypair to disk, the same length-prefixed-protobuf-on-disk approach
// spec.md §6 describes for indexer.key/consumer.key, generalized from
// gcash/bchwallet's gob-encoded on-disk persistence in
// paymentchannels/db.go (the one place in this module that still
// touches disk, since channel state itself is explicitly in-memory
// only).
package identity

import (
	"os"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/subquery/payg-gateway/internal/apierr"
)

// LoadOrCreate reads an ed25519 private key from path, or generates and
// persists a new one if the file does not exist.
func LoadOrCreate(path string) (p2pcrypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := p2pcrypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindServiceException, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}

	priv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServiceException, err)
	}
	if err := Persist(path, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// Persist writes priv to path in libp2p's protobuf key encoding, the
// same representation LoadOrCreate reads back.
func Persist(path string, priv p2pcrypto.PrivKey) error {
	raw, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return apierr.Wrap(apierr.KindServiceException, err)
	}
	return nil
}
