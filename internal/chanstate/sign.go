package chanstate

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role identifies which signature slot a signing/recovery operation
// applies to.
type Role int

const (
	RoleConsumer Role = iota
	RoleIndexer
)

func (r Role) String() string {
	if r == RoleIndexer {
		return "indexer"
	}
	return "consumer"
}

// Signature is the EIP-191 signature triple (r, s, v). v is kept on the
// wire in the 27/28 form; RecoveryForm converts to the 0/1 form
// go-ethereum's Ecrecover/SigToPub expect.
type Signature struct {
	R [32]byte
	S [32]byte
	V uint8
}

// IsZero reports whether the signature slot has not been filled yet.
func (s Signature) IsZero() bool {
	return s.R == [32]byte{} && s.S == [32]byte{} && s.V == 0
}

// Bytes returns the 65-byte r‖s‖v wire form, v in {27,28}.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

func (s Signature) String() string {
	return "0x" + hex.EncodeToString(s.Bytes())
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	str, err := unquote(data)
	if err != nil {
		return err
	}
	if str == "" {
		*s = Signature{}
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if err != nil || len(raw) != 65 {
		return fmt.Errorf("%w: invalid signature hex", ErrInvalidSignature)
	}
	var out Signature
	copy(out.R[:], raw[0:32])
	copy(out.S[:], raw[32:64])
	out.V = raw[64]
	*s = out
	return nil
}

// RecoveryForm returns the 64-byte r‖s signature plus a 0/1 recovery id,
// normalizing the wire's 27/28 (and the legacy EIP-155 ≥35) conventions.
func (s Signature) RecoveryForm() (sig []byte, recid byte, err error) {
	recid, err = normalizeRecoveryID(s.V)
	if err != nil {
		return nil, 0, err
	}
	sig = make([]byte, 64)
	copy(sig[0:32], s.R[:])
	copy(sig[32:64], s.S[:])
	return sig, recid, nil
}

func normalizeRecoveryID(v uint8) (byte, error) {
	switch {
	case v == 0 || v == 1:
		return v, nil
	case v == 27 || v == 28:
		return v - 27, nil
	case v >= 35:
		// EIP-155 form: v = recid + chainId*2 + 35.
		return (v - 35) % 2, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized recovery id %d", ErrInvalidSignature, v)
	}
}

func signatureFromRecoverable(sig65 []byte) Signature {
	var out Signature
	copy(out.R[:], sig65[0:32])
	copy(out.S[:], sig65[32:64])
	out.V = sig65[64] + 27
	return out
}

// personalSignHash computes keccak256("\x19Ethereum Signed Message:\n32"
// || keccak256(encoded)), the canonical EIP-191 digest signed and
// recovered by this package.
func personalSignHash(encoded []byte) []byte {
	inner := crypto.Keccak256(encoded)
	return crypto.Keccak256(append([]byte("\x19Ethereum Signed Message:\n32"), inner...))
}

func signDigest(digest []byte, key *ecdsa.PrivateKey) (Signature, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return signatureFromRecoverable(sig), nil
}

func recoverAddress(digest []byte, sig Signature) (Address, error) {
	if sig.IsZero() {
		return Address{}, fmt.Errorf("%w: empty signature", ErrInvalidSignature)
	}
	recSig, recid, err := sig.RecoveryForm()
	if err != nil {
		return Address{}, err
	}
	full := append(append([]byte{}, recSig...), recid)
	pub, err := crypto.SigToPub(digest, full)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Address(crypto.PubkeyToAddress(*pub)), nil
}

// abiArguments builds the go-ethereum abi.Arguments for a field tuple
// made only of uint256 and (for the dynamic "bytes" field) bytes types.
func abiArguments(types ...string) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		ty, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, err
		}
		args = append(args, abi.Argument{Type: ty})
	}
	return args, nil
}
