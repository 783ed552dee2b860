// Package chanstate implements the EIP-191 signing codec and the
// co-signed OpenState/QueryState records that make up a payment
// channel's off-chain wire state.
package chanstate

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte account identifier.
type Address [20]byte

// ParseAddress accepts a "0x"-prefixed or bare hex string.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decodeHex(s, 20)
	if err != nil {
		return a, fmt.Errorf("chanstate: invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Address) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// IsZero reports whether the address is the all-zero sentinel, used to
// mean "not yet assigned" in contexts like the indexer field of a
// freshly-generated OpenState.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Bytes32 is a fixed 32-byte identifier (deployment/project ids, and the
// fixed-width form of a channel id used for store and locking keys).
type Bytes32 [32]byte

func ParseBytes32(s string) (Bytes32, error) {
	var b Bytes32
	raw, err := decodeHex(s, 32)
	if err != nil {
		return b, fmt.Errorf("chanstate: invalid bytes32 %q: %w", s, err)
	}
	copy(b[:], raw)
	return b, nil
}

func (b Bytes32) String() string {
	return "0x" + hex.EncodeToString(b[:])
}

func (b Bytes32) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

func (b *Bytes32) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	parsed, err := ParseBytes32(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// U256 is a 256-bit unsigned integer. The zero value is not a valid
// constructed U256; use NewU256/NewU256FromUint64 so the wrapped big.Int
// is always non-nil.
type U256 struct {
	v *big.Int
}

func NewU256(v *big.Int) U256 {
	if v == nil {
		return U256{v: new(big.Int)}
	}
	return U256{v: new(big.Int).Set(v)}
}

func NewU256FromUint64(v uint64) U256 {
	return U256{v: new(big.Int).SetUint64(v)}
}

func ParseU256(s string) (U256, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return U256{}, fmt.Errorf("chanstate: invalid U256 decimal string %q", s)
	}
	return U256{v: v}, nil
}

// Int returns a defensive copy of the wrapped big.Int.
func (u U256) Int() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(u.v)
}

func (u U256) String() string {
	if u.v == nil {
		return "0"
	}
	return u.v.String()
}

func (u U256) Cmp(other U256) int {
	return u.Int().Cmp(other.Int())
}

func (u U256) Add(other U256) U256 {
	return NewU256(new(big.Int).Add(u.Int(), other.Int()))
}

func (u U256) Mul(other U256) U256 {
	return NewU256(new(big.Int).Mul(u.Int(), other.Int()))
}

// Bytes32 renders the value as a 32-byte big-endian word, the form used
// for ABI encoding and for any fixed-width map key derived from a U256
// (e.g. a channel id used to key the store and its per-channel locks).
func (u U256) Bytes32() Bytes32 {
	var out Bytes32
	b := u.Int().Bytes()
	copy(out[32-len(b):], b)
	return out
}

func (u U256) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

func (u *U256) UnmarshalJSON(data []byte) error {
	s, err := unquote(data)
	if err != nil {
		return err
	}
	parsed, err := ParseU256(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

func decodeHex(s string, wantLen int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}

// commonAddress adapts our local Address to go-ethereum's common.Address
// for ABI packing, keeping the wire type distinct from go-ethereum's.
func commonAddress(a Address) common.Address {
	return common.Address(a)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func hexDecodeLoose(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func unquote(data []byte) (string, error) {
	s := strings.TrimSpace(string(data))
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("chanstate: expected JSON string, got %s", s)
	}
	return s[1 : len(s)-1], nil
}
