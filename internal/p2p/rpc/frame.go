// Package rpc implements the peer-to-peer request/response substream
// protocol nodes use to exchange JSON-RPC-shaped envelopes over a
// libp2p stream: one substream per logical conversation, a 4-byte
// big-endian length prefix framing each JSON payload (instead of the
// teacher's gogo/protobuf ggio.Delimited{Reader,Writer}, since nothing
// in the retrieved pack carries protobuf-generated message types for
// this domain and the original Rust protocol's Response variants are
// themselves JSON payloads).
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame, guarding against a misbehaving or
// malicious peer driving unbounded memory growth.
const MaxFrameSize = 10 << 20 // 10 MiB

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("rpc: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("rpc: incoming frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
