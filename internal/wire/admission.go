package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
)

// HashSize is the digest length used for every hash field in the
// ledgers (SHA-256).
const HashSize = 32

// Hash256 is a fixed-size SHA-256 digest, used for prev_hash, next_hash
// and block_hash fields.
type Hash256 [HashSize]byte

// Certificate is the admission record bound to a node at registration
// time. Signature is non-empty even for the genesis block: see
// internal/identity for the self-signing scheme (SPEC_FULL §3).
type Certificate struct {
	NodeID        NodeID
	PublicKey     []byte
	EncryptionKey []byte
	Signature     []byte
	NotBefore     int64
	NotAfter      int64
}

// TenYears is the default certificate validity window in seconds.
const TenYears = int64(10 * 365 * 24 * 3600)

// serializeCert writes node_id(1) followed by three length-prefixed
// byte strings and two BE64 timestamps, the length-prefixed-string
// convention used throughout this codec (§4.1).
func serializeCert(c *Certificate, buf []byte) []byte {
	buf = append(buf, byte(c.NodeID))
	buf = appendLenPrefixed(buf, c.PublicKey)
	buf = appendLenPrefixed(buf, c.EncryptionKey)
	buf = appendLenPrefixed(buf, c.Signature)
	buf = appendBE64(buf, uint64(c.NotBefore))
	buf = appendBE64(buf, uint64(c.NotAfter))
	return buf
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func appendBE64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readLenPrefixed(data []byte) (value []byte, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, nodeerr.ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < n {
		return nil, nil, nodeerr.ErrTruncated
	}
	return append([]byte(nil), data[:n]...), data[n:], nil
}

func deserializeCert(data []byte) (*Certificate, []byte, error) {
	if len(data) < 1 {
		return nil, nil, nodeerr.ErrTruncated
	}
	c := &Certificate{NodeID: NodeID(data[0])}
	rest := data[1:]

	var err error
	c.PublicKey, rest, err = readLenPrefixed(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize cert public_key: %w", err)
	}
	c.EncryptionKey, rest, err = readLenPrefixed(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize cert encryption_key: %w", err)
	}
	c.Signature, rest, err = readLenPrefixed(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("deserialize cert signature: %w", err)
	}
	if len(rest) < 16 {
		return nil, nil, fmt.Errorf("deserialize cert timestamps: %w", nodeerr.ErrTruncated)
	}
	c.NotBefore = int64(binary.BigEndian.Uint64(rest[0:8]))
	c.NotAfter = int64(binary.BigEndian.Uint64(rest[8:16]))
	rest = rest[16:]
	return c, rest, nil
}

// AdmissionBlock is one hash-chained node-registration block.
type AdmissionBlock struct {
	PrevHash   Hash256
	NextHash   Hash256
	BlockHash  Hash256
	Nonce      uint64
	Difficulty [2]byte
	Timestamp  uint64
	Cert       Certificate
}

// SerializeNode encodes B per §4.1: prev_hash || next_hash || block_hash
// || BE64(len(nonce_bytes)) || nonce_bytes || BE16(difficulty) ||
// BE64(timestamp) || serialize_cert(cert). The nonce is always encoded
// as 8 bytes big-endian (spec.md's adopted convention), so the length
// prefix is always the constant 8 — kept for literal field-order
// fidelity with the on-disk format the spec describes.
func SerializeNode(b *AdmissionBlock) []byte {
	buf := make([]byte, 0, 3*HashSize+8+8+2+8+64)
	buf = append(buf, b.PrevHash[:]...)
	buf = append(buf, b.NextHash[:]...)
	buf = append(buf, b.BlockHash[:]...)
	buf = appendBE64(buf, 8) // len(nonce_bytes), always 8
	buf = appendBE64(buf, b.Nonce)
	buf = append(buf, b.Difficulty[0], b.Difficulty[1])
	buf = appendBE64(buf, b.Timestamp)
	buf = serializeCert(&b.Cert, buf)
	return buf
}

// BlockHashPreimage encodes B with BlockHash zeroed, the preimage over
// which block_hash itself is computed (§3 invariant).
func BlockHashPreimage(b *AdmissionBlock) []byte {
	zeroed := *b
	zeroed.BlockHash = Hash256{}
	return SerializeNode(&zeroed)
}

// DeserializeNode decodes an admission block written by SerializeNode.
func DeserializeNode(data []byte) (*AdmissionBlock, error) {
	if len(data) < 3*HashSize+8+8+2+8 {
		return nil, fmt.Errorf("deserialize node: %w", nodeerr.ErrTruncated)
	}
	b := &AdmissionBlock{}
	off := 0
	copy(b.PrevHash[:], data[off:off+HashSize])
	off += HashSize
	copy(b.NextHash[:], data[off:off+HashSize])
	off += HashSize
	copy(b.BlockHash[:], data[off:off+HashSize])
	off += HashSize
	off += 8 // skip nonce-length field, always 8
	b.Nonce = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	b.Difficulty[0], b.Difficulty[1] = data[off], data[off+1]
	off += 2
	b.Timestamp = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	cert, _, err := deserializeCert(data[off:])
	if err != nil {
		return nil, fmt.Errorf("deserialize node cert: %w", err)
	}
	b.Cert = *cert
	return b, nil
}
