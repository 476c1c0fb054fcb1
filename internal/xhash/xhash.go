// Package xhash provides the node's cryptographic hash and CSPRNG
// primitives: SHA-256 digests and uniformly-distributed random words,
// used throughout the codec, PoW engine, and both ledgers.
package xhash

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Size is the digest length of Sum256, kept alongside the stdlib
// constant so callers don't need to import crypto/sha256 directly.
const Size = sha256.Size

// Sum256 returns the SHA-256 digest of data.
func Sum256(data ...[]byte) [Size]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Rand16 returns a uniformly-distributed random 16-bit word.
func Rand16() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("rand16: %w", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// Rand32 returns a uniformly-distributed random 32-bit word.
func Rand32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("rand32: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Rand64 returns a uniformly-distributed random 64-bit word.
func Rand64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("rand64: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("randbytes: %w", err)
	}
	return buf, nil
}

// WeightedChoice picks an index into weights proportional to its value,
// using an unbiased crypto/rand draw over [0, total). Negative weights
// are treated as zero; an all-zero weight vector falls back to a
// uniform pick. Mirrors the teacher pathselect package's relay
// selection, generalized from bandwidth weights to neighbor/route
// preference weights.
func WeightedChoice(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("weighted choice: empty weights")
	}

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}

	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("weighted choice: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("weighted choice: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
