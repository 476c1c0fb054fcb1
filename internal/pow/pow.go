// Package pow implements the admission ledger's proof-of-work puzzle:
// challenge generation, parallel nonce search, and solution
// verification. Translated directly from the original C++
// implementation (original_source/inc/Consensus/PoW.h: SendChallenge,
// isSolved, SolvePowChallenge) into idiomatic Go — a worker pool
// sharing an atomic "solved" flag, cancelled cooperatively via
// context.Context the way the teacher's link/circuit dials use
// context-free deadlines for the same "stop everyone on first success
// or on timeout" shape (github.com/cvsouth/tor-go/circuit/circuit.go
// Create's l.SetDeadline around a single attempt, generalized here to
// many concurrent attempts).
package pow

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/wire"
	"github.com/dsrnet/dsr-node/internal/xhash"
)

// MaxAttemptsPerWorker bounds a single worker's search before giving up.
const MaxAttemptsPerWorker = 1_000_000

// MaxWorkers caps the parallel search width regardless of host core count.
const MaxWorkers = 8

// Challenge is the 32-byte nonce seed R paired with the 2-byte target T.
type Challenge struct {
	R [32]byte
	T [2]byte
}

// GenerateChallenge builds a challenge bound to the previous block and
// the prospective node's identity material (§4.6):
// R = SHA256(serialize(prevBlock) || id || pkSign || pkEncrypt),
// T = a fresh random 16-bit value.
func GenerateChallenge(prevBlock *wire.AdmissionBlock, id wire.NodeID, pkSign, pkEncrypt []byte) (*Challenge, error) {
	var pre []byte
	if prevBlock != nil {
		pre = append(pre, wire.SerializeNode(prevBlock)...)
	}
	pre = append(pre, byte(id))
	pre = append(pre, pkSign...)
	pre = append(pre, pkEncrypt...)

	r := xhash.Sum256(pre)

	t, err := xhash.Rand16()
	if err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	c := &Challenge{R: r}
	binary.BigEndian.PutUint16(c.T[:], t)
	return c, nil
}

// IsSolved reports whether nonce solves challenge: the first two bytes
// of SHA256(R || SHA256(BE64(nonce))) equal T byte-for-byte (§4.6's
// canonical equality semantics — the source's byte-<=-target variant
// is not implemented, per spec.md's explicit ruling).
func IsSolved(c *Challenge, nonce uint64) bool {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	nonceHash := xhash.Sum256(nonceBytes[:])

	h := xhash.Sum256(c.R[:], nonceHash[:])
	return h[0] == c.T[0] && h[1] == c.T[1]
}

// Solve searches for a nonce solving challenge using min(GOMAXPROCS, 8)
// workers, each striding by the worker count from a random starting
// point. The first worker to find a solution publishes it and signals
// the rest to stop; cancellation is cooperative, checked between
// attempts. Returns nodeerr.ErrPowExhausted if every worker exhausts
// MaxAttemptsPerWorker without success — a FATAL condition per §7.
func Solve(ctx context.Context, challenge *Challenge) (uint64, error) {
	workers := runtime.GOMAXPROCS(0)
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var solved atomic.Bool
	var solution atomic.Uint64
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		start, err := xhash.Rand64()
		if err != nil {
			return 0, fmt.Errorf("solve: seed worker %d: %w", w, err)
		}
		stride := uint64(workers)

		wg.Add(1)
		go func(nonce uint64) {
			defer wg.Done()
			for attempt := uint64(0); attempt < MaxAttemptsPerWorker; attempt++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if solved.Load() {
					return
				}
				if IsSolved(challenge, nonce) {
					if solved.CompareAndSwap(false, true) {
						solution.Store(nonce)
						cancel()
					}
					return
				}
				nonce += stride
			}
		}(start)
	}

	wg.Wait()

	if !solved.Load() {
		return 0, nodeerr.ErrPowExhausted
	}
	return solution.Load(), nil
}
