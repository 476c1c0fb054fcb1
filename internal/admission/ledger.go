// Package admission implements the hash-chained admission ledger: a
// sequence of node-registration blocks each gated by a PoW puzzle, and
// a pending-challenge table binding a challenge to a prospective node
// until solved (§4.7). Grounded on the teacher's directory.Consensus —
// a reader-writer-locked, hash-ordered collection validated on read
// (github.com/cvsouth/tor-go/directory/consensus.go) — and
// directory.KeyCert's pending-state map keyed by a derived value
// (github.com/cvsouth/tor-go/directory/keycert.go's signing-key-digest
// lookup, generalized here to a challenge-bytes lookup).
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/pow"
	"github.com/dsrnet/dsr-node/internal/wire"
	"github.com/dsrnet/dsr-node/internal/xhash"
)

// pendingNode is a challenge awaiting its PoW solution.
type pendingNode struct {
	NodeID        wire.NodeID
	PublicKey     []byte
	EncryptionKey []byte
	Signature     []byte
	Challenge     pow.Challenge
}

// Ledger is one node's local view of the admission chain. Per §1 Non-
// goals, there is no cross-node consensus: each node maintains its own
// instance.
type Ledger struct {
	blocksMu sync.RWMutex
	blocks   []*wire.AdmissionBlock

	pendingMu sync.Mutex
	pending   map[string]*pendingNode
}

// New returns an empty ledger with no genesis block yet.
func New() *Ledger {
	return &Ledger{pending: make(map[string]*pendingNode)}
}

func challengeKey(c *pow.Challenge) string {
	return string(c.R[:]) + string(c.T[:])
}

// Tail returns the chain's last block, if any.
func (l *Ledger) Tail() (*wire.AdmissionBlock, bool) {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	if len(l.blocks) == 0 {
		return nil, false
	}
	return l.blocks[len(l.blocks)-1], true
}

// Len returns the chain length.
func (l *Ledger) Len() int {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	return len(l.blocks)
}

// Block returns a copy of the block at index i.
func (l *Ledger) Block(i int) (*wire.AdmissionBlock, bool) {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	if i < 0 || i >= len(l.blocks) {
		return nil, false
	}
	b := *l.blocks[i]
	return &b, true
}

// CreateGenesis mines and appends the genesis block. Only permitted
// for id == 0 (§4.7).
func (l *Ledger) CreateGenesis(ctx context.Context, pkSign, pkEncrypt, signature []byte) (*wire.AdmissionBlock, error) {
	if l.Len() != 0 {
		return nil, fmt.Errorf("create genesis: %w (chain already has %d blocks)", nodeerr.ErrInvalidArgs, l.Len())
	}

	challenge, err := pow.GenerateChallenge(nil, wire.GenesisNodeID, pkSign, pkEncrypt)
	if err != nil {
		return nil, fmt.Errorf("create genesis: %w", err)
	}
	nonce, err := pow.Solve(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("create genesis: %w", err)
	}

	block := l.buildBlock(wire.GenesisNodeID, pkSign, pkEncrypt, signature, nil, challenge, nonce)

	l.blocksMu.Lock()
	l.blocks = append(l.blocks, block)
	l.blocksMu.Unlock()
	return block, nil
}

// AddNode begins admission for a prospective node: builds a challenge
// against the current tail, records a pending entry keyed by the
// challenge bytes, and returns the challenge for the node to solve.
func (l *Ledger) AddNode(id wire.NodeID, pkSign, pkEncrypt []byte) (*pow.Challenge, error) {
	if len(pkSign) == 0 || len(pkEncrypt) == 0 {
		return nil, fmt.Errorf("add node: %w", nodeerr.ErrInvalidArgs)
	}

	prev, _ := l.Tail()
	challenge, err := pow.GenerateChallenge(prev, id, pkSign, pkEncrypt)
	if err != nil {
		return nil, fmt.Errorf("add node: %w", err)
	}

	l.pendingMu.Lock()
	l.pending[challengeKey(challenge)] = &pendingNode{
		NodeID:        id,
		PublicKey:     append([]byte(nil), pkSign...),
		EncryptionKey: append([]byte(nil), pkEncrypt...),
		Challenge:     *challenge,
	}
	l.pendingMu.Unlock()

	return challenge, nil
}

// FinalizeNode completes admission: verifies the PoW solution against
// the pending challenge, builds and appends the block, links the
// predecessor's next_hash, and clears the pending entry. signature is
// the node's self-signature over its certificate fields (see
// internal/identity.Identity.SelfSign); the ledger never verifies it
// cryptographically — only the hash-chain and PoW invariants are
// checked on read (§4.7).
func (l *Ledger) FinalizeNode(id wire.NodeID, pkSign, pkEncrypt, signature []byte, challenge *pow.Challenge, nonce uint64) (bool, error) {
	key := challengeKey(challenge)

	l.pendingMu.Lock()
	_, ok := l.pending[key]
	l.pendingMu.Unlock()
	if !ok {
		return false, fmt.Errorf("finalize node: %w", nodeerr.ErrNoPending)
	}

	if !pow.IsSolved(challenge, nonce) {
		return false, fmt.Errorf("finalize node: %w", nodeerr.ErrPowInvalid)
	}

	prev, hasPrev := l.Tail()
	var prevHash *wire.AdmissionBlock
	if hasPrev {
		prevHash = prev
	}
	block := l.buildBlock(id, pkSign, pkEncrypt, signature, prevHash, challenge, nonce)

	l.blocksMu.Lock()
	if len(l.blocks) > 0 {
		l.blocks[len(l.blocks)-1].NextHash = block.BlockHash
	}
	l.blocks = append(l.blocks, block)
	l.blocksMu.Unlock()

	l.pendingMu.Lock()
	delete(l.pending, key)
	l.pendingMu.Unlock()

	return true, nil
}

func (l *Ledger) buildBlock(id wire.NodeID, pkSign, pkEncrypt, signature []byte, prev *wire.AdmissionBlock, challenge *pow.Challenge, nonce uint64) *wire.AdmissionBlock {
	block := &wire.AdmissionBlock{
		Nonce:      nonce,
		Difficulty: challenge.T,
		Timestamp:  uint64(time.Now().Unix()),
		Cert: wire.Certificate{
			NodeID:        id,
			PublicKey:     append([]byte(nil), pkSign...),
			EncryptionKey: append([]byte(nil), pkEncrypt...),
			Signature:     append([]byte(nil), signature...),
			NotBefore:     time.Now().Unix(),
			NotAfter:      time.Now().Unix() + wire.TenYears,
		},
	}
	if prev != nil {
		block.PrevHash = prev.BlockHash
	}
	block.BlockHash = xhash.Sum256(wire.BlockHashPreimage(block))
	return block
}

// Verify recomputes every block's hash and checks prev_hash/next_hash
// linkage and the embedded PoW solution (§8's per-block invariant).
// A block's next_hash is filled in only after its hash was computed
// and after the successor's challenge was issued, so both
// recomputations treat next_hash as zero.
func (l *Ledger) Verify() error {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()

	for i, b := range l.blocks {
		unlinked := *b
		unlinked.NextHash = wire.Hash256{}
		recomputed := xhash.Sum256(wire.BlockHashPreimage(&unlinked))
		if recomputed != b.BlockHash {
			return fmt.Errorf("verify block %d: %w (hash mismatch)", i, nodeerr.ErrHashLinkBroken)
		}
		if i > 0 {
			if b.PrevHash != l.blocks[i-1].BlockHash {
				return fmt.Errorf("verify block %d: %w (prev_hash mismatch)", i, nodeerr.ErrHashLinkBroken)
			}
			if l.blocks[i-1].NextHash != b.BlockHash {
				return fmt.Errorf("verify block %d: %w (predecessor next_hash mismatch)", i, nodeerr.ErrHashLinkBroken)
			}
		}
		challenge := &pow.Challenge{T: b.Difficulty}
		if i == 0 {
			pre, err := pow.GenerateChallenge(nil, b.Cert.NodeID, b.Cert.PublicKey, b.Cert.EncryptionKey)
			if err != nil {
				return fmt.Errorf("verify block %d: %w", i, err)
			}
			challenge.R = pre.R
		} else {
			prevAtIssue := *l.blocks[i-1]
			prevAtIssue.NextHash = wire.Hash256{}
			pre, err := pow.GenerateChallenge(&prevAtIssue, b.Cert.NodeID, b.Cert.PublicKey, b.Cert.EncryptionKey)
			if err != nil {
				return fmt.Errorf("verify block %d: %w", i, err)
			}
			challenge.R = pre.R
		}
		if !pow.IsSolved(challenge, b.Nonce) {
			return fmt.Errorf("verify block %d: %w (pow invalid)", i, nodeerr.ErrPowInvalid)
		}
	}
	return nil
}
