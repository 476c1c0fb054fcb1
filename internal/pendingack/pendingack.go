// Package pendingack tracks unacknowledged forwarded packets with
// retry deadlines (§3 PendingAck, §4.5.3). Grounded on the teacher's
// stream-level flow-control bookkeeping (github.com/cvsouth/tor-go/stream/flow.go),
// generalized from send-window counters to a retry-deadline table.
package pendingack

import (
	"sync"
	"time"

	"github.com/dsrnet/dsr-node/internal/wire"
)

// DefaultAckTimeout is ACK_TIMEOUT_MS from §5.
const DefaultAckTimeout = 1000 * time.Millisecond

// MaxAckRetries is MAX_ACK_RETRIES from §5.
const MaxAckRetries = 3

// Entry is one pending acknowledgement.
type Entry struct {
	SequenceNumber uint32
	NextHopID      wire.NodeID
	SendTime       time.Time
	Retries        int
	OriginalPacket []byte
}

// Table is the per-node pending-ACK table, mutated by the scheduler
// (send path, timeout sweep) and read by the receive thread when
// matching ACKs (§5).
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*Entry
}

// New returns an empty pending-ACK table.
func New() *Table {
	return &Table{entries: make(map[uint32]*Entry)}
}

// Insert records a newly-sent packet awaiting acknowledgement. Created
// on every outbound unicast data transmission (§3).
func (t *Table) Insert(seq uint32, nextHop wire.NodeID, original []byte, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[seq] = &Entry{
		SequenceNumber: seq,
		NextHopID:      nextHop,
		SendTime:       now,
		OriginalPacket: original,
	}
}

// Remove deletes the entry for seq, if any, reporting whether one was
// present. Destroyed on matching ACK receipt (§3).
func (t *Table) Remove(seq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[seq]; !ok {
		return false
	}
	delete(t.entries, seq)
	return true
}

// Len reports the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CheckTimeouts runs the §4.5.3 sweep: every entry older than timeout
// either retries (retries < maxRetries: onRetry is called with the
// original packet and next hop, retries increments, send_time resets)
// or fails (onFail is called with the next hop, the entry is removed).
// Invariant maintained: 0 <= retries <= maxRetries+1 (retries never
// goes above maxRetries; an entry that times out again at maxRetries
// is removed).
func (t *Table) CheckTimeouts(now time.Time, timeout time.Duration, maxRetries int, onRetry func(e *Entry), onFail func(nextHop wire.NodeID, e *Entry)) {
	t.mu.Lock()
	var toRetry, toFail []*Entry
	for _, e := range t.entries {
		if now.Sub(e.SendTime) <= timeout {
			continue
		}
		if e.Retries < maxRetries {
			e.Retries++
			e.SendTime = now
			toRetry = append(toRetry, e)
		} else {
			toFail = append(toFail, e)
			delete(t.entries, e.SequenceNumber)
		}
	}
	t.mu.Unlock()

	for _, e := range toRetry {
		if onRetry != nil {
			onRetry(e)
		}
	}
	for _, e := range toFail {
		if onFail != nil {
			onFail(e.NextHopID, e)
		}
	}
}
