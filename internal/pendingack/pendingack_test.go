package pendingack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsrnet/dsr-node/internal/wire"
)

func TestInsertAndRemove(t *testing.T) {
	tb := New()
	tb.Insert(1, 2, []byte("pkt"), time.Now())
	require.Equal(t, 1, tb.Len())
	require.True(t, tb.Remove(1))
	require.Equal(t, 0, tb.Len())
	require.False(t, tb.Remove(1), "remove is idempotent")
}

func TestCheckTimeoutsRetriesWithinBudget(t *testing.T) {
	tb := New()
	base := time.Now()
	tb.Insert(5, 2, []byte("pkt"), base)

	var retries int
	tb.CheckTimeouts(base.Add(2*time.Second), time.Second, MaxAckRetries, func(e *Entry) {
		retries++
		require.Equal(t, 1, e.Retries)
	}, func(nextHop wire.NodeID, e *Entry) {
		t.Fatal("should not fail within retry budget")
	})
	require.Equal(t, 1, retries)
	require.Equal(t, 1, tb.Len(), "entry remains pending after a retry")
}

func TestCheckTimeoutsExhaustsRetriesThenFails(t *testing.T) {
	tb := New()
	now := time.Now()
	tb.Insert(5, 2, []byte("pkt"), now)

	retryCount := 0
	failCount := 0
	var failedHop wire.NodeID

	for i := 0; i < MaxAckRetries; i++ {
		now = now.Add(2 * time.Second)
		tb.CheckTimeouts(now, time.Second, MaxAckRetries, func(e *Entry) {
			retryCount++
		}, func(nextHop wire.NodeID, e *Entry) {
			t.Fatalf("unexpected fail on iteration %d", i)
		})
	}
	require.Equal(t, MaxAckRetries, retryCount)
	require.Equal(t, 1, tb.Len())

	now = now.Add(2 * time.Second)
	tb.CheckTimeouts(now, time.Second, MaxAckRetries, func(e *Entry) {
		t.Fatal("should not retry once budget is exhausted")
	}, func(nextHop wire.NodeID, e *Entry) {
		failCount++
		failedHop = nextHop
	})

	require.Equal(t, 1, failCount)
	require.EqualValues(t, 2, failedHop)
	require.Equal(t, 0, tb.Len(), "failed entry is removed")
}

func TestCheckTimeoutsIgnoresFreshEntries(t *testing.T) {
	tb := New()
	now := time.Now()
	tb.Insert(1, 2, []byte("pkt"), now)

	called := false
	tb.CheckTimeouts(now.Add(10*time.Millisecond), time.Second, MaxAckRetries, func(e *Entry) {
		called = true
	}, func(nextHop wire.NodeID, e *Entry) {
		called = true
	})
	require.False(t, called)
}
