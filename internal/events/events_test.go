package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	var q Queue
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() { order = append(order, i) })
	}
	for _, t := range q.Drain() {
		t()
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDrainEmptiesQueue(t *testing.T) {
	var q Queue
	q.Push(func() {})
	require.Equal(t, 1, q.Len())
	q.Drain()
	require.Equal(t, 0, q.Len())
}

func TestSchedulerEnqueueRoutesByKind(t *testing.T) {
	s := NewScheduler(nil)
	var ran []string
	s.Enqueue(Event{Kind: PacketOutgoing, Task: func() { ran = append(ran, "out") }})
	s.Enqueue(Event{Kind: PacketIncoming, Task: func() { ran = append(ran, "in") }})
	s.Enqueue(Event{Kind: RouteCacheUpdate, Task: func() { ran = append(ran, "cache") }})
	s.Enqueue(Event{Kind: None, Task: func() { ran = append(ran, "none") }})

	s.Pump()
	require.ElementsMatch(t, []string{"out", "in", "cache"}, ran)
}

func TestSchedulerRunsAckTimeoutSweepEveryPass(t *testing.T) {
	var calls int32
	s := NewScheduler(func() { atomic.AddInt32(&calls, 1) })
	s.Pump()
	s.Pump()
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSchedulerConcurrentProducers(t *testing.T) {
	s := NewScheduler(nil)
	var wg sync.WaitGroup
	var counter int64
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Enqueue(Event{Kind: PacketIncoming, Task: func() { atomic.AddInt64(&counter, 1) }})
			}
		}()
	}
	wg.Wait()
	s.Pump()
	require.EqualValues(t, 8*50, atomic.LoadInt64(&counter))
}

func TestSchedulerRunAndStop(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan struct{})
	go func() {
		s.Run(5 * time.Millisecond)
		close(done)
	}()

	var hit int32
	s.Enqueue(Event{Kind: PacketIncoming, Task: func() { atomic.StoreInt32(&hit, 1) }})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hit) == 1 }, time.Second, time.Millisecond)
	s.Stop()
	<-done
}
