// Package events implements the node's three logical event queues and
// the scheduler pump that drains them. Producers (the receive thread,
// or the pump itself while handling an earlier event) push tasks from
// any goroutine; a single pump goroutine drains each queue in FIFO
// order per pass. Grounded on the teacher circuit.Circuit's explicit
// mutex-per-concern discipline (github.com/cvsouth/tor-go/circuit/circuit.go,
// rmu/wmu guarding disjoint fields), generalized here to one mutex per
// queue instead of one mutex per direction.
package events

import (
	"sync"
	"time"
)

// Kind names which of the three queues an Event belongs to.
type Kind int

const (
	None Kind = iota
	PacketOutgoing
	PacketIncoming
	RouteCacheUpdate
)

// Task is a deferred closure invoked by the scheduler pump.
type Task func()

// Event pairs a queue selector with the closure to run.
type Event struct {
	Kind Kind
	Task Task
}

// Queue is a single FIFO of tasks. Safe for concurrent Push from many
// producers; Drain is intended to be called by one pump goroutine.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
}

// Push appends a task to the back of the queue.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

// Drain removes and returns every task currently queued, in FIFO
// enqueue order, leaving the queue empty.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	out := q.tasks
	q.tasks = nil
	return out
}

// Len reports the number of tasks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Scheduler owns the three named queues and drains them on each pump
// pass. No ordering is guaranteed across queues — only within one.
type Scheduler struct {
	Outgoing    Queue
	Incoming    Queue
	CacheUpdate Queue

	stop chan struct{}
	wg   sync.WaitGroup

	// onAckTimeouts runs once per pump pass, after draining all queues.
	onAckTimeouts func()
}

// NewScheduler returns a Scheduler. onAckTimeouts, if non-nil, is
// invoked once per pass (§4.3's ACK-timeout sweep, §4.5.3).
func NewScheduler(onAckTimeouts func()) *Scheduler {
	return &Scheduler{stop: make(chan struct{}), onAckTimeouts: onAckTimeouts}
}

// Enqueue pushes an event onto its named queue. Kind == None is a no-op.
func (s *Scheduler) Enqueue(e Event) {
	switch e.Kind {
	case PacketOutgoing:
		s.Outgoing.Push(e.Task)
	case PacketIncoming:
		s.Incoming.Push(e.Task)
	case RouteCacheUpdate:
		s.CacheUpdate.Push(e.Task)
	}
}

// Pump drains all three queues once, invoking each task in enqueue
// order, then runs the ACK-timeout sweep. It returns true if any task
// ran, matching the teacher-style "empty pass" signal used to decide
// whether to sleep before the next pass.
func (s *Scheduler) Pump() bool {
	ran := false
	for _, q := range []*Queue{&s.Outgoing, &s.Incoming, &s.CacheUpdate} {
		for _, t := range q.Drain() {
			t()
			ran = true
		}
	}
	if s.onAckTimeouts != nil {
		s.onAckTimeouts()
	}
	return ran
}

// Run drives Pump in a loop, sleeping interval between passes when the
// prior pass found all three queues momentarily empty. It returns when
// Stop is called.
func (s *Scheduler) Run(interval time.Duration) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if !s.Pump() {
			select {
			case <-s.stop:
				return
			case <-time.After(interval):
			}
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}
