// Package correlator tracks in-flight caller requests across the three
// stages of authentication: inbound (awaiting credential collection), active
// (network round trip issued) and completed (result ready for pickup).
//
// A Correlator is an explicitly constructed, dependency-injected instance
// owned by the orchestrator; two SDK instances never share one.
package correlator

import (
	"sync"
	"sync/atomic"

	"github.com/perimetra/magkit/internal/gateway/domain"
)

// Queue selects one of the three call stages.
type Queue int

const (
	Inbound Queue = iota
	Active
	Completed

	queueCount
)

func (q Queue) String() string {
	switch q {
	case Inbound:
		return "inbound"
	case Active:
		return "active"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// orderedQueue is an insertion-ordered map of call id to call. Each queue has
// its own lock; all mutating operations on one queue are mutually exclusive,
// which is what makes RemoveMatching atomic.
type orderedQueue struct {
	mu    sync.Mutex
	order []uint64
	calls map[uint64]*domain.PendingCall
}

func newOrderedQueue() *orderedQueue {
	return &orderedQueue{calls: make(map[uint64]*domain.PendingCall)}
}

func (q *orderedQueue) put(call *domain.PendingCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.calls[call.ID]; !exists {
		q.order = append(q.order, call.ID)
	}
	q.calls[call.ID] = call
}

func (q *orderedQueue) take(id uint64) (*domain.PendingCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	call, ok := q.calls[id]
	if !ok {
		return nil, false
	}
	delete(q.calls, id)
	q.removeFromOrder(id)
	return call, true
}

func (q *orderedQueue) removeFromOrder(id uint64) {
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// removeMatching removes every call the predicate selects, delivering the
// cancellation outcome to each before the scan continues. The queue lock is
// held for the whole sweep so no concurrent Take can race a half-finished
// cancellation; outcome channels are buffered, so delivery under the lock
// cannot block.
func (q *orderedQueue) removeMatching(pred func(*domain.PendingCall) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.order[:0]
	for _, id := range q.order {
		call := q.calls[id]
		if pred(call) {
			delete(q.calls, id)
			call.Deliver(domain.Cancelled())
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return removed
}

func (q *orderedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

// Correlator owns the three queues and the call id sequence.
type Correlator struct {
	queues [queueCount]*orderedQueue
	nextID atomic.Uint64
}

func New() *Correlator {
	c := &Correlator{}
	for i := range c.queues {
		c.queues[i] = newOrderedQueue()
	}
	return c
}

// Register assigns the next call id and inserts the call into the inbound
// queue. Ids are monotonically increasing and never reused within the
// process lifetime.
func (c *Correlator) Register(call *domain.PendingCall) uint64 {
	call.ID = c.nextID.Add(1)
	c.queues[Inbound].put(call)
	return call.ID
}

// Put inserts a call into the given queue. Used when a call advances
// between stages.
func (c *Correlator) Put(q Queue, call *domain.PendingCall) {
	c.queues[q].put(call)
}

// Take atomically removes and returns the call with the given id from the
// given queue. A missing id means "already resolved or cancelled" and is not
// an error.
func (c *Correlator) Take(q Queue, id uint64) (*domain.PendingCall, bool) {
	return c.queues[q].take(id)
}

// TakeAny removes the call from whichever queue currently holds it.
func (c *Correlator) TakeAny(id uint64) (*domain.PendingCall, bool) {
	for q := Inbound; q < queueCount; q++ {
		if call, ok := c.queues[q].take(id); ok {
			return call, true
		}
	}
	return nil, false
}

// RemoveMatching sweeps one queue, removing every call the predicate selects
// and delivering a cancellation outcome to each. Returns how many calls were
// cancelled.
func (c *Correlator) RemoveMatching(q Queue, pred func(*domain.PendingCall) bool) int {
	return c.queues[q].removeMatching(pred)
}

// RemoveMatchingAll sweeps all three queues.
func (c *Correlator) RemoveMatchingAll(pred func(*domain.PendingCall) bool) int {
	total := 0
	for q := Inbound; q < queueCount; q++ {
		total += c.queues[q].removeMatching(pred)
	}
	return total
}

// Len reports how many calls the given queue currently holds.
func (c *Correlator) Len(q Queue) int {
	return c.queues[q].len()
}
