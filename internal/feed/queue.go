package feed

import (
	"sync"

	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// eventQueue is the bounded merged feed queue between the network readers
// and the scheduler. Overflow policy: when full, the oldest BookDelta in
// the queue is dropped to make room (the next BookSnapshot resyncs the
// book) and a counter is bumped. Trade prints and snapshots are never
// dropped; a producer pushing one into a queue with nothing droppable
// blocks until the consumer catches up. A raw channel cannot express
// drop-oldest without reordering events against the concurrent consumer,
// which is why this is a cond-guarded deque with a forwarder goroutine
// feeding the Updates channel.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf      []types.TapeEvent
	capacity int
	closed   bool

	droppedDeltas uint64
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	q := &eventQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push enqueues ev, shedding the oldest delta first on overflow.
func (q *eventQueue) push(ev types.TapeEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) >= q.capacity && !q.closed {
		if q.shedOldestDeltaLocked() {
			break
		}
		if ev.Kind == types.TapeBookDelta {
			// Nothing queued is droppable and the newcomer is itself a
			// delta: shed the newcomer instead.
			q.droppedDeltas++
			return
		}
		q.notFull.Wait()
	}
	if q.closed {
		return
	}
	q.buf = append(q.buf, ev)
	q.notEmpty.Signal()
}

// shedOldestDeltaLocked removes the oldest BookDelta from the queue.
// Caller holds q.mu.
func (q *eventQueue) shedOldestDeltaLocked() bool {
	for i := range q.buf {
		if q.buf[i].Kind == types.TapeBookDelta {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			q.droppedDeltas++
			return true
		}
	}
	return false
}

// pop blocks until an event is available or the queue is closed and
// drained; ok is false only in the latter case.
func (q *eventQueue) pop() (types.TapeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.buf) == 0 {
		return types.TapeEvent{}, false
	}
	ev := q.buf[0]
	q.buf = q.buf[1:]
	q.notFull.Signal()
	return ev, true
}

// close wakes every waiter; pushes after close are discarded, pops drain
// what remains.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// dropped returns how many deltas were shed on overflow.
func (q *eventQueue) dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedDeltas
}
