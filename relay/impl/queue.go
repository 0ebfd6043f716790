package impl

import (
	"sync"
	"time"

	"go.dedis.ch/framerelay/types"
)

// NewBoundedQueue returns a queue holding at most capacity frames. A capacity
// below 1 is treated as 1.
func NewBoundedQueue(capacity int, policy types.OverflowPolicy) *BoundedQueue {
	if capacity < 1 {
		capacity = 1
	}

	return &BoundedQueue{
		policy: policy,
		ring:   make([]types.Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// BoundedQueue is a fixed-size FIFO of frames. Push never blocks; when the
// queue is full the overflow policy decides which frame is lost.
//
// - implements relay.Queue
type BoundedQueue struct {
	sync.Mutex

	policy types.OverflowPolicy
	ring   []types.Frame
	head   int
	size   int

	dropped uint64

	// notify holds a token whenever the queue went from empty to non-empty.
	notify chan struct{}
}

// Push implements relay.Queue. It returns false if the frame was rejected.
// With DropOldest the frame is always retained and the oldest one is evicted
// instead.
func (q *BoundedQueue) Push(frame types.Frame) bool {
	q.Lock()

	if q.size == len(q.ring) {
		q.dropped++

		if q.policy == types.DropNewest {
			q.Unlock()
			return false
		}

		q.ring[q.head] = types.Frame{}
		q.head = (q.head + 1) % len(q.ring)
		q.size--
	}

	q.ring[(q.head+q.size)%len(q.ring)] = frame
	q.size++

	q.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return true
}

// Pop implements relay.Queue. A timeout <= 0 only checks for a queued frame.
func (q *BoundedQueue) Pop(timeout time.Duration) (types.Frame, bool) {
	frame, ok := q.tryPop()
	if ok || timeout <= 0 {
		return frame, ok
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			frame, ok = q.tryPop()
			if ok {
				return frame, true
			}
		case <-timer.C:
			return q.tryPop()
		}
	}
}

func (q *BoundedQueue) tryPop() (types.Frame, bool) {
	q.Lock()
	defer q.Unlock()

	if q.size == 0 {
		return types.Frame{}, false
	}

	frame := q.ring[q.head]
	q.ring[q.head] = types.Frame{}
	q.head = (q.head + 1) % len(q.ring)
	q.size--

	// wake up another waiter if frames are left
	if q.size > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	return frame, true
}

// Len implements relay.Queue
func (q *BoundedQueue) Len() int {
	q.Lock()
	defer q.Unlock()

	return q.size
}

// Cap returns the capacity of the queue.
func (q *BoundedQueue) Cap() int {
	return len(q.ring)
}

// Dropped implements relay.Queue. It counts rejected and evicted frames.
func (q *BoundedQueue) Dropped() uint64 {
	q.Lock()
	defer q.Unlock()

	return q.dropped
}

// Drain implements relay.Queue
func (q *BoundedQueue) Drain() int {
	q.Lock()
	defer q.Unlock()

	n := q.size
	for q.size > 0 {
		q.ring[q.head] = types.Frame{}
		q.head = (q.head + 1) % len(q.ring)
		q.size--
	}

	select {
	case <-q.notify:
	default:
	}

	return n
}
