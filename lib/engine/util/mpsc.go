// Package util provides the low-level building blocks of the engine: a
// multi-producer single-consumer (MPSC) queue used as the dispatcher's
// submission spine, and a keyed expiry heap backing the per-entity-type
// expiration indexes.
//
// MPSC guarantees:
//
//   - Lock-free appends: producers link new nodes with atomic operations
//   - Unbounded size: the queue grows as needed, limited only by memory
//   - Thread-safe writes: any number of goroutines may Push concurrently
//   - Single consumer: exactly one goroutine consumes via the Recv() channel
//   - Accepted means delivered: every Push that returns true is received by
//     the consumer before the output channel closes, even when Push races
//     Close
//   - No strict FIFO across producers: under concurrent Push calls the order
//     is decided by which producer completes first, not which started first
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of the queue's linked list
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// MPSC is a multi-producer single-consumer queue. Producers append to a
// linked list with atomic operations; a dedicated consumer goroutine drains
// the list into the output channel.
//
// Two pieces of state are deliberately not lock-free. The closed flag is
// guarded by an RWMutex: a producer holds the read side across its
// closed-check and append, and Close takes the write side, so a Push can
// never straddle a Close - once Close returns, no further node enters the
// list and the consumer's final drain sees every accepted item. Consumer
// wakeup goes through a one-token channel rather than a condition variable:
// an append that races the consumer's empty check leaves its token behind,
// so the wakeup cannot be lost between the check and the wait.
type MPSC[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]

	out    chan *T
	notify chan struct{} // capacity 1, coalesced wakeup token

	consumer sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// NewMPSC creates a new queue and starts its consumer goroutine.
func NewMPSC[T any]() *MPSC[T] {
	// Sentinel node so head/tail are never nil
	sentinel := &node[T]{}

	q := &MPSC[T]{
		out:    make(chan *T),
		notify: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed. An
// item accepted here is always delivered to the consumer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value *T) bool {
	if value == nil {
		return false
	}

	// The read side is shared, so pushes still run concurrently with each
	// other; only Close excludes them.
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()

	if q.closed {
		return false
	}

	q.append(&node[T]{value: value})
	q.signal()
	return true
}

// append links a node at the tail of the list.
func (q *MPSC[T]) append(n *node[T]) {
	for {
		tail := q.tail.Load()
		if tail.next.CompareAndSwap(nil, n) {
			// Swinging tail forward may fail when another producer helps;
			// the pointer converges either way.
			q.tail.CompareAndSwap(tail, n)
			return
		}

		// tail is stale: help move it forward before retrying
		if next := tail.next.Load(); next != nil {
			q.tail.CompareAndSwap(tail, next)
		}
		runtime.Gosched()
	}
}

// signal leaves one wakeup token for the consumer. Tokens coalesce.
func (q *MPSC[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// consume continuously sends items from the linked list to the output channel
func (q *MPSC[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		q.drain()

		if q.IsClosed() {
			// Push holds the closed-flag read lock across its append, so
			// observing the flag means every accepted node is already
			// linked; one more drain delivers the stragglers.
			q.drain()
			return
		}

		<-q.notify
	}
}

// drain delivers every node currently linked to the output channel.
func (q *MPSC[T]) drain() {
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next == nil {
			return
		}

		value := next.value
		q.head.Store(next) // unlinks the old head for the collector

		q.out <- value
		next.value = nil
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// The channel is closed once the queue is closed and fully drained.
func (q *MPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Items already accepted are still delivered to the consumer.
func (q *MPSC[T]) Close() {
	q.closeMu.Lock()
	q.closed = true
	q.closeMu.Unlock()

	q.signal()
}

// IsClosed returns true if the queue is closed.
func (q *MPSC[T]) IsClosed() bool {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	return q.closed
}

// Wait blocks until the consumer goroutine has drained the queue and exited.
// Only meaningful after Close.
func (q *MPSC[T]) Wait() {
	q.consumer.Wait()
}
