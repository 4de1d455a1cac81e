package engine

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var fetchCounter = metrics.NewCounter(`kiln_fetches_total`)

// QueueEntry is a FIFO of job keys with blocking semantics for consumers.
// Queues are created lazily on first reference and never deleted.
//
// Unlike the rest of the entity model, a queue carries its own
// synchronization: producers run on the dispatcher thread, but consumers
// block on it directly from worker goroutines.
type QueueEntry struct {
	name string

	mu     sync.Mutex
	items  []string
	notify chan struct{} // capacity 1, at most one pending wake token
}

func newQueueEntry(name string) *QueueEntry {
	return &QueueEntry{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue name as first referenced.
func (q *QueueEntry) Name() string { return q.name }

// Enqueue appends a job key and wakes one blocked consumer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *QueueEntry) Enqueue(jobKey string) {
	q.mu.Lock()
	q.items = append(q.items, jobKey)
	q.mu.Unlock()

	q.wake()
}

// TryDequeue pops the head of the queue without blocking.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *QueueEntry) TryDequeue() (string, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return "", false
	}
	jobKey := q.items[0]
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	// Pass the wake on: a single Enqueue token must not strand a second
	// item when several consumers are blocked.
	if remaining > 0 {
		q.wake()
	}
	return jobKey, true
}

// Len returns the current queue length.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *QueueEntry) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *QueueEntry) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dequeue blocks until an item is available or ctx is canceled. An item
// taken is always returned, never dropped.
func (q *QueueEntry) dequeue(ctx context.Context) (string, error) {
	for {
		if jobKey, ok := q.TryDequeue(); ok {
			return jobKey, nil
		}
		select {
		case <-q.notify:
			// re-check; another consumer may have won the race
		case <-ctx.Done():
			return "", ErrFetchCanceled
		}
	}
}

// FetchNext blocks until a job key is available on any of the named queues
// or ctx is canceled, and returns the queue name together with the job key.
//
// Names with no backing queue are ignored - fetch never creates queues. When
// exactly one name resolves there is no fan-in ambiguity and the call blocks
// directly on that queue. Otherwise the resolved queues are polled in the
// given order, with a bounded wait between rounds; names are re-resolved
// each round so queues created after the call started become eligible.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Engine) FetchNext(ctx context.Context, queueNames []string) (string, string, error) {
	if len(queueNames) == 0 {
		return "", "", ErrNoQueues
	}

	resolve := func() ([]string, []*QueueEntry) {
		names := make([]string, 0, len(queueNames))
		entries := make([]*QueueEntry, 0, len(queueNames))
		for _, name := range queueNames {
			if q, ok := e.state.QueueGet(name); ok {
				names = append(names, name)
				entries = append(entries, q)
			}
		}
		return names, entries
	}

	names, entries := resolve()
	if len(entries) == 1 {
		jobKey, err := entries[0].dequeue(ctx)
		if err != nil {
			return "", "", err
		}
		fetchCounter.Inc()
		return names[0], jobKey, nil
	}

	timer := time.NewTimer(fetchPollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return "", "", ErrFetchCanceled
		}

		for i, q := range entries {
			if jobKey, ok := q.TryDequeue(); ok {
				fetchCounter.Inc()
				return names[i], jobKey, nil
			}
		}

		timer.Reset(fetchPollInterval)
		select {
		case <-ctx.Done():
			return "", "", ErrFetchCanceled
		case <-timer.C:
		}

		names, entries = resolve()
	}
}
