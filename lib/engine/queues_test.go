package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(&Options{SweepInterval: -1})
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func enqueue(t *testing.T, e *Engine, queue, jobKey string) {
	t.Helper()
	if _, err := Query(e.Dispatcher(), func(s *MemoryState) (any, error) {
		s.JobEnqueue(queue, jobKey)
		return nil, nil
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

// TestFetchSingleQueue tests the direct blocking path with one resolved queue
func TestFetchSingleQueue(t *testing.T) {
	e := newTestEngine(t)

	enqueue(t, e, "default", "job-1")

	queue, jobKey, err := e.FetchNext(context.Background(), []string{"default"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if queue != "default" || jobKey != "job-1" {
		t.Errorf("Expected (default, job-1), got (%s, %s)", queue, jobKey)
	}
}

// TestFetchBlocksUntilEnqueue tests that a blocked fetch is woken by a
// later enqueue
func TestFetchBlocksUntilEnqueue(t *testing.T) {
	e := newTestEngine(t)

	// Queue must exist for the fetch to bind to it
	if _, err := Query(e.Dispatcher(), func(s *MemoryState) (any, error) {
		return s.QueueGetOrCreate("default"), nil
	}); err != nil {
		t.Fatal(err)
	}

	type result struct {
		jobKey string
		err    error
	}
	done := make(chan result, 1)

	go func() {
		_, jobKey, err := e.FetchNext(context.Background(), []string{"default"})
		done <- result{jobKey, err}
	}()

	// Give the fetcher time to block
	time.Sleep(50 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("Fetch returned before anything was enqueued: %+v", r)
	default:
	}

	enqueue(t, e, "default", "job-1")

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Unexpected error: %v", r.err)
		}
		if r.jobKey != "job-1" {
			t.Errorf("Expected job-1, got %s", r.jobKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the blocked fetch to wake")
	}
}

// TestFetchMultipleQueues tests that a multi-queue fetch takes from the
// first named queue with an item
func TestFetchMultipleQueues(t *testing.T) {
	e := newTestEngine(t)

	enqueue(t, e, "low", "job-low")
	enqueue(t, e, "critical", "job-critical")

	// "missing" never resolves; "critical" is named before "low"
	queue, jobKey, err := e.FetchNext(context.Background(), []string{"missing", "critical", "low"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if queue != "critical" || jobKey != "job-critical" {
		t.Errorf("Expected (critical, job-critical), got (%s, %s)", queue, jobKey)
	}

	queue, jobKey, err = e.FetchNext(context.Background(), []string{"missing", "critical", "low"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if queue != "low" || jobKey != "job-low" {
		t.Errorf("Expected (low, job-low), got (%s, %s)", queue, jobKey)
	}
}

// TestFetchSeesLateCreatedQueue tests that queues created after the fetch
// started become eligible through re-resolution
func TestFetchSeesLateCreatedQueue(t *testing.T) {
	e := newTestEngine(t)

	// Two names so the fetch takes the polling path; neither exists yet
	done := make(chan string, 1)
	go func() {
		_, jobKey, err := e.FetchNext(context.Background(), []string{"a", "b"})
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- jobKey
	}()

	time.Sleep(50 * time.Millisecond)
	enqueue(t, e, "b", "job-1")

	select {
	case got := <-done:
		if got != "job-1" {
			t.Errorf("Expected job-1, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the fetch to see the new queue")
	}
}

// TestFetchCanceled tests context cancellation on both fetch paths
func TestFetchCanceled(t *testing.T) {
	e := newTestEngine(t)

	if _, err := Query(e.Dispatcher(), func(s *MemoryState) (any, error) {
		return s.QueueGetOrCreate("default"), nil
	}); err != nil {
		t.Fatal(err)
	}

	// Single-queue blocking path
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := e.FetchNext(ctx, []string{"default"}); !errors.Is(err, ErrFetchCanceled) {
		t.Errorf("Expected ErrFetchCanceled, got %v", err)
	}

	// Polling path
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := e.FetchNext(ctx, []string{"default", "other"}); !errors.Is(err, ErrFetchCanceled) {
		t.Errorf("Expected ErrFetchCanceled, got %v", err)
	}

	// A canceled fetch must not lose items
	enqueue(t, e, "default", "job-1")
	_, jobKey, err := e.FetchNext(context.Background(), []string{"default"})
	if err != nil || jobKey != "job-1" {
		t.Errorf("Expected job-1 after cancellations, got %s (err=%v)", jobKey, err)
	}
}

// TestFetchNoQueues tests the empty-name-list edge case
func TestFetchNoQueues(t *testing.T) {
	e := newTestEngine(t)

	if _, _, err := e.FetchNext(context.Background(), nil); !errors.Is(err, ErrNoQueues) {
		t.Errorf("Expected ErrNoQueues, got %v", err)
	}
}

// TestFetchExactlyOnce tests that every enqueued item is delivered to
// exactly one of many concurrent consumers
func TestFetchExactlyOnce(t *testing.T) {
	e := newTestEngine(t)

	const numItems = 500
	const numConsumers = 8

	// Pre-create the queue so consumers bind to the blocking path
	if _, err := Query(e.Dispatcher(), func(s *MemoryState) (any, error) {
		return s.QueueGetOrCreate("work"), nil
	}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(numConsumers)
	for c := 0; c < numConsumers; c++ {
		go func() {
			defer wg.Done()
			for {
				_, jobKey, err := e.FetchNext(ctx, []string{"work"})
				if err != nil {
					return
				}
				mu.Lock()
				seen[jobKey]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < numItems; i++ {
		enqueue(t, e, "work", fmt.Sprintf("job-%d", i))
	}

	// Wait for everything to drain
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == numItems {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Timeout: consumed %d of %d items", n, numItems)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	wg.Wait()

	for key, count := range seen {
		if count != 1 {
			t.Errorf("Item %s delivered %d times", key, count)
		}
	}
}
