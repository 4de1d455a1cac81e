package lockmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/kiln-db/kiln/lib/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (ILockManager, *engine.Engine) {
	t.Helper()
	e := engine.New(&engine.Options{SweepInterval: -1})
	t.Cleanup(func() { _ = e.Close() })
	return NewLockManager(e.Dispatcher()), e
}

func lockCount(t *testing.T, e *engine.Engine) int {
	t.Helper()
	n, err := engine.Query(e.Dispatcher(), func(s *engine.MemoryState) (int, error) {
		return s.LockCount(), nil
	})
	require.NoError(t, err)
	return n
}

// TestAcquireRelease tests the uncontended acquire/release round trip
func TestAcquireRelease(t *testing.T) {
	mgr, e := newTestManager(t)

	handle, err := mgr.Acquire(NewOwnerID(), "resource-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, "resource-1", handle.Resource())
	assert.Equal(t, 1, lockCount(t, e))

	require.NoError(t, handle.Release())
	assert.Equal(t, 0, lockCount(t, e), "released lock should leave the table")
}

// TestReentrantAcquire tests that the same owner can nest acquisitions and
// the resource frees only after the matching number of releases
func TestReentrantAcquire(t *testing.T) {
	mgr, e := newTestManager(t)
	owner := NewOwnerID()

	const depth = 5
	handles := make([]*Handle, 0, depth)
	for i := 0; i < depth; i++ {
		h, err := mgr.Acquire(owner, "resource-1", time.Second)
		require.NoError(t, err, "nested acquire %d should succeed", i)
		handles = append(handles, h)
	}

	// Only one table entry regardless of nesting depth
	assert.Equal(t, 1, lockCount(t, e))

	// Another owner cannot take it while any level is held
	for i := 0; i < depth-1; i++ {
		require.NoError(t, handles[i].Release())

		_, err := mgr.Acquire(NewOwnerID(), "resource-1", 0)
		assert.ErrorIs(t, err, ErrTimeout, "resource should still be held after %d releases", i+1)
	}

	require.NoError(t, handles[depth-1].Release())

	// Fully released: any owner can take it now
	h, err := mgr.Acquire(NewOwnerID(), "resource-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	assert.Equal(t, 0, lockCount(t, e))
}

// TestZeroTimeoutFailsImmediately tests the non-blocking contended path
func TestZeroTimeoutFailsImmediately(t *testing.T) {
	mgr, e := newTestManager(t)

	holder, err := mgr.Acquire(NewOwnerID(), "resource-1", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = mgr.Acquire(NewOwnerID(), "resource-1", 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "zero timeout must not block")

	// The failed waiter must not leak a reference
	require.NoError(t, holder.Release())
	assert.Equal(t, 0, lockCount(t, e))
}

// TestTimeoutWhileContended tests that a bounded wait expires cleanly
func TestTimeoutWhileContended(t *testing.T) {
	mgr, e := newTestManager(t)

	holder, err := mgr.Acquire(NewOwnerID(), "resource-1", time.Second)
	require.NoError(t, err)

	_, err = mgr.Acquire(NewOwnerID(), "resource-1", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, holder.Release())
	assert.Equal(t, 0, lockCount(t, e))
}

// TestHandoff tests that a release wakes a blocked waiter
func TestHandoff(t *testing.T) {
	mgr, _ := newTestManager(t)

	holder, err := mgr.Acquire(NewOwnerID(), "resource-1", time.Second)
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	errs := make(chan error, 1)
	go func() {
		h, err := mgr.Acquire(NewOwnerID(), "resource-1", 5*time.Second)
		if err != nil {
			errs <- err
			return
		}
		acquired <- h
	}()

	// Give the waiter time to block
	time.Sleep(50 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("Waiter acquired while the resource was held")
	case err := <-errs:
		t.Fatalf("Waiter failed early: %v", err)
	default:
	}

	require.NoError(t, holder.Release())

	select {
	case h := <-acquired:
		require.NoError(t, h.Release())
	case err := <-errs:
		t.Fatalf("Waiter failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the handoff")
	}
}

// TestMutualExclusion tests the lock under contention from many goroutines
func TestMutualExclusion(t *testing.T) {
	mgr, e := newTestManager(t)

	const numGoroutines = 10
	const iterations = 50

	// shared is only ever touched while holding the lock; the race detector
	// flags any exclusion failure
	shared := 0

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for g := 0; g < numGoroutines; g++ {
		go func() {
			defer wg.Done()
			owner := NewOwnerID()
			for i := 0; i < iterations; i++ {
				h, err := mgr.Acquire(owner, "shared", 10*time.Second)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				shared++
				if err := h.Release(); err != nil {
					t.Errorf("Release failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, numGoroutines*iterations, shared)
	assert.Equal(t, 0, lockCount(t, e), "lock table should be empty after all releases")
}

// TestIndependentResources tests that distinct resources do not contend
func TestIndependentResources(t *testing.T) {
	mgr, e := newTestManager(t)

	h1, err := mgr.Acquire(NewOwnerID(), "resource-1", 0)
	require.NoError(t, err)
	h2, err := mgr.Acquire(NewOwnerID(), "resource-2", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, lockCount(t, e))

	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())
	assert.Equal(t, 0, lockCount(t, e))
}

// TestNewOwnerID tests owner ID uniqueness
func TestNewOwnerID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewOwnerID()
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "owner IDs must be unique")
		seen[id] = true
	}
}
