package engine

import "sync"

// LockEntry is one row of the lock table. The table structure itself (which
// resource maps to which entry, and each entry's reference count) is mutated
// only on the dispatcher thread; the owner and reentrancy level are guarded
// by the entry's own mutex because blocked waiters claim ownership from
// their own goroutines, outside the dispatcher.
//
// The entry pointer - not the resource name - is the token exchanged between
// the acquire and release paths. A name can be reused by a fresh entry after
// removal, so bookkeeping operations verify entry identity and treat a
// mismatch as a consistency violation.
type LockEntry struct {
	mu    sync.Mutex
	owner string
	level int

	refs int // holders + waiters, dispatcher thread only

	released chan struct{} // capacity 1, one wake token per full release
}

func newLockEntry(owner string) *LockEntry {
	return &LockEntry{
		owner:    owner,
		level:    1,
		refs:     1,
		released: make(chan struct{}, 1),
	}
}

// Released exposes the entry's wake channel: one token is sent per full
// release while waiters remain registered.
func (e *LockEntry) Released() <-chan struct{} { return e.released }

// TryClaim atomically takes ownership if the entry is currently unowned.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *LockEntry) TryClaim(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner != "" {
		return false
	}
	e.owner = owner
	e.level = 1
	return true
}

// SignalRelease hands one wake token to a blocked waiter. Called by the
// releasing goroutine outside the dispatcher; the dispatcher serializes
// table mutations only, not cross-goroutine waiting.
func (e *LockEntry) SignalRelease() {
	select {
	case e.released <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Lock table operations (dispatcher thread only)
// --------------------------------------------------------------------------

// LockAcquire runs the acquire state machine against the lock table:
//
//   - no entry: create one owned by the caller -> acquired
//   - held by the caller: bump the reentrancy level -> acquired
//   - held by another owner: register the caller as a waiter -> not acquired,
//     the caller must block on the returned entry outside the dispatcher
func (s *MemoryState) LockAcquire(resource, owner string) (*LockEntry, bool) {
	norm := s.keys.Normalize(resource)

	entry, ok := s.locks.Load(norm)
	if !ok {
		entry = newLockEntry(owner)
		s.locks.Store(norm, entry)
		return entry, true
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.owner == owner {
		entry.level++
		return entry, true
	}

	entry.refs++
	return entry, false
}

// LockCancelWait deregisters a waiter that timed out. The entry in the table
// must still be the entry the waiter registered against; anything else means
// the table churned underneath a live reference, which is a bookkeeping bug.
func (s *MemoryState) LockCancelWait(resource string, entry *LockEntry) {
	norm := s.keys.Normalize(resource)

	cur, ok := s.locks.Load(norm)
	if !ok || cur != entry {
		violationf("lock cancel", "entry for %q is not the registered entry", resource)
	}

	entry.refs--
	if entry.refs == 0 {
		s.locks.Delete(norm)
	}
}

// LockRelease runs the release bookkeeping: the reentrancy level drops by
// one, and on reaching zero the ownership clears and the reference count
// drops. The entry leaves the table when no holder or waiter references it.
//
// Returns true when a waiter remains and must be woken - the wake itself
// happens outside the dispatcher via SignalRelease.
func (s *MemoryState) LockRelease(resource string, entry *LockEntry, owner string) bool {
	norm := s.keys.Normalize(resource)

	cur, ok := s.locks.Load(norm)
	if !ok || cur != entry {
		violationf("lock release", "entry for %q is not the registered entry", resource)
	}

	entry.mu.Lock()
	if entry.owner != owner {
		entry.mu.Unlock()
		violationf("lock release", "resource %q is not held by %q", resource, owner)
	}

	entry.level--
	if entry.level > 0 {
		entry.mu.Unlock()
		return false
	}

	entry.owner = ""
	entry.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		s.locks.Delete(norm)
		return false
	}
	return true
}

// LockCount returns the number of resources currently in the lock table.
//
// Thread-safety: safe from any goroutine.
func (s *MemoryState) LockCount() int { return s.locks.Size() }
