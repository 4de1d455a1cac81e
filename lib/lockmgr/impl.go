package lockmgr

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/kiln-db/kiln/lib/engine"
)

var (
	acquireCounter = metrics.NewCounter(`kiln_lock_acquisitions_total`)
	timeoutCounter = metrics.NewCounter(`kiln_lock_timeouts_total`)
)

type lockMgrImpl struct {
	d *engine.Dispatcher
}

// NewLockManager creates a lock manager over the given dispatcher. The
// manager holds no state of its own - the lock table lives in the engine -
// so creating several managers over the same dispatcher is safe.
func NewLockManager(d *engine.Dispatcher) ILockManager {
	return &lockMgrImpl{d: d}
}

// acquireResult carries the dispatcher's answer out of the serialized step.
type acquireResult struct {
	entry    *engine.LockEntry
	acquired bool
}

func (m *lockMgrImpl) Acquire(owner, resource string, timeout time.Duration) (*Handle, error) {
	res, err := engine.Query(m.d, func(s *engine.MemoryState) (acquireResult, error) {
		entry, acquired := s.LockAcquire(resource, owner)
		return acquireResult{entry: entry, acquired: acquired}, nil
	})
	if err != nil {
		return nil, err
	}

	if res.acquired {
		acquireCounter.Inc()
		return &Handle{mgr: m, resource: resource, owner: owner, entry: res.entry}, nil
	}

	// Held by another owner: we are registered as a waiter on the entry and
	// block on its wake channel, outside the dispatcher.
	if timeout <= 0 {
		return nil, m.cancelWait(resource, res.entry)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-res.entry.Released():
			if res.entry.TryClaim(owner) {
				acquireCounter.Inc()
				return &Handle{mgr: m, resource: resource, owner: owner, entry: res.entry}, nil
			}
			// another waiter claimed first; keep waiting

		case <-timer.C:
			// A release may have raced the timer; honor it before failing so
			// the wake token is never lost.
			select {
			case <-res.entry.Released():
				if res.entry.TryClaim(owner) {
					acquireCounter.Inc()
					return &Handle{mgr: m, resource: resource, owner: owner, entry: res.entry}, nil
				}
			default:
			}
			return nil, m.cancelWait(resource, res.entry)
		}
	}
}

// cancelWait completes the table bookkeeping for a waiter that gives up:
// even though the caller no longer waits, the reference count must drop for
// table consistency.
func (m *lockMgrImpl) cancelWait(resource string, entry *engine.LockEntry) error {
	_, err := m.d.QueryAndWait(func(s *engine.MemoryState) (any, error) {
		s.LockCancelWait(resource, entry)
		return nil, nil
	})
	if err != nil {
		return err
	}
	timeoutCounter.Inc()
	return ErrTimeout
}

// Handle represents one acquisition of a resource. Each handle is released
// at most once; that is the releasing code's responsibility, not the
// manager's.
type Handle struct {
	mgr      *lockMgrImpl
	resource string
	owner    string
	entry    *engine.LockEntry
}

// Resource returns the resource name this handle was acquired for.
func (h *Handle) Resource() string { return h.resource }

// Release undoes one nesting level of the acquisition. When the last level
// is released the resource becomes available and one blocked waiter, if
// any, is woken. The wake happens outside the dispatcher on the entry's own
// primitive; only the table bookkeeping is serialized.
func (h *Handle) Release() error {
	wake, err := engine.Query(h.mgr.d, func(s *engine.MemoryState) (bool, error) {
		return s.LockRelease(h.resource, h.entry, h.owner), nil
	})
	if err != nil {
		return err
	}
	if wake {
		h.entry.SignalRelease()
	}
	return nil
}
