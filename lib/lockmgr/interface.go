package lockmgr

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when a lock is not acquired within the caller's
// bound. The lock-table bookkeeping for the failed waiter is still completed
// internally; the error is expected control flow, not a crash.
var ErrTimeout = errors.New("lockmgr: lock not acquired within timeout")

// ILockManager is the interface for acquiring resource locks.
type ILockManager interface {
	// Acquire obtains the named resource for the given owner, blocking up to
	// timeout if another owner holds it. Acquisition is reentrant: the same
	// owner may acquire a resource it already holds and receives a handle
	// for each nesting level. A timeout <= 0 fails immediately on contention
	// without blocking.
	Acquire(owner, resource string, timeout time.Duration) (*Handle, error)
}

// NewOwnerID generates a fresh owner identity. Owners model connections: all
// acquisitions sharing an owner ID are reentrant with respect to each other,
// so each logical connection should hold exactly one.
func NewOwnerID() string {
	return uuid.NewString()
}
