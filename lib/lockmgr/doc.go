// Package lockmgr emulates distributed-lock semantics on top of the engine's
// serialized state: reentrant per-owner locks with timeout-based blocking
// acquisition and cross-goroutine release.
//
// Core Functionality:
//   - Lock acquisition with per-resource reentrancy (an owner may nest
//     acquisitions; matching releases are required)
//   - Bounded blocking: acquisition fails with ErrTimeout once the caller's
//     bound elapses, and a zero timeout fails immediately on contention
//   - Reference counting: a lock-table entry lives exactly as long as a
//     holder or waiter references it
//
// Implementation Approach:
//
//	The lock table itself is part of the engine's state, so every structural
//	mutation (entry creation, reference counting, removal) is serialized
//	through the dispatcher. Waiting is the one thing the single-writer model
//	cannot express - a blocked waiter must not occupy the writer - so
//	blocking happens outside the dispatcher on the entry's own wake channel:
//	a releasing goroutine hands over one wake token per full release, and
//	the woken waiter claims ownership under the entry's mutex.
//
//	Entry identity, not resource name, is the token exchanged between the
//	acquire and release paths. A name can be reused by a fresh entry after
//	table removal; bookkeeping against a stale entry is a consistency
//	violation, not a recoverable condition.
//
// Fairness:
//
//	Wake order between waiters on the same resource is best-effort, not
//	FIFO. One waiter is woken per full release; a waiter whose timeout races
//	a wake re-checks the wake token before failing, so a release is never
//	lost.
package lockmgr
