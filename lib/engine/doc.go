// Package engine implements the concurrent in-memory data engine behind the
// kiln job storage: jobs, named queues, and auxiliary key/value structures
// (hashes, lists, sorted sets, counters, server registrations) held entirely
// in memory with the consistency, indexing, and expiration guarantees a
// persistent store would normally supply.
//
// Architecture:
//
//   - MemoryState owns every collection - primary maps plus the secondary
//     indexes for job-state buckets and per-type expiration - and maintains
//     their invariants on every mutation. It is single-threaded in effect.
//
//   - Dispatcher is the single logical owner of all mutable state. Callers
//     on arbitrary goroutines submit operations as closures; a dedicated
//     writer goroutine executes them one at a time (QueryAndWait blocks for
//     the result, QueryNoWait is fire-and-forget with a process-wide fault
//     observer). Serializing every mutation through one goroutine is what
//     lets MemoryState avoid a lock per structure.
//
//   - The lock table and the queues add their own blocking primitives on top
//     of the serialized substrate, because waiting for another goroutine to
//     release something is exactly what a single writer cannot express. See
//     LockEntry and QueueEntry; the reentrant acquire/release protocol lives
//     in the lockmgr package.
//
//   - A background sweeper evicts expired entities. Each expirable entity is
//     a member of its type's expiration index exactly while its expiry is
//     set, so a sweep is a prefix scan over each index, not a table scan.
//
// Everything is volatile: the engine is single-process, single-owner and
// memory-resident. There is no durability, replication or multi-process
// sharing.
package engine
